package daq

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

// SimConfig configures a simulated instrument pair.
type SimConfig struct {
	SampleFrequency float64
	SignalFrequency float64
	NoiseSigma      float64 // standard deviation of the response-channel noise
	Channels        int     // response channels, excluding the reference
	Seed            int64   // 0 picks a time-based seed
}

// SimSource synthesizes an exact reference sine of amplitude 1 on channel 0
// and the same sine plus zero-mean Gaussian noise on every response channel.
// The generation phase is carried across batches so consecutive retrieves form
// one continuous signal, exactly like a free-running generator would.
type SimSource struct {
	fs, f    float64
	sigma    float64
	channels int
	phase    float64
	started  bool
	rng      *rand.Rand
}

// NewSimSource creates a simulated source.
func NewSimSource(cfg SimConfig) *SimSource {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &SimSource{
		fs:       clampSampleFrequency(cfg.SampleFrequency),
		f:        clampSignalFrequency(cfg.SignalFrequency, clampSampleFrequency(cfg.SampleFrequency)),
		sigma:    cfg.NoiseSigma,
		channels: cfg.Channels,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// Start arms the simulated generator.
func (s *SimSource) Start() error {
	s.started = true
	s.phase = 0
	return nil
}

// Stop disarms the simulated generator.
func (s *SimSource) Stop() error {
	s.started = false
	return nil
}

// Close releases nothing but satisfies Source.
func (s *SimSource) Close() error {
	s.started = false
	return nil
}

// Retrieve synthesizes n samples per channel.
func (s *SimSource) Retrieve(n int) (Batch, error) {
	if !s.started {
		return Batch{}, ErrNotStarted
	}
	step := 2 * math.Pi * s.f / s.fs
	data := make([][]float64, s.channels+1)
	ref := make([]float64, n)
	for k := 0; k < n; k++ {
		ref[k] = math.Sin(s.phase + float64(k)*step)
	}
	data[0] = ref
	for c := 1; c <= s.channels; c++ {
		row := make([]float64, n)
		copy(row, ref)
		if s.sigma > 0 {
			addNoise(row, s.sigma, s.rng)
		}
		data[c] = row
	}
	s.phase = math.Mod(s.phase+step*float64(n), 2*math.Pi)
	return Batch{
		Data:    data,
		Elapsed: time.Duration(float64(n) / s.fs * float64(time.Second)),
	}, nil
}

// addNoise adds zero-mean Gaussian noise of the given sigma in place. The
// sample mean is subtracted so short batches carry no artificial DC.
func addNoise(row []float64, sigma float64, rng *rand.Rand) {
	noise := make([]float64, len(row))
	var mean float64
	for i := range noise {
		noise[i] = rng.NormFloat64() * sigma
		mean += noise[i]
	}
	mean /= float64(len(noise))
	for i := range row {
		row[i] += noise[i] - mean
	}
}

// Buffered always reports an empty device buffer: simulated samples are
// produced on demand.
func (s *SimSource) Buffered() (int, bool) { return 0, true }

// SetSignalFrequency sets the simulated excitation frequency.
func (s *SimSource) SetSignalFrequency(f float64) float64 {
	s.f = clampSignalFrequency(f, s.fs)
	return s.f
}

// SignalFrequency returns the simulated excitation frequency.
func (s *SimSource) SignalFrequency() float64 { return s.f }

// SetSampleFrequency sets the simulated sample rate.
func (s *SimSource) SetSampleFrequency(fs float64) float64 {
	s.fs = clampSampleFrequency(fs)
	return s.fs
}

// SampleFrequency returns the simulated sample rate.
func (s *SimSource) SampleFrequency() float64 { return s.fs }

// SetAmplitude reinterprets the generator amplitude as the noise sigma, the
// only amplitude a noise source has. The generated sine itself is always 1.
func (s *SimSource) SetAmplitude(a float64) float64 {
	s.sigma = a
	return a
}

// Amplitude reports the fixed unit amplitude of the simulated sine.
func (s *SimSource) Amplitude() float64 { return 1 }

// SetChannels resizes the set of response channels.
func (s *SimSource) SetChannels(n int) error {
	if n < 1 {
		return fmt.Errorf("daq: need at least one response channel, got %d", n)
	}
	s.channels = n
	return nil
}

// Channels returns the number of response channels.
func (s *SimSource) Channels() int { return s.channels }

// Package lockin implements the synchronous detection and filtering core of a
// software lock-in amplifier. Samples arrive in irregular-sized batches; the
// engine multiplies them with the running reference sine/cosine and pushes the
// mixed signal through two cascaded single-pole exponential smoothers using a
// closed-form batch update, so the per-sample filter recurrence never has to
// be unrolled one sample at a time.
package lockin

import (
	"errors"
	"math"
)

var (
	// ErrNotMeasuring is returned when batch processing or result extraction
	// is attempted on an engine that has not been started.
	ErrNotMeasuring = errors.New("lockin: instrument is not measuring")
	// ErrAlreadyMeasuring is returned by Start on a running engine.
	ErrAlreadyMeasuring = errors.New("lockin: instrument is already measuring")
	// ErrChannelMismatch is returned when a batch does not have one row per
	// channel plus the reference row.
	ErrChannelMismatch = errors.New("lockin: batch channel count mismatch")
)

// Engine holds the oscillator phase and the two-stage filter state of one
// lock-in instrument. Row 0 of every batch is the measured reference signal;
// rows 1..N are response channels.
type Engine struct {
	fs  float64 // sample frequency [Hz]
	f   float64 // reference frequency [Hz]
	tau float64 // filter time constant [s]

	phi       float64 // running oscillator phase, always in [0, 2pi)
	measuring bool

	// Per-channel accumulators, length channels+1, index 0 = reference.
	x1, y1 []float64 // stage 1 in-phase / quadrature
	x2, y2 []float64 // stage 2 in-phase / quadrature
}

// StageResult is the extracted output of one filter stage.
type StageResult struct {
	RefAmplitude float64   // detected reference amplitude
	Amplitude    []float64 // per response channel, normalized to the reference
	Phase        []float64 // per response channel, relative to the reference, in (-pi, pi]
}

// Results bundles both filter stages. Stage2 is the fully filtered lock-in
// output; Stage1 settles faster and is useful while tuning.
type Results struct {
	Stage1, Stage2 StageResult
}

// New creates an engine for the given number of response channels.
func New(channels int, fs, f, tau float64) *Engine {
	e := &Engine{fs: fs, f: f, tau: tau}
	e.alloc(channels)
	return e
}

func (e *Engine) alloc(channels int) {
	n := channels + 1
	e.x1 = make([]float64, n)
	e.y1 = make([]float64, n)
	e.x2 = make([]float64, n)
	e.y2 = make([]float64, n)
}

// Channels returns the number of response channels (excluding the reference).
func (e *Engine) Channels() int { return len(e.x1) - 1 }

// SetChannels resizes the accumulator vectors. Any filter state is discarded.
func (e *Engine) SetChannels(channels int) { e.alloc(channels) }

// SignalFrequency returns the reference frequency in Hz.
func (e *Engine) SignalFrequency() float64 { return e.f }

// SetSignalFrequency sets the reference frequency used for detection.
func (e *Engine) SetSignalFrequency(f float64) { e.f = f }

// SampleFrequency returns the sample frequency in Hz.
func (e *Engine) SampleFrequency() float64 { return e.fs }

// SetSampleFrequency sets the sample frequency of the incoming batches.
func (e *Engine) SetSampleFrequency(fs float64) { e.fs = fs }

// TimeConstant returns the filter time constant in seconds.
func (e *Engine) TimeConstant() float64 { return e.tau }

// SetTimeConstant sets the time constant of both filter stages.
func (e *Engine) SetTimeConstant(tau float64) { e.tau = tau }

// SetAlpha sets the time constant via the per-sample filter coefficient,
// tau = 1/(fs*(1-alpha)).
func (e *Engine) SetAlpha(alpha float64) { e.tau = 1 / e.fs / (1 - alpha) }

// Measuring reports whether the engine has been started.
func (e *Engine) Measuring() bool { return e.measuring }

// Start zeroes all accumulators and the oscillator phase and marks the engine
// as measuring.
func (e *Engine) Start() error {
	if e.measuring {
		return ErrAlreadyMeasuring
	}
	for i := range e.x1 {
		e.x1[i], e.y1[i], e.x2[i], e.y2[i] = 0, 0, 0, 0
	}
	e.phi = 0
	e.measuring = true
	return nil
}

// Stop marks the engine as idle. The accumulators keep their last value but
// are no longer defined as results.
func (e *Engine) Stop() error {
	if !e.measuring {
		return ErrNotMeasuring
	}
	e.measuring = false
	return nil
}

// Process folds one batch into the filter state. The update is mathematically
// identical to applying, per sample, detection followed by the two cascaded
// smoothers, but is computed in closed form from weight vectors built once
// per batch:
//
//	a = 1/(tau*fs), q = 1-a
//	w1[k] = a * q^(S-1-k)            sample k into stage 1
//	w2[k] = w1[k] * a * (S-k)        sample k into stage 2
//	x1' = q^S*x1 + sum(u_k*w1[k])
//	x2' = q^S*x2 + S*a*q^S*x1 + sum(u_k*w2[k])
//
// where u_k is the sample mixed with sin(phi_k) (and v_k with cos for y).
// Afterwards phi advances by S*2pi*f/fs modulo 2pi; the rounding drift this
// accumulates only rotates the common-mode phase, which normalization rejects.
func (e *Engine) Process(batch [][]float64) error {
	if !e.measuring {
		return ErrNotMeasuring
	}
	if len(batch) != len(e.x1) {
		return ErrChannelMismatch
	}
	if len(batch) == 0 || len(batch[0]) == 0 {
		return nil
	}
	s := len(batch[0])
	for _, row := range batch {
		if len(row) != s {
			return ErrChannelMismatch
		}
	}

	a := 1 / (e.tau * e.fs)
	lnq := math.Log(1 - a)
	qS := math.Exp(float64(s) * lnq)
	cross := float64(s) * a * qS
	step := 2 * math.Pi * e.f / e.fs

	// Detection and weight vectors, shared by all channels.
	sinw := make([]float64, s) // sin(phi_k) * w1[k]
	cosw := make([]float64, s) // cos(phi_k) * w1[k]
	g := make([]float64, s)    // extra stage-2 factor a*(S-k)
	for k := 0; k < s; k++ {
		w1 := a * math.Exp(float64(s-1-k)*lnq)
		sn, cs := math.Sincos(e.phi + float64(k)*step)
		sinw[k] = sn * w1
		cosw[k] = cs * w1
		g[k] = a * float64(s-k)
	}

	for c, row := range batch {
		var su1, cu1, su2, cu2 float64
		for k := 0; k < s; k++ {
			u := row[k] * sinw[k]
			v := row[k] * cosw[k]
			su1 += u
			cu1 += v
			su2 += u * g[k]
			cu2 += v * g[k]
		}
		// Stage 2 first: it consumes the previous stage-1 state.
		e.x2[c] = qS*e.x2[c] + cross*e.x1[c] + su2
		e.y2[c] = qS*e.y2[c] + cross*e.y1[c] + cu2
		e.x1[c] = qS*e.x1[c] + su1
		e.y1[c] = qS*e.y1[c] + cu1
	}

	e.phi = math.Mod(e.phi+step*float64(s), 2*math.Pi)
	return nil
}

// Results extracts amplitude and phase for both stages. Response channels are
// normalized to the reference of the same stage: amplitudes are divided by the
// raw reference amplitude and phases have the reference phase subtracted,
// wrapped back into (-pi, pi]. The reported stage-1 reference amplitude is
// doubled to undo the single-sided sine/cosine projection; stage-2 is left
// unscaled since its normalized channels cancel the factor anyway.
func (e *Engine) Results() (Results, error) {
	if !e.measuring {
		return Results{}, ErrNotMeasuring
	}
	return Results{
		Stage1: extract(e.x1, e.y1, 2),
		Stage2: extract(e.x2, e.y2, 1),
	}, nil
}

func extract(x, y []float64, refScale float64) StageResult {
	refAmp := math.Hypot(x[0], y[0])
	refPhase := math.Atan2(y[0], x[0])
	out := StageResult{
		RefAmplitude: refScale * refAmp,
		Amplitude:    make([]float64, len(x)-1),
		Phase:        make([]float64, len(x)-1),
	}
	for c := 1; c < len(x); c++ {
		out.Amplitude[c-1] = math.Hypot(x[c], y[c]) / refAmp
		out.Phase[c-1] = WrapPhase(math.Atan2(y[c], x[c]) - refPhase)
	}
	return out
}

// WrapPhase reduces a phase difference into (-pi, pi].
func WrapPhase(d float64) float64 {
	m := math.Mod(d+math.Pi, 2*math.Pi)
	if m <= 0 {
		m += 2 * math.Pi
	}
	return m - math.Pi
}

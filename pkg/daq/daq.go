// Package daq provides the sample sources feeding the lock-in engine: a
// simulated noise source and a device-backed source reading raw frames from a
// character device or named pipe. Both produce batches of multi-channel
// voltage samples with row 0 carrying the measured excitation signal.
package daq

import (
	"errors"
	"time"

	"github.com/charmbracelet/log"
)

// Device parameter limits. Requests outside these ranges are clamped with a
// warning rather than rejected.
const (
	MinSampleFrequency = 100    // Hz
	MaxSampleFrequency = 204800 // Hz
	MinSignalFrequency = 0.001  // Hz
	MinAmplitude       = 0.005635
	MaxAmplitude       = 12
)

var (
	// ErrHardwareTimeout is returned when a batch read does not complete
	// within its deadline.
	ErrHardwareTimeout = errors.New("daq: batch retrieval timed out")
	// ErrNotStarted is returned by Retrieve before Start.
	ErrNotStarted = errors.New("daq: acquisition not started")
	// ErrUnsupported is returned on platforms without device support.
	ErrUnsupported = errors.New("daq: device sources not supported on this platform")
)

// Batch is one contiguous block of samples. Data has channels+1 rows of equal
// length; row 0 is the reference. Elapsed is the acquisition time span the
// batch represents.
type Batch struct {
	Data    [][]float64
	Elapsed time.Duration
}

// Source is the capability the engine and scheduler depend on. Setters return
// the value actually in effect after clamping to device limits.
type Source interface {
	// Start arms generation and acquisition.
	Start() error
	// Retrieve reads n samples per channel. The read deadline grows with n
	// so a stalled device cannot hang the caller indefinitely.
	Retrieve(n int) (Batch, error)
	// Buffered reports how many acquired samples are still waiting on the
	// device side. ok is false when the device cannot tell.
	Buffered() (n int, ok bool)
	// Stop disarms generation and acquisition.
	Stop() error
	// Close releases the underlying session.
	Close() error

	SetSignalFrequency(f float64) float64
	SignalFrequency() float64
	SetSampleFrequency(fs float64) float64
	SampleFrequency() float64
	SetAmplitude(a float64) float64
	Amplitude() float64
	SetChannels(n int) error
	Channels() int
}

// clampSampleFrequency applies the digitizer sample rate limits.
func clampSampleFrequency(fs float64) float64 {
	switch {
	case fs < MinSampleFrequency:
		log.Warn("sample frequency below minimum, clamped", "requested", fs, "actual", float64(MinSampleFrequency))
		return MinSampleFrequency
	case fs > MaxSampleFrequency:
		log.Warn("sample frequency above maximum, clamped", "requested", fs, "actual", float64(MaxSampleFrequency))
		return MaxSampleFrequency
	}
	return fs
}

// clampSignalFrequency limits the excitation frequency to the Nyquist rate of
// the current sample frequency and warns when it gets close. Zero or negative
// requests are raised to the generator minimum so downstream period arithmetic
// stays finite.
func clampSignalFrequency(f, fs float64) float64 {
	if f < MinSignalFrequency {
		log.Warn("signal frequency below minimum, clamped", "requested", f, "actual", float64(MinSignalFrequency))
		return MinSignalFrequency
	}
	nyquist := fs / 2
	if f > nyquist {
		log.Warn("signal frequency above Nyquist limit, clamped", "requested", f, "actual", nyquist)
		return nyquist
	}
	if f > nyquist/5 {
		log.Warn("signal frequency close to Nyquist limit", "frequency", f, "nyquist", nyquist)
	}
	return f
}

// clampAmplitude applies the generator output range.
func clampAmplitude(a float64) float64 {
	switch {
	case a < MinAmplitude:
		log.Warn("generator amplitude below minimum, clamped", "requested", a, "actual", float64(MinAmplitude))
		return MinAmplitude
	case a > MaxAmplitude:
		log.Warn("generator amplitude above maximum, clamped", "requested", a, "actual", float64(MaxAmplitude))
		return MaxAmplitude
	}
	return a
}

//go:build linux

package daq

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sys/unix"
)

// baseRetrieveTimeout is added on top of the nominal acquisition time of a
// batch when computing the read deadline.
const baseRetrieveTimeout = 100 * time.Millisecond

// DeviceConfig selects and parametrizes a hardware-backed source.
type DeviceConfig struct {
	Path            string // character device or FIFO streaming sample frames
	SampleFrequency float64
	SignalFrequency float64
	Amplitude       float64
	Channels        int // response channels, excluding the reference
}

// DeviceSource reads interleaved little-endian float32 frames from a device
// path. One frame holds channels+1 values, reference first. The generator
// side of the instrument free-runs once started, so frames accumulate in the
// kernel buffer between retrieves; Buffered exposes that backlog for the
// scheduler's drift compensation.
type DeviceSource struct {
	path     string
	fd       int
	open     bool
	fs, f    float64
	amp      float64
	channels int
}

// NewDeviceSource creates a source for the given device path. The device is
// not opened until Start.
func NewDeviceSource(cfg DeviceConfig) *DeviceSource {
	fs := clampSampleFrequency(cfg.SampleFrequency)
	return &DeviceSource{
		path:     cfg.Path,
		fd:       -1,
		fs:       fs,
		f:        clampSignalFrequency(cfg.SignalFrequency, fs),
		amp:      clampAmplitude(cfg.Amplitude),
		channels: cfg.Channels,
	}
}

// Start opens the device and arms acquisition.
func (d *DeviceSource) Start() error {
	if d.open {
		return nil
	}
	fd, err := unix.Open(d.path, unix.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("daq: could not open device %s: %w", d.path, err)
	}
	// Grow the pipe buffer for throughput; best effort, FIFOs only.
	const maxPipeSize = 1024 * 1024
	_, _ = unix.FcntlInt(uintptr(fd), unix.F_SETPIPE_SZ, maxPipeSize)
	d.fd = fd
	d.open = true
	return nil
}

// Stop closes the acquisition side. Generation is controlled by whatever
// process feeds the device path, so there is nothing further to disarm.
func (d *DeviceSource) Stop() error { return d.Close() }

// Close releases the device handle.
func (d *DeviceSource) Close() error {
	if !d.open {
		return nil
	}
	d.open = false
	fd := d.fd
	d.fd = -1
	return unix.Close(fd)
}

// Retrieve reads n samples per channel, retrying short reads and EINTR until
// the deadline baseRetrieveTimeout + n/fs expires.
func (d *DeviceSource) Retrieve(n int) (Batch, error) {
	if !d.open {
		return Batch{}, ErrNotStarted
	}
	frameSize := (d.channels + 1) * 4
	buf := make([]byte, n*frameSize)
	deadline := time.Now().Add(baseRetrieveTimeout + time.Duration(float64(n)/d.fs*float64(time.Second)))

	total := 0
	for total < len(buf) {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Batch{}, fmt.Errorf("%w after %d of %d bytes", ErrHardwareTimeout, total, len(buf))
		}
		pfd := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLIN}}
		if _, err := unix.Poll(pfd, int(remaining.Milliseconds())+1); err != nil {
			if err == unix.EINTR {
				continue
			}
			return Batch{}, fmt.Errorf("daq: poll failed: %w", err)
		}
		m, err := unix.Read(d.fd, buf[total:])
		if m > 0 {
			total += m
		}
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return Batch{}, fmt.Errorf("daq: read failed after %d bytes: %w", total, err)
		}
		if m == 0 {
			log.Warn("device closed mid-batch", "path", d.path, "read", total)
			return Batch{}, fmt.Errorf("daq: device %s returned EOF", d.path)
		}
	}

	data := make([][]float64, d.channels+1)
	for c := range data {
		data[c] = make([]float64, n)
	}
	for k := 0; k < n; k++ {
		base := k * frameSize
		for c := 0; c <= d.channels; c++ {
			bits := binary.LittleEndian.Uint32(buf[base+c*4:])
			data[c][k] = float64(math.Float32frombits(bits))
		}
	}
	return Batch{
		Data:    data,
		Elapsed: time.Duration(float64(n) / d.fs * float64(time.Second)),
	}, nil
}

// Buffered reports the sample backlog in the kernel buffer via TIOCINQ.
func (d *DeviceSource) Buffered() (int, bool) {
	if !d.open {
		return 0, true
	}
	bytes, err := unix.IoctlGetInt(d.fd, unix.TIOCINQ)
	if err != nil {
		return 0, false
	}
	return bytes / ((d.channels + 1) * 4), true
}

// SetSignalFrequency clamps and stores the excitation frequency. The process
// feeding the device path is expected to follow the same configuration.
func (d *DeviceSource) SetSignalFrequency(f float64) float64 {
	d.f = clampSignalFrequency(f, d.fs)
	return d.f
}

// SignalFrequency returns the excitation frequency.
func (d *DeviceSource) SignalFrequency() float64 { return d.f }

// SetSampleFrequency clamps and stores the digitizer sample rate.
func (d *DeviceSource) SetSampleFrequency(fs float64) float64 {
	d.fs = clampSampleFrequency(fs)
	return d.fs
}

// SampleFrequency returns the digitizer sample rate.
func (d *DeviceSource) SampleFrequency() float64 { return d.fs }

// SetAmplitude clamps and stores the generator amplitude.
func (d *DeviceSource) SetAmplitude(a float64) float64 {
	d.amp = clampAmplitude(a)
	return d.amp
}

// Amplitude returns the generator amplitude.
func (d *DeviceSource) Amplitude() float64 { return d.amp }

// SetChannels resizes the expected frame layout. Only valid while stopped,
// since it changes the wire format of a frame.
func (d *DeviceSource) SetChannels(n int) error {
	if d.open {
		return fmt.Errorf("daq: cannot change channel count while acquiring")
	}
	if n < 1 {
		return fmt.Errorf("daq: need at least one response channel, got %d", n)
	}
	d.channels = n
	return nil
}

// Channels returns the number of response channels.
func (d *DeviceSource) Channels() int { return d.channels }

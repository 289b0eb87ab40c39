//go:build !linux

package daq

// DeviceConfig selects and parametrizes a hardware-backed source.
type DeviceConfig struct {
	Path            string
	SampleFrequency float64
	SignalFrequency float64
	Amplitude       float64
	Channels        int
}

// DeviceSource is only implemented on Linux; this stub keeps the package
// building elsewhere so the simulated backend remains usable.
type DeviceSource struct{}

func NewDeviceSource(cfg DeviceConfig) *DeviceSource { return &DeviceSource{} }

func (d *DeviceSource) Start() error                          { return ErrUnsupported }
func (d *DeviceSource) Stop() error                           { return nil }
func (d *DeviceSource) Close() error                          { return nil }
func (d *DeviceSource) Retrieve(n int) (Batch, error)         { return Batch{}, ErrUnsupported }
func (d *DeviceSource) Buffered() (int, bool)                 { return 0, false }
func (d *DeviceSource) SetSignalFrequency(f float64) float64  { return f }
func (d *DeviceSource) SignalFrequency() float64              { return 0 }
func (d *DeviceSource) SetSampleFrequency(fs float64) float64 { return fs }
func (d *DeviceSource) SampleFrequency() float64              { return 0 }
func (d *DeviceSource) SetAmplitude(a float64) float64        { return a }
func (d *DeviceSource) Amplitude() float64                    { return 0 }
func (d *DeviceSource) SetChannels(n int) error               { return ErrUnsupported }
func (d *DeviceSource) Channels() int                         { return 0 }

//go:build linux

package daq

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// End-to-end over a real named pipe: the frame simulator streams into the FIFO
// and a DeviceSource reads batches back out of it.
func TestDeviceSourceReadsSimulatedFrames(t *testing.T) {
	if testing.Short() {
		t.Skip("needs a named pipe and a streamer goroutine")
	}

	path := filepath.Join(t.TempDir(), "daq_pipe")
	go RunSimulator(path, 2, 51200, 1017.6, 0.05)
	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond, "simulator did not create the pipe")

	src := NewDeviceSource(DeviceConfig{
		Path:            path,
		SampleFrequency: 51200,
		SignalFrequency: 1017.6,
		Amplitude:       1,
		Channels:        2,
	})
	require.NoError(t, src.Start())
	defer src.Close()

	batch, err := src.Retrieve(4096)
	require.NoError(t, err)
	require.Len(t, batch.Data, 3)
	for _, row := range batch.Data {
		require.Len(t, row, 4096)
	}

	// The reference row spans many periods of a clean unit sine.
	min, max := batch.Data[0][0], batch.Data[0][0]
	for _, v := range batch.Data[0] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	assert.InDelta(t, 1.0, max, 1e-2)
	assert.InDelta(t, -1.0, min, 1e-2)

	_, ok := src.Buffered()
	assert.True(t, ok)

	// Channel layout is part of the wire format and must not change mid-run.
	assert.Error(t, src.SetChannels(3))
}

func TestDeviceSourceRetrieveRequiresStart(t *testing.T) {
	src := NewDeviceSource(DeviceConfig{Path: "/nonexistent", SampleFrequency: 1000, SignalFrequency: 10, Amplitude: 1, Channels: 1})
	_, err := src.Retrieve(8)
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestDeviceSourceClamping(t *testing.T) {
	src := NewDeviceSource(DeviceConfig{
		Path:            "/nonexistent",
		SampleFrequency: 1e9,
		SignalFrequency: 1e9,
		Amplitude:       100,
		Channels:        1,
	})
	assert.Equal(t, float64(MaxSampleFrequency), src.SampleFrequency())
	assert.Equal(t, MaxSampleFrequency/2.0, src.SignalFrequency())
	assert.Equal(t, float64(MaxAmplitude), src.Amplitude())
	assert.Equal(t, float64(MinAmplitude), src.SetAmplitude(0))
}

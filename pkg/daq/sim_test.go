package daq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimRetrieveRequiresStart(t *testing.T) {
	src := NewSimSource(SimConfig{SampleFrequency: 1000, SignalFrequency: 10, Channels: 1})
	_, err := src.Retrieve(8)
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestSimBatchShape(t *testing.T) {
	src := NewSimSource(SimConfig{SampleFrequency: 1000, SignalFrequency: 10, Channels: 3, Seed: 1})
	require.NoError(t, src.Start())

	batch, err := src.Retrieve(50)
	require.NoError(t, err)
	require.Len(t, batch.Data, 4)
	for _, row := range batch.Data {
		assert.Len(t, row, 50)
	}
	assert.Equal(t, 50*time.Millisecond, batch.Elapsed)
}

// Two small retrieves must produce the same signal as one large retrieve: the
// generation phase carries across batches.
func TestSimBatchContinuity(t *testing.T) {
	cfg := SimConfig{SampleFrequency: 1000, SignalFrequency: 37, Channels: 1, Seed: 42}

	whole := NewSimSource(cfg)
	require.NoError(t, whole.Start())
	big, err := whole.Retrieve(128)
	require.NoError(t, err)

	pieces := NewSimSource(cfg)
	require.NoError(t, pieces.Start())
	first, err := pieces.Retrieve(64)
	require.NoError(t, err)
	second, err := pieces.Retrieve(64)
	require.NoError(t, err)

	for k := 0; k < 64; k++ {
		assert.InDelta(t, big.Data[0][k], first.Data[0][k], 1e-9)
		assert.InDelta(t, big.Data[0][64+k], second.Data[0][k], 1e-9)
	}
}

func TestSimNoiseIsZeroMean(t *testing.T) {
	src := NewSimSource(SimConfig{SampleFrequency: 1000, SignalFrequency: 10, NoiseSigma: 0.5, Channels: 1, Seed: 7})
	require.NoError(t, src.Start())

	batch, err := src.Retrieve(1000)
	require.NoError(t, err)

	var mean float64
	for k := range batch.Data[1] {
		mean += batch.Data[1][k] - batch.Data[0][k]
	}
	mean /= float64(len(batch.Data[1]))
	assert.InDelta(t, 0, mean, 1e-9)
}

func TestSimParameterClamping(t *testing.T) {
	src := NewSimSource(SimConfig{SampleFrequency: 10, SignalFrequency: 10, Channels: 1})
	assert.Equal(t, float64(MinSampleFrequency), src.SampleFrequency())

	assert.Equal(t, float64(MaxSampleFrequency), src.SetSampleFrequency(1e9))
	assert.Equal(t, MaxSampleFrequency/2.0, src.SetSignalFrequency(1e9))
	assert.Equal(t, float64(MinSignalFrequency), src.SetSignalFrequency(0))
	assert.Equal(t, float64(MinSignalFrequency), src.SetSignalFrequency(-5))
}

func TestSimAmplitudeIsNoiseSigma(t *testing.T) {
	src := NewSimSource(SimConfig{SampleFrequency: 1000, SignalFrequency: 10, Channels: 1})
	assert.Equal(t, 0.2, src.SetAmplitude(0.2))
	// The synthesized sine itself is always unit amplitude.
	assert.Equal(t, 1.0, src.Amplitude())
}

func TestSimSetChannels(t *testing.T) {
	src := NewSimSource(SimConfig{SampleFrequency: 1000, SignalFrequency: 10, Channels: 1})
	require.NoError(t, src.SetChannels(3))
	assert.Equal(t, 3, src.Channels())
	assert.Error(t, src.SetChannels(0))
}

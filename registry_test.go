package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockin/pkg/daq"
)

// testConfig is the default setup pointed at the simulated backend with noise
// disabled and round numbers, so results are deterministic.
func testConfig() *config {
	cfg := getDefaults()
	cfg.Devices.Path = ""
	cfg.Lockin.NoiseSigma = 0
	cfg.Lockin.SampleFrequency = 1000
	cfg.Lockin.SignalFrequency = 10
	cfg.Lockin.IntegrationTime = 0.1
	// The simulated source reports an empty device buffer; keep the drift
	// nudging out of the virtual-clock pacing.
	cfg.Scheduler.LowWatermark = 0
	return &cfg
}

func TestResultBufferDiscardsWholeBufferWhenFull(t *testing.T) {
	b := newResultBuffer(3)
	b.append([]float64{1})
	b.append([]float64{2})
	b.append([]float64{3})
	b.append([]float64{4})

	// The overflowing append wipes everything accumulated so far and starts
	// over, it never evicts row by row.
	assert.Equal(t, 1, b.count())
	row, ok := b.last()
	require.True(t, ok)
	assert.Equal(t, []float64{4}, row)
}

func TestResultBufferDrain(t *testing.T) {
	b := newResultBuffer(10)
	b.append([]float64{1, 2})
	b.append([]float64{3, 4})

	rows := b.drain()
	assert.Equal(t, [][]float64{{1, 2}, {3, 4}}, rows)
	assert.Equal(t, 0, b.count())
	_, ok := b.last()
	assert.False(t, ok)
}

func TestCreateExhaustsDevicePools(t *testing.T) {
	cfg := testConfig()
	cfg.Devices.Generators = "GEN_A,GEN_B"
	cfg.Devices.Analysers = "ANA_A"
	reg := newRegistry(cfg)

	_, err := reg.create()
	require.NoError(t, err)

	// The analyser pool is empty now; the generator grabbed for the second
	// instrument must go back.
	_, err = reg.create()
	assert.ErrorIs(t, err, errPoolExhausted)
	assert.Equal(t, 1, reg.count())
	assert.Equal(t, 1, reg.generators.free())
	assert.Equal(t, 0, reg.analysers.free())
}

func TestCloseReleasesDevicesAndNeverReusesIDs(t *testing.T) {
	reg := newRegistry(testConfig())

	first, err := reg.create()
	require.NoError(t, err)
	assert.Equal(t, 1, first.id)

	require.NoError(t, reg.close(1))
	assert.Equal(t, 0, reg.count())
	assert.Equal(t, 2, reg.generators.free())
	assert.Equal(t, 2, reg.analysers.free())

	second, err := reg.create()
	require.NoError(t, err)
	assert.Equal(t, 2, second.id)
}

func TestCloseShiftsProtocolIndices(t *testing.T) {
	reg := newRegistry(testConfig())
	_, err := reg.create()
	require.NoError(t, err)
	second, err := reg.create()
	require.NoError(t, err)

	require.NoError(t, reg.close(1))
	got, err := reg.get(1)
	require.NoError(t, err)
	assert.Equal(t, second.id, got.id)
}

func TestGetRejectsBadIndices(t *testing.T) {
	reg := newRegistry(testConfig())
	_, err := reg.get(0)
	assert.ErrorIs(t, err, errNoSelection)
	_, err = reg.get(1)
	assert.ErrorIs(t, err, errNoSelection)
}

func TestSetIntegrationTimeSplitsLongCycles(t *testing.T) {
	reg := newRegistry(testConfig())
	inst, err := reg.create()
	require.NoError(t, err)

	inst.setIntegrationTime(1.2, 0.5)
	assert.Equal(t, 3, inst.batchesPerIntegration)
	assert.InDelta(t, 0.4, inst.acquireInterval, 1e-12)
	assert.InDelta(t, 1.2, inst.eng.TimeConstant(), 1e-12)

	inst.setIntegrationTime(0.1, 0.5)
	assert.Equal(t, 1, inst.batchesPerIntegration)
	assert.InDelta(t, 0.1, inst.acquireInterval, 1e-12)
}

func TestBatchSamplesRoundsToWholePeriods(t *testing.T) {
	cfg := testConfig()
	cfg.Lockin.SignalFrequency = 37
	reg := newRegistry(cfg)
	inst, err := reg.create()
	require.NoError(t, err)

	// 0.1 s at 37 Hz is 3.7 periods; rounded to 4 periods of 1000/37 samples.
	assert.Equal(t, 108, inst.batchSamples())
}

func TestSetChannelsLimit(t *testing.T) {
	reg := newRegistry(testConfig())
	inst, err := reg.create()
	require.NoError(t, err)

	require.NoError(t, inst.setChannels(3, 3))
	assert.Equal(t, 3, inst.eng.Channels())
	assert.Equal(t, 3, inst.src.Channels())

	assert.Error(t, inst.setChannels(4, 3))
}

func TestFrequencySettersKeepEngineAndSourceAligned(t *testing.T) {
	reg := newRegistry(testConfig())
	inst, err := reg.create()
	require.NoError(t, err)

	// Above Nyquist the source clamps; the engine must follow the clamped
	// value, not the request.
	inst.setSignalFrequency(1e9)
	assert.Equal(t, inst.src.SignalFrequency(), inst.eng.SignalFrequency())
	assert.Equal(t, 500.0, inst.eng.SignalFrequency())

	inst.setSampleFrequency(10)
	assert.Equal(t, 100.0, inst.eng.SampleFrequency())

	// A zero request clamps to the generator minimum, keeping the batch period
	// arithmetic finite.
	inst.setSignalFrequency(0)
	assert.Equal(t, daq.MinSignalFrequency, inst.eng.SignalFrequency())
	assert.Positive(t, inst.batchSamples())
}

func TestLowWatermarkPostponesRetrieval(t *testing.T) {
	cfg := testConfig()
	cfg.Scheduler.LowWatermark = 2000 // simulated source always reports 0 buffered
	reg := newRegistry(cfg)
	inst, err := reg.create()
	require.NoError(t, err)

	t0 := time.Unix(0, 0)
	require.NoError(t, inst.start(t0))
	reg.tick(t0.Add(100 * time.Millisecond))

	want := t0.Add(200*time.Millisecond + time.Duration(cfg.Scheduler.LateStepMs)*time.Millisecond)
	assert.Equal(t, want, inst.nextRetrieval)
}

package main

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/charmbracelet/log"

	"github.com/lockin/pkg/daq"
	"github.com/lockin/pkg/lockin"
)

var (
	errNoSelection      = errors.New("no lock-in selected")
	errInvalidSelection = errors.New("instrument index out of range")
	errPoolExhausted    = errors.New("no free generator or analyser device")
)

// devicePool tracks a fixed list of device identifiers, each either free or
// owned by an instrument.
type devicePool struct {
	names []string
	used  []bool
}

func newDevicePool(names []string) *devicePool {
	return &devicePool{names: names, used: make([]bool, len(names))}
}

func (p *devicePool) acquire() (string, error) {
	for i, inUse := range p.used {
		if !inUse {
			p.used[i] = true
			return p.names[i], nil
		}
	}
	return "", errPoolExhausted
}

func (p *devicePool) release(name string) {
	for i, n := range p.names {
		if n == name {
			p.used[i] = false
			return
		}
	}
}

func (p *devicePool) free() int {
	n := 0
	for _, inUse := range p.used {
		if !inUse {
			n++
		}
	}
	return n
}

// resultBuffer is a bounded log of result rows. When an append would exceed
// the capacity the whole log is discarded rather than evicting the oldest
// row; readers are expected to tolerate losing an unread batch of results.
type resultBuffer struct {
	rows  [][]float64
	limit int
}

func newResultBuffer(limit int) *resultBuffer {
	return &resultBuffer{rows: make([][]float64, 0, limit), limit: limit}
}

func (b *resultBuffer) append(row []float64) {
	if len(b.rows) == b.limit {
		log.Warn("result buffer reached capacity, discarding whole buffer", "capacity", b.limit)
		b.rows = b.rows[:0]
	}
	b.rows = append(b.rows, row)
}

// drain returns all buffered rows and resets the buffer.
func (b *resultBuffer) drain() [][]float64 {
	out := make([][]float64, len(b.rows))
	copy(out, b.rows)
	b.rows = b.rows[:0]
	return out
}

// last returns the most recent row without draining.
func (b *resultBuffer) last() ([]float64, bool) {
	if len(b.rows) == 0 {
		return nil, false
	}
	return b.rows[len(b.rows)-1], true
}

func (b *resultBuffer) reset() { b.rows = b.rows[:0] }

func (b *resultBuffer) count() int { return len(b.rows) }

// Instrument is one logical lock-in channel set: its sample source, detection
// engine, integration cycle state, result logs and the pool devices it owns.
type Instrument struct {
	id     int
	genDev string
	anaDev string

	src daq.Source
	eng *lockin.Engine

	integrationTime       float64
	acquireInterval       float64
	batchesPerIntegration int
	batchCount            int
	nextRetrieval         time.Time

	phaseOffset float64

	amps   *resultBuffer // rows: refAmplitude, then one normalized amplitude per channel
	phases *resultBuffer // rows: one offset-corrected phase per channel

	recorder *resultRecorder
}

// Registry owns every instrument plus the generator and analyser pools. All
// access happens from the polling loop goroutine, so no locking is needed.
type Registry struct {
	cfg        *config
	nextID     int
	live       []*Instrument // protocol order: index 1 addresses live[0]
	generators *devicePool
	analysers  *devicePool
}

func newRegistry(cfg *config) *Registry {
	return &Registry{
		cfg:        cfg,
		nextID:     1,
		generators: newDevicePool(cfg.generatorList()),
		analysers:  newDevicePool(cfg.analyserList()),
	}
}

// count returns the number of live instruments.
func (r *Registry) count() int { return len(r.live) }

// get resolves a 1-based protocol index; 0 means nothing is selected.
func (r *Registry) get(idx int) (*Instrument, error) {
	if idx <= 0 || idx > len(r.live) {
		return nil, errNoSelection
	}
	return r.live[idx-1], nil
}

// create allocates one generator and one analyser from the pools, builds a
// sample source for them and appends a fresh instrument. Both devices are
// returned to their pools if anything fails.
func (r *Registry) create() (*Instrument, error) {
	genDev, err := r.generators.acquire()
	if err != nil {
		return nil, fmt.Errorf("out of waveform generators: %w", err)
	}
	anaDev, err := r.analysers.acquire()
	if err != nil {
		r.generators.release(genDev)
		return nil, fmt.Errorf("out of signal analysers: %w", err)
	}

	channels := r.cfg.Devices.Channels
	if channels < 1 {
		channels = 1
	}
	var src daq.Source
	if r.cfg.Devices.Path != "" {
		src = daq.NewDeviceSource(daq.DeviceConfig{
			Path:            r.cfg.Devices.Path,
			SampleFrequency: r.cfg.Lockin.SampleFrequency,
			SignalFrequency: r.cfg.Lockin.SignalFrequency,
			Amplitude:       1,
			Channels:        channels,
		})
	} else {
		src = daq.NewSimSource(daq.SimConfig{
			SampleFrequency: r.cfg.Lockin.SampleFrequency,
			SignalFrequency: r.cfg.Lockin.SignalFrequency,
			NoiseSigma:      r.cfg.Lockin.NoiseSigma,
			Channels:        channels,
		})
	}

	inst := &Instrument{
		id:     r.nextID,
		genDev: genDev,
		anaDev: anaDev,
		src:    src,
		eng:    lockin.New(channels, src.SampleFrequency(), src.SignalFrequency(), r.cfg.Lockin.IntegrationTime),
		amps:   newResultBuffer(r.cfg.Scheduler.ResultBufferCap),
		phases: newResultBuffer(r.cfg.Scheduler.ResultBufferCap),
	}
	inst.setIntegrationTime(r.cfg.Lockin.IntegrationTime, r.cfg.Scheduler.MaxAcquireInterval)
	r.nextID++
	r.live = append(r.live, inst)
	log.Info("created instrument", "id", inst.id, "generator", genDev, "analyser", anaDev)
	return inst, nil
}

// close releases the instrument at the given protocol index: devices go back
// to their pools and the slot disappears from the protocol numbering. The
// instrument id is never reused.
func (r *Registry) close(idx int) error {
	inst, err := r.get(idx)
	if err != nil {
		return err
	}
	if inst.eng.Measuring() {
		_ = inst.eng.Stop()
		_ = inst.src.Stop()
	}
	if inst.recorder != nil {
		if err := inst.recorder.Close(); err != nil {
			log.Error("failed to close result recorder", "id", inst.id, "err", err)
		}
		inst.recorder = nil
	}
	if err := inst.src.Close(); err != nil {
		log.Error("failed to close sample source", "id", inst.id, "err", err)
	}
	r.generators.release(inst.genDev)
	r.analysers.release(inst.anaDev)
	r.live = append(r.live[:idx-1], r.live[idx:]...)
	log.Info("closed instrument", "id", inst.id)
	return nil
}

// closeAll closes every live instrument.
func (r *Registry) closeAll() {
	for len(r.live) > 0 {
		if err := r.close(1); err != nil {
			log.Error("close failed during shutdown", "err", err)
			return
		}
	}
}

// setIntegrationTime updates the filter time constant and splits the
// integration period into equal acquisitions no longer than the hardware-safe
// ceiling.
func (inst *Instrument) setIntegrationTime(t, maxAcquire float64) {
	n := int(math.Ceil(t / maxAcquire))
	if n < 1 {
		n = 1
	}
	inst.integrationTime = t
	inst.batchesPerIntegration = n
	inst.acquireInterval = t / float64(n)
	inst.eng.SetTimeConstant(t)
	log.Info("integration cycle configured",
		"tint", inst.integrationTime, "dt", inst.acquireInterval, "ratio", inst.batchesPerIntegration)
}

// start begins a measurement: accumulators zeroed, cycle counters reset, the
// first retrieval scheduled one acquire interval from now.
func (inst *Instrument) start(now time.Time) error {
	if err := inst.eng.Start(); err != nil {
		return err
	}
	if err := inst.src.Start(); err != nil {
		_ = inst.eng.Stop()
		return err
	}
	inst.batchCount = 0
	inst.nextRetrieval = now.Add(time.Duration(inst.acquireInterval * float64(time.Second)))
	return nil
}

// stop ends a measurement. Stopping an idle instrument is a state-machine
// violation, mirroring the start contract.
func (inst *Instrument) stop() error {
	if err := inst.eng.Stop(); err != nil {
		return err
	}
	return inst.src.Stop()
}

// setChannels resizes source and engine together; filter state is discarded.
func (inst *Instrument) setChannels(n, maxChannels int) error {
	if n > maxChannels {
		return fmt.Errorf("requested %d channels, maximum is %d", n, maxChannels)
	}
	if err := inst.src.SetChannels(n); err != nil {
		return err
	}
	inst.eng.SetChannels(n)
	return nil
}

// setSignalFrequency pushes the requested excitation frequency to the device
// and keeps the detection engine on the value actually in effect.
func (inst *Instrument) setSignalFrequency(f float64) {
	inst.eng.SetSignalFrequency(inst.src.SetSignalFrequency(f))
}

// setSampleFrequency does the same for the digitizer rate.
func (inst *Instrument) setSampleFrequency(fs float64) {
	inst.eng.SetSampleFrequency(inst.src.SetSampleFrequency(fs))
}

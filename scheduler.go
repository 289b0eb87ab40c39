package main

import (
	"fmt"
	"math"
	"time"

	"github.com/charmbracelet/log"
)

// tick advances every measuring instrument whose retrieval deadline has
// passed. A failure on one slot is logged and must not keep the others from
// being serviced.
func (r *Registry) tick(now time.Time) {
	for _, inst := range r.live {
		if !inst.eng.Measuring() || now.Before(inst.nextRetrieval) {
			continue
		}
		if err := r.step(inst); err != nil {
			log.Error("measurement step failed", "id", inst.id, "err", err)
		}
	}
}

// step performs one batch retrieval for an instrument: pull a batch rounded
// to whole reference periods, run detection and filtering, compensate for
// clock drift against the device buffer occupancy, and close out the
// integration cycle when due.
func (r *Registry) step(inst *Instrument) error {
	batch, err := inst.src.Retrieve(inst.batchSamples())
	if err != nil {
		// Skip ahead one nominal interval so a dead device cannot pin the
		// loop on this slot.
		inst.nextRetrieval = inst.nextRetrieval.Add(time.Duration(inst.acquireInterval * float64(time.Second)))
		return fmt.Errorf("retrieve: %w", err)
	}
	if err := inst.eng.Process(batch.Data); err != nil {
		return fmt.Errorf("process: %w", err)
	}

	// Advance by the span the batch actually covered, not the nominal
	// interval, so period rounding never accumulates.
	inst.nextRetrieval = inst.nextRetrieval.Add(batch.Elapsed)

	// Clock-rate mismatch between this host and the instrument shows up as a
	// drifting device-side backlog; nudge the deadline to counter it.
	if buffered, ok := inst.src.Buffered(); ok {
		if buffered > r.cfg.Scheduler.HighWatermark {
			inst.nextRetrieval = inst.nextRetrieval.Add(-r.cfg.earlyStep())
			log.Info("made next retrieval earlier", "id", inst.id, "buffered", buffered)
		} else if buffered < r.cfg.Scheduler.LowWatermark {
			inst.nextRetrieval = inst.nextRetrieval.Add(r.cfg.lateStep())
			log.Info("postponed next retrieval", "id", inst.id, "buffered", buffered)
		}
	}

	inst.batchCount++
	if inst.batchCount < inst.batchesPerIntegration {
		return nil
	}
	inst.batchCount = 0
	return inst.integrate()
}

// batchSamples converts the acquire interval into a sample count rounded to a
// whole number of reference periods, avoiding windowing artefacts from
// partial periods.
func (inst *Instrument) batchSamples() int {
	f := inst.eng.SignalFrequency()
	fs := inst.eng.SampleFrequency()
	periods := math.Round(inst.acquireInterval * f)
	if periods < 1 {
		periods = 1
	}
	n := int(math.Round(periods * fs / f))
	if n < 1 {
		n = 1
	}
	return n
}

// integrate closes one integration cycle: extract amplitude and phase, apply
// the phase offset and append to the result logs.
func (inst *Instrument) integrate() error {
	res, err := inst.eng.Results()
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}
	final := res.Stage2

	ampRow := make([]float64, 0, len(final.Amplitude)+1)
	ampRow = append(ampRow, final.RefAmplitude)
	ampRow = append(ampRow, final.Amplitude...)

	phaseRow := make([]float64, len(final.Phase))
	for i, p := range final.Phase {
		phaseRow[i] = p - inst.phaseOffset
	}

	inst.amps.append(ampRow)
	inst.phases.append(phaseRow)

	if inst.recorder != nil {
		if err := inst.recorder.write(time.Now(), final.RefAmplitude, final.Amplitude, phaseRow); err != nil {
			log.Error("result recording failed, stopping recorder", "id", inst.id, "err", err)
			_ = inst.recorder.Close()
			inst.recorder = nil
		}
	}

	log.Debug("integration complete", "id", inst.id,
		"ref", final.RefAmplitude, "r", final.Amplitude, "phi", phaseRow)
	return nil
}

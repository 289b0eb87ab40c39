package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/segmentio/parquet-go"
)

// ResultRow is one archived integration result. The schema carries the
// maximum of three response channels; unused columns stay zero.
type ResultRow struct {
	TimestampUs  int64   `parquet:"timestamp_us"`
	RefAmplitude float64 `parquet:"ref_amplitude"`
	R1           float64 `parquet:"r1"`
	R2           float64 `parquet:"r2"`
	R3           float64 `parquet:"r3"`
	Phi1         float64 `parquet:"phi1"`
	Phi2         float64 `parquet:"phi2"`
	Phi3         float64 `parquet:"phi3"`
}

// recorderSettings is serialized into the file metadata so an archive is
// interpretable without the session log.
type recorderSettings struct {
	InstrumentID    int     `json:"instrument_id"`
	Generator       string  `json:"generator"`
	Analyser        string  `json:"analyser"`
	SignalFrequency float64 `json:"f"`
	SampleFrequency float64 `json:"fs"`
	IntegrationTime float64 `json:"t"`
	Channels        int     `json:"channels"`
}

// resultRecorder streams integration results of one instrument to a parquet
// file.
type resultRecorder struct {
	file   *os.File
	writer *parquet.GenericWriter[ResultRow]
}

func newResultRecorder(path string, inst *Instrument) (*resultRecorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	settings, _ := json.Marshal(recorderSettings{
		InstrumentID:    inst.id,
		Generator:       inst.genDev,
		Analyser:        inst.anaDev,
		SignalFrequency: inst.eng.SignalFrequency(),
		SampleFrequency: inst.eng.SampleFrequency(),
		IntegrationTime: inst.integrationTime,
		Channels:        inst.eng.Channels(),
	})
	return &resultRecorder{
		file:   f,
		writer: parquet.NewGenericWriter[ResultRow](f, parquet.KeyValueMetadata("settings", string(settings))),
	}, nil
}

func (r *resultRecorder) write(ts time.Time, refAmp float64, amps, phases []float64) error {
	row := ResultRow{
		TimestampUs:  ts.UnixMicro(),
		RefAmplitude: refAmp,
	}
	targetsR := []*float64{&row.R1, &row.R2, &row.R3}
	targetsP := []*float64{&row.Phi1, &row.Phi2, &row.Phi3}
	for i := 0; i < len(amps) && i < len(targetsR); i++ {
		*targetsR[i] = amps[i]
	}
	for i := 0; i < len(phases) && i < len(targetsP); i++ {
		*targetsP[i] = phases[i]
	}
	_, err := r.writer.Write([]ResultRow{row})
	return err
}

func (r *resultRecorder) Close() error {
	if err := r.writer.Close(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}

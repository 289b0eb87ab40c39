package main

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

var errInvalidCommand = errors.New("invalid command")

// errResultUnavailable is a retry signal, not a failure: the command stays
// queued and is re-dispatched on a later polling iteration.
var errResultUnavailable = errors.New("result not yet available")

// session is the state of the command protocol: which instrument is selected
// and how to request process shutdown. Replies follow the wire contract of
// the protocol: OK with an optional payload, ERROR with detail logged only,
// or silence when a result is not yet available.
type session struct {
	reg      *Registry
	cfg      *config
	selected int // protocol index, 0 = none
	shutdown func()
	now      func() time.Time
}

func newSession(reg *Registry, cfg *config, shutdown func()) *session {
	return &session{reg: reg, cfg: cfg, shutdown: shutdown, now: time.Now}
}

// dispatch executes one command line. pending is true when the command could
// not be answered yet and should be retried next iteration; firstTry mutes
// the repeated not-yet-available warnings on those retries.
func (s *session) dispatch(line string, firstTry bool) (reply string, pending bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return "", false
	}
	if firstTry {
		log.Info("command", "line", trimmed)
	}

	reply, err := s.execute(trimmed)
	if err != nil {
		if errors.Is(err, errResultUnavailable) {
			if firstTry {
				log.Warn("result not available, will try again next iteration", "command", trimmed)
			}
			return "", true
		}
		log.Error("command failed", "command", trimmed, "err", err)
		return "ERROR", false
	}
	return reply, false
}

func (s *session) execute(line string) (string, error) {
	fields := strings.Fields(line)
	verb := strings.ToUpper(fields[0])
	args := fields[1:]

	switch verb {
	case "*IDN?":
		return s.cfg.Identification, nil
	case "SELECT":
		if len(args) != 1 {
			return "", fmt.Errorf("%w: SELECT needs an instrument number", errInvalidCommand)
		}
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return "", fmt.Errorf("%w: bad instrument number %q", errInvalidCommand, args[0])
		}
		if err := s.selectInstrument(n); err != nil {
			return "", err
		}
		return "OK", nil
	case "GET":
		if len(args) != 1 {
			return "", fmt.Errorf("%w: GET needs a variable name", errInvalidCommand)
		}
		payload, err := s.get(strings.ToUpper(args[0]))
		if err != nil {
			return "", fmt.Errorf("GET %s failed: %w", args[0], err)
		}
		return "OK " + payload, nil
	case "SET":
		if len(args) != 2 {
			return "", fmt.Errorf("%w: SET needs a variable and a value, got %d arguments", errInvalidCommand, len(args))
		}
		if err := s.set(strings.ToUpper(args[0]), args[1]); err != nil {
			return "", fmt.Errorf("SET %s failed: %w", args[0], err)
		}
		return "OK", nil
	case "START":
		inst, err := s.reg.get(s.selected)
		if err != nil {
			return "", err
		}
		if err := inst.start(s.now()); err != nil {
			return "", err
		}
		return "OK", nil
	case "STOP":
		inst, err := s.reg.get(s.selected)
		if err != nil {
			return "", err
		}
		if err := inst.stop(); err != nil {
			return "", err
		}
		return "OK", nil
	case "CLOSE":
		if len(args) == 1 && strings.EqualFold(args[0], "ALL") {
			s.shutdown()
			return "OK", nil
		}
		idx := s.selected
		if err := s.reg.close(idx); err != nil {
			return "", err
		}
		if s.selected == idx {
			s.selected = 0
		} else if s.selected > idx {
			s.selected--
		}
		return "OK", nil
	case "PHASENULL":
		ch := "1"
		if len(args) == 1 {
			ch = args[0]
		}
		if err := s.phaseNull(ch); err != nil {
			return "", err
		}
		return "OK", nil
	case "RECORD":
		if err := s.record(args); err != nil {
			return "", err
		}
		return "OK", nil
	default:
		return "", fmt.Errorf("%w: unknown verb %q", errInvalidCommand, verb)
	}
}

// selectInstrument selects an existing instrument, or creates one when n is
// exactly one past the end. Zero and below drop the selection.
func (s *session) selectInstrument(n int) error {
	switch {
	case n <= 0:
		s.selected = 0
		log.Info("deselected lockin")
		return nil
	case n <= s.reg.count():
		s.selected = n
		log.Info("selected lockin", "index", n)
		return nil
	case n == s.reg.count()+1:
		if _, err := s.reg.create(); err != nil {
			return fmt.Errorf("failed to create new instrument: %w", err)
		}
		s.selected = n
		log.Info("created and selected lockin", "index", n)
		return nil
	default:
		return fmt.Errorf("%w: instrument %d does not exist and is not the next one to be created",
			errInvalidSelection, n)
	}
}

func (s *session) get(name string) (string, error) {
	inst, err := s.reg.get(s.selected)
	if err != nil {
		return "", err
	}
	switch name {
	case "RPHIBUFFER":
		if inst.amps.count() == 0 || inst.phases.count() == 0 {
			return "", errResultUnavailable
		}
		amps := inst.amps.drain()
		phases := inst.phases.drain()
		// The two logs drift apart when GET R or GET PHI drained only one of
		// them; pair the trailing rows that exist in both.
		n := len(amps)
		if len(phases) < n {
			n = len(phases)
		}
		rows := make([][]float64, n)
		for i := 0; i < n; i++ {
			a := amps[len(amps)-n+i]
			p := phases[len(phases)-n+i]
			rows[i] = append(append([]float64{}, a...), p...)
		}
		return fmtRows(rows), nil
	case "RPHI":
		return s.liveRPhi(inst)
	case "R":
		row, ok := inst.amps.last()
		if !ok {
			return "", errResultUnavailable
		}
		inst.amps.reset()
		log.Info("returning R", "id", inst.id)
		return fmtRow(row[1:]), nil
	case "PHI":
		row, ok := inst.phases.last()
		if !ok {
			return "", errResultUnavailable
		}
		inst.phases.reset()
		log.Info("returning PHI", "id", inst.id)
		return fmtRow(row), nil
	case "XY", "X", "Y":
		ampRow, okA := inst.amps.last()
		phaseRow, okP := inst.phases.last()
		if !okA || !okP {
			return "", errResultUnavailable
		}
		inst.amps.reset()
		inst.phases.reset()
		x := make([]float64, len(phaseRow))
		y := make([]float64, len(phaseRow))
		for i := range phaseRow {
			x[i] = ampRow[i+1] * math.Cos(phaseRow[i])
			y[i] = ampRow[i+1] * math.Sin(phaseRow[i])
		}
		switch name {
		case "X":
			return fmtRow(x), nil
		case "Y":
			return fmtRow(y), nil
		}
		return fmtRow(append(x, y...)), nil
	case "F":
		return fmtFloat(inst.eng.SignalFrequency()), nil
	case "FS":
		return fmtFloat(inst.eng.SampleFrequency()), nil
	case "A":
		return fmtFloat(inst.src.Amplitude()), nil
	case "T":
		return fmtFloat(inst.integrationTime), nil
	case "PHASEOFFSET":
		return fmtFloat(inst.phaseOffset), nil
	default:
		return "", fmt.Errorf("%w: invalid variable %s", errInvalidCommand, name)
	}
}

// liveRPhi reads the extractor directly instead of the result logs: both
// stages on one row, amplitudes first, then offset-corrected phases.
func (s *session) liveRPhi(inst *Instrument) (string, error) {
	res, err := inst.eng.Results()
	if err != nil {
		return "", err
	}
	row := []float64{res.Stage1.RefAmplitude}
	row = append(row, res.Stage1.Amplitude...)
	row = append(row, res.Stage2.RefAmplitude)
	row = append(row, res.Stage2.Amplitude...)
	for _, p := range res.Stage1.Phase {
		row = append(row, p-inst.phaseOffset)
	}
	for _, p := range res.Stage2.Phase {
		row = append(row, p-inst.phaseOffset)
	}
	return fmtRow(row), nil
}

func (s *session) set(name, value string) error {
	inst, err := s.reg.get(s.selected)
	if err != nil {
		return err
	}

	parseFloat := func() (float64, error) {
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: bad value %q", errInvalidCommand, value)
		}
		return v, nil
	}

	switch name {
	case "F":
		v, err := parseFloat()
		if err != nil {
			return err
		}
		inst.setSignalFrequency(v)
	case "FS":
		v, err := parseFloat()
		if err != nil {
			return err
		}
		inst.setSampleFrequency(v)
	case "A":
		v, err := parseFloat()
		if err != nil {
			return err
		}
		inst.src.SetAmplitude(v)
	case "T":
		v, err := parseFloat()
		if err != nil {
			return err
		}
		inst.setIntegrationTime(v, s.cfg.Scheduler.MaxAcquireInterval)
	case "PHASEOFFSET":
		v, err := parseFloat()
		if err != nil {
			return err
		}
		inst.phaseOffset = v
	case "MEASCH":
		channels := splitList(value)
		if len(channels) == 0 {
			return fmt.Errorf("%w: no channels in %q", errInvalidCommand, value)
		}
		log.Info("channels", "list", channels)
		return inst.setChannels(len(channels), s.cfg.Scheduler.MaxChannels)
	case "ALPHA":
		v, err := parseFloat()
		if err != nil {
			return err
		}
		inst.eng.SetAlpha(v)
	default:
		return fmt.Errorf("%w: invalid variable %s (tried to assign %q)", errInvalidCommand, name, value)
	}
	return nil
}

// phaseNull folds the last measured phase of the given channel into the phase
// offset, making that channel's reported phase zero from here on.
func (s *session) phaseNull(chArg string) error {
	inst, err := s.reg.get(s.selected)
	if err != nil {
		return fmt.Errorf("could not phase-null: %w", err)
	}
	ch, err := strconv.Atoi(chArg)
	if err != nil || ch < 1 {
		log.Warn("cannot phase-null on that channel, defaulting to channel 1", "channel", chArg)
		ch = 1
	}
	row, ok := inst.phases.last()
	if !ok {
		return errors.New("could not phase-null: no phase information is available")
	}
	if ch > len(row) {
		return fmt.Errorf("could not phase-null: channel %d out of range", ch)
	}
	increase := row[ch-1]
	log.Info("phase offset increased", "id", inst.id,
		"was", inst.phaseOffset, "increase", increase, "channel", ch)
	inst.phaseOffset += increase
	return nil
}

// record starts or stops parquet archival of integration results for the
// selected instrument.
func (s *session) record(args []string) error {
	inst, err := s.reg.get(s.selected)
	if err != nil {
		return err
	}
	if len(args) == 2 && strings.EqualFold(args[0], "START") {
		if inst.recorder != nil {
			return errors.New("already recording")
		}
		rec, err := newResultRecorder(args[1], inst)
		if err != nil {
			return err
		}
		inst.recorder = rec
		log.Info("recording results", "id", inst.id, "file", args[1])
		return nil
	}
	if len(args) == 1 && strings.EqualFold(args[0], "STOP") {
		if inst.recorder == nil {
			return errors.New("not recording")
		}
		err := inst.recorder.Close()
		inst.recorder = nil
		return err
	}
	return fmt.Errorf("%w: RECORD START <file> or RECORD STOP", errInvalidCommand)
}

// fmtFloat renders one value the way all payload numbers are rendered.
func fmtFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// fmtRow renders one result row, comma-separated. An empty row renders the
// literal EMPTY marker.
func fmtRow(vals []float64) string {
	if len(vals) == 0 {
		return "EMPTY"
	}
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = fmtFloat(v)
	}
	return strings.Join(parts, ", ")
}

// fmtRows renders a multi-line payload: a line-count header, then one row per
// line.
func fmtRows(rows [][]float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d lines", len(rows))
	for _, row := range rows {
		b.WriteString("\n")
		b.WriteString(fmtRow(row))
	}
	return b.String()
}

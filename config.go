package main

import (
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"gopkg.in/ini.v1"
)

const (
	configFileEnvVar          = "LOCKIND_CONFIG_FILE"
	configFileDefaultLocation = "/etc/lockind/conf.ini"
)

// config is mapped from an ini file with TitleUnderscore key naming, so
// `listen_addr` in the file fills ListenAddr and so on. Anything not present
// keeps its default.
type config struct {
	Identification string

	Server struct {
		ListenAddr string // TCP line-protocol listener
		WSAddr     string // WebSocket bridge, empty disables
	}

	Devices struct {
		Generators string // comma-separated waveform generator ids
		Analysers  string // comma-separated signal analyser ids
		Path       string // sample device path; empty selects the simulated backend
		Channels   int    // response channels per instrument
	}

	Lockin struct {
		IntegrationTime float64 // default integration time / time constant [s]
		SampleFrequency float64 // default digitizer rate [Hz]
		SignalFrequency float64 // default excitation frequency [Hz]
		NoiseSigma      float64 // simulated response-channel noise sigma
	}

	Scheduler struct {
		MaxAcquireInterval float64 // hardware-safe ceiling per batch [s]
		ResultBufferCap    int     // rows per amplitude/phase log
		MaxChannels        int
		HighWatermark      int     // device samples above which retrieval speeds up
		LowWatermark       int     // device samples below which retrieval backs off
		EarlyStepMs        int     // deadline pull-in when above the high watermark
		LateStepMs         int     // deadline push-out when below the low watermark
		LoopSleepMs        int     // polling loop sleep
	}
}

func getDefaults() config {
	var cfg config
	cfg.Identification = "DigitalLockin virtual/software-based lock-in amplifier"
	cfg.Server.ListenAddr = "localhost:5025"
	cfg.Server.WSAddr = ""
	cfg.Devices.Generators = "PXI5412_12,PXI5412_14"
	cfg.Devices.Analysers = "PXI4462_3,PXI4462_4"
	cfg.Devices.Channels = 1
	cfg.Lockin.IntegrationTime = 0.1
	cfg.Lockin.SampleFrequency = 204800
	cfg.Lockin.SignalFrequency = 204800 * 101.0 / 20201.0
	cfg.Lockin.NoiseSigma = 0.1
	cfg.Scheduler.MaxAcquireInterval = 0.5
	cfg.Scheduler.ResultBufferCap = 1000
	cfg.Scheduler.MaxChannels = 3
	cfg.Scheduler.HighWatermark = 50000 // about 250 ms at maximum fs
	cfg.Scheduler.LowWatermark = 2000   // about 10 ms at maximum fs
	cfg.Scheduler.EarlyStepMs = 10
	cfg.Scheduler.LateStepMs = 1
	cfg.Scheduler.LoopSleepMs = 10
	return cfg
}

func getConfigFileLocation(cliFlag string) string {
	if cliFlag != "" {
		return cliFlag
	}
	if envFile := os.Getenv(configFileEnvVar); envFile != "" {
		return envFile
	}
	return configFileDefaultLocation
}

// getConfig loads the ini file selected by the flag, the environment or the
// default location. A missing file is not an error: the built-in defaults
// describe a usable simulated setup.
func getConfig(cliFlag string) (*config, error) {
	cfg := getDefaults()
	location := getConfigFileLocation(cliFlag)

	if err := ini.MapToWithMapper(&cfg, ini.TitleUnderscore, location); err != nil {
		if os.IsNotExist(err) {
			log.Debug("no config file found, using defaults", "path", location)
			return &cfg, nil
		}
		return nil, err
	}
	log.Debug("loaded config", "path", location)
	return &cfg, nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *config) generatorList() []string { return splitList(c.Devices.Generators) }
func (c *config) analyserList() []string  { return splitList(c.Devices.Analysers) }

func (c *config) earlyStep() time.Duration {
	return time.Duration(c.Scheduler.EarlyStepMs) * time.Millisecond
}

func (c *config) lateStep() time.Duration {
	return time.Duration(c.Scheduler.LateStepMs) * time.Millisecond
}

func (c *config) loopSleep() time.Duration {
	return time.Duration(c.Scheduler.LoopSleepMs) * time.Millisecond
}

package main

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	"github.com/lockin/pkg/daq"
)

func main() {
	configFile := pflag.StringP("config", "c", "", "config file location")
	listen := pflag.String("listen", "", "override TCP listen address")
	wsAddr := pflag.String("ws", "", "enable WebSocket bridge on this address")
	simDevice := pflag.Bool("sim", false, "stream simulated frames to the device path")
	verbose := pflag.BoolP("verbose", "v", false, "enable debug logging")
	pflag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	cfg, err := getConfig(*configFile)
	if err != nil {
		log.Fatal("could not load config", "err", err)
	}
	if *listen != "" {
		cfg.Server.ListenAddr = *listen
	}
	if *wsAddr != "" {
		cfg.Server.WSAddr = *wsAddr
	}

	// Simulated hardware: run the frame generator on a named pipe and point
	// the device backend at it.
	if *simDevice {
		if cfg.Devices.Path == "" {
			cfg.Devices.Path = "/tmp/lockin_daq"
		}
		go daq.RunSimulator(cfg.Devices.Path, cfg.Devices.Channels,
			cfg.Lockin.SampleFrequency, cfg.Lockin.SignalFrequency, cfg.Lockin.NoiseSigma)
		// Give the simulator a moment to create the pipe.
		time.Sleep(200 * time.Millisecond)
	}

	reg := newRegistry(cfg)
	srv := newCommandServer()
	if err := srv.listenTCP(cfg.Server.ListenAddr); err != nil {
		log.Fatal("could not start command server", "err", err)
	}
	if cfg.Server.WSAddr != "" {
		srv.listenWS(cfg.Server.WSAddr)
	}

	// First interrupt requests a graceful exit, observed at the top of the
	// polling loop; a second one aborts immediately.
	var exitRequested atomic.Bool
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("got interrupt, preparing to exit")
		exitRequested.Store(true)
		<-sigCh
		log.Error("got second interrupt, exiting non-gracefully")
		os.Exit(1)
	}()

	sess := newSession(reg, cfg, func() { exitRequested.Store(true) })
	log.Info("initialization done")

	// Polling loop: at most one command dispatch plus one scheduler tick per
	// iteration. A command waiting on results stays pending and is retried
	// before any new input is read.
	var pending *command
	for !exitRequested.Load() {
		if pending != nil {
			reply, wait := sess.dispatch(pending.line, false)
			if !wait {
				if reply != "" {
					pending.from.reply(reply)
				}
				pending = nil
			}
		} else {
			select {
			case cmd := <-srv.inbound:
				reply, wait := sess.dispatch(cmd.line, true)
				if wait {
					pending = &cmd
				} else if reply != "" {
					cmd.from.reply(reply)
				}
			default:
			}
		}

		reg.tick(time.Now())
		time.Sleep(cfg.loopSleep())
	}

	reg.closeAll()
	srv.broadcast("EXIT")
	// Let the write pumps flush the final line.
	time.Sleep(100 * time.Millisecond)
	log.Info("now exiting")
}

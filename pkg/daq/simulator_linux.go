//go:build linux

package daq

import (
	"encoding/binary"
	"math"
	"math/rand"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sys/unix"
)

// RunSimulator creates a named pipe at devicePath and streams sample frames
// into it forever, so a DeviceSource can be exercised without hardware. Each
// frame carries channels+1 little-endian float32 values: a clean reference
// sine followed by the same sine with Gaussian noise on every response
// channel. If the reader goes away the pipe is reopened and streaming resumes.
func RunSimulator(devicePath string, channels int, fs, f, sigma float64) {
	_ = unix.Unlink(devicePath)
	if err := syscall.Mkfifo(devicePath, 0666); err != nil {
		log.Fatal("simulator could not create pipe", "path", devicePath, "err", err)
	}

	log.Info("simulator streaming sample frames", "path", devicePath, "channels", channels, "fs", fs, "f", f)

	fd, err := unix.Open(devicePath, unix.O_WRONLY, 0)
	if err != nil {
		log.Fatal("simulator could not open pipe", "path", devicePath, "err", err)
	}
	defer unix.Close(fd)

	const maxPipeSize = 1024 * 1024
	_, _ = unix.FcntlInt(uintptr(fd), unix.F_SETPIPE_SZ, maxPipeSize)

	const samplesPerWrite = 4096
	frameSize := (channels + 1) * 4
	writeBuf := make([]byte, samplesPerWrite*frameSize)
	step := 2 * math.Pi * f / fs
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var phase float64
	for {
		for s := 0; s < samplesPerWrite; s++ {
			ref := math.Sin(phase)
			base := s * frameSize
			binary.LittleEndian.PutUint32(writeBuf[base:], math.Float32bits(float32(ref)))
			for c := 1; c <= channels; c++ {
				v := ref + rng.NormFloat64()*sigma
				binary.LittleEndian.PutUint32(writeBuf[base+c*4:], math.Float32bits(float32(v)))
			}
			phase += step
			if phase >= 2*math.Pi {
				phase -= 2 * math.Pi
			}
		}

		if _, err := unix.Write(fd, writeBuf); err != nil {
			log.Info("simulator pipe closed, waiting for new reader", "path", devicePath)
			unix.Close(fd)
			for {
				fd, err = unix.Open(devicePath, unix.O_WRONLY, 0)
				if err == nil {
					break
				}
				time.Sleep(100 * time.Millisecond)
			}
		}
	}
}

//go:build !linux

package daq

import "github.com/charmbracelet/log"

// RunSimulator needs named-pipe support and is only implemented on Linux.
func RunSimulator(devicePath string, channels int, fs, f, sigma float64) {
	log.Fatal("device simulator is only supported on linux")
}

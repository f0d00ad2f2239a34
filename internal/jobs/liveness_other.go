//go:build !linux

package jobs

import (
	"os"
	"syscall"
)

// livenessMarkers returns the current process identifier twice: without a
// /proc thread table the probe works at process granularity.
func livenessMarkers() (pid, tid int) {
	p := os.Getpid()
	return p, p
}

// isAlive reports whether process pid still exists, via the null signal.
func isAlive(pid, tid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

//go:build linux

package jobs

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// livenessMarkers returns the current process and thread identifiers. The
// caller must have locked its goroutine to an OS thread for the tid to stay
// meaningful.
func livenessMarkers() (pid, tid int) {
	return os.Getpid(), unix.Gettid()
}

// isAlive reports whether thread tid of process pid still exists, by probing
// the process table. This is a best-effort heuristic: it cannot tell a hung
// worker from one making progress, and it only sees threads on this host.
func isAlive(pid, tid int) bool {
	if pid <= 0 || tid <= 0 {
		return false
	}
	_, err := os.Stat(fmt.Sprintf("/proc/%d/task/%d", pid, tid))
	return err == nil
}

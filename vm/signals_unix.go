//go:build unix

package vm

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

func defaultRelaySignals() []os.Signal {
	return []os.Signal{unix.SIGINT, unix.SIGTERM, unix.SIGHUP, unix.SIGUSR1, unix.SIGUSR2}
}

func isInterruptSignal(sig os.Signal) bool {
	s, ok := sig.(syscall.Signal)
	return ok && (s == unix.SIGINT || s == unix.SIGTERM)
}

// signalName returns the conventional name, e.g. "SIGUSR1".
func signalName(sig os.Signal) string {
	if s, ok := sig.(syscall.Signal); ok {
		if name := unix.SignalName(s); name != "" {
			return name
		}
	}
	return sig.String()
}

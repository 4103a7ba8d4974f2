//go:build !unix

package vm

import "os"

func defaultRelaySignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

func isInterruptSignal(sig os.Signal) bool {
	return sig == os.Interrupt
}

func signalName(sig os.Signal) string {
	return sig.String()
}

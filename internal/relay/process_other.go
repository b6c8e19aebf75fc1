//go:build !unix

package relay

import (
	"os"
	"syscall"
)

func processAttrs() *syscall.SysProcAttr {
	return nil
}

// signalProcess has no graceful option off unix; both paths kill.
func signalProcess(p *os.Process, _ bool) error {
	return p.Kill()
}

func exitSignal(*os.ProcessState) string {
	return ""
}

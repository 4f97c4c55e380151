//go:build !unix

package service

import (
	"os"
	"os/exec"
)

var (
	terminateSignal = os.Interrupt
	killSignal      = os.Kill
)

func setProcessGroup(_ *exec.Cmd) {}

func signalProcess(p *os.Process, sig os.Signal) error {
	if sig == os.Kill {
		return p.Kill()
	}
	if err := p.Signal(sig); err != nil {
		// interrupt is not supported everywhere
		return p.Kill()
	}
	return nil
}

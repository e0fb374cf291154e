//go:build linux || darwin

package daemon

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

func setDaemonSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

// processExists treats EPERM as alive: the pid belongs to someone else's
// process, so the pid file is not stale.
func processExists(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// signalTerm sends SIGTERM so the daemon's signal context cancels and the
// simulated robots get their final stop command.
func signalTerm(proc *os.Process) error {
	return proc.Signal(syscall.SIGTERM)
}

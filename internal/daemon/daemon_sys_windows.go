//go:build windows

package daemon

import (
	"os"
	"os/exec"
)

func setDaemonSysProcAttr(cmd *exec.Cmd) {}

// processExists relies on FindProcess opening a handle, which fails for
// pids that are gone.
func processExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = proc.Release()
	return true
}

// signalTerm kills outright; Windows has no SIGTERM. Robots in the daemon
// do not get a final stop, so run hardware robots as separate processes.
func signalTerm(proc *os.Process) error {
	return proc.Kill()
}

//go:build windows

package process

import (
	"os"
	"os/exec"
	"syscall"
)

const (
	sigTerm = syscall.Signal(0x0f)
	sigKill = syscall.Signal(0x09)
)

func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// Windows has no process groups signalable the Unix way; both signals map to
// outright termination of the process.
func signalGroup(pid int, _ syscall.Signal) error {
	if pid == 0 {
		return nil
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return p.Kill()
}

func pidAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal probing is unsupported; FindProcess succeeding is the best we have.
	_ = p
	return true
}

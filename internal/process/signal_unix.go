//go:build !windows

package process

import (
	"bytes"
	"os"
	"os/exec"
	"strconv"
	"syscall"
)

const (
	sigTerm = syscall.SIGTERM
	sigKill = syscall.SIGKILL
)

// setSysProcAttr puts the worker in its own process group so signals reach
// any children it forks.
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalGroup(pid int, sig syscall.Signal) error {
	if pid == 0 {
		return nil
	}
	return syscall.Kill(-pid, sig)
}

// pidAlive probes liveness with signal 0. A quickly-exiting child can linger
// as a zombie on Linux; treat that as not alive.
func pidAlive(pid int) bool {
	if isZombieLinux(pid) {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

func isZombieLinux(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}

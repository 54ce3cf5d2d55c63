//go:build !windows

package services

import (
	"os/exec"
	"syscall"
)

// groupAttr puts the child into its own process group so signals reach
// everything the service spawned.
func groupAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func terminateGroup(cmd *exec.Cmd) {
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
}

func killGroup(cmd *exec.Cmd) {
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}

func killPid(pid int) {
	_ = syscall.Kill(pid, syscall.SIGKILL)
}

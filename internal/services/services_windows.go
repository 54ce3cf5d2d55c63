//go:build windows

package services

import (
	"os"
	"os/exec"
	"syscall"
)

// Windows has no process groups in the POSIX sense; the child is killed
// directly and grandchildren are left to the OS.
func groupAttr() *syscall.SysProcAttr {
	return nil
}

func terminateGroup(cmd *exec.Cmd) {
	_ = cmd.Process.Kill()
}

func killGroup(cmd *exec.Cmd) {
	_ = cmd.Process.Kill()
}

func killPid(pid int) {
	if process, err := os.FindProcess(pid); err == nil {
		_ = process.Kill()
	}
}

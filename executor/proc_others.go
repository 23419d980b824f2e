//go:build !windows

package executor

import (
	"os/exec"
	"syscall"
)

// setSysProcAttr places the child in its own process group so the whole
// tree can be killed on timeout or cap breach.
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killProc(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	cmd.Process.Kill()
}

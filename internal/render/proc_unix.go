//go:build !windows

package render

import (
	"os/exec"
	"syscall"
)

// setProcessGroup starts cmd in its own process group and sends SIGTERM to
// the whole group on context cancellation.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
}

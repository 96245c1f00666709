//go:build !windows

package builder

import (
	"os/exec"
	"syscall"
)

// setProcessGroup puts the build in its own process group so cancellation
// also stops the processes npm spawns.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}

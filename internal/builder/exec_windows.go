//go:build windows

package builder

import "os/exec"

func setProcessGroup(cmd *exec.Cmd) {}

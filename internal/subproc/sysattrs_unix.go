//go:build !windows

package subproc

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr starts the lifecycle program in its own session so the
// daemon it launches is detached from our terminal and outlives us.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

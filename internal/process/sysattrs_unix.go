//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr places the engine in its own process group so Stop can
// signal the server together with any workers it forked.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

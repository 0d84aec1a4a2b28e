//go:build unix

package adapter

import (
	"os/exec"
	"syscall"
)

// setProcGroup configures the command to run in its own process group so a
// kill reaches the agent and everything it spawned.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

//go:build unix

package launcher

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcAttr puts the agent in its own process group so the whole tree can
// be signalled at once.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup sends SIGKILL to the group led by pid.
func killProcessGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	return unix.Kill(-pid, unix.SIGKILL)
}

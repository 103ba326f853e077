//go:build !unix

package launcher

import (
	"errors"
	"os/exec"
)

func setProcAttr(*exec.Cmd) {}

// killProcessGroup is unsupported here; the caller falls back to killing the
// process itself.
func killProcessGroup(int) error { return errors.New("process groups unsupported") }

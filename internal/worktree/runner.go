package worktree

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
)

// Runner executes git commands. Tests substitute a fake.
type Runner interface {
	// Run executes git with args in dir and returns trimmed stdout. On
	// failure the returned error is a *CommandError carrying stderr.
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecRunner runs the git binary found on PATH.
type ExecRunner struct {
	Binary string
}

func (r ExecRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	bin := r.Binary
	if bin == "" {
		bin = "git"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		if msg == "" {
			msg = err.Error()
		}
		return strings.TrimSpace(stdout.String()), &CommandError{Args: args, Dir: dir, Output: msg, Err: err}
	}
	return strings.TrimSpace(stdout.String()), nil
}

// CommandError is a failed git invocation.
type CommandError struct {
	Args   []string
	Dir    string
	Output string
	Err    error
}

func (e *CommandError) Error() string {
	cmd := "git " + strings.Join(e.Args, " ")
	if e.Output != "" {
		return cmd + ": " + e.Output
	}
	if e.Err != nil {
		return cmd + ": " + e.Err.Error()
	}
	return cmd + ": failed"
}

func (e *CommandError) Unwrap() error { return e.Err }

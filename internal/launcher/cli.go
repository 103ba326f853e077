package launcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"
)

// CLILauncher runs an agent binary. Args may reference {{prompt}},
// {{task_id}}, {{agent_id}}, {{session_id}} and {{workdir}}; when no argument
// mentions {{prompt}} the prompt is written to stdin.
type CLILauncher struct {
	Command string
	Args    []string
	Env     map[string]string
}

func (l *CLILauncher) Launch(ctx context.Context, spec Spec, onExit func(Exit)) (Handle, error) {
	if strings.TrimSpace(l.Command) == "" {
		return nil, errors.New("cli launcher: command is required")
	}
	logFile, err := openLog(spec.LogPath)
	if err != nil {
		return nil, err
	}

	args, promptInArgs := expandArgs(l.Args, spec)
	cmd := exec.Command(l.Command, args...)
	cmd.Dir = spec.WorkDir
	cmd.Env = mergeEnv(os.Environ(), l.Env, spec.Env, map[string]string{
		"GOCOMPANY_TASK_ID":    spec.TaskID,
		"GOCOMPANY_AGENT_ID":   spec.AgentID,
		"GOCOMPANY_SESSION_ID": spec.SessionID,
	})
	if !promptInArgs {
		cmd.Stdin = strings.NewReader(spec.Prompt)
	}
	setProcAttr(cmd)
	cmd.WaitDelay = 5 * time.Second

	r := newRun(onExit)
	out := &activityWriter{w: logFile, r: r}
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return nil, fmt.Errorf("start %s: %w", l.Command, err)
	}
	pid := cmd.Process.Pid
	r.setKill(func() {
		if err := killProcessGroup(pid); err != nil {
			_ = cmd.Process.Kill()
		}
	})

	go func() {
		waitErr := cmd.Wait()
		_ = logFile.Close()
		exit := Exit{Code: 0, Reason: ReasonExited}
		if waitErr != nil {
			exit.Err = waitErr
			var exitErr *exec.ExitError
			if errors.As(waitErr, &exitErr) {
				exit.Code = exitErr.ExitCode()
			} else {
				exit.Code = -1
			}
		}
		r.finish(exit)
	}()
	go r.watch(spec.IdleTimeout, spec.HardTimeout)
	return r, nil
}

func expandArgs(tmpl []string, spec Spec) ([]string, bool) {
	repl := strings.NewReplacer(
		"{{prompt}}", spec.Prompt,
		"{{task_id}}", spec.TaskID,
		"{{agent_id}}", spec.AgentID,
		"{{session_id}}", spec.SessionID,
		"{{workdir}}", spec.WorkDir,
	)
	out := make([]string, 0, len(tmpl))
	promptInArgs := false
	for _, a := range tmpl {
		if strings.Contains(a, "{{prompt}}") {
			promptInArgs = true
		}
		out = append(out, repl.Replace(a))
	}
	return out, promptInArgs
}

// mergeEnv overlays the maps onto base, later maps winning. Empty values are
// skipped.
func mergeEnv(base []string, overlays ...map[string]string) []string {
	merged := make(map[string]string, len(base))
	for _, kv := range base {
		if k, v, ok := strings.Cut(kv, "="); ok {
			merged[k] = v
		}
	}
	for _, m := range overlays {
		for k, v := range m {
			if v != "" {
				merged[k] = v
			}
		}
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+merged[k])
	}
	return out
}

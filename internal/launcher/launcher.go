// Package launcher starts coding-agent runs and reports exactly one Exit per
// run through the caller's completion callback. Agents are either local
// subprocesses (cli) or remote endpoints streaming NDJSON (http). Both kinds
// share the idle and hard timeout watchdog.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/basket/go-company/internal/config"
)

// Exit reasons.
const (
	ReasonExited      = "exited"
	ReasonIdleTimeout = "idle_timeout"
	ReasonHardTimeout = "hard_timeout"
	ReasonKilled      = "killed"
)

// Spec describes one agent run.
type Spec struct {
	TaskID    string
	AgentID   string
	SessionID string
	Provider  string
	Prompt    string
	WorkDir   string
	// LogPath receives the run transcript (stdout and stderr, or the
	// streamed text of an http agent). It is appended to.
	LogPath     string
	IdleTimeout time.Duration
	HardTimeout time.Duration
	Env         map[string]string
}

// Exit is the terminal signal of a run.
type Exit struct {
	Code   int
	Reason string
	Err    error
}

func (e Exit) Success() bool { return e.Code == 0 && e.Reason == ReasonExited }

func (e Exit) TimedOut() bool {
	return e.Reason == ReasonIdleTimeout || e.Reason == ReasonHardTimeout
}

// Handle controls a started run.
type Handle interface {
	// Kill terminates the run; the Exit carries reason and code -1.
	Kill(reason string)
	// Done is closed after the Exit has been delivered.
	Done() <-chan struct{}
}

// Launcher starts runs. onExit is called exactly once per successful Launch,
// from a background goroutine. A Launch error means nothing was started and
// onExit will not be called.
type Launcher interface {
	Launch(ctx context.Context, spec Spec, onExit func(Exit)) (Handle, error)
}

// FromConfig builds a launcher for a provider entry.
func FromConfig(p config.ProviderConfig) (Launcher, error) {
	switch p.Kind {
	case "", "cli":
		if strings.TrimSpace(p.Command) == "" {
			return nil, fmt.Errorf("provider %q: command is required", p.Name)
		}
		return &CLILauncher{Command: p.Command, Args: p.Args, Env: p.Env}, nil
	case "http":
		token := ""
		if p.APIKeyEnv != "" {
			token = os.Getenv(p.APIKeyEnv)
		}
		return &HTTPLauncher{URL: p.URL, Token: token}, nil
	default:
		return nil, fmt.Errorf("provider %q: unknown kind %q", p.Name, p.Kind)
	}
}

// run carries the state shared by both launcher kinds: the single exit
// delivery, the activity clock and the kill reason.
type run struct {
	once     sync.Once
	onExit   func(Exit)
	done     chan struct{}
	last     atomic.Int64 // unix nanos of last output
	mu       sync.Mutex
	reason   string
	killFunc func()
}

func newRun(onExit func(Exit)) *run {
	r := &run{onExit: onExit, done: make(chan struct{})}
	r.touch()
	return r
}

func (r *run) touch() { r.last.Store(time.Now().UnixNano()) }

func (r *run) idleFor() time.Duration {
	return time.Since(time.Unix(0, r.last.Load()))
}

func (r *run) Done() <-chan struct{} { return r.done }

func (r *run) Kill(reason string) {
	if reason == "" {
		reason = ReasonKilled
	}
	r.mu.Lock()
	if r.reason == "" {
		r.reason = reason
	}
	kill := r.killFunc
	r.mu.Unlock()
	if kill != nil {
		kill()
	}
}

func (r *run) setKill(fn func()) {
	r.mu.Lock()
	r.killFunc = fn
	r.mu.Unlock()
}

func (r *run) killReason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reason
}

// finish delivers the exit once. A recorded kill reason overrides whatever
// the process reported.
func (r *run) finish(exit Exit) {
	r.once.Do(func() {
		if reason := r.killReason(); reason != "" {
			exit = Exit{Code: -1, Reason: reason, Err: exit.Err}
		}
		if exit.Reason == "" {
			exit.Reason = ReasonExited
		}
		if r.onExit != nil {
			r.onExit(exit)
		}
		close(r.done)
	})
}

// watch kills the run when no output arrives for idle or when hard elapses.
func (r *run) watch(idle, hard time.Duration) {
	if idle <= 0 && hard <= 0 {
		return
	}
	var hardC <-chan time.Time
	if hard > 0 {
		t := time.NewTimer(hard)
		defer t.Stop()
		hardC = t.C
	}
	interval := time.Second
	if idle > 0 && idle/4 < interval {
		interval = idle / 4
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-hardC:
			r.Kill(ReasonHardTimeout)
			return
		case <-tick.C:
			if idle > 0 && r.idleFor() >= idle {
				r.Kill(ReasonIdleTimeout)
				return
			}
		}
	}
}

// activityWriter forwards to w and marks the run active.
type activityWriter struct {
	mu sync.Mutex
	w  io.Writer
	r  *run
}

func (a *activityWriter) Write(p []byte) (int, error) {
	a.r.touch()
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.w.Write(p)
}

func openLog(path string) (*os.File, error) {
	if path == "" {
		return nil, errors.New("log path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}
	return f, nil
}

// TaskLogPath is the transcript file of a task under homeDir.
func TaskLogPath(homeDir, taskID string) string {
	return filepath.Join(homeDir, "logs", "tasks", taskID+".log")
}

// TailFile returns at most maxBytes from the end of the file at path, cut on
// a rune boundary. A missing file yields "".
func TailFile(path string, maxBytes int) string {
	if maxBytes <= 0 {
		return ""
	}
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return ""
	}
	// Read a little extra so a multi-byte rune at the cut can be dropped.
	start := fi.Size() - int64(maxBytes) - 4
	if start < 0 {
		start = 0
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return ""
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return ""
	}
	s := string(data)
	if len(s) > maxBytes {
		s = s[len(s)-maxBytes:]
	}
	for len(s) > 0 && !utf8.RuneStart(s[0]) {
		s = s[1:]
	}
	return s
}

// RunOnce launches spec and blocks until it exits or ctx is done, then
// returns the transcript tail. Used for one-shot agent calls such as review
// opinions.
func RunOnce(ctx context.Context, l Launcher, spec Spec, tailBytes int) (string, Exit, error) {
	exitC := make(chan Exit, 1)
	h, err := l.Launch(ctx, spec, func(e Exit) { exitC <- e })
	if err != nil {
		return "", Exit{}, err
	}
	select {
	case exit := <-exitC:
		return TailFile(spec.LogPath, tailBytes), exit, nil
	case <-ctx.Done():
		h.Kill(ReasonKilled)
		<-h.Done()
		return TailFile(spec.LogPath, tailBytes), <-exitC, ctx.Err()
	}
}

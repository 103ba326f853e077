package launcher

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/go-company/internal/config"
)

func launchAndWait(t *testing.T, l Launcher, spec Spec, limit time.Duration) (Exit, int32) {
	t.Helper()
	var calls atomic.Int32
	exitC := make(chan Exit, 4)
	h, err := l.Launch(context.Background(), spec, func(e Exit) {
		calls.Add(1)
		exitC <- e
	})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	select {
	case e := <-exitC:
		<-h.Done()
		return e, calls.Load()
	case <-time.After(limit):
		h.Kill(ReasonKilled)
		t.Fatalf("run did not exit within %s", limit)
	}
	return Exit{}, 0
}

func testSpec(t *testing.T) Spec {
	t.Helper()
	return Spec{
		TaskID:  "task-123",
		AgentID: "dev-lead",
		Prompt:  "Implement the login page",
		WorkDir: t.TempDir(),
		LogPath: filepath.Join(t.TempDir(), "logs", "tasks", "task-123.log"),
	}
}

func TestFromConfig(t *testing.T) {
	t.Setenv("TEST_AGENT_TOKEN", "secret-token")

	l, err := FromConfig(config.ProviderConfig{Name: "claude", Command: "claude", Args: []string{"-p", "{{prompt}}"}})
	if err != nil {
		t.Fatalf("cli provider: %v", err)
	}
	if cli, ok := l.(*CLILauncher); !ok || cli.Command != "claude" {
		t.Fatalf("expected cli launcher, got %#v", l)
	}

	l, err = FromConfig(config.ProviderConfig{Name: "remote", Kind: "http", URL: "http://agent.local/run", APIKeyEnv: "TEST_AGENT_TOKEN"})
	if err != nil {
		t.Fatalf("http provider: %v", err)
	}
	if h, ok := l.(*HTTPLauncher); !ok || h.Token != "secret-token" {
		t.Fatalf("expected http launcher with token, got %#v", l)
	}

	if _, err := FromConfig(config.ProviderConfig{Name: "broken"}); err == nil {
		t.Fatal("cli provider without command must fail")
	}
	if _, err := FromConfig(config.ProviderConfig{Name: "x", Kind: "grpc"}); err == nil {
		t.Fatal("unknown kind must fail")
	}
}

func TestTaskLogPath(t *testing.T) {
	got := TaskLogPath("/home/u/.gocompany", "abc")
	if got != filepath.Join("/home/u/.gocompany", "logs", "tasks", "abc.log") {
		t.Fatalf("unexpected path %q", got)
	}
}

func TestRegistry_FallbackAndReplace(t *testing.T) {
	r, err := NewRegistry([]config.ProviderConfig{
		{Name: "claude", Command: "claude"},
		{Name: "remote", Kind: "http", URL: "http://agent.local/run"},
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if l, err := r.Get(""); err != nil || l.(*CLILauncher).Command != "claude" {
		t.Fatalf("expected first provider as fallback, got %v err=%v", l, err)
	}
	if _, err := r.Get("codex"); err == nil {
		t.Fatal("unknown provider must fail")
	}
	if err := r.Replace([]config.ProviderConfig{{Name: "broken", Kind: "grpc"}}); err == nil {
		t.Fatal("replace with an invalid provider must fail")
	}
	if names := r.Names(); len(names) != 2 {
		t.Fatalf("failed replace must keep the previous set, got %v", names)
	}
}

package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingLog struct {
	mu    sync.Mutex
	lines []string
}

func (r *recordingLog) AppendTaskLog(_ context.Context, taskID, kind, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, taskID+"|"+kind+"|"+message)
	return nil
}

func newTestManager() (*Manager, *recordingLog, *time.Time) {
	log := &recordingLog{}
	m := NewManager(log)
	clock := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return clock }
	return m, log, &clock
}

func TestEnsure_ReusesForSameOwner(t *testing.T) {
	m, log, clock := newTestManager()
	ctx := context.Background()

	first := m.Ensure(ctx, "t1", "dev-lead", "agent-cli")
	*clock = clock.Add(5 * time.Second)
	again := m.Ensure(ctx, "t1", "dev-lead", "agent-cli")

	if again.ID != first.ID {
		t.Fatalf("expected reuse, got %s then %s", first.ID, again.ID)
	}
	if !again.LastTouchedAt.After(first.LastTouchedAt) {
		t.Fatal("expected last touched time to advance")
	}
	if len(log.lines) != 1 || !strings.Contains(log.lines[0], "Execution session opened: "+first.ID) {
		t.Fatalf("unexpected log lines: %v", log.lines)
	}
}

func TestEnsure_RotatesOnAgentOrProviderChange(t *testing.T) {
	m, log, _ := newTestManager()
	ctx := context.Background()

	a := m.Ensure(ctx, "t1", "dev-lead", "agent-cli")
	b := m.Ensure(ctx, "t1", "dev-senior", "agent-cli")
	c := m.Ensure(ctx, "t1", "dev-senior", "agent-http")

	if a.ID == b.ID || b.ID == c.ID {
		t.Fatal("expected a new session id on every owner change")
	}
	if len(m.Snapshot()) != 1 {
		t.Fatalf("at most one session per task, got %d", len(m.Snapshot()))
	}
	want := "Execution session rotated: " + a.ID + " -> " + b.ID
	if !strings.Contains(log.lines[1], want) {
		t.Fatalf("expected rotation line %q, got %q", want, log.lines[1])
	}
}

func TestEnd_LogsDurationOnce(t *testing.T) {
	m, log, clock := newTestManager()
	ctx := context.Background()
	s := m.Ensure(ctx, "t1", "dev-lead", "agent-cli")
	*clock = clock.Add(1500 * time.Millisecond)

	m.End(ctx, "t1", "task_done")
	m.End(ctx, "t1", "task_done")

	if _, ok := m.Get("t1"); ok {
		t.Fatal("session should be gone")
	}
	if len(log.lines) != 2 {
		t.Fatalf("expected open + close lines, got %v", log.lines)
	}
	want := "Execution session closed: " + s.ID + " (reason=task_done, duration_ms=1500)"
	if !strings.HasSuffix(log.lines[1], want) {
		t.Fatalf("got %q want suffix %q", log.lines[1], want)
	}
}

func TestEnsure_ConcurrentCallersShareOneSession(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Ensure(ctx, "t1", "dev-lead", "agent-cli")
		}()
	}
	wg.Wait()
	if n := len(m.Snapshot()); n != 1 {
		t.Fatalf("expected one session, got %d", n)
	}
}

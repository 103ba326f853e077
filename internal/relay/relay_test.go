package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/basket/go-company/internal/bus"
	"github.com/basket/go-company/internal/config"
)

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	frames   [][]byte
	err      error
	closed   bool
	got      chan struct{}
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{got: make(chan struct{}, 16)}
}

func (p *recordingPublisher) Publish(_ context.Context, subject string, data []byte) error {
	p.mu.Lock()
	p.subjects = append(p.subjects, subject)
	p.frames = append(p.frames, data)
	p.mu.Unlock()
	p.got <- struct{}{}
	return p.err
}

func (p *recordingPublisher) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func waitFrame(t *testing.T, p *recordingPublisher) {
	t.Helper()
	select {
	case <-p.got:
	case <-time.After(2 * time.Second):
		t.Fatal("no frame published")
	}
}

func TestRelay_ForwardsEnvelope(t *testing.T) {
	b := bus.New()
	pub := newRecordingPublisher()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := New(Options{
		Bus:     b,
		Targets: []Target{{Name: "rec", Subject: "gocompany.events", Publisher: pub}},
		Now:     func() time.Time { return fixed },
	})
	r.Start(context.Background())

	b.Publish(bus.TopicCEONotice, bus.CEONotice{TaskID: "t-1", Message: "shipped"})
	waitFrame(t, pub)
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	var env struct {
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
		Source  string         `json:"source"`
		SentAt  time.Time      `json:"sent_at"`
	}
	if err := json.Unmarshal(pub.frames[0], &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Type != bus.TopicCEONotice || env.Payload["task_id"] != "t-1" || env.Source != "gocompany" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if !env.SentAt.Equal(fixed) {
		t.Fatalf("sent_at = %v", env.SentAt)
	}
	if pub.subjects[0] != "gocompany.events" {
		t.Fatalf("subject = %q", pub.subjects[0])
	}
	if !pub.closed {
		t.Fatal("publisher not closed")
	}
}

func TestRelay_PrefixFilterAndFailures(t *testing.T) {
	b := bus.New()
	pub := newRecordingPublisher()
	pub.err = errors.New("broker down")
	r := New(Options{Bus: b, Prefix: "task.", Targets: []Target{{Name: "rec", Subject: "s", Publisher: pub}}})
	r.Start(context.Background())
	defer r.Close()

	b.Publish(bus.TopicAgentStatus, bus.AgentStatusEvent{})
	b.Publish(bus.TopicTaskUpdated, bus.TaskUpdatedEvent{TaskID: "t-2"})
	waitFrame(t, pub)

	deadline := time.Now().Add(2 * time.Second)
	for r.Failures()["rec"] != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("failures = %v", r.Failures())
		}
		time.Sleep(5 * time.Millisecond)
	}
	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.frames) != 1 {
		t.Fatalf("expected only the task event, got %d frames", len(pub.frames))
	}
}

func TestRelay_NoTargetsIsNoop(t *testing.T) {
	b := bus.New()
	r := New(Options{Bus: b})
	r.Start(context.Background())
	if b.SubscriberCount() != 0 {
		t.Fatal("relay without targets must not subscribe")
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestTargets_EmptyConfig(t *testing.T) {
	targets, err := Targets(config.RelayConfig{RedisChannel: "x", NATSSubject: "y"})
	if err != nil || len(targets) != 0 {
		t.Fatalf("expected no targets, got %v %v", targets, err)
	}
}

func TestNewRedis_BadURL(t *testing.T) {
	if _, err := NewRedis("not a url"); err == nil {
		t.Fatal("expected parse error")
	}
}

type fakeRedis struct {
	channel string
	payload any
}

func (f *fakeRedis) Publish(_ context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channel, f.payload = channel, message
	return redis.NewIntResult(1, nil)
}

func (f *fakeRedis) Close() error { return nil }

func TestRedisPublisher_Publish(t *testing.T) {
	fake := &fakeRedis{}
	p := &RedisPublisher{client: fake}
	if err := p.Publish(context.Background(), "events", []byte(`{"type":"x"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if fake.channel != "events" || string(fake.payload.([]byte)) != `{"type":"x"}` {
		t.Fatalf("unexpected publish %q %v", fake.channel, fake.payload)
	}
}

type fakeNATS struct {
	subject string
	closed  bool
}

func (f *fakeNATS) Publish(subject string, _ []byte) error {
	f.subject = subject
	return nil
}

func (f *fakeNATS) Close() { f.closed = true }

func TestNATSPublisher_RespectsContext(t *testing.T) {
	fake := &fakeNATS{}
	p := &NATSPublisher{conn: fake}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Publish(ctx, "s", nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if err := p.Publish(context.Background(), "s", nil); err != nil || fake.subject != "s" {
		t.Fatalf("publish: %v %q", err, fake.subject)
	}
	_ = p.Close()
	if !fake.closed {
		t.Fatal("conn not closed")
	}
}

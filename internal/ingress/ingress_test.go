package ingress

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-company/internal/audit"
	"github.com/basket/go-company/internal/bus"
	"github.com/basket/go-company/internal/persistence"
)

func openTestStore(t *testing.T, b *bus.Bus) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "gocompany.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func openTestChain(t *testing.T) *audit.Chain {
	t.Helper()
	chain, err := audit.OpenChain(audit.ChainOptions{LogDir: t.TempDir(), Seed: "test-seed"})
	if err != nil {
		t.Fatalf("open chain: %v", err)
	}
	return chain
}

func chat(content string) persistence.Message {
	return persistence.Message{
		SenderType:   persistence.SenderCEO,
		ReceiverType: persistence.ReceiverAll,
		MessageType:  persistence.MessageChat,
		Content:      content,
	}
}

func meta(key string) Meta {
	return Meta{Endpoint: "/api/messages", IdempotencyKey: key, RequestIP: "127.0.0.1"}
}

func TestSubmit_AcceptedThenDuplicate(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("message.")
	defer b.Unsubscribe(sub)
	store := openTestStore(t, b)
	chain := openTestChain(t)
	svc := New(Options{Store: store, Bus: b, Chain: chain})
	ctx := context.Background()
	body := map[string]any{"content": "ship it", "idempotency_key": "k-1"}

	first := svc.Submit(ctx, meta("k-1"), body, chat("ship it"))
	if first.Outcome != audit.OutcomeAccepted || first.Status != http.StatusOK || !first.OK() {
		t.Fatalf("first submit = %+v, want accepted", first)
	}
	select {
	case ev := <-sub.Ch():
		if ev.Topic != bus.TopicMessageNew {
			t.Fatalf("topic = %q, want %q", ev.Topic, bus.TopicMessageNew)
		}
	case <-time.After(time.Second):
		t.Fatal("expected message.new event")
	}

	second := svc.Submit(ctx, meta("k-1"), body, chat("ship it"))
	if second.Outcome != audit.OutcomeDuplicate || !second.Duplicate {
		t.Fatalf("second submit = %+v, want duplicate", second)
	}
	if second.Message.ID != first.Message.ID {
		t.Fatalf("duplicate returned %q, want original %q", second.Message.ID, first.Message.ID)
	}
	select {
	case ev := <-sub.Ch():
		t.Fatalf("duplicate must not publish, got %s", ev.Topic)
	default:
	}

	report, err := audit.VerifyChain(chain.Path(), "test-seed", "")
	if err != nil {
		t.Fatalf("verify chain: %v (%+v)", err, report)
	}
	if report.Entries != 2 {
		t.Fatalf("audit entries = %d, want 2", report.Entries)
	}
}

func TestSubmit_ConflictOnDifferentPayload(t *testing.T) {
	store := openTestStore(t, nil)
	svc := New(Options{Store: store, Chain: openTestChain(t)})
	ctx := context.Background()

	svc.Submit(ctx, meta("k-2"), map[string]any{"content": "a"}, chat("a"))
	res := svc.Submit(ctx, meta("k-2"), map[string]any{"content": "b"}, chat("b"))
	if res.Status != http.StatusConflict || res.Outcome != audit.OutcomeIdempotencyConflict {
		t.Fatalf("result = %+v, want 409 conflict", res)
	}
	if res.Error["error"] != "idempotency_conflict" || res.Error["idempotency_key"] != "k-2" {
		t.Fatalf("error body = %v", res.Error)
	}
}

func TestSubmit_ConcurrentSameKeyStoresOnce(t *testing.T) {
	store := openTestStore(t, nil)
	svc := New(Options{Store: store, Chain: openTestChain(t)})
	ctx := context.Background()
	body := map[string]any{"content": "same"}

	const n = 8
	results := make([]Result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = svc.Submit(ctx, meta("k-race"), body, chat("same"))
		}(i)
	}
	wg.Wait()

	accepted := 0
	ids := map[string]bool{}
	for _, r := range results {
		switch r.Outcome {
		case audit.OutcomeAccepted:
			accepted++
		case audit.OutcomeDuplicate:
		default:
			t.Fatalf("unexpected outcome %+v", r)
		}
		ids[r.Message.ID] = true
	}
	if accepted != 1 || len(ids) != 1 {
		t.Fatalf("accepted=%d distinct ids=%d, want 1 and 1", accepted, len(ids))
	}
	msgs, err := store.ListMessages(ctx, 10)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("stored %d messages, want 1", len(msgs))
	}
}

func TestSubmit_ConcurrentConflictingPayloads(t *testing.T) {
	store := openTestStore(t, nil)
	svc := New(Options{Store: store, Chain: openTestChain(t)})
	ctx := context.Background()

	// Hold the only connection so both submissions are in flight together.
	conn, err := store.DB().Conn(ctx)
	if err != nil {
		t.Fatalf("conn: %v", err)
	}
	results := make(chan Result, 2)
	for _, content := range []string{"A", "B"} {
		go func(content string) {
			results <- svc.Submit(ctx, meta("k-split"), map[string]any{"content": content}, chat(content))
		}(content)
	}
	time.Sleep(50 * time.Millisecond)
	_ = conn.Close()

	var accepted, conflicts int
	var stored string
	for i := 0; i < 2; i++ {
		select {
		case r := <-results:
			switch r.Outcome {
			case audit.OutcomeAccepted:
				accepted++
				stored = r.Message.Content
			case audit.OutcomeIdempotencyConflict:
				conflicts++
				if r.Status != http.StatusConflict {
					t.Fatalf("conflict status = %d, want 409", r.Status)
				}
			default:
				t.Fatalf("unexpected result %+v", r)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("submit did not return")
		}
	}
	if accepted != 1 || conflicts != 1 {
		t.Fatalf("accepted=%d conflicts=%d, want 1 and 1", accepted, conflicts)
	}
	msgs, err := store.ListMessages(ctx, 10)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != stored {
		t.Fatalf("stored %+v, want only %q", msgs, stored)
	}
}

func TestSubmit_SameKeyAcrossEndpoints(t *testing.T) {
	svc := New(Options{Store: openTestStore(t, nil), Chain: openTestChain(t)})
	ctx := context.Background()
	body := map[string]any{"content": "hello"}

	first := svc.Submit(ctx, Meta{Endpoint: "/api/messages", IdempotencyKey: "k-shared"}, body, chat("hello"))
	if first.Outcome != audit.OutcomeAccepted {
		t.Fatalf("first = %+v", first)
	}
	same := svc.Submit(ctx, Meta{Endpoint: "/api/announcements", IdempotencyKey: "k-shared"}, body, chat("hello"))
	if same.Outcome != audit.OutcomeDuplicate || same.Message.ID != first.Message.ID {
		t.Fatalf("same payload on another endpoint = %+v, want duplicate", same)
	}
	other := svc.Submit(ctx, Meta{Endpoint: "/api/announcements", IdempotencyKey: "k-shared"},
		map[string]any{"content": "bye"}, chat("bye"))
	if other.Status != http.StatusConflict || other.Outcome != audit.OutcomeIdempotencyConflict {
		t.Fatalf("different payload on another endpoint = %+v, want 409", other)
	}
}

func TestSubmit_InsertFailureIsAudited(t *testing.T) {
	chain := openTestChain(t)
	svc := New(Options{Store: openTestStore(t, nil), Chain: chain})
	res := svc.Submit(context.Background(), meta("k-empty"), map[string]any{"content": " "}, chat(" "))
	if res.Status != http.StatusInternalServerError || res.Error["error"] != "internal_error" {
		t.Fatalf("result = %+v, want 500 internal_error", res)
	}
	raw, err := os.ReadFile(chain.Path())
	if err != nil {
		t.Fatalf("read chain: %v", err)
	}
	if !strings.Contains(string(raw), `"detail":"insert_failed"`) || !strings.Contains(string(raw), `"status_code":500`) {
		t.Fatalf("chain missing failed insert record: %s", raw)
	}
}

func TestSubmit_AuditFailureRollsBack(t *testing.T) {
	dir := t.TempDir()
	primary := filepath.Join(dir, "primary.ndjson")
	if err := os.Mkdir(primary, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	fallback := filepath.Join(dir, "fallback.ndjson")
	chain, err := audit.OpenChain(audit.ChainOptions{Path: primary, FallbackPath: fallback})
	if err != nil {
		t.Fatalf("open chain: %v", err)
	}
	store := openTestStore(t, nil)
	directives := 0
	svc := New(Options{Store: store, Chain: chain, OnDirective: func(persistence.Message) { directives++ }})
	ctx := context.Background()

	msg := chat("$ build the thing")
	msg.MessageType = persistence.MessageDirective
	res := svc.Submit(ctx, Meta{Endpoint: "/api/directives"}, map[string]any{"content": msg.Content}, msg)
	if res.Status != http.StatusServiceUnavailable || res.Error["error"] != "audit_log_unavailable" || res.Error["retryable"] != true {
		t.Fatalf("result = %+v, want 503 audit_log_unavailable", res)
	}
	msgs, err := store.ListMessages(ctx, 10)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("message should be rolled back, found %d", len(msgs))
	}
	if directives != 0 {
		t.Fatal("rolled back directive must not be delegated")
	}
	raw, err := os.ReadFile(fallback)
	if err != nil || !strings.Contains(string(raw), `"outcome":"accepted"`) {
		t.Fatalf("fallback log = %q (%v), want the accepted record", raw, err)
	}
}

func TestSubmit_DirectiveHookAndAnnouncementTopic(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicMessageAnnouncement)
	defer b.Unsubscribe(sub)
	store := openTestStore(t, b)
	var got []persistence.Message
	svc := New(Options{Store: store, Bus: b, Chain: openTestChain(t), OnDirective: func(m persistence.Message) {
		got = append(got, m)
	}})
	ctx := context.Background()

	dir := chat("refactor billing")
	dir.MessageType = persistence.MessageDirective
	dir.ProjectID = "proj-1"
	if res := svc.Submit(ctx, Meta{Endpoint: "/api/directives"}, map[string]any{"content": dir.Content}, dir); !res.OK() {
		t.Fatalf("directive submit = %+v", res)
	}
	if len(got) != 1 || got[0].ProjectID != "proj-1" {
		t.Fatalf("directive hook got %+v", got)
	}

	ann := chat("all hands at noon")
	ann.MessageType = persistence.MessageAnnouncement
	if res := svc.Submit(ctx, Meta{Endpoint: "/api/announcements"}, map[string]any{"content": ann.Content}, ann); !res.OK() {
		t.Fatalf("announcement submit = %+v", res)
	}
	select {
	case ev := <-sub.Ch():
		if ev.Topic != bus.TopicMessageAnnouncement {
			t.Fatalf("topic = %q", ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("expected announcement event")
	}
}

func TestReject_AuditsValidationError(t *testing.T) {
	chain := openTestChain(t)
	svc := New(Options{Store: openTestStore(t, nil), Chain: chain})
	res := svc.Reject(context.Background(), meta(""), map[string]any{}, Rejection{
		Status: http.StatusPreconditionRequired,
		Code:   "agent_upgrade_required",
		Detail: "agent_upgrade_required:install_first",
		Extra:  map[string]any{"reason": "project_id_required"},
	})
	if res.Status != http.StatusPreconditionRequired || res.Outcome != audit.OutcomeValidationError {
		t.Fatalf("result = %+v", res)
	}
	if res.Error["error"] != "agent_upgrade_required" || res.Error["reason"] != "project_id_required" {
		t.Fatalf("error body = %v", res.Error)
	}
	raw, err := os.ReadFile(chain.Path())
	if err != nil {
		t.Fatalf("read chain: %v", err)
	}
	if !strings.Contains(string(raw), `"detail":"agent_upgrade_required:install_first"`) {
		t.Fatalf("chain missing rejection detail: %s", raw)
	}
}

func TestMetaFromRequest_KeyPrecedence(t *testing.T) {
	tests := []struct {
		name   string
		body   map[string]any
		header map[string]string
		want   string
	}{
		{"body idempotency_key", map[string]any{"idempotency_key": " a ", "request_id": "b"}, map[string]string{"Idempotency-Key": "c"}, "a"},
		{"body request_id", map[string]any{"request_id": "b"}, map[string]string{"Idempotency-Key": "c"}, "b"},
		{"client_message_id", map[string]any{"client_message_id": "m"}, nil, "m"},
		{"header", nil, map[string]string{"Idempotency-Key": "c"}, "c"},
		{"x header", nil, map[string]string{"X-Idempotency-Key": "x"}, "x"},
		{"none", map[string]any{"content": "hi"}, nil, ""},
		{"long key clipped", map[string]any{"idempotency_key": strings.Repeat("k", 300)}, nil, strings.Repeat("k", 200)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/api/messages", nil)
			for k, v := range tc.header {
				r.Header.Set(k, v)
			}
			got := MetaFromRequest(r, "/api/messages", tc.body)
			if got.IdempotencyKey != tc.want {
				t.Fatalf("key = %q, want %q", got.IdempotencyKey, tc.want)
			}
		})
	}
}

func TestMetaFromRequest_ForwardedIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/api/inbox", nil)
	r.RemoteAddr = "10.0.0.9:5555"
	if got := MetaFromRequest(r, "/api/inbox", nil).RequestIP; got != "10.0.0.9" {
		t.Fatalf("ip = %q, want remote host", got)
	}
	r.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	if got := MetaFromRequest(r, "/api/inbox", nil).RequestIP; got != "203.0.113.5" {
		t.Fatalf("ip = %q, want first forwarded hop", got)
	}
}

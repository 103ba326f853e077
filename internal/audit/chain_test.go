package audit_test

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/go-company/internal/audit"
)

func fixedNow() time.Time { return time.UnixMilli(1_700_000_000_000) }

func openTestChain(t *testing.T, key string) (*audit.Chain, string) {
	t.Helper()
	dir := t.TempDir()
	chain, err := audit.OpenChain(audit.ChainOptions{LogDir: dir, Seed: "test-seed", Key: key, Now: fixedNow})
	if err != nil {
		t.Fatalf("open chain: %v", err)
	}
	return chain, dir
}

func TestChain_StartsAtGenesisAndLinks(t *testing.T) {
	chain, _ := openTestChain(t, "")
	if chain.Head() != audit.Genesis {
		t.Fatalf("head = %q, want GENESIS", chain.Head())
	}

	var prev string = audit.Genesis
	for i := 0; i < 5; i++ {
		e, err := chain.Append(audit.Entry{
			ID:          fmt.Sprintf("e%d", i),
			Endpoint:    "/api/messages",
			StatusCode:  200,
			Outcome:     audit.OutcomeAccepted,
			PayloadHash: audit.PayloadHash(map[string]any{"content": i}),
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if e.PrevHash != prev {
			t.Fatalf("entry %d prev_hash = %q, want %q", i, e.PrevHash, prev)
		}
		prev = e.ChainHash
	}

	report, err := audit.VerifyChain(chain.Path(), "test-seed", "")
	if err != nil {
		t.Fatalf("verify: %v (%+v)", err, report)
	}
	if report.Entries != 5 || report.Head != prev {
		t.Fatalf("report = %+v, want 5 entries ending at %s", report, prev)
	}
}

func TestChain_KeyChangesHash(t *testing.T) {
	plain, _ := openTestChain(t, "")
	keyed, _ := openTestChain(t, "hmac-ish")
	e := audit.Entry{ID: "same", Endpoint: "/api/directives", Outcome: audit.OutcomeAccepted}

	a, err := plain.Append(e)
	if err != nil {
		t.Fatalf("append plain: %v", err)
	}
	b, err := keyed.Append(e)
	if err != nil {
		t.Fatalf("append keyed: %v", err)
	}
	if a.ChainHash == b.ChainHash {
		t.Fatal("chain key must change the hash")
	}
	if _, err := audit.VerifyChain(keyed.Path(), "test-seed", ""); !errors.Is(err, audit.ErrChainBroken) {
		t.Fatalf("verify without key should fail, got %v", err)
	}
}

func TestChain_BootstrapsFromExistingFile(t *testing.T) {
	chain, dir := openTestChain(t, "")
	last, err := chain.Append(audit.Entry{ID: "one", Outcome: audit.OutcomeDuplicate})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	reopened, err := audit.OpenChain(audit.ChainOptions{LogDir: dir, Seed: "test-seed", Now: fixedNow})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Head() != last.ChainHash {
		t.Fatalf("head after reopen = %q, want %q", reopened.Head(), last.ChainHash)
	}
	next, err := reopened.Append(audit.Entry{ID: "two", Outcome: audit.OutcomeAccepted})
	if err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	if next.PrevHash != last.ChainHash {
		t.Fatalf("prev_hash = %q, want %q", next.PrevHash, last.ChainHash)
	}
	if _, err := audit.VerifyChain(reopened.Path(), "test-seed", ""); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestChain_TamperDetected(t *testing.T) {
	chain, _ := openTestChain(t, "")
	for i := 0; i < 3; i++ {
		if _, err := chain.Append(audit.Entry{ID: fmt.Sprintf("e%d", i), Detail: "ok", Outcome: audit.OutcomeAccepted}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	raw, err := os.ReadFile(chain.Path())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	tampered := strings.Replace(string(raw), `"id":"e1"`, `"id":"e1x"`, 1)
	if err := os.WriteFile(chain.Path(), []byte(tampered), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	report, err := audit.VerifyChain(chain.Path(), "test-seed", "")
	if !errors.Is(err, audit.ErrChainBroken) {
		t.Fatalf("expected ErrChainBroken, got %v", err)
	}
	if report.BrokenAt != 2 {
		t.Fatalf("broken at line %d, want 2", report.BrokenAt)
	}
}

func TestChain_FailureWritesFallbackAndKeepsHead(t *testing.T) {
	dir := t.TempDir()
	primary := filepath.Join(dir, "primary-is-a-dir")
	if err := os.MkdirAll(primary, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	fallback := filepath.Join(dir, "fallback.ndjson")
	chain, err := audit.OpenChain(audit.ChainOptions{Path: primary, FallbackPath: fallback, Seed: "s", Now: fixedNow})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	_, err = chain.Append(audit.Entry{ID: "lost", Outcome: audit.OutcomeAccepted})
	var appendErr *audit.ChainAppendError
	if !errors.As(err, &appendErr) {
		t.Fatalf("expected ChainAppendError, got %v", err)
	}
	if !appendErr.FallbackSaved {
		t.Fatal("expected fallback_saved")
	}
	if chain.Head() != audit.Genesis {
		t.Fatalf("head advanced on failure: %q", chain.Head())
	}
	raw, err := os.ReadFile(fallback)
	if err != nil {
		t.Fatalf("read fallback: %v", err)
	}
	if !strings.Contains(string(raw), `"fallback_reason"`) || !strings.Contains(string(raw), `"id":"lost"`) {
		t.Fatalf("unexpected fallback content: %s", raw)
	}
}

func TestChain_BothLogsFail(t *testing.T) {
	dir := t.TempDir()
	chain, err := audit.OpenChain(audit.ChainOptions{Path: dir, FallbackPath: dir, Seed: "s", Now: fixedNow})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, err = chain.Append(audit.Entry{ID: "x"})
	var appendErr *audit.ChainAppendError
	if !errors.As(err, &appendErr) || appendErr.FallbackSaved {
		t.Fatalf("expected fallback_failed error, got %v", err)
	}
	if !strings.Contains(err.Error(), "fallback_failed") {
		t.Fatalf("error text = %q", err.Error())
	}
}

package audit

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Genesis is the prev_hash of the first entry in a chain.
const Genesis = "GENESIS"

// DefaultChainSeed is used when no seed is configured.
const DefaultChainSeed = "gocompany-security-audit-v1"

const (
	ChainFileName    = "security-audit.ndjson"
	fallbackFileName = "security-audit-fallback.ndjson"
)

// Outcome classifies a message ingress attempt.
type Outcome string

const (
	OutcomeAccepted            Outcome = "accepted"
	OutcomeDuplicate           Outcome = "duplicate"
	OutcomeIdempotencyConflict Outcome = "idempotency_conflict"
	OutcomeStorageBusy         Outcome = "storage_busy"
	OutcomeValidationError     Outcome = "validation_error"
)

// Entry is one message ingress audit record. PrevHash and ChainHash are
// filled by Chain.Append and excluded from the hashed body.
type Entry struct {
	ID             string  `json:"id"`
	CreatedAt      int64   `json:"created_at"`
	Endpoint       string  `json:"endpoint"`
	Method         string  `json:"method"`
	StatusCode     int     `json:"status_code"`
	Outcome        Outcome `json:"outcome"`
	IdempotencyKey string  `json:"idempotency_key"`
	RequestID      string  `json:"request_id"`
	MessageID      string  `json:"message_id"`
	PayloadHash    string  `json:"payload_hash"`
	RequestIP      string  `json:"request_ip"`
	UserAgent      string  `json:"user_agent"`
	Detail         string  `json:"detail"`
	PrevHash       string  `json:"prev_hash,omitempty"`
	ChainHash      string  `json:"chain_hash,omitempty"`
}

func (e Entry) hashable() Entry {
	e.PrevHash = ""
	e.ChainHash = ""
	return e
}

// ChainAppendError reports a failed primary append. FallbackSaved tells
// whether the record reached the fallback log.
type ChainAppendError struct {
	FallbackSaved bool
	Err           error
}

func (e *ChainAppendError) Error() string {
	status := "fallback_failed"
	if e.FallbackSaved {
		status = "fallback_saved"
	}
	return fmt.Sprintf("security audit append failed (%s): %v", status, e.Err)
}

func (e *ChainAppendError) Unwrap() error { return e.Err }

// ChainOptions configures a Chain. Empty paths default to files under LogDir.
type ChainOptions struct {
	LogDir       string
	Path         string
	FallbackPath string
	Seed         string
	Key          string
	Now          func() time.Time
}

// Chain is an append-only, hash-chained NDJSON log. Appends are serialized;
// the head hash only advances after a successful write.
type Chain struct {
	mu           sync.Mutex
	path         string
	fallbackPath string
	seed         string
	key          string
	prev         string
	now          func() time.Time
}

// OpenChain prepares the log files and bootstraps the head from the last
// line carrying a chain_hash.
func OpenChain(opts ChainOptions) (*Chain, error) {
	c := &Chain{
		path:         opts.Path,
		fallbackPath: opts.FallbackPath,
		seed:         strings.TrimSpace(opts.Seed),
		key:          opts.Key,
		now:          opts.Now,
	}
	if c.seed == "" {
		c.seed = DefaultChainSeed
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.path == "" {
		c.path = filepath.Join(opts.LogDir, ChainFileName)
	}
	if c.fallbackPath == "" {
		c.fallbackPath = filepath.Join(opts.LogDir, fallbackFileName)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	c.prev = loadPrevHash(c.path)
	return c, nil
}

// Path returns the primary log path.
func (c *Chain) Path() string { return c.path }

// Head returns the chain_hash of the last successfully appended entry.
func (c *Chain) Head() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prev
}

// Append links entry to the current head and writes it. On failure the
// record goes to the fallback log and a *ChainAppendError is returned.
func (c *Chain) Append(e Entry) (Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e.CreatedAt == 0 {
		e.CreatedAt = c.now().UnixMilli()
	}
	if e.Method == "" {
		e.Method = "POST"
	}
	hash, err := ComputeChainHash(c.seed, c.key, c.prev, e)
	if err != nil {
		return e, err
	}
	e.PrevHash = c.prev
	e.ChainHash = hash

	line, err := json.Marshal(e)
	if err != nil {
		return e, fmt.Errorf("marshal audit entry: %w", err)
	}
	if werr := appendLine(c.path, line); werr != nil {
		saved := c.appendFallback(e, werr)
		return e, &ChainAppendError{FallbackSaved: saved, Err: werr}
	}
	c.prev = hash
	return e, nil
}

type fallbackRecord struct {
	Entry
	FallbackReason    string `json:"fallback_reason"`
	FallbackCreatedAt int64  `json:"fallback_created_at"`
}

func (c *Chain) appendFallback(e Entry, cause error) bool {
	rec := fallbackRecord{Entry: e, FallbackReason: cause.Error(), FallbackCreatedAt: c.now().UnixMilli()}
	line, err := CanonicalJSON(rec)
	if err != nil {
		return false
	}
	if err := appendLine(c.fallbackPath, line); err != nil {
		fmt.Fprintf(os.Stderr, "security audit fallback append failed: %v\n%s\n", err, line)
		return false
	}
	return true
}

func appendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// ComputeChainHash is hex(sha256(seed "|" prev "|" [key "|"] canonical(entry))).
func ComputeChainHash(seed, key, prev string, e Entry) (string, error) {
	canonical, err := CanonicalJSON(e.hashable())
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(seed))
	h.Write([]byte("|"))
	h.Write([]byte(prev))
	h.Write([]byte("|"))
	if key != "" {
		h.Write([]byte(key))
		h.Write([]byte("|"))
	}
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func loadPrevHash(path string) string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Genesis
	}
	lines := bytes.Split(bytes.TrimSpace(raw), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 {
			continue
		}
		var probe struct {
			ChainHash string `json:"chain_hash"`
		}
		if err := json.Unmarshal(line, &probe); err != nil {
			continue
		}
		if h := strings.TrimSpace(probe.ChainHash); h != "" {
			return h
		}
	}
	return Genesis
}

// VerifyReport summarizes a chain verification.
type VerifyReport struct {
	Entries   int
	Head      string
	BrokenAt  int // 1-based line number of the first bad entry, 0 when intact
	BrokenWhy string
}

// ErrChainBroken is returned by VerifyChain when a link or hash mismatches.
var ErrChainBroken = errors.New("audit chain broken")

// VerifyChain recomputes every chain_hash in the file at path and checks the
// prev_hash links starting from Genesis.
func VerifyChain(path, seed, key string) (VerifyReport, error) {
	if strings.TrimSpace(seed) == "" {
		seed = DefaultChainSeed
	}
	report := VerifyReport{Head: Genesis}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return report, nil
		}
		return report, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			report.BrokenAt, report.BrokenWhy = lineNo, "unparseable line"
			return report, ErrChainBroken
		}
		if e.PrevHash != report.Head {
			report.BrokenAt, report.BrokenWhy = lineNo, "prev_hash does not match previous chain_hash"
			return report, ErrChainBroken
		}
		want, err := ComputeChainHash(seed, key, e.PrevHash, e)
		if err != nil {
			return report, err
		}
		if want != e.ChainHash {
			report.BrokenAt, report.BrokenWhy = lineNo, "chain_hash mismatch"
			return report, ErrChainBroken
		}
		report.Entries++
		report.Head = e.ChainHash
	}
	return report, scanner.Err()
}

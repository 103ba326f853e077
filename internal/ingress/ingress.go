// Package ingress accepts principal messages: it resolves idempotency keys,
// stores messages exactly once per key and writes a hash-chained audit record
// for every attempt. An accepted message whose audit record cannot be
// written is rolled back.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/basket/go-company/internal/audit"
	"github.com/basket/go-company/internal/bus"
	"github.com/basket/go-company/internal/otel"
	"github.com/basket/go-company/internal/persistence"
)

const (
	maxKeyLen       = 200
	maxUserAgentLen = 200
	maxIPLen        = 128
)

// Meta carries the request attributes recorded in the audit log.
type Meta struct {
	Endpoint       string
	Method         string
	IdempotencyKey string
	RequestID      string
	RequestIP      string
	UserAgent      string
	// AcceptedDetail is the audit detail of an accepted insert. Defaults to
	// "created".
	AcceptedDetail string
}

// Result is the outcome of one ingress attempt. Error is the JSON error body
// for non-2xx results and nil otherwise.
type Result struct {
	Status    int
	Outcome   audit.Outcome
	Message   *persistence.Message
	Duplicate bool
	Error     map[string]any
}

// OK reports whether the attempt stored (or replayed) a message.
func (r Result) OK() bool { return r.Error == nil && r.Message != nil }

// Rejection describes a request refused before storage.
type Rejection struct {
	Status int
	Code   string
	// Detail is the audit detail; Code is used when empty.
	Detail string
	Extra  map[string]any
}

type Options struct {
	Store   *persistence.Store
	Bus     *bus.Bus
	Chain   *audit.Chain
	Logger  *slog.Logger
	Metrics *otel.Metrics
	Tracer  trace.Tracer
	// OnDirective runs for every newly stored directive message.
	OnDirective func(persistence.Message)
}

type Service struct {
	store       *persistence.Store
	bus         *bus.Bus
	chain       *audit.Chain
	logger      *slog.Logger
	metrics     *otel.Metrics
	tracer      trace.Tracer
	onDirective func(persistence.Message)
	group       singleflight.Group
}

func New(opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		store:       opts.Store,
		bus:         opts.Bus,
		chain:       opts.Chain,
		logger:      opts.Logger.With("component", "ingress"),
		metrics:     opts.Metrics,
		tracer:      opts.Tracer,
		onDirective: opts.OnDirective,
	}
}

type insertResult struct {
	msg     *persistence.Message
	created bool
}

// Submit stores msg under meta.IdempotencyKey. Concurrent submissions with the
// same key and payload share one insert; only the caller that performed it can report
// accepted.
func (s *Service) Submit(ctx context.Context, meta Meta, body any, msg persistence.Message) Result {
	ctx, span := otel.StartSpan(ctx, s.tracer, "ingress.submit",
		otel.AttrEndpoint.String(meta.Endpoint))
	defer span.End()

	payloadHash := audit.PayloadHash(body)
	msg.IdempotencyKey = meta.IdempotencyKey
	msg.PayloadHash = payloadHash

	var (
		res insertResult
		err error
	)
	if meta.IdempotencyKey == "" {
		res.msg, res.created, err = s.store.InsertMessageIdempotent(ctx, msg)
	} else {
		leader := false
		var v any
		// Keys are unique across endpoints in storage, so the flight is keyed
		// the same way. Different payloads never share a flight.
		v, err, _ = s.group.Do(meta.IdempotencyKey+"\x00"+payloadHash, func() (any, error) {
			leader = true
			m, created, err := s.store.InsertMessageIdempotent(ctx, msg)
			return insertResult{msg: m, created: created}, err
		})
		if err == nil {
			res = v.(insertResult)
			res.created = res.created && leader
			if res.msg.PayloadHash != payloadHash {
				err = &persistence.IdempotencyConflictError{Key: meta.IdempotencyKey}
			}
		}
	}

	out := s.classify(ctx, meta, payloadHash, res, err)
	span.SetAttributes(otel.AttrOutcome.String(string(out.Outcome)))
	if out.Error != nil {
		span.SetStatus(codes.Error, fmt.Sprint(out.Error["error"]))
	}
	return out
}

func (s *Service) classify(ctx context.Context, meta Meta, payloadHash string, res insertResult, err error) Result {
	var (
		conflict *persistence.IdempotencyConflictError
		busy     *persistence.StorageBusyError
	)
	switch {
	case errors.As(err, &conflict):
		entry := s.entry(meta, payloadHash, http.StatusConflict, audit.OutcomeIdempotencyConflict, "", "payload_mismatch")
		return s.finish(ctx, entry, Result{
			Status:  http.StatusConflict,
			Outcome: audit.OutcomeIdempotencyConflict,
			Error:   map[string]any{"error": "idempotency_conflict", "idempotency_key": conflict.Key},
		})
	case errors.As(err, &busy):
		detail := fmt.Sprintf("operation=%s, attempts=%d", busy.Operation, busy.Attempts)
		entry := s.entry(meta, payloadHash, http.StatusServiceUnavailable, audit.OutcomeStorageBusy, "", detail)
		return s.finish(ctx, entry, Result{
			Status:  http.StatusServiceUnavailable,
			Outcome: audit.OutcomeStorageBusy,
			Error:   map[string]any{"error": "storage_busy", "retryable": true, "operation": busy.Operation},
		})
	case err != nil:
		s.logger.Error("message insert failed", "endpoint", meta.Endpoint, "error", err)
		entry := s.entry(meta, payloadHash, http.StatusInternalServerError, audit.OutcomeStorageBusy, "", "insert_failed")
		return s.finish(ctx, entry, Result{
			Status:  http.StatusInternalServerError,
			Outcome: audit.OutcomeStorageBusy,
			Error:   map[string]any{"error": "internal_error"},
		})
	}

	if !res.created {
		entry := s.entry(meta, payloadHash, http.StatusOK, audit.OutcomeDuplicate, res.msg.ID, "idempotent_replay")
		return s.finish(ctx, entry, Result{
			Status:    http.StatusOK,
			Outcome:   audit.OutcomeDuplicate,
			Message:   res.msg,
			Duplicate: true,
		})
	}

	detail := meta.AcceptedDetail
	if detail == "" {
		detail = "created"
	}
	entry := s.entry(meta, payloadHash, http.StatusOK, audit.OutcomeAccepted, res.msg.ID, detail)
	if !s.append(ctx, entry) {
		if err := s.store.DeleteMessage(context.WithoutCancel(ctx), res.msg.ID); err != nil {
			s.logger.Error("rollback after audit failure failed", "message_id", res.msg.ID, "error", err)
		}
		return auditUnavailable()
	}
	s.metrics.IngressOutcome(ctx, meta.Endpoint, string(audit.OutcomeAccepted))
	s.announce(*res.msg)
	return Result{Status: http.StatusOK, Outcome: audit.OutcomeAccepted, Message: res.msg}
}

// Reject audits a request refused before storage and returns its error body.
func (s *Service) Reject(ctx context.Context, meta Meta, body any, rej Rejection) Result {
	detail := rej.Detail
	if detail == "" {
		detail = rej.Code
	}
	entry := s.entry(meta, audit.PayloadHash(body), rej.Status, audit.OutcomeValidationError, "", detail)
	errBody := map[string]any{"error": rej.Code}
	for k, v := range rej.Extra {
		errBody[k] = v
	}
	return s.finish(ctx, entry, Result{Status: rej.Status, Outcome: audit.OutcomeValidationError, Error: errBody})
}

func (s *Service) finish(ctx context.Context, entry audit.Entry, res Result) Result {
	if !s.append(ctx, entry) {
		return auditUnavailable()
	}
	s.metrics.IngressOutcome(ctx, entry.Endpoint, string(res.Outcome))
	return res
}

func (s *Service) append(ctx context.Context, entry audit.Entry) bool {
	if s.chain == nil {
		return true
	}
	if _, err := s.chain.Append(entry); err != nil {
		var appendErr *audit.ChainAppendError
		saved := errors.As(err, &appendErr) && appendErr.FallbackSaved
		s.metrics.AuditFailure(ctx, saved)
		s.logger.Error("security audit unavailable", "endpoint", entry.Endpoint, "outcome", entry.Outcome,
			"fallback_saved", saved, "error", err)
		return false
	}
	return true
}

func auditUnavailable() Result {
	return Result{
		Status:  http.StatusServiceUnavailable,
		Outcome: audit.OutcomeStorageBusy,
		Error:   map[string]any{"error": "audit_log_unavailable", "retryable": true},
	}
}

func (s *Service) entry(meta Meta, payloadHash string, status int, outcome audit.Outcome, messageID, detail string) audit.Entry {
	method := meta.Method
	if method == "" {
		method = http.MethodPost
	}
	return audit.Entry{
		ID:             uuid.NewString(),
		Endpoint:       meta.Endpoint,
		Method:         method,
		StatusCode:     status,
		Outcome:        outcome,
		IdempotencyKey: meta.IdempotencyKey,
		RequestID:      meta.RequestID,
		MessageID:      messageID,
		PayloadHash:    payloadHash,
		RequestIP:      meta.RequestIP,
		UserAgent:      meta.UserAgent,
		Detail:         detail,
	}
}

func (s *Service) announce(m persistence.Message) {
	ev := bus.MessageEvent{
		MessageID:   m.ID,
		SenderType:  m.SenderType,
		SenderID:    m.SenderID,
		ReceiverID:  m.ReceiverID,
		MessageType: m.MessageType,
		Content:     m.Content,
		ProjectID:   m.ProjectID,
	}
	if m.MessageType == persistence.MessageAnnouncement {
		s.bus.Publish(bus.TopicMessageAnnouncement, ev)
	} else {
		s.bus.Publish(bus.TopicMessageNew, ev)
	}
	if m.MessageType == persistence.MessageDirective && s.onDirective != nil {
		s.onDirective(m)
	}
}

// MetaFromRequest resolves audit attributes from r and its decoded JSON body.
// The idempotency key comes from the body fields idempotency_key, request_id
// or client_message_id, then the Idempotency-Key and X-Idempotency-Key
// headers. No key means no deduplication.
func MetaFromRequest(r *http.Request, endpoint string, body map[string]any) Meta {
	return Meta{
		Endpoint: endpoint,
		Method:   r.Method,
		IdempotencyKey: firstNonEmpty(maxKeyLen,
			stringField(body, "idempotency_key"),
			stringField(body, "request_id"),
			stringField(body, "client_message_id"),
			r.Header.Get("Idempotency-Key"),
			r.Header.Get("X-Idempotency-Key"),
		),
		RequestID: firstNonEmpty(maxKeyLen,
			stringField(body, "request_id"),
			stringField(body, "requestId"),
			r.Header.Get("X-Request-Id"),
			r.Header.Get("X-Correlation-Id"),
			r.Header.Get("Traceparent"),
		),
		RequestIP: requestIP(r),
		UserAgent: clip(strings.TrimSpace(r.UserAgent()), maxUserAgentLen),
	}
}

func requestIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); strings.TrimSpace(fwd) != "" {
		if first := strings.TrimSpace(strings.Split(fwd, ",")[0]); first != "" {
			return clip(first, maxIPLen)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return clip(strings.TrimSpace(host), maxIPLen)
}

func stringField(body map[string]any, key string) string {
	if body == nil {
		return ""
	}
	v, _ := body[key].(string)
	return v
}

func firstNonEmpty(limit int, candidates ...string) string {
	for _, c := range candidates {
		if c = strings.TrimSpace(c); c != "" {
			return clip(c, limit)
		}
	}
	return ""
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

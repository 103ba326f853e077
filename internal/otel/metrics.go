package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the daemon's instruments. A nil *Metrics records nothing.
type Metrics struct {
	RequestDuration  metric.Float64Histogram
	RunDuration      metric.Float64Histogram
	ActiveRuns       metric.Int64UpDownCounter
	ReviewRounds     metric.Int64Counter
	IngressOutcomes  metric.Int64Counter
	AuditFailures    metric.Int64Counter
	RateLimitRejects metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.RequestDuration, err = meter.Float64Histogram("gocompany.http.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.RunDuration, err = meter.Float64Histogram("gocompany.run.duration",
		metric.WithDescription("Agent run duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.ActiveRuns, err = meter.Int64UpDownCounter("gocompany.run.active",
		metric.WithDescription("Agent processes currently running"),
	); err != nil {
		return nil, err
	}
	if m.ReviewRounds, err = meter.Int64Counter("gocompany.review.rounds",
		metric.WithDescription("Review meeting rounds by verdict"),
	); err != nil {
		return nil, err
	}
	if m.IngressOutcomes, err = meter.Int64Counter("gocompany.ingress.outcomes",
		metric.WithDescription("Message ingress attempts by endpoint and outcome"),
	); err != nil {
		return nil, err
	}
	if m.AuditFailures, err = meter.Int64Counter("gocompany.audit.append_failures",
		metric.WithDescription("Security audit appends that failed"),
	); err != nil {
		return nil, err
	}
	if m.RateLimitRejects, err = meter.Int64Counter("gocompany.ratelimit.rejects",
		metric.WithDescription("Requests rejected by the rate limiter"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) ObserveRequest(ctx context.Context, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("http.route", route),
		attribute.Int("http.status_code", status),
	))
}

func (m *Metrics) RunStarted(ctx context.Context, provider string) {
	if m == nil {
		return
	}
	m.ActiveRuns.Add(ctx, 1, metric.WithAttributes(AttrProvider.String(provider)))
}

func (m *Metrics) RunFinished(ctx context.Context, provider, reason string, success bool, d time.Duration) {
	if m == nil {
		return
	}
	m.ActiveRuns.Add(ctx, -1, metric.WithAttributes(AttrProvider.String(provider)))
	m.RunDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		AttrProvider.String(provider),
		attribute.String("reason", reason),
		attribute.Bool("success", success),
	))
}

func (m *Metrics) ReviewRound(ctx context.Context, mode, verdict string) {
	if m == nil {
		return
	}
	m.ReviewRounds.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.String("verdict", verdict),
	))
}

func (m *Metrics) IngressOutcome(ctx context.Context, endpoint, outcome string) {
	if m == nil {
		return
	}
	m.IngressOutcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) AuditFailure(ctx context.Context, fallbackSaved bool) {
	if m == nil {
		return
	}
	m.AuditFailures.Add(ctx, 1, metric.WithAttributes(attribute.Bool("fallback_saved", fallbackSaved)))
}

func (m *Metrics) RateLimited(ctx context.Context) {
	if m == nil {
		return
	}
	m.RateLimitRejects.Add(ctx, 1)
}

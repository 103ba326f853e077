// Package relay forwards bus events to external brokers so other processes
// can follow the company without holding a websocket open.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/go-company/internal/bus"
	"github.com/basket/go-company/internal/config"
)

// Envelope is the wire form of a relayed event. Type and Payload match the
// websocket frame.
type Envelope struct {
	Type    string    `json:"type"`
	Payload any       `json:"payload"`
	Source  string    `json:"source"`
	SentAt  time.Time `json:"sent_at"`
}

// Publisher sends one encoded envelope to a subject or channel.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Close() error
}

// Target binds a publisher to the subject it publishes on.
type Target struct {
	Name      string
	Subject   string
	Publisher Publisher
}

type Options struct {
	Bus     *bus.Bus
	Logger  *slog.Logger
	Targets []Target
	// Prefix limits relayed topics. Empty relays everything.
	Prefix string
	Source string
	// PublishTimeout bounds each broker call. Defaults to 2s.
	PublishTimeout time.Duration
	Now            func() time.Time
}

type Relay struct {
	bus     *bus.Bus
	logger  *slog.Logger
	targets []Target
	prefix  string
	source  string
	timeout time.Duration
	now     func() time.Time

	mu     sync.Mutex
	sub    *bus.Subscription
	done   chan struct{}
	failed map[string]int
}

func New(opts Options) *Relay {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 2 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Source == "" {
		opts.Source = "gocompany"
	}
	return &Relay{
		bus:     opts.Bus,
		logger:  opts.Logger.With("component", "relay"),
		targets: opts.Targets,
		prefix:  opts.Prefix,
		source:  opts.Source,
		timeout: opts.PublishTimeout,
		now:     opts.Now,
		failed:  map[string]int{},
	}
}

// Targets builds the configured broker targets. A config without broker
// URLs yields no targets.
func Targets(cfg config.RelayConfig) ([]Target, error) {
	var out []Target
	if cfg.RedisURL != "" {
		pub, err := NewRedis(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		out = append(out, Target{Name: "redis", Subject: cfg.RedisChannel, Publisher: pub})
	}
	if cfg.NATSURL != "" {
		pub, err := NewNATS(cfg.NATSURL)
		if err != nil {
			for _, t := range out {
				_ = t.Publisher.Close()
			}
			return nil, err
		}
		out = append(out, Target{Name: "nats", Subject: cfg.NATSSubject, Publisher: pub})
	}
	return out, nil
}

// Start subscribes to the bus and forwards events until ctx is done or Close
// is called. It is a no-op without targets.
func (r *Relay) Start(ctx context.Context) {
	if len(r.targets) == 0 {
		return
	}
	r.mu.Lock()
	if r.sub != nil {
		r.mu.Unlock()
		return
	}
	r.sub = r.bus.Subscribe(r.prefix)
	r.done = make(chan struct{})
	sub, done := r.sub, r.done
	r.mu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				r.forward(ctx, ev)
			}
		}
	}()
	r.logger.Info("relay started", "targets", len(r.targets), "prefix", r.prefix)
}

func (r *Relay) forward(ctx context.Context, ev bus.Event) {
	data, err := json.Marshal(Envelope{Type: ev.Topic, Payload: ev.Payload, Source: r.source, SentAt: r.now().UTC()})
	if err != nil {
		r.logger.Warn("relay encode failed", "topic", ev.Topic, "error", err)
		return
	}
	for _, t := range r.targets {
		pctx, cancel := context.WithTimeout(ctx, r.timeout)
		err := t.Publisher.Publish(pctx, t.Subject, data)
		cancel()
		if err != nil {
			r.mu.Lock()
			r.failed[t.Name]++
			r.mu.Unlock()
			r.logger.Warn("relay publish failed", "target", t.Name, "topic", ev.Topic, "error", err)
		}
	}
}

// Failures returns publish failures per target.
func (r *Relay) Failures() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.failed))
	for k, v := range r.failed {
		out[k] = v
	}
	return out
}

// Close stops forwarding and closes every publisher.
func (r *Relay) Close() error {
	r.mu.Lock()
	sub, done := r.sub, r.done
	r.sub = nil
	r.mu.Unlock()
	if sub != nil {
		r.bus.Unsubscribe(sub)
		<-done
	}
	var errs []error
	for _, t := range r.targets {
		if err := t.Publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", t.Name, err))
		}
	}
	return errors.Join(errs...)
}

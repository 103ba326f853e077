package relay

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// RedisPublisher publishes envelopes with PUBLISH.
type RedisPublisher struct {
	client redisClient
}

func NewRedis(url string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisPublisher{client: redis.NewClient(opts)}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, channel string, data []byte) error {
	return p.client.Publish(ctx, channel, data).Err()
}

func (p *RedisPublisher) Close() error { return p.client.Close() }

type natsConn interface {
	Publish(subject string, data []byte) error
	Close()
}

// NATSPublisher publishes envelopes on a core NATS subject.
type NATSPublisher struct {
	conn natsConn
}

func NewNATS(url string) (*NATSPublisher, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url, nats.Name("gocompany-relay"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSPublisher{conn: conn}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.conn.Publish(subject, data)
}

func (p *NATSPublisher) Close() error {
	p.conn.Close()
	return nil
}

package scribe

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/bosley/dictation/transcript"
)

// Publisher fans emitted segments out to other consumers
type Publisher interface {
	Publish(ctx context.Context, id string, segments []transcript.Segment) error
	Close() error
}

type nopPublisher struct{}

func (nopPublisher) Publish(ctx context.Context, id string, segments []transcript.Segment) error {
	return nil
}

func (nopPublisher) Close() error { return nil }

// RedisPublisher publishes each batch of segments as JSON on <prefix>:<id>
type RedisPublisher struct {
	client *redis.Client
	prefix string
}

func NewRedisPublisher(ctx context.Context, addr, password string, db int, prefix string) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	slog.Info("Publishing segments to redis", "addr", addr, "prefix", prefix)
	return &RedisPublisher{client: client, prefix: prefix}, nil
}

func (p *RedisPublisher) Channel(id string) string {
	return channelName(p.prefix, id)
}

func channelName(prefix, id string) string {
	if prefix == "" {
		return id
	}
	return prefix + ":" + id
}

func (p *RedisPublisher) Publish(ctx context.Context, id string, segments []transcript.Segment) error {
	if len(segments) == 0 {
		return nil
	}

	data, err := json.Marshal(WebSocketMessage{
		Type:      "segments",
		SessionID: id,
		Timestamp: time.Now(),
		Segments:  segments,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal segments: %w", err)
	}

	if err := p.client.Publish(ctx, p.Channel(id), data).Err(); err != nil {
		return fmt.Errorf("failed to publish segments: %w", err)
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// Package redisbus mirrors notification bus messages onto a Redis channel.
package redisbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"camcollect/internal/notify"
)

// publisher is the subset of redis.UniversalClient used by Relay.
type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Relay is a notify.Sink that publishes every message as JSON.
type Relay struct {
	client  publisher
	channel string
	logger  *slog.Logger
}

// NewRelay creates a relay for channel.
func NewRelay(client redis.UniversalClient, channel string, logger *slog.Logger) (*Relay, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return nil, errors.New("redis channel is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		client:  client,
		channel: channel,
		logger:  logger.With("component", "redis_relay", "channel", channel),
	}, nil
}

// Send publishes msg. Zero receivers on the Redis side is not an error.
//
// A failed publish drops only that message; the relay stays subscribed so the
// next announcement is attempted again. Only a closed client is reported, which
// makes the bus unsubscribe the relay.
func (r *Relay) Send(ctx context.Context, msg notify.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		r.logger.Error("failed to encode message", "seq", msg.Seq, "error", err)
		return nil
	}
	err = r.client.Publish(ctx, r.channel, payload).Err()
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.ErrClosed):
		return fmt.Errorf("redis publish %s: %w", r.channel, err)
	default:
		r.logger.Warn("dropped message after publish failure",
			"seq", msg.Seq,
			"job_id", msg.JobID,
			"error", err,
		)
		return nil
	}
}

// Connect parses a redis:// URL and pings the server.
//
//nolint:ireturn // UniversalClient keeps sentinel/cluster support open.
func Connect(ctx context.Context, rawURL string) (redis.UniversalClient, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

var _ notify.Sink = (*Relay)(nil)

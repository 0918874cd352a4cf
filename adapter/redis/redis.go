// Package redis publishes stream completion events as JSON on a Redis
// pub/sub channel.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pithecene-io/cardrelay/adapter"
	"github.com/pithecene-io/cardrelay/retry"
)

// DefaultChannel is the default pub/sub channel name.
const DefaultChannel = "cardrelay:stream_completed"

// DefaultTimeout is the default per-publish timeout.
const DefaultTimeout = 5 * time.Second

// Config configures the Redis pub/sub adapter.
type Config struct {
	// URL is the Redis connection URL (required).
	// Format: redis://[:password@]host:port[/db]
	URL string
	// Channel is the pub/sub channel (default cardrelay:stream_completed).
	Channel string
	// Timeout is the per-publish timeout (default 5s).
	Timeout time.Duration
	// Retries after the first attempt.
	Retries int
	// BaseDelay is the backoff before the first retry (default 500ms).
	BaseDelay time.Duration
}

// Adapter publishes completion events via Redis PUBLISH.
type Adapter struct {
	config Config
	client *goredis.Client
}

// New creates a Redis pub/sub adapter. The connection is lazy.
func New(cfg Config) (*Adapter, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis adapter requires a URL")
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis adapter: invalid URL: %w", err)
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = adapter.DefaultBaseDelay
	}
	return &Adapter{
		config: cfg,
		client: goredis.NewClient(opts),
	}, nil
}

// Publish sends the event to the configured channel, retrying failures.
func (a *Adapter) Publish(ctx context.Context, event *adapter.StreamCompletedEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("redis: marshal event: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	var lastErr error
	attempts, ok := retry.Do(ctx, adapter.RetryPolicy(a.config.Retries, a.config.BaseDelay), func(int) bool {
		publishCtx, cancel := context.WithTimeout(ctx, a.config.Timeout)
		defer cancel()
		lastErr = a.client.Publish(publishCtx, a.config.Channel, body).Err()
		// A closed client never recovers.
		return lastErr == nil || errors.Is(lastErr, goredis.ErrClosed)
	})
	if ok && lastErr == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("redis: canceled after %d attempts: %w", attempts, errors.Join(ctx.Err(), lastErr))
	}
	return fmt.Errorf("redis: failed after %d attempts: %w", attempts, lastErr)
}

// Close closes the Redis client.
func (a *Adapter) Close() error {
	return a.client.Close()
}

var _ adapter.Adapter = (*Adapter)(nil)

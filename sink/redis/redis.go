// Package redis implements a Redis-backed sequenced sink.
//
// Each handle is a hash holding the last accepted sequence, the current
// content and a stopped flag. A Lua script makes the sequence check and the
// write atomic; accepted updates are then published as JSON on a channel
// for UI fan-out.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pithecene-io/cardrelay/sink"
)

// DefaultChannel is the default pub/sub channel name.
const DefaultChannel = "cardrelay:updates"

// DefaultKeyPrefix is the default key prefix for handle hashes.
const DefaultKeyPrefix = "cardrelay:card"

// DefaultTimeout is the default per-command timeout.
const DefaultTimeout = 5 * time.Second

// DefaultTTL is the default expiry of handle hashes.
const DefaultTTL = 24 * time.Hour

// updateScript returns 1 when accepted, 0 for a stale sequence and -1 for
// a stopped handle.
var updateScript = goredis.NewScript(`
if redis.call('HGET', KEYS[1], 'stopped') == '1' then
  return -1
end
local last = redis.call('HGET', KEYS[1], 'seq')
if last and tonumber(ARGV[1]) <= tonumber(last) then
  return 0
end
redis.call('HSET', KEYS[1], 'seq', ARGV[1], 'content', ARGV[2])
if tonumber(ARGV[3]) > 0 then
  redis.call('EXPIRE', KEYS[1], ARGV[3])
end
return 1
`)

// stopScript returns 1 on the first stop of a handle and 0 afterwards.
var stopScript = goredis.NewScript(`
local last = redis.call('HGET', KEYS[1], 'seq')
if not last or tonumber(ARGV[1]) > tonumber(last) then
  redis.call('HSET', KEYS[1], 'seq', ARGV[1])
end
local was = redis.call('HGET', KEYS[1], 'stopped')
redis.call('HSET', KEYS[1], 'stopped', '1')
if tonumber(ARGV[2]) > 0 then
  redis.call('EXPIRE', KEYS[1], ARGV[2])
end
if was == '1' then
  return 0
end
return 1
`)

// Config configures the Redis sink.
type Config struct {
	// URL is the Redis connection URL (required).
	// Format: redis://[:password@]host:port[/db]
	URL string
	// Channel is the pub/sub channel name (default: cardrelay:updates).
	Channel string
	// KeyPrefix prefixes handle hashes (default: cardrelay:card).
	KeyPrefix string
	// TTL is the expiry of handle hashes (default 24h).
	TTL time.Duration
	// Timeout is the per-command timeout (default 5s).
	Timeout time.Duration
}

// Message is the JSON payload published for every accepted call.
type Message struct {
	Op      string `json:"op"`
	Handle  string `json:"handle"`
	Seq     int64  `json:"seq"`
	Content string `json:"content,omitempty"`
}

// Card is the stored state of one handle.
type Card struct {
	Seq     int64
	Content string
	Stopped bool
}

// Sink writes updates to Redis.
type Sink struct {
	config Config
	client *goredis.Client
}

// New creates a Redis sink from the given config.
// Returns an error if the URL is empty or invalid.
func New(cfg Config) (*Sink, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis sink requires a URL")
	}

	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis sink: invalid URL: %w", err)
	}

	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	if cfg.TTL < 0 {
		return nil, fmt.Errorf("ttl must be >= 0, got %s", cfg.TTL)
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &Sink{
		config: cfg,
		client: goredis.NewClient(opts),
	}, nil
}

func (s *Sink) key(handle string) string {
	return s.config.KeyPrefix + ":" + handle
}

func (s *Sink) ttlSeconds() int64 {
	return int64(s.config.TTL / time.Second)
}

// Update implements sink.Sink.
func (s *Sink) Update(ctx context.Context, handle, content string, seq int64) error {
	if handle == "" {
		return fmt.Errorf("%w: empty handle", sink.ErrInvalidHandle)
	}
	cmdCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	res, err := updateScript.Run(cmdCtx, s.client, []string{s.key(handle)}, seq, content, s.ttlSeconds()).Int()
	if err != nil {
		return fmt.Errorf("redis sink: update: %w", err)
	}
	switch res {
	case -1:
		return sink.ErrStopped
	case 0:
		return fmt.Errorf("%w: %d", sink.ErrStaleSequence, seq)
	}

	return s.publish(cmdCtx, Message{Op: "update", Handle: handle, Seq: seq, Content: content})
}

// Stop implements sink.Sink. Only the first stop of a handle is published.
func (s *Sink) Stop(ctx context.Context, handle string, seq int64) error {
	if handle == "" {
		return fmt.Errorf("%w: empty handle", sink.ErrInvalidHandle)
	}
	cmdCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	first, err := stopScript.Run(cmdCtx, s.client, []string{s.key(handle)}, seq, s.ttlSeconds()).Int()
	if err != nil {
		return fmt.Errorf("redis sink: stop: %w", err)
	}
	if first == 0 {
		return nil
	}
	return s.publish(cmdCtx, Message{Op: "stop", Handle: handle, Seq: seq})
}

func (s *Sink) publish(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("redis sink: marshal message: %w", err)
	}
	if err := s.client.Publish(ctx, s.config.Channel, body).Err(); err != nil {
		return fmt.Errorf("redis sink: publish: %w", err)
	}
	return nil
}

// Card reads the stored state of handle. Returns goredis.Nil if the handle
// has never been written.
func (s *Sink) Card(ctx context.Context, handle string) (*Card, error) {
	fields, err := s.client.HGetAll(ctx, s.key(handle)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis sink: read card: %w", err)
	}
	if len(fields) == 0 {
		return nil, goredis.Nil
	}
	card := &Card{Content: fields["content"], Stopped: fields["stopped"] == "1"}
	if v, ok := fields["seq"]; ok {
		card.Seq, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("redis sink: parse seq %q: %w", v, err)
		}
	}
	return card, nil
}

// Close releases sink resources.
func (s *Sink) Close() error {
	return s.client.Close()
}

var _ sink.Sink = (*Sink)(nil)

// Package redis implements a conversation store on a Redis hash.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pithecene-io/cardrelay/conversation"
)

// DefaultKey is the default hash key.
const DefaultKey = "cardrelay:conversations"

// DefaultTimeout is the default per-command timeout.
const DefaultTimeout = 5 * time.Second

// Config configures the Redis conversation store.
type Config struct {
	// URL is the Redis connection URL (required).
	URL string
	// Key is the hash holding user -> conversation (default: cardrelay:conversations).
	Key string
	// Timeout is the per-command timeout (default 5s).
	Timeout time.Duration
}

// Store keeps one hash field per user.
type Store struct {
	config Config
	client *goredis.Client
}

// New creates a Redis conversation store.
func New(cfg Config) (*Store, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis store requires a URL")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis store: invalid URL: %w", err)
	}
	if cfg.Key == "" {
		cfg.Key = DefaultKey
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Store{config: cfg, client: goredis.NewClient(opts)}, nil
}

// Save implements conversation.Store.
func (s *Store) Save(ctx context.Context, userID, conversationID string) error {
	if userID == "" {
		return &conversation.StoreError{Kind: conversation.ErrInvalid, Op: "save", Err: errors.New("user id is empty")}
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	if err := s.client.HSet(ctx, s.config.Key, userID, conversationID).Err(); err != nil {
		return conversation.WrapError("save", err)
	}
	return nil
}

// Lookup implements conversation.Store.
func (s *Store) Lookup(ctx context.Context, userID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	id, err := s.client.HGet(ctx, s.config.Key, userID).Result()
	if errors.Is(err, goredis.Nil) {
		return "", conversation.ErrNotFound
	}
	if err != nil {
		return "", conversation.WrapError("lookup", err)
	}
	return id, nil
}

// Close releases store resources.
func (s *Store) Close() error {
	return s.client.Close()
}

var _ conversation.Store = (*Store)(nil)

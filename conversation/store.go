// Package conversation persists the backend conversation identifier
// captured from a user's stream, so follow-up questions continue the same
// conversation.
package conversation

import (
	"context"
	"sync"

	"github.com/pithecene-io/cardrelay/log"
	"github.com/pithecene-io/cardrelay/metrics"
)

// Store maps a user to their latest conversation identifier.
type Store interface {
	// Save records conversationID as the latest conversation of userID.
	Save(ctx context.Context, userID, conversationID string) error
	// Lookup returns the latest conversation of userID, or ErrNotFound.
	Lookup(ctx context.Context, userID string) (string, error)
}

// Memory is an in-process Store.
type Memory struct {
	mu    sync.RWMutex
	convs map[string]string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{convs: make(map[string]string)}
}

// Save implements Store.
func (m *Memory) Save(_ context.Context, userID, conversationID string) error {
	if userID == "" {
		return &StoreError{Kind: ErrInvalid, Op: "save", Err: errEmptyUser}
	}
	m.mu.Lock()
	m.convs[userID] = conversationID
	m.mu.Unlock()
	return nil
}

// Lookup implements Store.
func (m *Memory) Lookup(_ context.Context, userID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id, ok := m.convs[userID]; ok {
		return id, nil
	}
	return "", ErrNotFound
}

// Len returns the number of users with a stored conversation.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.convs)
}

// Capture adapts a store into a relay side effect for one stream.
// A token equal to known, the conversation the stream was started with,
// is not saved again.
func Capture(store Store, userID, known string) func(ctx context.Context, token string) error {
	return func(ctx context.Context, token string) error {
		if token == "" || token == known {
			return nil
		}
		return store.Save(ctx, userID, token)
	}
}

// Instrumented wraps a Store and records write metrics and failures.
type Instrumented struct {
	inner     Store
	collector *metrics.Collector
	logger    *log.Logger
}

// NewInstrumented wraps a store with metrics and logging.
func NewInstrumented(inner Store, collector *metrics.Collector, logger *log.Logger) *Instrumented {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Instrumented{inner: inner, collector: collector, logger: logger}
}

// Save delegates to the inner store and records success or failure.
func (s *Instrumented) Save(ctx context.Context, userID, conversationID string) error {
	err := s.inner.Save(ctx, userID, conversationID)
	if err != nil {
		s.collector.IncStoreWriteFailure()
		s.logger.Warn("conversation save failed", map[string]any{
			"user_id": userID,
			"error":   err.Error(),
		})
	} else {
		s.collector.IncStoreWriteSuccess()
	}
	return err
}

// Lookup delegates to the inner store.
func (s *Instrumented) Lookup(ctx context.Context, userID string) (string, error) {
	return s.inner.Lookup(ctx, userID)
}

// Close closes the inner store if it holds resources.
func (s *Instrumented) Close() error {
	if c, ok := s.inner.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*Instrumented)(nil)
)

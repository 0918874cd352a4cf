package sink

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Console writes updates to a writer, one block per accepted update.
// It enforces monotonicity like a real sink so replays surface
// sequencing bugs.
type Console struct {
	mu   sync.Mutex
	w    io.Writer
	last map[string]int64
}

// NewConsole creates a console sink writing to w.
func NewConsole(w io.Writer) *Console {
	return &Console{w: w, last: make(map[string]int64)}
}

// Update implements Sink.
func (c *Console) Update(_ context.Context, handle, content string, seq int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.last[handle]; ok && seq <= prev {
		return fmt.Errorf("%w: %d <= %d", ErrStaleSequence, seq, prev)
	}
	if _, err := fmt.Fprintf(c.w, "--- %s #%d\n%s\n", handle, seq, content); err != nil {
		return fmt.Errorf("console write: %w", err)
	}
	c.last[handle] = seq
	return nil
}

// Stop implements Sink.
func (c *Console) Stop(_ context.Context, handle string, seq int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := fmt.Fprintf(c.w, "=== %s stopped #%d\n", handle, seq); err != nil {
		return fmt.Errorf("console write: %w", err)
	}
	return nil
}

var _ Sink = (*Console)(nil)

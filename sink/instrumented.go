package sink

import (
	"context"

	"github.com/pithecene-io/cardrelay/metrics"
)

// Instrumented wraps a Sink and records one update attempt per Update
// call and stop success or failure per Stop call. Attempt-chain outcomes
// are recorded by the relay.
type Instrumented struct {
	inner     Sink
	collector *metrics.Collector
}

// NewInstrumented wraps a sink with metrics instrumentation.
func NewInstrumented(inner Sink, collector *metrics.Collector) *Instrumented {
	return &Instrumented{inner: inner, collector: collector}
}

// Update delegates to the inner sink and counts the attempt.
func (s *Instrumented) Update(ctx context.Context, handle, content string, seq int64) error {
	s.collector.IncUpdateAttempt()
	return s.inner.Update(ctx, handle, content, seq)
}

// Stop delegates to the inner sink and records success or failure.
func (s *Instrumented) Stop(ctx context.Context, handle string, seq int64) error {
	err := s.inner.Stop(ctx, handle, seq)
	if err != nil {
		s.collector.IncStopFailed()
	} else {
		s.collector.IncStopDelivered()
	}
	return err
}

// Close closes the inner sink if it holds resources.
func (s *Instrumented) Close() error {
	if c, ok := s.inner.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

var _ Sink = (*Instrumented)(nil)

// Package source defines the upstream side of a relay: a lazy, finite,
// in-order sequence of ChunkEvents plus the backend that opens and stops
// such sequences.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pithecene-io/cardrelay/log"
	"github.com/pithecene-io/cardrelay/sse"
	"github.com/pithecene-io/cardrelay/types"
)

// Source yields the events of one stream in arrival order.
//
// Next blocks until an event is available and returns io.EOF once the
// stream is exhausted. Transport failures are surfaced in-band as exactly
// one synthetic error event followed by io.EOF; Next only returns a
// non-EOF error when ctx is done.
type Source interface {
	Next(ctx context.Context) (types.ChunkEvent, error)
	Close() error
}

// Backend opens streams for requests and stops them out-of-band.
type Backend interface {
	// Open starts a generation for req. An error means the request could
	// not be issued at all; upstream failures after that are in-band.
	Open(ctx context.Context, req *types.StreamRequest) (Source, error)
	// Stop asks the backend to abort the task identified by taskID.
	Stop(ctx context.Context, taskID, userID string, mode types.Mode) error
}

// TransportError describes a failed upstream exchange.
type TransportError struct {
	// StatusCode is the HTTP status, or 0 for network failures.
	StatusCode int
	// Message is the backend-provided message, if any.
	Message string
	Err     error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("backend returned %d", e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("backend transport: %v", e.Err)
	default:
		return "backend transport failed"
	}
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Static is a Source over a fixed slice of events.
type Static struct {
	mu     sync.Mutex
	events []types.ChunkEvent
	pos    int
	closed bool
}

// NewStatic creates a Source that yields events in order.
func NewStatic(events ...types.ChunkEvent) *Static {
	return &Static{events: events}
}

// Next implements Source.
func (s *Static) Next(ctx context.Context) (types.ChunkEvent, error) {
	if err := ctx.Err(); err != nil {
		return types.ChunkEvent{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.pos >= len(s.events) {
		return types.ChunkEvent{}, io.EOF
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, nil
}

// Close implements Source.
func (s *Static) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Stream adapts an SSE body into a Source.
// Malformed and oversized records are dropped and reported via onDrop;
// records without an event name are skipped silently.
type Stream struct {
	body    io.ReadCloser
	decoder *sse.Decoder
	logger  *log.Logger
	onDrop  func(error)

	mu   sync.Mutex
	done bool
	once sync.Once
}

// StreamOption configures a Stream.
type StreamOption func(*Stream)

// WithDropHook registers a callback for dropped records.
func WithDropHook(fn func(error)) StreamOption {
	return func(s *Stream) { s.onDrop = fn }
}

// NewStream wraps an SSE response body.
func NewStream(body io.ReadCloser, logger *log.Logger, opts ...StreamOption) *Stream {
	if logger == nil {
		logger = log.NewNop()
	}
	s := &Stream{
		body:    body,
		decoder: sse.NewDecoder(body),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Next implements Source. The body read is not interruptible by ctx;
// callers abort a blocked read by calling Close.
func (s *Stream) Next(ctx context.Context) (types.ChunkEvent, error) {
	for {
		if err := ctx.Err(); err != nil {
			return types.ChunkEvent{}, err
		}
		s.mu.Lock()
		done := s.done
		s.mu.Unlock()
		if done {
			return types.ChunkEvent{}, io.EOF
		}

		record, err := s.decoder.ReadRecord()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.finish()
				return types.ChunkEvent{}, io.EOF
			}
			if sse.IsFatalFrameError(err) {
				closed := s.finish()
				if ctxErr := ctx.Err(); ctxErr != nil {
					return types.ChunkEvent{}, ctxErr
				}
				if closed {
					return types.ChunkEvent{}, io.EOF
				}
				return types.NewErrorEvent((&TransportError{Err: err}).Error()), nil
			}
			s.drop(err)
			continue
		}

		ev, err := sse.Decode(record)
		if err != nil {
			if !errors.Is(err, sse.ErrNoEvent) {
				s.drop(err)
			}
			continue
		}
		return ev, nil
	}
}

func (s *Stream) drop(err error) {
	s.logger.Warn("dropping malformed record", map[string]any{"error": err.Error()})
	if s.onDrop != nil {
		s.onDrop(err)
	}
}

// finish marks the stream done and reports whether it already was.
func (s *Stream) finish() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.done
	s.done = true
	return was
}

// Close implements Source. Safe to call more than once and concurrently
// with a blocked Next.
func (s *Stream) Close() error {
	var err error
	s.once.Do(func() {
		s.finish()
		err = s.body.Close()
	})
	return err
}

// Failed returns a Source that yields a single error event then ends.
func Failed(msg string) Source {
	return NewStatic(types.NewErrorEvent(msg))
}

// Package adapter publishes stream completion notifications to downstream
// systems (webhooks, Redis pub/sub).
//
// Notifications are best-effort: they are sent after the card is final
// and never influence the relay. A Dispatcher moves publishing off the
// relay's terminate path.
package adapter

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pithecene-io/cardrelay/log"
	"github.com/pithecene-io/cardrelay/retry"
	"github.com/pithecene-io/cardrelay/types"
)

// EventTypeStreamCompleted is the event_type of every notification.
const EventTypeStreamCompleted = "stream_completed"

// DefaultRetries is the default number of retries after the first attempt.
const DefaultRetries = 3

// DefaultBaseDelay is the default backoff before the first retry.
const DefaultBaseDelay = 500 * time.Millisecond

// StreamCompletedEvent is the payload published when a stream terminates.
type StreamCompletedEvent struct {
	Version       string `json:"version"`
	EventType     string `json:"event_type"`
	Handle        string `json:"handle"`
	TaskKey       string `json:"task_key"`
	Outcome       string `json:"outcome"`
	Message       string `json:"message,omitempty"`
	FinalSequence int64  `json:"final_sequence"`
	Updates       int64  `json:"updates"`
	Stopped       bool   `json:"stopped"`
	ContentLength int    `json:"content_length"`
	SessionToken  string `json:"session_token,omitempty"`
	DurationMs    int64  `json:"duration_ms"`
	Timestamp     string `json:"timestamp"`
}

// NewEvent builds the notification for a terminal session result.
func NewEvent(res types.SessionResult, now time.Time) *StreamCompletedEvent {
	return &StreamCompletedEvent{
		Version:       types.Version,
		EventType:     EventTypeStreamCompleted,
		Handle:        res.Handle,
		TaskKey:       res.TaskKey,
		Outcome:       string(res.Outcome),
		Message:       res.Message,
		FinalSequence: res.FinalSequence,
		Updates:       res.Updates,
		Stopped:       res.Stopped,
		ContentLength: res.ContentLength,
		SessionToken:  res.SessionToken,
		DurationMs:    res.DurationMs,
		Timestamp:     now.UTC().Format(time.RFC3339),
	}
}

// Adapter publishes completion events to a downstream system.
type Adapter interface {
	// Publish sends one event. Must respect context cancellation.
	Publish(ctx context.Context, event *StreamCompletedEvent) error
	// Close releases adapter resources.
	Close() error
}

// RetryPolicy converts a retry count and base delay into a retry.Policy.
// Backoff doubles per attempt, capped at eight times the base delay.
func RetryPolicy(retries int, baseDelay time.Duration) retry.Policy {
	return retry.Policy{
		MaxAttempts: 1 + retries,
		BaseDelay:   baseDelay,
		MaxDelay:    8 * baseDelay,
	}
}

// DefaultQueueSize bounds the Dispatcher backlog.
const DefaultQueueSize = 256

// DefaultPublishTimeout bounds one Publish call made by a Dispatcher.
const DefaultPublishTimeout = 30 * time.Second

// ErrQueueFull is logged when a notification is dropped.
var ErrQueueFull = errors.New("notification queue full")

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	// QueueSize bounds pending notifications (default 256).
	QueueSize int
	// PublishTimeout bounds each Publish (default 30s).
	PublishTimeout time.Duration
	// Logger receives publish failures (default no-op).
	Logger *log.Logger
}

// Dispatcher publishes results asynchronously through one worker.
// Notify never blocks; notifications beyond the queue are dropped.
type Dispatcher struct {
	adapter Adapter
	opts    DispatcherOptions
	logger  *log.Logger
	now     func() time.Time

	mu     sync.Mutex
	closed bool
	queue  chan *StreamCompletedEvent
	done   chan struct{}
}

// NewDispatcher starts a dispatcher publishing through a.
func NewDispatcher(a Adapter, opts DispatcherOptions) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = DefaultPublishTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	d := &Dispatcher{
		adapter: a,
		opts:    opts,
		logger:  logger,
		now:     time.Now,
		queue:   make(chan *StreamCompletedEvent, opts.QueueSize),
		done:    make(chan struct{}),
	}
	go d.loop()
	return d
}

// Notify enqueues the notification for res. Safe to call from a relay
// result hook.
func (d *Dispatcher) Notify(res types.SessionResult) {
	ev := NewEvent(res, d.now())

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- ev:
	default:
		d.logger.Warn("dropping completion notification", map[string]any{
			"handle":   ev.Handle,
			"task_key": ev.TaskKey,
			"error":    ErrQueueFull.Error(),
		})
	}
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for ev := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.opts.PublishTimeout)
		if err := d.adapter.Publish(ctx, ev); err != nil {
			d.logger.Warn("completion notification failed", map[string]any{
				"handle":   ev.Handle,
				"task_key": ev.TaskKey,
				"error":    err.Error(),
			})
		}
		cancel()
	}
}

// Close stops accepting notifications, waits for the backlog to be
// published or ctx to end, and closes the adapter.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	var waitErr error
	select {
	case <-d.done:
	case <-ctx.Done():
		waitErr = ctx.Err()
	}
	return errors.Join(waitErr, d.adapter.Close())
}

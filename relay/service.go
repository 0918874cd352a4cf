package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/cardrelay/conversation"
	"github.com/pithecene-io/cardrelay/iox"
	"github.com/pithecene-io/cardrelay/log"
	"github.com/pithecene-io/cardrelay/metrics"
	"github.com/pithecene-io/cardrelay/retry"
	"github.com/pithecene-io/cardrelay/sink"
	"github.com/pithecene-io/cardrelay/source"
	"github.com/pithecene-io/cardrelay/types"
)

var (
	// ErrShuttingDown is returned by Start after Shutdown began.
	ErrShuttingDown = errors.New("relay service is shutting down")
	// ErrInvalidRequest wraps request validation failures from Start.
	ErrInvalidRequest = errors.New("invalid stream request")
)

const (
	// DefaultLookupTimeout bounds the conversation lookup in Start.
	DefaultLookupTimeout = 2 * time.Second
	// DefaultBackendStopTimeout bounds a best-effort backend stop.
	DefaultBackendStopTimeout = 10 * time.Second
)

// Config tunes relay behavior.
type Config struct {
	// Retry bounds content delivery attempts (default 10, no delay).
	Retry retry.Policy
	// StatusUpdates delivers transient progress lines for status events.
	StatusUpdates bool
	// IdleTimeout evicts streams without events for this long; 0 disables.
	IdleTimeout time.Duration
	// SideEffectTimeout bounds the conversation capture call.
	SideEffectTimeout time.Duration
	// LookupTimeout bounds the conversation lookup in Start.
	LookupTimeout time.Duration
	// BackendStopTimeout bounds the out-of-band backend stop on cancel.
	BackendStopTimeout time.Duration
}

// Ticket identifies a scheduled stream.
type Ticket struct {
	Handle  string `json:"handle"`
	TaskKey string `json:"task_key"`
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *log.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// WithCollector sets the metrics collector.
func WithCollector(c *metrics.Collector) ServiceOption {
	return func(s *Service) { s.collector = c }
}

// WithStore enables conversation capture and reuse.
func WithStore(store conversation.Store) ServiceOption {
	return func(s *Service) { s.store = store }
}

// WithResultHook registers fn for every terminated session.
// fn runs under the session lock and must not block.
func WithResultHook(fn func(types.SessionResult)) ServiceOption {
	return func(s *Service) { s.onResult = fn }
}

// WithSourceWrapper wraps every opened source, e.g. to record it.
func WithSourceWrapper(fn func(source.Source, *types.StreamRequest) source.Source) ServiceOption {
	return func(s *Service) { s.wrap = fn }
}

// Service is the host entry point: it opens backend streams, registers
// sessions and runs one worker goroutine per stream.
type Service struct {
	backend   source.Backend
	sink      sink.Sink
	store     conversation.Store
	cfg       Config
	logger    *log.Logger
	collector *metrics.Collector
	onResult  func(types.SessionResult)
	wrap      func(source.Source, *types.StreamRequest) source.Source
	newID     func() string

	registry *Registry
	base     context.Context
	stopAll  context.CancelFunc

	// lifecycle orders closed against registration and wg.Add, so no
	// goroutine is added once Shutdown has snapshotted and started waiting.
	lifecycle sync.Mutex
	closed    bool
	wg        sync.WaitGroup
}

// New creates a Service relaying streams from backend into snk.
func New(backend source.Backend, snk sink.Sink, cfg Config, opts ...ServiceOption) *Service {
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = DefaultLookupTimeout
	}
	if cfg.BackendStopTimeout <= 0 {
		cfg.BackendStopTimeout = DefaultBackendStopTimeout
	}
	base, cancel := context.WithCancel(context.Background())
	s := &Service{
		backend:  backend,
		sink:     snk,
		cfg:      cfg,
		logger:   log.NewNop(),
		newID:    uuid.NewString,
		registry: NewRegistry(),
		base:     base,
		stopAll:  cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry exposes the live session index.
func (s *Service) Registry() *Registry { return s.registry }

// Sessions lists live sessions.
func (s *Service) Sessions() []SessionInfo { return s.registry.List() }

// Start schedules a stream for req and returns without waiting for it.
// An empty TaskKey is generated; an empty ConversationID is filled from
// the conversation store when one is configured.
//
// The stream runs detached from ctx, which only bounds the lookup.
func (s *Service) Start(ctx context.Context, req types.StreamRequest) (Ticket, error) {
	if err := req.Validate(); err != nil {
		return Ticket{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if s.isClosed() {
		return Ticket{}, ErrShuttingDown
	}
	if req.TaskKey == "" {
		req.TaskKey = s.newID()
	}
	if req.ConversationID == "" {
		req.ConversationID = s.lookupConversation(ctx, req.UserID)
	}

	session := NewSession(&req)
	streamCtx, cancel := context.WithCancelCause(s.base)
	opts := Options{
		Retry:             s.cfg.Retry,
		StatusUpdates:     s.cfg.StatusUpdates,
		SideEffectTimeout: s.cfg.SideEffectTimeout,
		Logger:            s.logger,
		Collector:         s.collector,
		OnTerminate: func(r types.SessionResult) {
			s.registry.remove(session)
			if s.onResult != nil {
				s.onResult(r)
			}
		},
	}
	if s.store != nil {
		opts.SideEffect = conversation.Capture(s.store, req.UserID, req.ConversationID)
	}

	e := &entry{
		session:   session,
		sequencer: NewSequencer(session, s.sink, opts),
		cancel:    cancel,
	}
	if err := s.admit(e); err != nil {
		cancel(err)
		if errors.Is(err, ErrShuttingDown) {
			return Ticket{}, err
		}
		return Ticket{}, fmt.Errorf("start %s: %w", req.Handle, err)
	}
	s.collector.IncStreamStarted()
	s.logger.Info("stream scheduled", map[string]any{
		"handle":          req.Handle,
		"task_key":        req.TaskKey,
		"mode":            string(req.EffectiveMode()),
		"conversation_id": req.ConversationID,
	})

	go s.run(streamCtx, e, req)
	return Ticket{Handle: req.Handle, TaskKey: req.TaskKey}, nil
}

// admit registers e and accounts its worker, unless Shutdown began.
func (s *Service) admit(e *entry) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.closed {
		return ErrShuttingDown
	}
	if err := s.registry.register(e); err != nil {
		return err
	}
	s.wg.Add(1)
	return nil
}

// spawn runs fn on a tracked goroutine. It reports false, without running
// fn, once Shutdown began.
func (s *Service) spawn(fn func()) bool {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
	return true
}

func (s *Service) isClosed() bool {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.closed
}

func (s *Service) run(ctx context.Context, e *entry, req types.StreamRequest) {
	defer s.wg.Done()
	defer e.cancel(nil)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("stream worker panicked", map[string]any{
				"handle": req.Handle,
				"panic":  fmt.Sprint(r),
			})
			e.sequencer.abandon(ctx, fmt.Sprintf("internal error: %v", r))
		}
	}()

	src, err := s.backend.Open(ctx, &req)
	if err != nil {
		if ctx.Err() != nil {
			e.sequencer.Abort(ctx, context.Cause(ctx))
			return
		}
		s.logger.Warn("backend open failed", map[string]any{
			"handle": req.Handle,
			"error":  err.Error(),
		})
		src = source.Failed(err.Error())
	}
	if s.wrap != nil {
		src = s.wrap(src, &req)
	}
	if !s.registry.attach(e, src) {
		iox.DiscardClose(src)
		return
	}
	e.sequencer.Run(ctx, src)
}

// Cancel stops the stream registered under taskKey: no further updates,
// exactly one stop, eviction. The backend task is stopped best-effort in
// the background. It reports whether a live stream was found.
func (s *Service) Cancel(ctx context.Context, taskKey string) bool {
	e, ok := s.registry.byTaskKey(taskKey)
	if !ok {
		return false
	}
	s.registry.interrupt(e, ErrCanceled)
	e.sequencer.Abort(ctx, ErrCanceled)
	s.stopBackend(e.session)
	return true
}

// Sweep aborts every session idle for at least the configured timeout
// and returns how many were aborted. It is a no-op when the timeout is 0.
//
// Streams are interrupted before Sweep returns; the annotated stop runs in
// the background so a sink call in flight on one session never holds up
// the others.
func (s *Service) Sweep(now time.Time) int {
	if s.cfg.IdleTimeout <= 0 {
		return 0
	}
	idle := s.registry.idle(now, s.cfg.IdleTimeout)
	for _, e := range idle {
		s.logger.Info("stream idle, aborting", map[string]any{
			"handle":   e.session.handle,
			"task_key": e.session.taskKey,
		})
		s.registry.interrupt(e, ErrIdleTimeout)
		// After Shutdown began, its own abort covers the session.
		s.spawn(func() {
			e.sequencer.Abort(s.base, ErrIdleTimeout)
			s.stopBackend(e.session)
		})
	}
	return len(idle)
}

// RunSweeper sweeps idle sessions until ctx is done.
func (s *Service) RunSweeper(ctx context.Context) error {
	if s.cfg.IdleTimeout <= 0 {
		<-ctx.Done()
		return nil
	}
	interval := s.cfg.IdleTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	if interval > 5*time.Second {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			s.Sweep(now)
		}
	}
}

// Wait blocks until every stream worker and background stop has returned.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Shutdown refuses new streams, cancels live ones and waits for workers
// until ctx is done.
func (s *Service) Shutdown(ctx context.Context) error {
	s.lifecycle.Lock()
	s.closed = true
	s.lifecycle.Unlock()
	for _, e := range s.registry.entries() {
		s.registry.interrupt(e, ErrCanceled)
		e.sequencer.Abort(ctx, ErrCanceled)
	}
	s.stopAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("relay shutdown: %w", ctx.Err())
	}
}

func (s *Service) lookupConversation(ctx context.Context, userID string) string {
	if s.store == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.LookupTimeout)
	defer cancel()
	id, err := s.store.Lookup(ctx, userID)
	if err != nil {
		if !errors.Is(err, conversation.ErrNotFound) {
			s.logger.Warn("conversation lookup failed", map[string]any{
				"user_id": userID,
				"error":   err.Error(),
			})
		}
		return ""
	}
	return id
}

func (s *Service) stopBackend(session *Session) {
	taskID := session.TaskID()
	if taskID == "" {
		return
	}
	s.spawn(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.BackendStopTimeout)
		defer cancel()
		if err := s.backend.Stop(ctx, taskID, session.userID, session.mode); err != nil {
			s.logger.Warn("backend stop failed", map[string]any{
				"task_id": taskID,
				"error":   err.Error(),
			})
		}
	})
}

// Package relay turns an upstream chunk stream into sequenced sink updates.
//
// One Sequencer drives one Session:
//   - MESSAGE appends to the buffer and delivers the whole buffer with retry
//   - ERROR annotates the buffer, makes one delivery attempt, then stops
//   - MESSAGE_END and WORKFLOW_FINISHED stop the sink
//   - status events optionally deliver a transient status line
//   - the first session token fires the side effect exactly once
//
// Sequence numbers sent to the sink are strictly increasing and never
// reused. Once a session is STOPPED no further sink calls are made for it.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pithecene-io/cardrelay/iox"
	"github.com/pithecene-io/cardrelay/log"
	"github.com/pithecene-io/cardrelay/metrics"
	"github.com/pithecene-io/cardrelay/retry"
	"github.com/pithecene-io/cardrelay/sink"
	"github.com/pithecene-io/cardrelay/source"
	"github.com/pithecene-io/cardrelay/types"
)

// ErrorAnnotation prefixes error text appended to the visible buffer.
const ErrorAnnotation = "\n\n❌ 错误: "

// DefaultSideEffectTimeout bounds a single side effect invocation.
const DefaultSideEffectTimeout = 10 * time.Second

var (
	// ErrCanceled is the cancel cause for an explicit cancel by task key.
	ErrCanceled = errors.New("stream canceled")
	// ErrIdleTimeout is the cancel cause for a stream that went quiet.
	ErrIdleTimeout = errors.New("stream idle timeout")
)

// SideEffect is invoked once per session with the first session token seen.
// Errors are logged and never affect the stream.
type SideEffect func(ctx context.Context, sessionToken string) error

// Options configures a Sequencer.
type Options struct {
	// Retry bounds sink.Update attempts for content deliveries.
	// A zero MaxAttempts means retry.DefaultMaxAttempts.
	Retry retry.Policy
	// StatusUpdates enables transient status lines for progress events.
	StatusUpdates bool
	// SideEffect runs asynchronously on the first session token.
	SideEffect SideEffect
	// SideEffectTimeout bounds one side effect call (default 10s).
	SideEffectTimeout time.Duration
	// Logger receives session logs (default no-op).
	Logger *log.Logger
	// Collector records chain and outcome metrics (nil-safe).
	Collector *metrics.Collector
	// OnTerminate is called once, under the session lock, when the
	// session reaches STOPPED. It must not block.
	OnTerminate func(types.SessionResult)
}

// Sequencer applies chunk events to a session and delivers to a sink.
type Sequencer struct {
	session *Session
	sink    sink.Sink
	opts    Options
	logger  *log.Logger
	now     func() time.Time

	effects sync.WaitGroup
}

// NewSequencer creates a sequencer for session delivering to snk.
func NewSequencer(session *Session, snk sink.Sink, opts Options) *Sequencer {
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = retry.DefaultMaxAttempts
	}
	if opts.SideEffectTimeout <= 0 {
		opts.SideEffectTimeout = DefaultSideEffectTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	return &Sequencer{
		session: session,
		sink:    snk,
		opts:    opts,
		logger:  logger.WithStream(session.handle, session.taskKey, session.userID),
		now:     time.Now,
	}
}

// Session returns the session driven by this sequencer.
func (q *Sequencer) Session() *Session { return q.session }

// Run consumes src until the session stops, the source ends or ctx is
// canceled. It always leaves the session STOPPED, closes src and waits for
// an in-flight side effect before returning.
//
// A canceled ctx is resolved by its cause: ErrIdleTimeout behaves like an
// upstream error, anything else like an explicit cancel.
func (q *Sequencer) Run(ctx context.Context, src source.Source) {
	defer q.effects.Wait()
	defer iox.DiscardClose(src)
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("relay worker panicked", map[string]any{
				"panic": fmt.Sprint(r),
			})
			q.abandon(ctx, fmt.Sprintf("internal error: %v", r))
		}
	}()

	for {
		ev, err := src.Next(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				q.Abort(ctx, context.Cause(ctx))
			case errors.Is(err, io.EOF):
				q.Exhaust(ctx)
			default:
				failure := types.NewErrorEvent(err.Error())
				q.Handle(ctx, &failure)
			}
			return
		}
		if done := q.Handle(ctx, &ev); done {
			if ctx.Err() != nil {
				q.Abort(ctx, context.Cause(ctx))
			}
			return
		}
	}
}

// Handle applies one event. It returns true once the session no longer
// accepts events.
func (q *Sequencer) Handle(ctx context.Context, ev *types.ChunkEvent) bool {
	s := q.session
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == types.StateStopped {
		q.opts.Collector.IncLateEventsDropped()
		q.logger.Debug("dropping event for stopped session", map[string]any{
			"kind": string(ev.Kind),
		})
		return true
	}
	s.touch(q.now())

	if ev.TaskID != "" && s.taskID == "" {
		s.taskID = ev.TaskID
	}
	if ev.SessionToken != "" && !s.sideEffectFired {
		s.sideEffectFired = true
		s.sessionToken = ev.SessionToken
		q.fireSideEffect(ctx, ev.SessionToken)
	}
	s.publish()

	if ev.Kind.IsStatus() {
		// ping has no status text
		if status := statusText(ev); status != "" && q.opts.StatusUpdates {
			q.attemptOnce(ctx, withStatus(s.buffer.String(), status))
		}
		return false
	}
	if ev.Kind.IsTerminal() {
		q.finishOn(ctx, ev)
		return true
	}

	if ev.Kind != types.ChunkMessage {
		q.logger.Debug("ignoring unknown event", map[string]any{
			"event": ev.Event,
		})
		return false
	}
	if ev.TextDelta == "" {
		return false
	}
	s.buffer.WriteString(ev.TextDelta)
	return !q.deliver(ctx)
}

// finishOn handles a terminal event. Caller holds mu.
func (q *Sequencer) finishOn(ctx context.Context, ev *types.ChunkEvent) {
	s := q.session
	if ev.Kind == types.ChunkError || ev.ErrorMessage != "" {
		q.fail(ctx, ev.ErrorMessage, types.OutcomeErrored)
		return
	}
	if ev.Kind == types.ChunkWorkflowFinished && s.buffer.Len() == 0 {
		if out := ev.OutputText(); out != "" {
			s.buffer.WriteString(out)
			if !q.deliver(ctx) {
				return
			}
		}
	}
	q.stop(ctx)
	q.terminate(types.OutcomeCompleted, "")
}

// Abort terminates the session from outside the event stream. It is a
// no-op for a stopped session.
//   - ErrIdleTimeout: annotated best-effort update, stop, timed_out
//   - ErrCanceled or a context error: stop only, canceled
//   - anything else: annotated best-effort update, stop, errored
//
// Sink calls use a context detached from ctx's cancellation.
func (q *Sequencer) Abort(ctx context.Context, cause error) {
	s := q.session
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == types.StateStopped {
		return
	}

	dctx := context.WithoutCancel(ctx)
	switch {
	case cause == nil,
		errors.Is(cause, ErrCanceled),
		errors.Is(cause, context.Canceled),
		errors.Is(cause, context.DeadlineExceeded):
		q.stop(dctx)
		q.terminate(types.OutcomeCanceled, "canceled")
	case errors.Is(cause, ErrIdleTimeout):
		q.fail(dctx, cause.Error(), types.OutcomeTimedOut)
	default:
		q.fail(dctx, cause.Error(), types.OutcomeErrored)
	}
}

// Exhaust stops a session whose source ended without a terminal event.
func (q *Sequencer) Exhaust(ctx context.Context) {
	s := q.session
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == types.StateStopped {
		return
	}
	q.stop(ctx)
	q.terminate(types.OutcomeExhausted, "stream ended without a terminal event")
}

// abandon terminates after a panic without further updates.
func (q *Sequencer) abandon(ctx context.Context, message string) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("stop after panic failed", map[string]any{
				"panic": fmt.Sprint(r),
			})
		}
	}()
	s := q.session
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == types.StateStopped {
		return
	}
	// terminate before stop: the sink may be what panicked
	stopCtx := context.WithoutCancel(ctx)
	q.terminate(types.OutcomeErrored, message)
	if err := q.sink.Stop(stopCtx, s.handle, s.sequence); err == nil {
		s.stopped = true
		if s.result != nil {
			s.result.Stopped = true
		}
	}
}

// deliver sends the buffer at the current sequence with retry. It returns
// false when the update was not accepted; in that case the session is
// either terminated as degraded or ctx was canceled and the abort path
// owns termination. Caller holds mu.
func (q *Sequencer) deliver(ctx context.Context) bool {
	s := q.session
	content := s.buffer.String()
	seq := s.sequence
	s.publish()

	attempts, ok := retry.Do(ctx, q.opts.Retry, func(attempt int) bool {
		err := q.sink.Update(ctx, s.handle, content, seq)
		if err != nil {
			s.failedAttempts++
			q.logger.Debug("update rejected", map[string]any{
				"sequence": seq,
				"attempt":  attempt,
				"error":    err.Error(),
			})
			return false
		}
		return true
	})
	if ok {
		s.sequence++
		s.updates++
		s.publish()
		q.opts.Collector.IncUpdateDelivered()
		return true
	}
	if ctx.Err() != nil {
		return false
	}

	q.opts.Collector.IncUpdateFailed()
	s.state = types.StateDegraded
	q.logger.Warn("sink retry budget exhausted, degrading session", map[string]any{
		"sequence": seq,
		"attempts": attempts,
	})
	q.stop(ctx)
	q.terminate(types.OutcomeDegraded, fmt.Sprintf("update at sequence %d failed after %d attempts", seq, attempts))
	return false
}

// attemptOnce sends content at the current sequence exactly once.
// Caller holds mu.
func (q *Sequencer) attemptOnce(ctx context.Context, content string) bool {
	s := q.session
	if err := q.sink.Update(ctx, s.handle, content, s.sequence); err != nil {
		s.failedAttempts++
		q.opts.Collector.IncUpdateFailed()
		q.logger.Debug("single-attempt update rejected", map[string]any{
			"sequence": s.sequence,
			"error":    err.Error(),
		})
		return false
	}
	s.sequence++
	s.updates++
	s.publish()
	q.opts.Collector.IncUpdateDelivered()
	return true
}

// fail appends an error annotation, attempts one update and stops.
// Caller holds mu.
func (q *Sequencer) fail(ctx context.Context, message string, outcome types.OutcomeStatus) {
	s := q.session
	s.buffer.WriteString(ErrorAnnotation + message)
	s.publish()
	if s.state == types.StateActive {
		q.attemptOnce(ctx, s.buffer.String())
	}
	q.stop(ctx)
	q.terminate(outcome, message)
}

// stop issues the single stop call at the current sequence. Caller holds mu.
func (q *Sequencer) stop(ctx context.Context) {
	s := q.session
	if err := q.sink.Stop(ctx, s.handle, s.sequence); err != nil {
		q.logger.Warn("stop rejected", map[string]any{
			"sequence": s.sequence,
			"error":    err.Error(),
		})
		return
	}
	s.stopped = true
}

// terminate marks the session STOPPED and reports the outcome.
// Caller holds mu.
func (q *Sequencer) terminate(outcome types.OutcomeStatus, message string) {
	r := q.session.finish(outcome, message, q.now())

	c := q.opts.Collector
	switch outcome {
	case types.OutcomeCompleted:
		c.IncStreamCompleted()
	case types.OutcomeDegraded:
		c.IncStreamDegraded()
	case types.OutcomeCanceled:
		c.IncStreamCanceled()
	case types.OutcomeTimedOut:
		c.IncStreamTimedOut()
	default:
		c.IncStreamErrored()
	}
	c.DecActiveSessions()

	q.logger.Info("session terminated", map[string]any{
		"outcome":        string(r.Outcome),
		"final_sequence": r.FinalSequence,
		"updates":        r.Updates,
		"stopped":        r.Stopped,
		"duration_ms":    r.DurationMs,
	})
	if q.opts.OnTerminate != nil {
		q.opts.OnTerminate(r)
	}
}

// fireSideEffect runs the side effect in the background. Caller holds mu.
func (q *Sequencer) fireSideEffect(ctx context.Context, token string) {
	fn := q.opts.SideEffect
	if fn == nil {
		return
	}
	q.effects.Add(1)
	go func() {
		defer q.effects.Done()
		defer func() {
			if r := recover(); r != nil {
				q.opts.Collector.IncSideEffectFailure()
				q.logger.Error("side effect panicked", map[string]any{
					"panic": fmt.Sprint(r),
				})
			}
		}()

		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.opts.SideEffectTimeout)
		defer cancel()
		if err := fn(callCtx, token); err != nil {
			q.opts.Collector.IncSideEffectFailure()
			q.logger.Warn("side effect failed", map[string]any{
				"error": err.Error(),
			})
			return
		}
		q.opts.Collector.IncSideEffectSuccess()
	}()
}

func statusText(ev *types.ChunkEvent) string {
	switch ev.Kind {
	case types.ChunkWorkflowStarted:
		return "⏳ 工作流已启动"
	case types.ChunkNodeStarted:
		if ev.NodeTitle != "" {
			return "⏳ 正在执行: " + ev.NodeTitle
		}
		return "⏳ 正在执行"
	case types.ChunkNodeFinished:
		if ev.NodeTitle != "" {
			return "✅ 已完成: " + ev.NodeTitle
		}
		return "✅ 已完成"
	default:
		return ""
	}
}

// withStatus appends a status line to visible content without touching
// the buffer.
func withStatus(content, status string) string {
	if content == "" {
		return status
	}
	return content + "\n\n" + status
}

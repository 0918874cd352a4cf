package relay

import (
	"strings"
	"sync"
	"time"

	"github.com/pithecene-io/cardrelay/types"
)

// Session is the mutable state of one relayed stream.
// All fields are guarded by mu; the Sequencer holds it for every
// classify, mutate and deliver step, including sink calls.
//
// Readers that must not wait on a delivery in flight (listings, idle
// sweeps) use view instead, which is refreshed under mu and guarded by
// its own lock.
type Session struct {
	mu sync.Mutex

	viewMu sync.Mutex
	view   sessionView

	handle  string
	taskKey string
	userID  string
	mode    types.Mode

	state    types.SessionState
	sequence int64
	buffer   strings.Builder

	sideEffectFired bool
	sessionToken    string
	taskID          string

	startedAt    time.Time
	lastActivity time.Time

	updates        int64
	failedAttempts int64
	stopped        bool

	result *types.SessionResult
}

// sessionView is the reader-facing copy of the fields that change.
type sessionView struct {
	state         types.SessionState
	sequence      int64
	contentLength int
	updates       int64
	taskID        string
	lastActivity  time.Time
}

// SessionInfo is a point-in-time view of a session for listings.
type SessionInfo struct {
	Handle        string             `json:"handle" yaml:"handle"`
	TaskKey       string             `json:"task_key" yaml:"task_key"`
	UserID        string             `json:"user_id" yaml:"user_id"`
	Mode          types.Mode         `json:"mode" yaml:"mode"`
	State         types.SessionState `json:"state" yaml:"state"`
	Sequence      int64              `json:"sequence" yaml:"sequence"`
	ContentLength int                `json:"content_length" yaml:"content_length"`
	Updates       int64              `json:"updates" yaml:"updates"`
	TaskID        string             `json:"task_id,omitempty" yaml:"task_id,omitempty"`
	StartedAt     time.Time          `json:"started_at" yaml:"started_at"`
	LastActivity  time.Time          `json:"last_activity" yaml:"last_activity"`
}

// NewSession creates an active session for req, starting at the request's
// initial sequence. req.TaskKey must already be assigned.
func NewSession(req *types.StreamRequest) *Session {
	now := time.Now()
	s := &Session{
		handle:       req.Handle,
		taskKey:      req.TaskKey,
		userID:       req.UserID,
		mode:         req.EffectiveMode(),
		state:        types.StateActive,
		sequence:     req.StartSequence(),
		startedAt:    now,
		lastActivity: now,
	}
	s.publish()
	return s
}

// Handle returns the sink target of the session.
func (s *Session) Handle() string { return s.handle }

// TaskKey returns the caller's cancel key.
func (s *Session) TaskKey() string { return s.taskKey }

// UserID returns the end user of the session.
func (s *Session) UserID() string { return s.userID }

// TaskID returns the backend task id, once observed.
func (s *Session) TaskID() string {
	return s.snapshot().taskID
}

// State returns the current lifecycle state.
func (s *Session) State() types.SessionState {
	return s.snapshot().state
}

// Sequence returns the next sequence the session will send.
func (s *Session) Sequence() int64 {
	return s.snapshot().sequence
}

// Content returns the accumulated buffer. It waits for a delivery in
// flight.
func (s *Session) Content() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer.String()
}

// IdleSince reports how long the session has gone without an event.
func (s *Session) IdleSince(now time.Time) time.Duration {
	return now.Sub(s.snapshot().lastActivity)
}

// Info returns a snapshot of the session. It never waits on the sink.
func (s *Session) Info() SessionInfo {
	v := s.snapshot()
	return SessionInfo{
		Handle:        s.handle,
		TaskKey:       s.taskKey,
		UserID:        s.userID,
		Mode:          s.mode,
		State:         v.state,
		Sequence:      v.sequence,
		ContentLength: v.contentLength,
		Updates:       v.updates,
		TaskID:        v.taskID,
		StartedAt:     s.startedAt,
		LastActivity:  v.lastActivity,
	}
}

// Result returns the terminal summary, or nil while the session is live.
func (s *Session) Result() *types.SessionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == nil {
		return nil
	}
	r := *s.result
	return &r
}

func (s *Session) snapshot() sessionView {
	s.viewMu.Lock()
	defer s.viewMu.Unlock()
	return s.view
}

// publish copies the mutable fields into view. Caller holds mu.
func (s *Session) publish() {
	v := sessionView{
		state:         s.state,
		sequence:      s.sequence,
		contentLength: s.buffer.Len(),
		updates:       s.updates,
		taskID:        s.taskID,
		lastActivity:  s.lastActivity,
	}
	s.viewMu.Lock()
	s.view = v
	s.viewMu.Unlock()
}

// touch records activity. Caller holds mu.
func (s *Session) touch(now time.Time) {
	s.lastActivity = now
}

// finish moves the session to STOPPED and records its result. Caller holds mu.
func (s *Session) finish(outcome types.OutcomeStatus, message string, now time.Time) types.SessionResult {
	s.state = types.StateStopped
	r := types.SessionResult{
		Handle:         s.handle,
		TaskKey:        s.taskKey,
		Outcome:        outcome,
		Message:        message,
		FinalSequence:  s.sequence,
		Updates:        s.updates,
		FailedAttempts: s.failedAttempts,
		Stopped:        s.stopped,
		ContentLength:  s.buffer.Len(),
		SessionToken:   s.sessionToken,
		DurationMs:     now.Sub(s.startedAt).Milliseconds(),
	}
	s.result = &r
	s.publish()
	return r
}

package types

// SessionState is the lifecycle state of a relay session.
//
//	ACTIVE -> STOPPED
//	ACTIVE -> DEGRADED -> STOPPED
type SessionState string

// Session states.
const (
	StateActive   SessionState = "active"
	StateDegraded SessionState = "degraded"
	StateStopped  SessionState = "stopped"
)

// OutcomeStatus classifies how a session terminated.
type OutcomeStatus string

const (
	// OutcomeCompleted indicates a message_end or workflow_finished event.
	OutcomeCompleted OutcomeStatus = "completed"
	// OutcomeErrored indicates an error event (upstream or transport).
	OutcomeErrored OutcomeStatus = "errored"
	// OutcomeDegraded indicates the sink retry budget was exhausted.
	OutcomeDegraded OutcomeStatus = "degraded"
	// OutcomeCanceled indicates an external cancel by task key.
	OutcomeCanceled OutcomeStatus = "canceled"
	// OutcomeTimedOut indicates the idle timeout fired.
	OutcomeTimedOut OutcomeStatus = "timed_out"
	// OutcomeExhausted indicates the source ended without a terminal event.
	OutcomeExhausted OutcomeStatus = "exhausted"
)

// SessionResult summarizes a finished session.
type SessionResult struct {
	Handle         string        `json:"handle" yaml:"handle"`
	TaskKey        string        `json:"task_key" yaml:"task_key"`
	Outcome        OutcomeStatus `json:"outcome" yaml:"outcome"`
	Message        string        `json:"message,omitempty" yaml:"message,omitempty"`
	FinalSequence  int64         `json:"final_sequence" yaml:"final_sequence"`
	Updates        int64         `json:"updates" yaml:"updates"`
	FailedAttempts int64         `json:"failed_attempts" yaml:"failed_attempts"`
	Stopped        bool          `json:"stopped" yaml:"stopped"`
	ContentLength  int           `json:"content_length" yaml:"content_length"`
	SessionToken   string        `json:"session_token,omitempty" yaml:"session_token,omitempty"`
	DurationMs     int64         `json:"duration_ms" yaml:"duration_ms"`
}

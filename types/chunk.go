// Package types defines core domain types for the cardrelay runtime.
//
//nolint:revive // types is a common Go package naming convention
package types

// ChunkKind classifies a single unit of an upstream generation stream.
// Every ChunkEvent carries exactly one kind; the kind drives all branching
// in the relay.
type ChunkKind string

// Chunk kinds.
const (
	ChunkMessage          ChunkKind = "message"
	ChunkMessageEnd       ChunkKind = "message_end"
	ChunkError            ChunkKind = "error"
	ChunkPing             ChunkKind = "ping"
	ChunkWorkflowStarted  ChunkKind = "workflow_started"
	ChunkNodeStarted      ChunkKind = "node_started"
	ChunkNodeFinished     ChunkKind = "node_finished"
	ChunkWorkflowFinished ChunkKind = "workflow_finished"
	ChunkUnknown          ChunkKind = "unknown"
)

// IsTerminal returns true if this kind ends a stream.
func (k ChunkKind) IsTerminal() bool {
	return k == ChunkMessageEnd || k == ChunkWorkflowFinished || k == ChunkError
}

// IsStatus returns true for progress kinds that never mutate the buffer.
func (k ChunkKind) IsStatus() bool {
	switch k {
	case ChunkPing, ChunkWorkflowStarted, ChunkNodeStarted, ChunkNodeFinished:
		return true
	default:
		return false
	}
}

// ChunkEvent is one parsed unit of the upstream stream.
// Fields carry msgpack tags for the capture file format.
type ChunkEvent struct {
	// Kind is the event discriminator (required).
	Kind ChunkKind `msgpack:"kind" json:"kind"`
	// Event is the raw upstream event name, kept for logging.
	Event string `msgpack:"event,omitempty" json:"event,omitempty"`
	// TextDelta is the incremental text of a message event.
	TextDelta string `msgpack:"text_delta,omitempty" json:"text_delta,omitempty"`
	// ErrorMessage is the human-readable error of an error event.
	ErrorMessage string `msgpack:"error_message,omitempty" json:"error_message,omitempty"`
	// SessionToken is the backend conversation identifier, if present.
	SessionToken string `msgpack:"session_token,omitempty" json:"session_token,omitempty"`
	// TaskID is the backend task identifier used for out-of-band stop.
	TaskID string `msgpack:"task_id,omitempty" json:"task_id,omitempty"`
	// MessageID is the backend message identifier.
	MessageID string `msgpack:"message_id,omitempty" json:"message_id,omitempty"`
	// NodeTitle names the workflow node for node events.
	NodeTitle string `msgpack:"node_title,omitempty" json:"node_title,omitempty"`
	// StructuredPayload holds opaque workflow outputs.
	StructuredPayload map[string]any `msgpack:"structured_payload,omitempty" json:"structured_payload,omitempty"`
}

// OutputText extracts the textual answer of a terminal workflow event.
// Looks at the common output keys in order; returns "" if none is a string.
func (e *ChunkEvent) OutputText() string {
	if e.StructuredPayload == nil {
		return ""
	}
	for _, key := range []string{"text", "answer", "result", "output"} {
		if s, ok := e.StructuredPayload[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// NewErrorEvent builds a synthetic error event, used to surface transport
// failures in-band.
func NewErrorEvent(msg string) ChunkEvent {
	return ChunkEvent{Kind: ChunkError, Event: string(ChunkError), ErrorMessage: msg}
}

package types

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultInitialSequence is the first sequence a relay sends. The card
// render that created the handle consumed sequence 1.
const DefaultInitialSequence int64 = 2

// Mode selects the backend endpoint family for a request.
type Mode string

// Backend modes.
const (
	ModeChat     Mode = "chat"
	ModeWorkflow Mode = "workflow"
)

// StreamRequest describes one logical generation request and its sink target.
type StreamRequest struct {
	// UserID identifies the end user; also the conversation capture key.
	UserID string `json:"user_id"`
	// TaskKey is the caller's opaque key used to cancel the stream.
	// Generated when empty.
	TaskKey string `json:"task_key,omitempty"`
	// Handle identifies the sink target ("card_id:element_id").
	Handle string `json:"handle"`
	// Mode selects chat or workflow endpoints (default chat).
	Mode Mode `json:"mode,omitempty"`
	// Query is the user prompt.
	Query string `json:"query"`
	// Inputs are backend app variables.
	Inputs map[string]any `json:"inputs,omitempty"`
	// ConversationID continues an existing backend conversation.
	// Filled from the conversation store when empty.
	ConversationID string `json:"conversation_id,omitempty"`
	// Files are backend file references passed through verbatim.
	Files []map[string]any `json:"files,omitempty"`
	// InitialSequence is the first sequence to send (default 2).
	InitialSequence int64 `json:"initial_sequence,omitempty"`
}

// Validate checks required fields and mode.
func (r *StreamRequest) Validate() error {
	var problems []string
	if strings.TrimSpace(r.UserID) == "" {
		problems = append(problems, "user_id must be non-empty")
	}
	if strings.TrimSpace(r.Handle) == "" {
		problems = append(problems, "handle must be non-empty")
	}
	switch r.Mode {
	case "", ModeChat:
		if strings.TrimSpace(r.Query) == "" {
			problems = append(problems, "query must be non-empty in chat mode")
		}
	case ModeWorkflow:
	default:
		problems = append(problems, fmt.Sprintf("unknown mode %q (must be chat or workflow)", r.Mode))
	}
	if r.InitialSequence < 0 {
		problems = append(problems, fmt.Sprintf("initial_sequence must be >= 0, got %d", r.InitialSequence))
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// EffectiveMode returns the mode, defaulting to chat.
func (r *StreamRequest) EffectiveMode() Mode {
	if r.Mode == "" {
		return ModeChat
	}
	return r.Mode
}

// StartSequence returns the configured initial sequence or the default.
func (r *StreamRequest) StartSequence() int64 {
	if r.InitialSequence > 0 {
		return r.InitialSequence
	}
	return DefaultInitialSequence
}

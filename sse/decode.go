package sse

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pithecene-io/cardrelay/types"
)

// ErrNoEvent is returned for records that carry no `event` field.
// Such records are ignored by consumers.
var ErrNoEvent = errors.New("record has no event field")

var eventKinds = map[string]types.ChunkKind{
	"message":           types.ChunkMessage,
	"agent_message":     types.ChunkMessage,
	"message_end":       types.ChunkMessageEnd,
	"error":             types.ChunkError,
	"ping":              types.ChunkPing,
	"workflow_started":  types.ChunkWorkflowStarted,
	"node_started":      types.ChunkNodeStarted,
	"node_finished":     types.ChunkNodeFinished,
	"workflow_finished": types.ChunkWorkflowFinished,
}

// KindOf maps an upstream event name to its chunk kind.
func KindOf(event string) types.ChunkKind {
	if kind, ok := eventKinds[event]; ok {
		return kind
	}
	return types.ChunkUnknown
}

// Decode parses one record payload into a ChunkEvent.
// Returns a *FrameError with Kind=FrameErrorDecode for invalid JSON and
// ErrNoEvent for records without an event name.
func Decode(payload []byte) (types.ChunkEvent, error) {
	var record map[string]any
	if err := json.Unmarshal(payload, &record); err != nil {
		return types.ChunkEvent{}, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  "failed to decode record",
			Err:  err,
		}
	}
	if record == nil {
		return types.ChunkEvent{}, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  fmt.Sprintf("record is not an object: %.64s", payload),
		}
	}
	return Normalize(record)
}

// Normalize converts an already-parsed record into a ChunkEvent.
// It is the single classification step for both raw and pre-parsed input.
func Normalize(record map[string]any) (types.ChunkEvent, error) {
	event := stringField(record, "event")
	if event == "" {
		return types.ChunkEvent{}, ErrNoEvent
	}

	ev := types.ChunkEvent{
		Kind:         KindOf(event),
		Event:        event,
		SessionToken: stringField(record, "conversation_id"),
		TaskID:       stringField(record, "task_id"),
		MessageID:    stringField(record, "message_id"),
	}
	if ev.MessageID == "" {
		ev.MessageID = stringField(record, "id")
	}

	data, _ := record["data"].(map[string]any)

	switch ev.Kind {
	case types.ChunkMessage:
		ev.TextDelta = stringField(record, "answer")
	case types.ChunkError:
		ev.ErrorMessage = stringField(record, "message")
		if ev.ErrorMessage == "" {
			ev.ErrorMessage = stringField(record, "code")
		}
		if ev.ErrorMessage == "" {
			ev.ErrorMessage = "unknown error"
		}
	case types.ChunkNodeStarted, types.ChunkNodeFinished:
		ev.NodeTitle = stringField(data, "title")
	case types.ChunkWorkflowFinished:
		if outputs, ok := data["outputs"].(map[string]any); ok {
			ev.StructuredPayload = outputs
		}
		ev.ErrorMessage = workflowFailure(data)
	case types.ChunkMessageEnd:
		if metadata, ok := record["metadata"].(map[string]any); ok {
			ev.StructuredPayload = metadata
		}
	}

	return ev, nil
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// workflowFailure returns the error text of a finished workflow that did
// not succeed, or "" for a successful (or status-less) run.
func workflowFailure(data map[string]any) string {
	switch status := stringField(data, "status"); status {
	case "", "succeeded", "partial-succeeded":
		return ""
	default:
		if msg := stringField(data, "error"); msg != "" {
			return msg
		}
		return "workflow " + status
	}
}

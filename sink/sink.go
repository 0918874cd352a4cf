// Package sink defines the sequenced, stateful destination of a relay.
//
// A sink accepts content updates for a handle only with strictly
// increasing sequence numbers and can be told to stop streaming.
// Implementations report transient failures as errors; the relay decides
// whether to retry.
package sink

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrStaleSequence is returned when seq does not exceed the last accepted
	// sequence for the handle.
	ErrStaleSequence = errors.New("sequence not greater than last accepted")
	// ErrStopped is returned for updates to a handle that has been stopped.
	ErrStopped = errors.New("handle stopped")
	// ErrInvalidHandle is returned for handles a sink cannot address.
	ErrInvalidHandle = errors.New("invalid handle")
)

// Sink is a sequence-ordered stateful destination.
type Sink interface {
	// Update replaces the visible content of handle. A nil error means the
	// sink accepted seq.
	Update(ctx context.Context, handle, content string, seq int64) error
	// Stop ends streaming for handle. Stopping an already stopped handle
	// succeeds.
	Stop(ctx context.Context, handle string, seq int64) error
}

// StatusError is returned by HTTP-backed sinks for rejected requests.
type StatusError struct {
	// HTTPStatus is the response status code.
	HTTPStatus int
	// Code is the API-level error code from the response body, if any.
	Code int
	Msg  string
}

func (e *StatusError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("sink rejected request: status %d, code %d: %s", e.HTTPStatus, e.Code, e.Msg)
	}
	return fmt.Sprintf("sink rejected request: status %d", e.HTTPStatus)
}

// Retriable reports whether the rejection may succeed on a later attempt.
func (e *StatusError) Retriable() bool {
	return e.HTTPStatus == 0 || e.HTTPStatus == 429 || e.HTTPStatus >= 500
}

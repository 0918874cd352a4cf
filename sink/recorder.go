package sink

import (
	"context"
	"sync"
)

// Op identifies a recorded sink call.
type Op string

// Recorded operations.
const (
	OpUpdate Op = "update"
	OpStop   Op = "stop"
)

// Call is one recorded sink invocation.
type Call struct {
	Op       Op
	Handle   string
	Content  string
	Seq      int64
	Accepted bool
}

// FailFunc decides whether a call should be rejected.
// It sees the call before it is applied.
type FailFunc func(c Call) bool

// Recorder is an in-memory Sink that enforces per-handle monotonicity and
// records every call. Failures can be scripted with FailWhen.
type Recorder struct {
	mu      sync.Mutex
	calls   []Call
	last    map[string]int64
	stopped map[string]bool
	content map[string]string
	fail    FailFunc
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		last:    make(map[string]int64),
		stopped: make(map[string]bool),
		content: make(map[string]string),
	}
}

// FailWhen installs a rejection rule. Pass nil to accept everything.
func (r *Recorder) FailWhen(fn FailFunc) {
	r.mu.Lock()
	r.fail = fn
	r.mu.Unlock()
}

// FailUpdates rejects every update call.
func (r *Recorder) FailUpdates() {
	r.FailWhen(func(c Call) bool { return c.Op == OpUpdate })
}

// Update implements Sink.
func (r *Recorder) Update(_ context.Context, handle, content string, seq int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := Call{Op: OpUpdate, Handle: handle, Content: content, Seq: seq}
	prev, seen := r.last[handle]
	var err error
	switch {
	case r.fail != nil && r.fail(c):
		err = &StatusError{HTTPStatus: 503}
	case r.stopped[handle]:
		err = ErrStopped
	case seen && seq <= prev:
		err = ErrStaleSequence
	}
	if err == nil {
		c.Accepted = true
		r.last[handle] = seq
		r.content[handle] = content
	}
	r.calls = append(r.calls, c)
	return err
}

// Stop implements Sink.
func (r *Recorder) Stop(_ context.Context, handle string, seq int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := Call{Op: OpStop, Handle: handle, Seq: seq}
	if r.fail != nil && r.fail(c) {
		r.calls = append(r.calls, c)
		return &StatusError{HTTPStatus: 503}
	}
	c.Accepted = true
	r.stopped[handle] = true
	if prev, seen := r.last[handle]; !seen || seq > prev {
		r.last[handle] = seq
	}
	r.calls = append(r.calls, c)
	return nil
}

// Calls returns a copy of all recorded calls.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// CallsFor returns the recorded calls of one operation for handle.
func (r *Recorder) CallsFor(handle string, op Op) []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Call
	for _, c := range r.calls {
		if c.Handle == handle && c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Content returns the last accepted content for handle.
func (r *Recorder) Content(handle string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.content[handle]
}

// Stopped reports whether handle has been stopped.
func (r *Recorder) Stopped(handle string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped[handle]
}

var _ Sink = (*Recorder)(nil)

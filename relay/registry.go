package relay

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/pithecene-io/cardrelay/iox"
	"github.com/pithecene-io/cardrelay/source"
)

var (
	// ErrHandleActive is returned when a handle already has a live session.
	ErrHandleActive = errors.New("handle already has an active session")
	// ErrTaskKeyActive is returned when a task key is already in use.
	ErrTaskKeyActive = errors.New("task key already in use")
)

// entry is one live session in the registry.
type entry struct {
	session   *Session
	sequencer *Sequencer
	cancel    context.CancelCauseFunc

	// source is set once the backend stream is open; guarded by Registry.mu.
	source source.Source
}

// Registry indexes live sessions by handle and task key.
// The lock is held only for map access, never across sink or backend calls.
type Registry struct {
	mu       sync.RWMutex
	byHandle map[string]*entry
	byTask   map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byHandle: make(map[string]*entry),
		byTask:   make(map[string]*entry),
	}
}

func (r *Registry) register(e *entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byHandle[e.session.handle]; ok {
		return ErrHandleActive
	}
	if _, ok := r.byTask[e.session.taskKey]; ok {
		return ErrTaskKeyActive
	}
	r.byHandle[e.session.handle] = e
	r.byTask[e.session.taskKey] = e
	return nil
}

// attach records the open source for an entry. It reports false when the
// entry was already evicted; the caller then owns closing src.
func (r *Registry) attach(e *entry, src source.Source) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.byHandle[e.session.handle]; !ok || cur != e {
		return false
	}
	e.source = src
	return true
}

// remove evicts the session for handle. Only the entry owning session is
// removed, so a late eviction cannot drop a newer session on the same handle.
func (r *Registry) remove(session *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byHandle[session.handle]; ok && e.session == session {
		delete(r.byHandle, session.handle)
	}
	if e, ok := r.byTask[session.taskKey]; ok && e.session == session {
		delete(r.byTask, session.taskKey)
	}
}

func (r *Registry) byTaskKey(taskKey string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byTask[taskKey]
	return e, ok
}

func (r *Registry) entries() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entry, 0, len(r.byHandle))
	for _, e := range r.byHandle {
		out = append(out, e)
	}
	return out
}

// interrupt cancels the entry's stream with cause and closes its source so
// a blocked read returns.
func (r *Registry) interrupt(e *entry, cause error) {
	e.cancel(cause)
	r.mu.RLock()
	src := e.source
	r.mu.RUnlock()
	if src != nil {
		iox.DiscardClose(src)
	}
}

// Get returns the live session for handle.
func (r *Registry) Get(handle string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byHandle[handle]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byHandle)
}

// List returns snapshots of all live sessions, oldest first.
func (r *Registry) List() []SessionInfo {
	entries := r.entries()
	infos := make([]SessionInfo, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, e.session.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].StartedAt.Equal(infos[j].StartedAt) {
			return infos[i].Handle < infos[j].Handle
		}
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}

// idle returns entries with no activity for at least timeout.
func (r *Registry) idle(now time.Time, timeout time.Duration) []*entry {
	var out []*entry
	for _, e := range r.entries() {
		if e.session.IdleSince(now) >= timeout {
			out = append(out, e)
		}
	}
	return out
}

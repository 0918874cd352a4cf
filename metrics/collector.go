// Package metrics provides process-wide relay metrics collection.
//
// The Collector accumulates counters across all streams relayed by one
// process. It is a leaf package with no internal dependencies.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all relay metrics.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Stream lifecycle
	StreamsStarted   int64 `json:"streams_started" yaml:"streams_started"`
	StreamsCompleted int64 `json:"streams_completed" yaml:"streams_completed"`
	StreamsErrored   int64 `json:"streams_errored" yaml:"streams_errored"`
	StreamsDegraded  int64 `json:"streams_degraded" yaml:"streams_degraded"`
	StreamsCanceled  int64 `json:"streams_canceled" yaml:"streams_canceled"`
	StreamsTimedOut  int64 `json:"streams_timed_out" yaml:"streams_timed_out"`
	ActiveSessions   int64 `json:"active_sessions" yaml:"active_sessions"`

	// Sink delivery
	UpdatesDelivered int64 `json:"updates_delivered" yaml:"updates_delivered"`
	UpdatesFailed    int64 `json:"updates_failed" yaml:"updates_failed"`
	UpdateAttempts   int64 `json:"update_attempts" yaml:"update_attempts"`
	StopsDelivered   int64 `json:"stops_delivered" yaml:"stops_delivered"`
	StopsFailed      int64 `json:"stops_failed" yaml:"stops_failed"`

	// Side effects and upstream
	SideEffectSuccess int64 `json:"side_effect_success" yaml:"side_effect_success"`
	SideEffectFailure int64 `json:"side_effect_failure" yaml:"side_effect_failure"`
	DecodeErrors      int64 `json:"decode_errors" yaml:"decode_errors"`
	LateEventsDropped int64 `json:"late_events_dropped" yaml:"late_events_dropped"`

	// Conversation store
	StoreWriteSuccess int64 `json:"store_write_success" yaml:"store_write_success"`
	StoreWriteFailure int64 `json:"store_write_failure" yaml:"store_write_failure"`

	// Dimensions (informational, set at construction)
	Backend      string `json:"backend" yaml:"backend"`
	SinkBackend  string `json:"sink_backend" yaml:"sink_backend"`
	StoreBackend string `json:"store_backend" yaml:"store_backend"`
}

// Collector accumulates relay metrics.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	streamsStarted   int64
	streamsCompleted int64
	streamsErrored   int64
	streamsDegraded  int64
	streamsCanceled  int64
	streamsTimedOut  int64
	activeSessions   int64

	updatesDelivered int64
	updatesFailed    int64
	updateAttempts   int64
	stopsDelivered   int64
	stopsFailed      int64

	sideEffectSuccess int64
	sideEffectFailure int64
	decodeErrors      int64
	lateEventsDropped int64

	storeWriteSuccess int64
	storeWriteFailure int64

	backend      string
	sinkBackend  string
	storeBackend string
}

// NewCollector creates a Collector with dimension labels.
func NewCollector(backend, sinkBackend, storeBackend string) *Collector {
	return &Collector{
		backend:      backend,
		sinkBackend:  sinkBackend,
		storeBackend: storeBackend,
	}
}

func (c *Collector) add(counter *int64, delta int64) {
	c.mu.Lock()
	*counter += delta
	c.mu.Unlock()
}

// --- Stream lifecycle ---

// IncStreamStarted records a stream start and raises the active gauge.
func (c *Collector) IncStreamStarted() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.streamsStarted++
	c.activeSessions++
	c.mu.Unlock()
}

// IncStreamCompleted records a stream that ended with a normal stop.
func (c *Collector) IncStreamCompleted() {
	if c == nil {
		return
	}
	c.add(&c.streamsCompleted, 1)
}

// IncStreamErrored records a stream ended by an upstream error.
func (c *Collector) IncStreamErrored() {
	if c == nil {
		return
	}
	c.add(&c.streamsErrored, 1)
}

// IncStreamDegraded records a stream abandoned after retry exhaustion.
func (c *Collector) IncStreamDegraded() {
	if c == nil {
		return
	}
	c.add(&c.streamsDegraded, 1)
}

// IncStreamCanceled records an explicitly canceled stream.
func (c *Collector) IncStreamCanceled() {
	if c == nil {
		return
	}
	c.add(&c.streamsCanceled, 1)
}

// IncStreamTimedOut records a stream ended by the idle timeout.
func (c *Collector) IncStreamTimedOut() {
	if c == nil {
		return
	}
	c.add(&c.streamsTimedOut, 1)
}

// DecActiveSessions lowers the active gauge when a session is evicted.
func (c *Collector) DecActiveSessions() {
	if c == nil {
		return
	}
	c.add(&c.activeSessions, -1)
}

// --- Sink delivery ---
// Delivered/failed count attempt chains; UpdateAttempts counts every call.

// IncUpdateAttempt records a single sink update call.
func (c *Collector) IncUpdateAttempt() {
	if c == nil {
		return
	}
	c.add(&c.updateAttempts, 1)
}

// IncUpdateDelivered records an accepted update.
func (c *Collector) IncUpdateDelivered() {
	if c == nil {
		return
	}
	c.add(&c.updatesDelivered, 1)
}

// IncUpdateFailed records an update whose attempt chain was exhausted.
func (c *Collector) IncUpdateFailed() {
	if c == nil {
		return
	}
	c.add(&c.updatesFailed, 1)
}

// IncStopDelivered records an accepted stop.
func (c *Collector) IncStopDelivered() {
	if c == nil {
		return
	}
	c.add(&c.stopsDelivered, 1)
}

// IncStopFailed records a rejected stop.
func (c *Collector) IncStopFailed() {
	if c == nil {
		return
	}
	c.add(&c.stopsFailed, 1)
}

// --- Side effects and upstream ---

// IncSideEffectSuccess records a completed conversation capture.
func (c *Collector) IncSideEffectSuccess() {
	if c == nil {
		return
	}
	c.add(&c.sideEffectSuccess, 1)
}

// IncSideEffectFailure records a failed conversation capture.
func (c *Collector) IncSideEffectFailure() {
	if c == nil {
		return
	}
	c.add(&c.sideEffectFailure, 1)
}

// IncDecodeErrors records a dropped malformed upstream record.
func (c *Collector) IncDecodeErrors() {
	if c == nil {
		return
	}
	c.add(&c.decodeErrors, 1)
}

// IncLateEventsDropped records an event that arrived after its session stopped.
func (c *Collector) IncLateEventsDropped() {
	if c == nil {
		return
	}
	c.add(&c.lateEventsDropped, 1)
}

// --- Conversation store ---

// IncStoreWriteSuccess records a successful conversation store write.
func (c *Collector) IncStoreWriteSuccess() {
	if c == nil {
		return
	}
	c.add(&c.storeWriteSuccess, 1)
}

// IncStoreWriteFailure records a failed conversation store write.
func (c *Collector) IncStoreWriteFailure() {
	if c == nil {
		return
	}
	c.add(&c.storeWriteFailure, 1)
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	return Snapshot{
		StreamsStarted:   c.streamsStarted,
		StreamsCompleted: c.streamsCompleted,
		StreamsErrored:   c.streamsErrored,
		StreamsDegraded:  c.streamsDegraded,
		StreamsCanceled:  c.streamsCanceled,
		StreamsTimedOut:  c.streamsTimedOut,
		ActiveSessions:   c.activeSessions,

		UpdatesDelivered: c.updatesDelivered,
		UpdatesFailed:    c.updatesFailed,
		UpdateAttempts:   c.updateAttempts,
		StopsDelivered:   c.stopsDelivered,
		StopsFailed:      c.stopsFailed,

		SideEffectSuccess: c.sideEffectSuccess,
		SideEffectFailure: c.sideEffectFailure,
		DecodeErrors:      c.decodeErrors,
		LateEventsDropped: c.lateEventsDropped,

		StoreWriteSuccess: c.storeWriteSuccess,
		StoreWriteFailure: c.storeWriteFailure,

		Backend:      c.backend,
		SinkBackend:  c.sinkBackend,
		StoreBackend: c.storeBackend,
	}
}

package metrics

import (
	"sync"
	"testing"
)

func TestCollector_IncrementMethods(t *testing.T) {
	c := NewCollector("dify", "cardkit", "redis")

	c.IncStreamStarted()
	c.IncStreamStarted()
	c.IncStreamCompleted()
	c.IncStreamErrored()
	c.IncStreamDegraded()
	c.IncStreamCanceled()
	c.IncStreamTimedOut()
	c.DecActiveSessions()
	c.IncUpdateAttempt()
	c.IncUpdateAttempt()
	c.IncUpdateAttempt()
	c.IncUpdateDelivered()
	c.IncUpdateFailed()
	c.IncStopDelivered()
	c.IncStopFailed()
	c.IncSideEffectSuccess()
	c.IncSideEffectFailure()
	c.IncDecodeErrors()
	c.IncLateEventsDropped()
	c.IncStoreWriteSuccess()
	c.IncStoreWriteFailure()

	s := c.Snapshot()

	if s.StreamsStarted != 2 {
		t.Errorf("StreamsStarted = %d, want 2", s.StreamsStarted)
	}
	if s.ActiveSessions != 1 {
		t.Errorf("ActiveSessions = %d, want 1", s.ActiveSessions)
	}
	if s.StreamsCompleted != 1 || s.StreamsErrored != 1 || s.StreamsDegraded != 1 ||
		s.StreamsCanceled != 1 || s.StreamsTimedOut != 1 {
		t.Errorf("stream outcome counters = %+v, want 1 each", s)
	}
	if s.UpdateAttempts != 3 {
		t.Errorf("UpdateAttempts = %d, want 3", s.UpdateAttempts)
	}
	if s.UpdatesDelivered != 1 || s.UpdatesFailed != 1 {
		t.Errorf("UpdatesDelivered = %d, UpdatesFailed = %d, want 1, 1", s.UpdatesDelivered, s.UpdatesFailed)
	}
	if s.StopsDelivered != 1 || s.StopsFailed != 1 {
		t.Errorf("StopsDelivered = %d, StopsFailed = %d, want 1, 1", s.StopsDelivered, s.StopsFailed)
	}
	if s.SideEffectSuccess != 1 || s.SideEffectFailure != 1 {
		t.Errorf("side effect counters = %d/%d, want 1/1", s.SideEffectSuccess, s.SideEffectFailure)
	}
	if s.DecodeErrors != 1 {
		t.Errorf("DecodeErrors = %d, want 1", s.DecodeErrors)
	}
	if s.LateEventsDropped != 1 {
		t.Errorf("LateEventsDropped = %d, want 1", s.LateEventsDropped)
	}
	if s.StoreWriteSuccess != 1 || s.StoreWriteFailure != 1 {
		t.Errorf("store counters = %d/%d, want 1/1", s.StoreWriteSuccess, s.StoreWriteFailure)
	}
}

func TestCollector_Dimensions(t *testing.T) {
	s := NewCollector("dify", "redis", "lode").Snapshot()

	if s.Backend != "dify" {
		t.Errorf("Backend = %q, want %q", s.Backend, "dify")
	}
	if s.SinkBackend != "redis" {
		t.Errorf("SinkBackend = %q, want %q", s.SinkBackend, "redis")
	}
	if s.StoreBackend != "lode" {
		t.Errorf("StoreBackend = %q, want %q", s.StoreBackend, "lode")
	}
}

func TestCollector_SnapshotImmutability(t *testing.T) {
	c := NewCollector("dify", "cardkit", "memory")
	c.IncStreamStarted()
	c.IncUpdateDelivered()

	s1 := c.Snapshot()

	c.IncStreamCompleted()
	c.IncUpdateDelivered()
	c.IncUpdateDelivered()

	if s1.StreamsCompleted != 0 {
		t.Errorf("s1.StreamsCompleted = %d, want 0 (snapshot should be frozen)", s1.StreamsCompleted)
	}
	if s1.UpdatesDelivered != 1 {
		t.Errorf("s1.UpdatesDelivered = %d, want 1 (snapshot should be frozen)", s1.UpdatesDelivered)
	}

	s2 := c.Snapshot()
	if s2.StreamsCompleted != 1 {
		t.Errorf("s2.StreamsCompleted = %d, want 1", s2.StreamsCompleted)
	}
	if s2.UpdatesDelivered != 3 {
		t.Errorf("s2.UpdatesDelivered = %d, want 3", s2.UpdatesDelivered)
	}
}

func TestCollector_NilReceiverSafety(t *testing.T) {
	var c *Collector

	// None of these should panic
	c.IncStreamStarted()
	c.IncStreamCompleted()
	c.IncStreamErrored()
	c.IncStreamDegraded()
	c.IncStreamCanceled()
	c.IncStreamTimedOut()
	c.DecActiveSessions()
	c.IncUpdateAttempt()
	c.IncUpdateDelivered()
	c.IncUpdateFailed()
	c.IncStopDelivered()
	c.IncStopFailed()
	c.IncSideEffectSuccess()
	c.IncSideEffectFailure()
	c.IncDecodeErrors()
	c.IncLateEventsDropped()
	c.IncStoreWriteSuccess()
	c.IncStoreWriteFailure()

	if s := c.Snapshot(); s.StreamsStarted != 0 {
		t.Errorf("nil collector snapshot StreamsStarted = %d, want 0", s.StreamsStarted)
	}
}

func TestCollector_ConcurrentAccess(t *testing.T) {
	c := NewCollector("dify", "cardkit", "memory")
	const goroutines = 10
	const iterations = 1000

	var wg sync.WaitGroup
	wg.Add(goroutines)

	for range goroutines {
		go func() {
			defer wg.Done()
			for range iterations {
				c.IncStreamStarted()
				c.IncUpdateAttempt()
				c.DecActiveSessions()
			}
		}()
	}

	wg.Wait()

	s := c.Snapshot()
	want := int64(goroutines * iterations)

	if s.StreamsStarted != want {
		t.Errorf("StreamsStarted = %d, want %d", s.StreamsStarted, want)
	}
	if s.UpdateAttempts != want {
		t.Errorf("UpdateAttempts = %d, want %d", s.UpdateAttempts, want)
	}
	if s.ActiveSessions != 0 {
		t.Errorf("ActiveSessions = %d, want 0", s.ActiveSessions)
	}
}

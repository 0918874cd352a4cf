package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "cardrelay"

type counterDesc struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(*Snapshot) int64
}

// Exporter exposes a Collector to Prometheus.
// Values are read from a fresh Snapshot on every scrape.
type Exporter struct {
	collector *Collector
	metrics   []counterDesc
}

// NewExporter creates a prometheus.Collector backed by c.
func NewExporter(c *Collector) *Exporter {
	s := c.Snapshot()
	labels := prometheus.Labels{
		"backend":       s.Backend,
		"sink_backend":  s.SinkBackend,
		"store_backend": s.StoreBackend,
	}
	counter := func(name, help string, value func(*Snapshot) int64) counterDesc {
		return counterDesc{
			desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, labels),
			kind:  prometheus.CounterValue,
			value: value,
		}
	}

	active := counter("active_sessions", "Sessions currently registered.",
		func(s *Snapshot) int64 { return s.ActiveSessions })
	active.kind = prometheus.GaugeValue

	return &Exporter{
		collector: c,
		metrics: []counterDesc{
			counter("streams_started_total", "Streams opened.",
				func(s *Snapshot) int64 { return s.StreamsStarted }),
			counter("streams_completed_total", "Streams ended by a normal terminal event.",
				func(s *Snapshot) int64 { return s.StreamsCompleted }),
			counter("streams_errored_total", "Streams ended by an upstream error.",
				func(s *Snapshot) int64 { return s.StreamsErrored }),
			counter("streams_degraded_total", "Streams abandoned after sink retry exhaustion.",
				func(s *Snapshot) int64 { return s.StreamsDegraded }),
			counter("streams_canceled_total", "Streams canceled by request.",
				func(s *Snapshot) int64 { return s.StreamsCanceled }),
			counter("streams_timed_out_total", "Streams ended by the idle timeout.",
				func(s *Snapshot) int64 { return s.StreamsTimedOut }),
			active,
			counter("updates_delivered_total", "Sink updates accepted.",
				func(s *Snapshot) int64 { return s.UpdatesDelivered }),
			counter("updates_failed_total", "Sink updates whose attempts were exhausted.",
				func(s *Snapshot) int64 { return s.UpdatesFailed }),
			counter("update_attempts_total", "Sink update calls, including retries.",
				func(s *Snapshot) int64 { return s.UpdateAttempts }),
			counter("stops_delivered_total", "Sink stops accepted.",
				func(s *Snapshot) int64 { return s.StopsDelivered }),
			counter("stops_failed_total", "Sink stops rejected.",
				func(s *Snapshot) int64 { return s.StopsFailed }),
			counter("side_effect_success_total", "Conversation captures stored.",
				func(s *Snapshot) int64 { return s.SideEffectSuccess }),
			counter("side_effect_failure_total", "Conversation captures that failed.",
				func(s *Snapshot) int64 { return s.SideEffectFailure }),
			counter("decode_errors_total", "Malformed upstream records dropped.",
				func(s *Snapshot) int64 { return s.DecodeErrors }),
			counter("late_events_dropped_total", "Events dropped for stopped sessions.",
				func(s *Snapshot) int64 { return s.LateEventsDropped }),
			counter("store_write_success_total", "Conversation store writes.",
				func(s *Snapshot) int64 { return s.StoreWriteSuccess }),
			counter("store_write_failure_total", "Conversation store write failures.",
				func(s *Snapshot) int64 { return s.StoreWriteFailure }),
		},
	}
}

// Describe implements prometheus.Collector.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range e.metrics {
		ch <- m.desc
	}
}

// Collect implements prometheus.Collector.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	s := e.collector.Snapshot()
	for _, m := range e.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.kind, float64(m.value(&s)))
	}
}

var _ prometheus.Collector = (*Exporter)(nil)

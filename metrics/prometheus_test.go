package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestExporter_GathersSnapshot(t *testing.T) {
	c := NewCollector("dify", "cardkit", "memory")
	c.IncStreamStarted()
	c.IncStreamStarted()
	c.IncUpdateAttempt()

	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(NewExporter(c)); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	c.IncUpdateAttempt()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	values := make(map[string]float64)
	for _, mf := range families {
		m := mf.GetMetric()
		if len(m) != 1 {
			t.Fatalf("%s has %d series, want 1", mf.GetName(), len(m))
		}
		if g := m[0].GetGauge(); g != nil {
			values[mf.GetName()] = g.GetValue()
			continue
		}
		values[mf.GetName()] = m[0].GetCounter().GetValue()

		labels := make(map[string]string)
		for _, lp := range m[0].GetLabel() {
			labels[lp.GetName()] = lp.GetValue()
		}
		if labels["sink_backend"] != "cardkit" {
			t.Errorf("%s sink_backend = %q, want cardkit", mf.GetName(), labels["sink_backend"])
		}
	}

	if got := values["cardrelay_streams_started_total"]; got != 2 {
		t.Errorf("streams_started_total = %v, want 2", got)
	}
	if got := values["cardrelay_update_attempts_total"]; got != 2 {
		t.Errorf("update_attempts_total = %v, want 2 (read at scrape time)", got)
	}
	if got := values["cardrelay_active_sessions"]; got != 2 {
		t.Errorf("active_sessions = %v, want 2", got)
	}
}

package tui

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/pithecene-io/cardrelay/metrics"
	"github.com/pithecene-io/cardrelay/relay"
	"github.com/pithecene-io/cardrelay/types"
)

func sampleDashboard() Dashboard {
	return Dashboard{
		Stats: metrics.Snapshot{
			StreamsStarted:   12,
			StreamsCompleted: 9,
			ActiveSessions:   2,
			UpdatesDelivered: 345,
			Backend:          "dify",
			SinkBackend:      "cardkit",
		},
		Sessions: []relay.SessionInfo{
			{Handle: "card-1:el-1", TaskKey: "task-1", State: types.StateActive, Sequence: 7},
			{Handle: "card-2:el-1", TaskKey: "task-2", State: types.StateDegraded, Sequence: 3},
		},
	}
}

func TestRenderStatsStatic(t *testing.T) {
	out := RenderStatsStatic(sampleDashboard())

	for _, want := range []string{
		"Streams", "Completed", "345", "backend=dify", "sink=cardkit",
		"Sessions (2)", "card-1:el-1", "task-2", "active 1", "degraded 1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("static render missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "refresh") {
		t.Errorf("static render should not offer refresh:\n%s", out)
	}
}

func TestRenderStatsStatic_NoSessions(t *testing.T) {
	out := RenderStatsStatic(Dashboard{})
	if !strings.Contains(out, "no active sessions") {
		t.Errorf("expected empty-session hint:\n%s", out)
	}
}

func TestStatsModel_QuitKey(t *testing.T) {
	m := NewStatsModel(nil, 0, Dashboard{})
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Errorf("expected tea.QuitMsg, got %T", cmd())
	}
	if got := next.View(); got != "" {
		t.Errorf("expected empty view after quit, got %q", got)
	}
}

func TestStatsModel_PollsFetch(t *testing.T) {
	calls := 0
	fetch := func(context.Context) (Dashboard, error) {
		calls++
		return sampleDashboard(), nil
	}
	m := NewStatsModel(fetch, time.Second, Dashboard{})

	cmd := m.Init()
	if cmd == nil {
		t.Fatal("expected initial fetch")
	}
	msg := cmd()
	if calls != 1 {
		t.Fatalf("fetch calls = %d, want 1", calls)
	}

	next, tick := m.Update(msg)
	if tick == nil {
		t.Error("expected a tick to be scheduled after data arrives")
	}
	view := next.View()
	if !strings.Contains(view, "card-2:el-1") || !strings.Contains(view, "updated") {
		t.Errorf("view not refreshed:\n%s", view)
	}

	// A tick triggers the next fetch.
	_, again := next.Update(tickMsg(time.Now()))
	if again == nil {
		t.Fatal("expected fetch on tick")
	}
	again()
	if calls != 2 {
		t.Errorf("fetch calls = %d, want 2", calls)
	}
}

func TestStatsModel_FetchError(t *testing.T) {
	fetch := func(context.Context) (Dashboard, error) {
		return Dashboard{}, errors.New("connection refused")
	}
	m := NewStatsModel(fetch, time.Second, sampleDashboard())

	next, tick := m.Update(m.Init()())
	if tick == nil {
		t.Error("expected retry tick after a failed fetch")
	}
	view := next.View()
	if !strings.Contains(view, "fetch failed: connection refused") {
		t.Errorf("error not shown:\n%s", view)
	}
	// Previous data stays on screen.
	if !strings.Contains(view, "card-1:el-1") {
		t.Errorf("previous sessions dropped:\n%s", view)
	}
}

func TestStateStyle(t *testing.T) {
	for _, state := range []types.SessionState{types.StateActive, types.StateDegraded, types.StateStopped, "other"} {
		if got := StateStyle(state).Render(string(state)); !strings.Contains(got, string(state)) {
			t.Errorf("StateStyle(%q) render = %q", state, got)
		}
	}
}

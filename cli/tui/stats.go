package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/cardrelay/metrics"
	"github.com/pithecene-io/cardrelay/relay"
	"github.com/pithecene-io/cardrelay/types"
)

// DefaultRefresh is the polling interval used when none is given.
const DefaultRefresh = 2 * time.Second

const fetchTimeout = 5 * time.Second

// Dashboard is one poll of a running relay.
type Dashboard struct {
	Stats    metrics.Snapshot
	Sessions []relay.SessionInfo
}

// FetchFunc loads a fresh Dashboard.
type FetchFunc func(ctx context.Context) (Dashboard, error)

type keyMap struct {
	Quit    key.Binding
	Refresh key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c", "esc"),
		key.WithHelp("q", "quit"),
	),
	Refresh: key.NewBinding(
		key.WithKeys("r"),
		key.WithHelp("r", "refresh"),
	),
}

type (
	dashboardMsg struct{ data Dashboard }
	fetchErrMsg  struct{ err error }
	tickMsg      time.Time
)

// StatsModel is a Bubble Tea model polling a relay's stats and sessions.
type StatsModel struct {
	fetch    FetchFunc
	interval time.Duration

	data     Dashboard
	err      error
	updated  time.Time
	sessions table.Model
	width    int
	quitting bool
}

// NewStatsModel creates a model that polls fetch every interval. A nil
// fetch renders only the initial data.
func NewStatsModel(fetch FetchFunc, interval time.Duration, initial Dashboard) StatsModel {
	if interval <= 0 {
		interval = DefaultRefresh
	}
	m := StatsModel{
		fetch:    fetch,
		interval: interval,
		sessions: table.New(
			table.WithColumns(sessionColumns),
			table.WithHeight(10),
		),
	}
	return m.withData(initial, time.Time{})
}

var sessionColumns = []table.Column{
	{Title: "Handle", Width: 28},
	{Title: "Task", Width: 14},
	{Title: "State", Width: 9},
	{Title: "Seq", Width: 6},
	{Title: "Updates", Width: 8},
	{Title: "Chars", Width: 7},
	{Title: "Idle", Width: 8},
}

func (m StatsModel) withData(d Dashboard, now time.Time) StatsModel {
	m.data = d
	m.updated = now
	rows := make([]table.Row, 0, len(d.Sessions))
	for _, s := range d.Sessions {
		idle := ""
		if !now.IsZero() && !s.LastActivity.IsZero() {
			idle = now.Sub(s.LastActivity).Truncate(time.Second).String()
		}
		rows = append(rows, table.Row{
			s.Handle,
			s.TaskKey,
			string(s.State),
			fmt.Sprintf("%d", s.Sequence),
			fmt.Sprintf("%d", s.Updates),
			fmt.Sprintf("%d", s.ContentLength),
			idle,
		})
	}
	m.sessions.SetRows(rows)
	return m
}

func (m StatsModel) fetchCmd() tea.Cmd {
	if m.fetch == nil {
		return nil
	}
	fetch := m.fetch
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		d, err := fetch(ctx)
		if err != nil {
			return fetchErrMsg{err: err}
		}
		return dashboardMsg{data: d}
	}
}

func (m StatsModel) tickCmd() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Init implements tea.Model.
func (m StatsModel) Init() tea.Cmd {
	return m.fetchCmd()
}

// Update implements tea.Model.
func (m StatsModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, keys.Refresh):
			return m, m.fetchCmd()
		}
		var cmd tea.Cmd
		m.sessions, cmd = m.sessions.Update(msg)
		return m, cmd

	case dashboardMsg:
		m.err = nil
		return m.withData(msg.data, time.Now()), m.tickCmd()

	case fetchErrMsg:
		m.err = msg.err
		return m, m.tickCmd()

	case tickMsg:
		return m, m.fetchCmd()
	}

	return m, nil
}

// View implements tea.Model.
func (m StatsModel) View() string {
	if m.quitting {
		return ""
	}
	s := m.data.Stats

	var b strings.Builder
	b.WriteString(TitleStyle.Render("cardrelay"))
	b.WriteString("\n")
	if dims := dimensions(s); dims != "" {
		b.WriteString(HelpStyle.Render(dims))
		b.WriteString("\n")
	}

	b.WriteString(SectionStyle.Render("Streams"))
	b.WriteString("\n")
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		renderStatBox("Active", s.ActiveSessions, infoColor),
		renderStatBox("Started", s.StreamsStarted, accentColor),
		renderStatBox("Completed", s.StreamsCompleted, goodColor),
		renderStatBox("Errored", s.StreamsErrored, badColor),
		renderStatBox("Degraded", s.StreamsDegraded, warnColor),
		renderStatBox("Canceled", s.StreamsCanceled, dimColor),
		renderStatBox("Timed out", s.StreamsTimedOut, warnColor),
	))
	b.WriteString("\n")

	b.WriteString(SectionStyle.Render("Card updates"))
	b.WriteString("\n")
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		renderStatBox("Delivered", s.UpdatesDelivered, goodColor),
		renderStatBox("Failed", s.UpdatesFailed, badColor),
		renderStatBox("Attempts", s.UpdateAttempts, infoColor),
		renderStatBox("Stops", s.StopsDelivered, goodColor),
		renderStatBox("Stop errors", s.StopsFailed, badColor),
	))
	b.WriteString("\n")

	b.WriteString(SectionStyle.Render("Upstream"))
	b.WriteString("\n")
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		renderStatBox("Captured", s.SideEffectSuccess, goodColor),
		renderStatBox("Capture errors", s.SideEffectFailure, badColor),
		renderStatBox("Decode errors", s.DecodeErrors, warnColor),
		renderStatBox("Late events", s.LateEventsDropped, dimColor),
		renderStatBox("Store writes", s.StoreWriteSuccess, goodColor),
		renderStatBox("Store errors", s.StoreWriteFailure, badColor),
	))
	b.WriteString("\n")

	b.WriteString(SectionStyle.Render(fmt.Sprintf("Sessions (%d)", len(m.data.Sessions))))
	b.WriteString("\n")
	if len(m.data.Sessions) == 0 {
		b.WriteString(HelpStyle.Render("no active sessions"))
	} else {
		b.WriteString(stateSummary(m.data.Sessions))
		b.WriteString("\n")
		b.WriteString(m.sessions.View())
	}
	b.WriteString("\n")

	if m.err != nil {
		b.WriteString(ErrorStyle.Render("fetch failed: " + m.err.Error()))
		b.WriteString("\n")
	}

	help := "q quit"
	if m.fetch != nil {
		help += " • r refresh"
		if !m.updated.IsZero() {
			help += " • updated " + m.updated.Format("15:04:05")
		}
	}
	b.WriteString(HelpStyle.Render(help))
	return b.String()
}

// stateSummary counts sessions per state, e.g. "active 3  degraded 1".
func stateSummary(sessions []relay.SessionInfo) string {
	counts := map[types.SessionState]int{}
	for _, s := range sessions {
		counts[s.State]++
	}
	var parts []string
	for _, st := range []types.SessionState{types.StateActive, types.StateDegraded, types.StateStopped} {
		if n := counts[st]; n > 0 {
			parts = append(parts, StateStyle(st).Render(fmt.Sprintf("%s %d", st, n)))
		}
	}
	return strings.Join(parts, "  ")
}

func dimensions(s metrics.Snapshot) string {
	var parts []string
	for _, kv := range [][2]string{
		{"backend", s.Backend},
		{"sink", s.SinkBackend},
		{"store", s.StoreBackend},
	} {
		if kv[1] != "" {
			parts = append(parts, kv[0]+"="+kv[1])
		}
	}
	return strings.Join(parts, "  ")
}

func renderStatBox(label string, value int64, color lipgloss.TerminalColor) string {
	boxStyle := StatBoxStyle.BorderForeground(color)

	valueStr := StatValueStyle.Foreground(color).Render(fmt.Sprintf("%d", value))
	labelStr := StatLabelStyle.Render(label)

	return boxStyle.Render(lipgloss.JoinVertical(lipgloss.Center, valueStr, labelStr))
}

// RunStats runs the live dashboard until the user quits or ctx ends.
func RunStats(ctx context.Context, fetch FetchFunc, interval time.Duration) error {
	model := NewStatsModel(fetch, interval, Dashboard{})
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// RenderStatsStatic renders one dashboard without the event loop.
func RenderStatsStatic(d Dashboard) string {
	model := NewStatsModel(nil, 0, d)
	model.width = 80
	return lipgloss.NewStyle().Padding(1, 2).Render(model.View())
}

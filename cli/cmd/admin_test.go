package cmd

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pithecene-io/cardrelay/cli/client"
	"github.com/pithecene-io/cardrelay/metrics"
	"github.com/pithecene-io/cardrelay/relay"
	"github.com/pithecene-io/cardrelay/server"
	"github.com/pithecene-io/cardrelay/sink"
	"github.com/pithecene-io/cardrelay/source"
	"github.com/pithecene-io/cardrelay/types"
)

// openSource stays open until closed or canceled.
type openSource struct {
	done chan struct{}
	once sync.Once
}

func (s *openSource) Next(ctx context.Context) (types.ChunkEvent, error) {
	select {
	case <-s.done:
		return types.ChunkEvent{}, io.EOF
	case <-ctx.Done():
		return types.ChunkEvent{}, ctx.Err()
	}
}

func (s *openSource) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

type openBackend struct{}

func (openBackend) Open(context.Context, *types.StreamRequest) (source.Source, error) {
	return &openSource{done: make(chan struct{})}, nil
}

func (openBackend) Stop(context.Context, string, string, types.Mode) error { return nil }

// startServer runs a relay server with one in-flight stream.
func startServer(t *testing.T) string {
	t.Helper()
	collector := metrics.NewCollector("test", "recorder", "none")
	svc := relay.New(openBackend{}, sink.NewInstrumented(sink.NewRecorder(), collector), relay.Config{},
		relay.WithCollector(collector))
	srv := server.New(server.Config{}, svc, collector, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})

	cl, err := client.New(ts.URL)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if _, err := cl.Start(t.Context(), types.StreamRequest{
		UserID: "u1", TaskKey: "task-1", Handle: "card-1:el-1", Query: "hi",
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	return ts.URL
}

func TestSessionsCommand(t *testing.T) {
	addr := startServer(t)

	out, _, err := runApp(t, "sessions", "--server", addr, "--format", "json")
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	var sessions []relay.SessionInfo
	if err := json.Unmarshal([]byte(out), &sessions); err != nil {
		t.Fatalf("invalid JSON %q: %v", out, err)
	}
	if len(sessions) != 1 || sessions[0].TaskKey != "task-1" || sessions[0].State != types.StateActive {
		t.Errorf("unexpected sessions: %+v", sessions)
	}
}

func TestCancelCommand(t *testing.T) {
	addr := startServer(t)

	out, _, err := runApp(t, "cancel", "--server", addr, "--format", "json", "task-1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	var resp CancelResponse
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("invalid JSON %q: %v", out, err)
	}
	if !resp.Canceled || resp.TaskKey != "task-1" {
		t.Errorf("unexpected response: %+v", resp)
	}

	out, _, err = runApp(t, "stats", "--server", addr, "--format", "json")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	var snap metrics.Snapshot
	if err := json.Unmarshal([]byte(out), &snap); err != nil {
		t.Fatalf("invalid JSON %q: %v", out, err)
	}
	if snap.StreamsStarted != 1 || snap.StreamsCanceled != 1 || snap.ActiveSessions != 0 {
		t.Errorf("unexpected snapshot: %+v", snap)
	}

	// A second cancel finds nothing.
	out, _, err = runApp(t, "cancel", "--server", addr, "--format", "json", "task-1")
	if err != nil {
		t.Fatalf("cancel again: %v", err)
	}
	if !strings.Contains(out, `"canceled": false`) {
		t.Errorf("expected canceled=false, got %s", out)
	}
}

func TestCancelCommand_RequiresTaskKey(t *testing.T) {
	if _, _, err := runApp(t, "cancel", "--server", "127.0.0.1:1"); err == nil {
		t.Error("expected error without task key")
	}
}

func TestStatsCommand_TUIFallsBackToStatic(t *testing.T) {
	addr := startServer(t)

	out, _, err := runApp(t, "stats", "--server", addr, "--tui")
	if err != nil {
		t.Fatalf("stats --tui: %v", err)
	}
	for _, want := range []string{"Streams", "Sessions (1)", "card-1:el-1"} {
		if !strings.Contains(out, want) {
			t.Errorf("static dashboard missing %q:\n%s", want, out)
		}
	}
}

func TestStatsCommand_Unreachable(t *testing.T) {
	ts := httptest.NewServer(nil)
	addr := ts.URL
	ts.Close()

	if _, _, err := runApp(t, "stats", "--server", addr, "--format", "json"); err == nil {
		t.Error("expected error for unreachable server")
	}
}

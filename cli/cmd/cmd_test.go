package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/cardrelay/capture"
	"github.com/pithecene-io/cardrelay/types"
)

// runApp runs the CLI with args and returns what it wrote to stdout and
// stderr. Exit codes are returned as errors instead of exiting.
func runApp(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	app := NewApp("test")
	app.Writer = &stdout
	app.ErrWriter = &stderr
	app.ExitErrHandler = func(*cli.Context, error) {}
	err := app.RunContext(context.Background(), append([]string{"cardrelay"}, args...))
	return stdout.String(), stderr.String(), err
}

func hasFlag(flags []cli.Flag, name string) bool {
	for _, f := range flags {
		if f.Names()[0] == name {
			return true
		}
	}
	return false
}

func TestClientFlags(t *testing.T) {
	if hasFlag(ClientFlags(false), "tui") {
		t.Error("ClientFlags(false) should not include --tui")
	}
	flags := ClientFlags(true)
	for _, name := range []string{"server", "format", "no-color", "tui"} {
		if !hasFlag(flags, name) {
			t.Errorf("ClientFlags(true) missing --%s", name)
		}
	}
}

func TestParseInputs(t *testing.T) {
	got, err := parseInputs([]string{"lang=zh", "topic=a=b"})
	if err != nil {
		t.Fatalf("parseInputs: %v", err)
	}
	if got["lang"] != "zh" || got["topic"] != "a=b" {
		t.Errorf("unexpected inputs: %v", got)
	}

	if got, err := parseInputs(nil); err != nil || got != nil {
		t.Errorf("parseInputs(nil) = %v, %v", got, err)
	}
	for _, bad := range []string{"novalue", "=x"} {
		if _, err := parseInputs([]string{bad}); err == nil {
			t.Errorf("parseInputs(%q) should fail", bad)
		}
	}
}

func TestOutcomeToExitCode(t *testing.T) {
	tests := []struct {
		outcome types.OutcomeStatus
		want    int
	}{
		{types.OutcomeCompleted, exitSuccess},
		{types.OutcomeExhausted, exitSuccess},
		{types.OutcomeErrored, exitErrored},
		{types.OutcomeDegraded, exitDegraded},
		{types.OutcomeCanceled, exitCanceled},
		{types.OutcomeTimedOut, exitCanceled},
		{"unknown", exitErrored},
	}
	for _, tt := range tests {
		if got := outcomeToExitCode(tt.outcome); got != tt.want {
			t.Errorf("outcomeToExitCode(%s) = %d, want %d", tt.outcome, got, tt.want)
		}
	}
}

func TestOutcomeExit(t *testing.T) {
	if err := outcomeExit(types.SessionResult{Outcome: types.OutcomeCompleted}); err != nil {
		t.Errorf("completed should exit cleanly, got %v", err)
	}
	err := outcomeExit(types.SessionResult{Outcome: types.OutcomeErrored, Message: "boom"})
	exitCoder, ok := err.(cli.ExitCoder)
	if !ok {
		t.Fatalf("expected cli.ExitCoder, got %T", err)
	}
	if exitCoder.ExitCode() != exitErrored || !strings.Contains(err.Error(), "boom") {
		t.Errorf("unexpected exit: %d %v", exitCoder.ExitCode(), err)
	}
}

func TestReplayRequest(t *testing.T) {
	req := replayRequest(&capture.Header{Handle: "c:e", TaskKey: "t-9"}, "", 0)
	if req.Handle != "c:e" || req.TaskKey != "t-9" {
		t.Errorf("header not used: %+v", req)
	}

	req = replayRequest(&capture.Header{Handle: "c:e"}, "other:el", 7)
	if req.Handle != "other:el" || req.StartSequence() != 7 {
		t.Errorf("overrides not applied: %+v", req)
	}

	req = replayRequest(nil, "", 0)
	if req.Handle != defaultReplayHandle || req.TaskKey == "" || req.UserID == "" {
		t.Errorf("defaults not applied: %+v", req)
	}
}

func TestVersionCommand(t *testing.T) {
	out, _, err := runApp(t, "version", "--format", "json")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	var resp VersionResponse
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("invalid JSON %q: %v", out, err)
	}
	if resp.Version != types.Version || resp.Commit != "test" || resp.CaptureVersion != types.CaptureFormatVersion {
		t.Errorf("unexpected version: %+v", resp)
	}
}

func TestVersionCommand_InvalidFormat(t *testing.T) {
	if _, _, err := runApp(t, "version", "--format", "xml"); err == nil {
		t.Error("expected invalid format error")
	}
}

func writeCapture(t *testing.T, h capture.Header, events ...types.ChunkEvent) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stream.cap")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	enc := capture.NewEncoder(f)
	if err := enc.WriteHeader(h); err != nil {
		t.Fatalf("header: %v", err)
	}
	for i := range events {
		if err := enc.WriteEvent(&events[i]); err != nil {
			t.Fatalf("event: %v", err)
		}
	}
	return path
}

func message(delta string) types.ChunkEvent {
	return types.ChunkEvent{Kind: types.ChunkMessage, Event: "message", TextDelta: delta}
}

func messageEnd() types.ChunkEvent {
	return types.ChunkEvent{Kind: types.ChunkMessageEnd, Event: "message_end"}
}

func TestReplayCommand_Console(t *testing.T) {
	path := writeCapture(t, capture.Header{Handle: "card-9:el-1", TaskKey: "t-1"},
		message("Hello"), message(" world"), messageEnd())

	out, _, err := runApp(t, "replay", "--format", "json", "--log-level", "error", path)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	for _, want := range []string{
		"--- card-9:el-1 #2\nHello\n",
		"--- card-9:el-1 #3\nHello world\n",
		"=== card-9:el-1 stopped #4",
		`"outcome": "completed"`,
		`"final_sequence": 4`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("replay output missing %q:\n%s", want, out)
		}
	}
}

func TestReplayCommand_ErrorExitCode(t *testing.T) {
	path := writeCapture(t, capture.Header{Handle: "card-9:el-1"},
		message("partial"), types.NewErrorEvent("upstream failed"))

	out, _, err := runApp(t, "replay", "--format", "json", "--log-level", "error", path)
	exitCoder, ok := err.(cli.ExitCoder)
	if !ok || exitCoder.ExitCode() != exitErrored {
		t.Fatalf("expected exit %d, got %v", exitErrored, err)
	}
	if !strings.Contains(out, "upstream failed") || !strings.Contains(out, `"outcome": "errored"`) {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestReplayCommand_Stats(t *testing.T) {
	path := writeCapture(t, capture.Header{Handle: "card-9:el-1"}, message("x"), messageEnd())

	out, _, err := runApp(t, "replay", "--format", "json", "--stats", "--log-level", "error", path)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !strings.Contains(out, `"streams_completed": 1`) || !strings.Contains(out, `"active_sessions": 0`) {
		t.Errorf("stats missing:\n%s", out)
	}
}

func TestReplayCommand_Args(t *testing.T) {
	if _, _, err := runApp(t, "replay"); err == nil {
		t.Error("expected error without capture file")
	}
	if _, _, err := runApp(t, "replay", filepath.Join(t.TempDir(), "missing.cap")); err == nil {
		t.Error("expected error for missing capture file")
	}
}

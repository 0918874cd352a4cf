package source

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/pithecene-io/cardrelay/types"
)

type errBody struct {
	r      io.Reader
	err    error
	closed bool
}

func (b *errBody) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if errors.Is(err, io.EOF) {
		return n, b.err
	}
	return n, err
}

func (b *errBody) Close() error {
	b.closed = true
	return nil
}

func collect(t *testing.T, src Source) []types.ChunkEvent {
	t.Helper()
	var out []types.ChunkEvent
	for {
		ev, err := src.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		out = append(out, ev)
	}
}

func TestStatic_YieldsInOrder(t *testing.T) {
	src := NewStatic(
		types.ChunkEvent{Kind: types.ChunkMessage, TextDelta: "a"},
		types.ChunkEvent{Kind: types.ChunkMessageEnd},
	)

	got := collect(t, src)
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[0].TextDelta != "a" || got[1].Kind != types.ChunkMessageEnd {
		t.Errorf("unexpected events: %+v", got)
	}
}

func TestStatic_CloseEndsStream(t *testing.T) {
	src := NewStatic(types.ChunkEvent{Kind: types.ChunkMessage})
	if err := src.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := src.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("err = %v, want io.EOF after Close", err)
	}
}

func TestStatic_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewStatic(types.ChunkEvent{}).Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestStream_DecodesAndSkips(t *testing.T) {
	body := io.NopCloser(strings.NewReader(
		"data: {\"event\":\"message\",\"answer\":\"Hel\"}\n\n" +
			"data: {not json}\n\n" +
			"data: {\"answer\":\"no event\"}\n\n" +
			"data: {\"event\":\"message\",\"answer\":\"lo\"}\n\n" +
			"data: {\"event\":\"message_end\"}\n\n"))

	var dropped []error
	src := NewStream(body, nil, WithDropHook(func(err error) { dropped = append(dropped, err) }))

	got := collect(t, src)
	if len(got) != 3 {
		t.Fatalf("got %d events, want 3: %+v", len(got), got)
	}
	if got[0].TextDelta != "Hel" || got[1].TextDelta != "lo" {
		t.Errorf("deltas = %q, %q", got[0].TextDelta, got[1].TextDelta)
	}
	if got[2].Kind != types.ChunkMessageEnd {
		t.Errorf("last kind = %q, want message_end", got[2].Kind)
	}
	if len(dropped) != 1 {
		t.Errorf("dropped %d records, want 1 (record without event is not a drop)", len(dropped))
	}
}

func TestStream_TransportFailureIsSingleErrorEvent(t *testing.T) {
	body := &errBody{
		r:   strings.NewReader("data: {\"event\":\"message\",\"answer\":\"x\"}\n"),
		err: errors.New("unexpected EOF from peer"),
	}
	src := NewStream(body, nil)

	got := collect(t, src)
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(got), got)
	}
	if got[1].Kind != types.ChunkError {
		t.Fatalf("second kind = %q, want error", got[1].Kind)
	}
	if !strings.Contains(got[1].ErrorMessage, "unexpected EOF from peer") {
		t.Errorf("ErrorMessage = %q, want transport cause", got[1].ErrorMessage)
	}

	if _, err := src.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("err = %v, want io.EOF after synthetic error", err)
	}
}

func TestStream_CloseIsIdempotent(t *testing.T) {
	body := &errBody{r: strings.NewReader(""), err: io.EOF}
	src := NewStream(body, nil)

	if err := src.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if !body.closed {
		t.Error("body should be closed")
	}
	if _, err := src.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("err = %v, want io.EOF after Close", err)
	}
}

func TestFailed(t *testing.T) {
	got := collect(t, Failed("backend down"))
	if len(got) != 1 || got[0].Kind != types.ChunkError || got[0].ErrorMessage != "backend down" {
		t.Errorf("Failed() events = %+v", got)
	}
}

func TestTransportError_Message(t *testing.T) {
	tests := []struct {
		err  *TransportError
		want string
	}{
		{&TransportError{StatusCode: 400, Message: "invalid query"}, "backend returned 400: invalid query"},
		{&TransportError{StatusCode: 502}, "backend returned 502"},
		{&TransportError{Err: errors.New("dial tcp: refused")}, "backend transport: dial tcp: refused"},
		{&TransportError{}, "backend transport failed"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}

package capture

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/pithecene-io/cardrelay/source"
	"github.com/pithecene-io/cardrelay/types"
)

func sampleEvents() []types.ChunkEvent {
	return []types.ChunkEvent{
		{Kind: types.ChunkMessage, Event: "message", TextDelta: "Hello", SessionToken: "conv-1", TaskID: "task-1"},
		{Kind: types.ChunkMessage, Event: "message", TextDelta: " world"},
		{Kind: types.ChunkWorkflowFinished, Event: "workflow_finished", StructuredPayload: map[string]any{"text": "done"}},
		{Kind: types.ChunkMessageEnd, Event: "message_end"},
	}
}

func encodeAll(t *testing.T, h Header, events []types.ChunkEvent) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	if err := enc.WriteHeader(h); err != nil {
		t.Fatalf("WriteHeader failed: %v", err)
	}
	for i := range events {
		if err := enc.WriteEvent(&events[i]); err != nil {
			t.Fatalf("WriteEvent failed: %v", err)
		}
	}
	return buf.Bytes()
}

func TestEncoderDecoder_PreservesOrderAndFields(t *testing.T) {
	events := sampleEvents()
	data := encodeAll(t, Header{Handle: "card:el", TaskKey: "tk-1"}, events)

	d := NewDecoder(bytes.NewReader(data))
	h, err := d.Header()
	if err != nil {
		t.Fatalf("Header failed: %v", err)
	}
	if h.Handle != "card:el" || h.TaskKey != "tk-1" {
		t.Errorf("header = %+v", h)
	}
	if h.FormatVersion != types.CaptureFormatVersion {
		t.Errorf("FormatVersion = %d, want %d", h.FormatVersion, types.CaptureFormatVersion)
	}
	if h.RecordedAt == "" {
		t.Error("RecordedAt should default to now")
	}

	for i, want := range events {
		got, err := d.ReadEvent()
		if err != nil {
			t.Fatalf("ReadEvent[%d] failed: %v", i, err)
		}
		if got.Kind != want.Kind || got.TextDelta != want.TextDelta || got.SessionToken != want.SessionToken {
			t.Errorf("event[%d] = %+v, want %+v", i, got, want)
		}
	}
	if _, err := d.ReadEvent(); !errors.Is(err, io.EOF) {
		t.Errorf("err = %v, want io.EOF", err)
	}
}

func TestEncoder_ImplicitHeader(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	if err := enc.WriteEvent(&types.ChunkEvent{Kind: types.ChunkPing}); err != nil {
		t.Fatalf("WriteEvent failed: %v", err)
	}
	if err := enc.WriteHeader(Header{}); err == nil {
		t.Error("WriteHeader after an event should fail")
	}

	ev, err := NewDecoder(&buf).ReadEvent()
	if err != nil {
		t.Fatalf("ReadEvent failed: %v", err)
	}
	if ev.Kind != types.ChunkPing {
		t.Errorf("Kind = %q, want ping", ev.Kind)
	}
}

func TestDecoder_RejectsForeignStream(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	// An event frame first: its msgpack has no magic field.
	if err := enc.writeFrame(types.ChunkEvent{Kind: types.ChunkMessage}); err != nil {
		t.Fatalf("writeFrame failed: %v", err)
	}

	_, err := NewDecoder(&buf).Header()
	var frameErr *FrameError
	if !errors.As(err, &frameErr) || frameErr.Kind != FrameErrorHeader {
		t.Errorf("err = %v, want header FrameError", err)
	}
}

func TestDecoder_EmptyStream(t *testing.T) {
	_, err := NewDecoder(bytes.NewReader(nil)).Header()
	var frameErr *FrameError
	if !errors.As(err, &frameErr) || frameErr.Kind != FrameErrorHeader {
		t.Errorf("err = %v, want header FrameError", err)
	}
}

func TestDecoder_TooLarge(t *testing.T) {
	var prefix [LengthPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], MaxPayloadSize+1)

	_, err := NewDecoder(bytes.NewReader(prefix[:])).Header()
	var frameErr *FrameError
	if !errors.As(err, &frameErr) || frameErr.Kind != FrameErrorTooLarge {
		t.Errorf("err = %v, want FrameErrorTooLarge", err)
	}
}

func TestSource_ReplaysThenEOF(t *testing.T) {
	data := encodeAll(t, Header{}, sampleEvents())

	src, err := NewSource(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("NewSource failed: %v", err)
	}
	defer func() { _ = src.Close() }()

	n := 0
	for {
		_, err := src.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		n++
	}
	if n != len(sampleEvents()) {
		t.Errorf("replayed %d events, want %d", n, len(sampleEvents()))
	}
}

func TestSource_TruncatedCaptureEndsWithError(t *testing.T) {
	data := encodeAll(t, Header{}, sampleEvents()[:1])
	data = append(data, 0, 0, 0, 9, 1, 2)

	src, err := NewSource(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("NewSource failed: %v", err)
	}

	if _, err := src.Next(context.Background()); err != nil {
		t.Fatalf("first Next failed: %v", err)
	}
	ev, err := src.Next(context.Background())
	if err != nil {
		t.Fatalf("second Next failed: %v", err)
	}
	if ev.Kind != types.ChunkError {
		t.Errorf("Kind = %q, want synthetic error", ev.Kind)
	}
	if _, err := src.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("err = %v, want io.EOF after error", err)
	}
}

func TestTee_RecordsWhatItYields(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	if err := enc.WriteHeader(Header{TaskKey: "tee"}); err != nil {
		t.Fatalf("WriteHeader failed: %v", err)
	}

	tee := NewTee(source.NewStatic(sampleEvents()...), enc, func(err error) {
		t.Errorf("unexpected write error: %v", err)
	})
	for {
		_, err := tee.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
	}
	if err := tee.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	src, err := NewSource(&buf)
	if err != nil {
		t.Fatalf("NewSource failed: %v", err)
	}
	if src.Header().TaskKey != "tee" {
		t.Errorf("TaskKey = %q, want tee", src.Header().TaskKey)
	}
	ev, err := src.Next(context.Background())
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if ev.TextDelta != "Hello" {
		t.Errorf("first recorded delta = %q, want Hello", ev.TextDelta)
	}
}

// Package capture records and replays chunk streams as length-prefixed
// msgpack frames.
//
// A capture file is a header frame followed by one frame per ChunkEvent.
// Each frame is a 4-byte big-endian payload length followed by the payload.
package capture

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/pithecene-io/cardrelay/types"
)

// Frame size constants.
const (
	// MaxFrameSize is the maximum frame size (16 MiB), including length prefix.
	MaxFrameSize = 16 * 1024 * 1024
	// MaxPayloadSize is the maximum payload size (MaxFrameSize - 4 bytes).
	MaxPayloadSize = MaxFrameSize - LengthPrefixSize
	// LengthPrefixSize is the size of the length prefix in bytes.
	LengthPrefixSize = 4
)

// Magic identifies a capture file header.
const Magic = "cardrelay-capture"

// Header is the first frame of every capture file.
type Header struct {
	Magic         string `msgpack:"magic"`
	FormatVersion int    `msgpack:"format_version"`
	RecordedAt    string `msgpack:"recorded_at"`
	Handle        string `msgpack:"handle,omitempty"`
	TaskKey       string `msgpack:"task_key,omitempty"`
}

// FrameErrorKind classifies capture decoding errors.
type FrameErrorKind int

const (
	// FrameErrorPartial indicates a truncated or incomplete frame.
	FrameErrorPartial FrameErrorKind = iota
	// FrameErrorTooLarge indicates a frame exceeding MaxFrameSize.
	FrameErrorTooLarge
	// FrameErrorDecode indicates a msgpack decoding error.
	FrameErrorDecode
	// FrameErrorHeader indicates a missing or incompatible header.
	FrameErrorHeader
)

// FrameError represents a capture decoding error.
// All capture frame errors are fatal: a capture file is not resynchronizable.
type FrameError struct {
	Kind FrameErrorKind
	Msg  string
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// Encoder writes a capture stream.
type Encoder struct {
	w             io.Writer
	headerWritten bool
}

// NewEncoder creates an encoder. The header is written on the first call
// to WriteHeader or WriteEvent.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// WriteHeader writes the capture header. It may be called at most once,
// before any event.
func (e *Encoder) WriteHeader(h Header) error {
	if e.headerWritten {
		return errors.New("capture header already written")
	}
	h.Magic = Magic
	h.FormatVersion = types.CaptureFormatVersion
	if h.RecordedAt == "" {
		h.RecordedAt = time.Now().UTC().Format(time.RFC3339)
	}
	if err := e.writeFrame(h); err != nil {
		return fmt.Errorf("write capture header: %w", err)
	}
	e.headerWritten = true
	return nil
}

// WriteEvent appends one event, writing a default header first if needed.
func (e *Encoder) WriteEvent(ev *types.ChunkEvent) error {
	if !e.headerWritten {
		if err := e.WriteHeader(Header{}); err != nil {
			return err
		}
	}
	if err := e.writeFrame(ev); err != nil {
		return fmt.Errorf("write capture event: %w", err)
	}
	return nil
}

func (e *Encoder) writeFrame(v any) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("payload size %d exceeds maximum %d", len(payload), MaxPayloadSize)
	}
	buf := make([]byte, LengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(buf[:LengthPrefixSize], uint32(len(payload))) //nolint:gosec // bounded by MaxPayloadSize
	copy(buf[LengthPrefixSize:], payload)
	_, err = e.w.Write(buf)
	return err
}

// Decoder reads a capture stream.
type Decoder struct {
	reader io.Reader
	header *Header
}

// NewDecoder creates a new capture decoder.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{reader: r}
}

// Header reads and validates the header frame. Subsequent calls return
// the cached header.
func (d *Decoder) Header() (*Header, error) {
	if d.header != nil {
		return d.header, nil
	}
	payload, err := d.readFrame()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &FrameError{Kind: FrameErrorHeader, Msg: "empty capture stream"}
		}
		return nil, err
	}
	var h Header
	if err := msgpack.Unmarshal(payload, &h); err != nil {
		return nil, &FrameError{Kind: FrameErrorDecode, Msg: "failed to decode header", Err: err}
	}
	if h.Magic != Magic {
		return nil, &FrameError{Kind: FrameErrorHeader, Msg: fmt.Sprintf("not a capture stream (magic %q)", h.Magic)}
	}
	if h.FormatVersion != types.CaptureFormatVersion {
		return nil, &FrameError{
			Kind: FrameErrorHeader,
			Msg:  fmt.Sprintf("unsupported capture format version %d (want %d)", h.FormatVersion, types.CaptureFormatVersion),
		}
	}
	d.header = &h
	return d.header, nil
}

// ReadEvent reads the next event. Returns io.EOF when the capture ends.
func (d *Decoder) ReadEvent() (types.ChunkEvent, error) {
	if _, err := d.Header(); err != nil {
		return types.ChunkEvent{}, err
	}
	payload, err := d.readFrame()
	if err != nil {
		return types.ChunkEvent{}, err
	}
	var ev types.ChunkEvent
	if err := msgpack.Unmarshal(payload, &ev); err != nil {
		return types.ChunkEvent{}, &FrameError{Kind: FrameErrorDecode, Msg: "failed to decode event", Err: err}
	}
	return ev, nil
}

func (d *Decoder) readFrame() ([]byte, error) {
	var lengthBuf [LengthPrefixSize]byte
	if _, err := io.ReadFull(d.reader, lengthBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, &FrameError{Kind: FrameErrorPartial, Msg: "failed to read length prefix", Err: err}
	}

	payloadSize := binary.BigEndian.Uint32(lengthBuf[:])
	if payloadSize > MaxPayloadSize {
		return nil, &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", payloadSize, MaxPayloadSize),
		}
	}

	payload := make([]byte, payloadSize)
	if _, err := io.ReadFull(d.reader, payload); err != nil {
		return nil, &FrameError{Kind: FrameErrorPartial, Msg: "failed to read payload", Err: err}
	}
	return payload, nil
}

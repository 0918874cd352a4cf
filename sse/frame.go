// Package sse implements line framing and event decoding for the
// generation backend's `data: {json}` streams.
package sse

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

// Record size constants.
const (
	// MaxRecordSize is the maximum size of a single line (4 MiB).
	MaxRecordSize = 4 * 1024 * 1024
	// readBufferSize is the initial bufio buffer size.
	readBufferSize = 64 * 1024
)

var (
	dataPrefix  = []byte("data:")
	eventPrefix = []byte("event:")
)

// pingRecord is synthesized for bare `event: ping` keep-alive lines.
var pingRecord = []byte(`{"event":"ping"}`)

// FrameErrorKind classifies record framing and decoding errors.
type FrameErrorKind int

const (
	// FrameErrorRead indicates the underlying reader failed mid-stream.
	FrameErrorRead FrameErrorKind = iota
	// FrameErrorTooLarge indicates a line exceeding MaxRecordSize.
	FrameErrorTooLarge
	// FrameErrorDecode indicates an unparseable record payload.
	FrameErrorDecode
)

// FrameError represents a framing or decoding error.
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

// IsFatal returns true if the stream cannot continue after this error.
// Oversized and undecodable records are dropped; read failures end the stream.
func (e *FrameError) IsFatal() bool {
	return e.Kind == FrameErrorRead
}

// IsFatalFrameError returns true if the error is a fatal frame error.
func IsFatalFrameError(err error) bool {
	var frameErr *FrameError
	if errors.As(err, &frameErr) {
		return frameErr.IsFatal()
	}
	return false
}

// Decoder reads `data:` records from a line-oriented stream.
type Decoder struct {
	reader *bufio.Reader
}

// NewDecoder creates a new record decoder.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{reader: bufio.NewReaderSize(r, readBufferSize)}
}

// ReadRecord returns the payload of the next data record.
// Blank lines, comments, and `event:`/`id:`/`retry:` fields are skipped,
// except a bare `event: ping`, which yields a synthetic ping record.
//
// Errors:
//   - io.EOF: stream ended cleanly (no more records)
//   - *FrameError with Kind=FrameErrorTooLarge: line dropped, stream usable
//   - *FrameError with Kind=FrameErrorRead: reader failed (fatal)
func (d *Decoder) ReadRecord() ([]byte, error) {
	for {
		line, err := d.readLine()
		if err != nil {
			return nil, err
		}

		switch {
		case bytes.HasPrefix(line, dataPrefix):
			payload := bytes.TrimPrefix(line[len(dataPrefix):], []byte(" "))
			if len(bytes.TrimSpace(payload)) == 0 {
				continue
			}
			return payload, nil
		case bytes.HasPrefix(line, eventPrefix):
			if string(bytes.TrimSpace(line[len(eventPrefix):])) == "ping" {
				return pingRecord, nil
			}
		}
	}
}

// readLine returns the next line without its terminator.
// A final unterminated line is returned before io.EOF.
func (d *Decoder) readLine() ([]byte, error) {
	var buf []byte
	tooLarge := false

	for {
		chunk, err := d.reader.ReadSlice('\n')
		if !tooLarge {
			if len(buf)+len(chunk) > MaxRecordSize {
				tooLarge = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}

		switch {
		case err == nil:
			if tooLarge {
				return nil, &FrameError{
					Kind: FrameErrorTooLarge,
					Msg:  fmt.Sprintf("record exceeds maximum %d bytes", MaxRecordSize),
				}
			}
			return bytes.TrimRight(buf, "\r\n"), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if tooLarge {
				return nil, &FrameError{
					Kind: FrameErrorTooLarge,
					Msg:  fmt.Sprintf("record exceeds maximum %d bytes", MaxRecordSize),
				}
			}
			if len(buf) == 0 {
				return nil, io.EOF
			}
			return bytes.TrimRight(buf, "\r\n"), nil
		default:
			return nil, &FrameError{
				Kind: FrameErrorRead,
				Msg:  "failed to read stream",
				Err:  err,
			}
		}
	}
}

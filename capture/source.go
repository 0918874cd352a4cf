package capture

import (
	"context"
	"errors"
	"io"

	"github.com/pithecene-io/cardrelay/source"
	"github.com/pithecene-io/cardrelay/types"
)

// Source replays a capture stream as a source.Source.
type Source struct {
	decoder *Decoder
	closer  io.Closer
}

// NewSource validates the capture header and returns a replaying source.
// If r is an io.Closer it is closed by Close.
func NewSource(r io.Reader) (*Source, error) {
	d := NewDecoder(r)
	if _, err := d.Header(); err != nil {
		return nil, err
	}
	s := &Source{decoder: d}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	return s, nil
}

// Header returns the capture header.
func (s *Source) Header() *Header {
	h, _ := s.decoder.Header()
	return h
}

// Next implements source.Source. A truncated capture ends with a
// synthetic error event.
func (s *Source) Next(ctx context.Context) (types.ChunkEvent, error) {
	if err := ctx.Err(); err != nil {
		return types.ChunkEvent{}, err
	}
	ev, err := s.decoder.ReadEvent()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return types.ChunkEvent{}, io.EOF
		}
		s.decoder.reader = eofReader{}
		return types.NewErrorEvent("capture: " + err.Error()), nil
	}
	return ev, nil
}

// Close implements source.Source.
func (s *Source) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }

// Tee wraps a source so every event it yields is also written to enc.
// Write failures are reported through onErr and never interrupt the stream.
type Tee struct {
	src   source.Source
	enc   *Encoder
	onErr func(error)
}

// NewTee creates a recording source.
func NewTee(src source.Source, enc *Encoder, onErr func(error)) *Tee {
	return &Tee{src: src, enc: enc, onErr: onErr}
}

// Next implements source.Source.
func (t *Tee) Next(ctx context.Context) (types.ChunkEvent, error) {
	ev, err := t.src.Next(ctx)
	if err != nil {
		return ev, err
	}
	if werr := t.enc.WriteEvent(&ev); werr != nil && t.onErr != nil {
		t.onErr(werr)
	}
	return ev, nil
}

// Close implements source.Source.
func (t *Tee) Close() error {
	return t.src.Close()
}

var (
	_ source.Source = (*Source)(nil)
	_ source.Source = (*Tee)(nil)
)

package relay

import (
	"context"
	"io"
	"sync"

	"github.com/pithecene-io/cardrelay/sink"
	"github.com/pithecene-io/cardrelay/source"
	"github.com/pithecene-io/cardrelay/types"
)

const testHandle = "card-1:el-1"

func testRequest() *types.StreamRequest {
	return &types.StreamRequest{
		UserID:  "user-1",
		TaskKey: "task-1",
		Handle:  testHandle,
		Query:   "hi",
	}
}

func newTestSequencer(snk sink.Sink, opts Options) *Sequencer {
	return NewSequencer(NewSession(testRequest()), snk, opts)
}

func message(delta string) types.ChunkEvent {
	return types.ChunkEvent{Kind: types.ChunkMessage, Event: "message", TextDelta: delta}
}

func messageEnd() types.ChunkEvent {
	return types.ChunkEvent{Kind: types.ChunkMessageEnd, Event: "message_end"}
}

func errorEvent(msg string) types.ChunkEvent {
	return types.NewErrorEvent(msg)
}

// pipeSource is a Source fed by the test through a channel.
type pipeSource struct {
	events chan types.ChunkEvent
	done   chan struct{}
	once   sync.Once
}

func newPipeSource() *pipeSource {
	return &pipeSource{
		events: make(chan types.ChunkEvent),
		done:   make(chan struct{}),
	}
}

func (p *pipeSource) Next(ctx context.Context) (types.ChunkEvent, error) {
	select {
	case ev, ok := <-p.events:
		if !ok {
			return types.ChunkEvent{}, io.EOF
		}
		return ev, nil
	case <-p.done:
		return types.ChunkEvent{}, io.EOF
	case <-ctx.Done():
		return types.ChunkEvent{}, ctx.Err()
	}
}

func (p *pipeSource) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

// send delivers ev unless the source is closed. It reports whether the
// worker received it.
func (p *pipeSource) send(ev types.ChunkEvent) bool {
	select {
	case p.events <- ev:
		return true
	case <-p.done:
		return false
	}
}

// fakeBackend hands out pipe sources and records stop calls.
type fakeBackend struct {
	mu      sync.Mutex
	sources map[string]*pipeSource
	opened  chan *types.StreamRequest
	stops   []string
	openErr error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		sources: make(map[string]*pipeSource),
		opened:  make(chan *types.StreamRequest, 16),
	}
}

func (b *fakeBackend) Open(_ context.Context, req *types.StreamRequest) (source.Source, error) {
	b.mu.Lock()
	if b.openErr != nil {
		err := b.openErr
		b.mu.Unlock()
		return nil, err
	}
	src := newPipeSource()
	b.sources[req.Handle] = src
	b.mu.Unlock()
	cp := *req
	b.opened <- &cp
	return src, nil
}

func (b *fakeBackend) Stop(_ context.Context, taskID, _ string, _ types.Mode) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stops = append(b.stops, taskID)
	return nil
}

func (b *fakeBackend) source(handle string) *pipeSource {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sources[handle]
}

func (b *fakeBackend) stopCalls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.stops))
	copy(out, b.stops)
	return out
}

// panicSink panics on every update.
type panicSink struct {
	*sink.Recorder
}

func (panicSink) Update(context.Context, string, string, int64) error {
	panic("sink exploded")
}

// blockingSink holds every update until release is closed. It ignores ctx,
// like a sink stuck on a dead connection.
type blockingSink struct {
	*sink.Recorder
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingSink() *blockingSink {
	return &blockingSink{
		Recorder: sink.NewRecorder(),
		entered:  make(chan struct{}, 1),
		release:  make(chan struct{}),
	}
}

func (b *blockingSink) Update(ctx context.Context, handle, content string, seq int64) error {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	<-b.release
	return b.Recorder.Update(ctx, handle, content, seq)
}

func (b *blockingSink) unblock() {
	b.once.Do(func() { close(b.release) })
}

package session

import (
	"context"
	"sync"

	"github.com/lumenflow/transcribe-gateway/internal/asr"
	"github.com/lumenflow/transcribe-gateway/internal/audio"
)

// fakeClient is an asr.Client whose handles are driven entirely by the test:
// pushed frames and Finish calls are recorded, and events are delivered by
// writing to the returned handle's events channel directly.
type fakeClient struct {
	mu        sync.Mutex
	openErr   error
	handles   []*fakeHandle
	pushErr   error
	finishErr error
}

func (c *fakeClient) Open(ctx context.Context, sessionID string, profile asr.Profile) (asr.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.openErr != nil {
		return nil, c.openErr
	}
	h := &fakeHandle{
		sessionID: sessionID,
		events:    make(chan asr.TranscriptEvent, 64),
		pushErr:   c.pushErr,
		finishErr: c.finishErr,
	}
	c.handles = append(c.handles, h)
	return h, nil
}

func (c *fakeClient) Healthy(ctx context.Context) (bool, error) {
	return true, nil
}

func (c *fakeClient) lastHandle() *fakeHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.handles) == 0 {
		return nil
	}
	return c.handles[len(c.handles)-1]
}

type fakeHandle struct {
	sessionID string
	events    chan asr.TranscriptEvent

	mu        sync.Mutex
	pushed    []audio.Frame
	finished  bool
	closed    bool
	pushErr   error
	finishErr error
}

func (h *fakeHandle) PushFrame(ctx context.Context, frame audio.Frame) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pushErr != nil {
		return h.pushErr
	}
	h.pushed = append(h.pushed, frame)
	return nil
}

// newFakeClientWithSendBufferFull builds a fakeClient whose handles fail
// every PushFrame with asr.ErrSendBufferFull, for exercising the
// AsrBackpressureExceeded mapping distinctly from a generic transport error.
func newFakeClientWithSendBufferFull() *fakeClient {
	return &fakeClient{pushErr: asr.ErrSendBufferFull}
}

func (h *fakeHandle) Finish(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finished = true
	return h.finishErr
}

func (h *fakeHandle) Events() <-chan asr.TranscriptEvent {
	return h.events
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		close(h.events)
	}
	return nil
}

func (h *fakeHandle) pushedFrames() []audio.Frame {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]audio.Frame(nil), h.pushed...)
}

func (h *fakeHandle) wasFinished() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.finished
}

// testAssembler builds a small-frame Assembler so a handful of samples is
// enough to flush a frame.
func testAssembler(frameSamples int) *audio.Assembler {
	a, err := audio.NewAssembler(audio.Config{
		InputSampleRateHz:  16000,
		InputChannels:      1,
		TargetSampleRateHz: 16000,
		TargetFrameSamples: frameSamples,
		NormalizeMode:      audio.NormalizeOff,
	})
	if err != nil {
		panic(err)
	}
	return a
}

func testSessionConfig() Config {
	return Config{
		MaxPendingChunks: 4,
		MaxPendingFrames: 4,
		MaxPendingEvents: 4,
		IdleTimeout:      0,
	}
}

package httpapi

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lumenflow/transcribe-gateway/internal/asr"
	"github.com/lumenflow/transcribe-gateway/internal/audio"
	"github.com/lumenflow/transcribe-gateway/internal/session"
)

type stubClient struct {
	mu      sync.Mutex
	handles []*stubHandle
}

func (c *stubClient) Open(ctx context.Context, sessionID string, profile asr.Profile) (asr.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := &stubHandle{events: make(chan asr.TranscriptEvent, 16)}
	c.handles = append(c.handles, h)
	return h, nil
}

func (c *stubClient) Healthy(ctx context.Context) (bool, error) { return true, nil }

func (c *stubClient) lastHandle() *stubHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handles[len(c.handles)-1]
}

type stubHandle struct {
	mu     sync.Mutex
	events chan asr.TranscriptEvent
	closed bool
}

func (h *stubHandle) PushFrame(ctx context.Context, frame audio.Frame) error { return nil }
func (h *stubHandle) Finish(ctx context.Context) error                      { return nil }
func (h *stubHandle) Events() <-chan asr.TranscriptEvent                    { return h.events }
func (h *stubHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		close(h.events)
	}
	return nil
}

func newTestHandler(t *testing.T) (*Handler, *stubClient) {
	t.Helper()
	client := &stubClient{}
	reg := session.NewRegistry(session.RegistryConfig{
		MaxSessions:        16,
		SweepInterval:      time.Hour,
		IdleTimeout:        time.Hour,
		TerminalEventGrace: time.Hour,
		SessionCfg: session.Config{
			MaxPendingChunks: 8,
			MaxPendingFrames: 8,
			MaxPendingEvents: 8,
		},
		AssemblerCfg: audio.Config{
			InputSampleRateHz:  16000,
			InputChannels:      1,
			TargetSampleRateHz: 16000,
			TargetFrameSamples: 4,
			NormalizeMode:      audio.NormalizeOff,
		},
		AsrProfile: asr.Profile{SampleRateHz: 16000},
	}, client, zerolog.Nop())
	t.Cleanup(reg.Close)

	h := NewHandler(reg, Options{SSEKeepalive: 20 * time.Millisecond}, zerolog.Nop())
	return h, client
}

func newMux(h *Handler) *http.ServeMux {
	mux := http.NewServeMux()
	h.Register(mux, "/v1/sessions")
	return mux
}

func TestHandleChunk_EmptyBodyRejected(t *testing.T) {
	h, _ := newTestHandler(t)
	mux := newMux(h)

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/abc/chunk", bytes.NewReader(nil))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleChunk_AcceptsAndCreatesSession(t *testing.T) {
	h, _ := newTestHandler(t)
	mux := newMux(h)

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/abc/chunk", bytes.NewReader(make([]byte, 8)))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleFinish_UnknownSession(t *testing.T) {
	h, _ := newTestHandler(t)
	mux := newMux(h)

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/missing/finish", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleFinish_ReturnsNoContent(t *testing.T) {
	h, _ := newTestHandler(t)
	mux := newMux(h)

	chunkReq := httptest.NewRequest(http.MethodPost, "/v1/sessions/abc/chunk", bytes.NewReader(make([]byte, 8)))
	mux.ServeHTTP(httptest.NewRecorder(), chunkReq)

	finishReq := httptest.NewRequest(http.MethodPost, "/v1/sessions/abc/finish", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, finishReq)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleEvents_UnknownSession(t *testing.T) {
	h, _ := newTestHandler(t)
	mux := newMux(h)

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/missing/events", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleEvents_StreamsTranscriptEvent(t *testing.T) {
	h, client := newTestHandler(t)
	mux := newMux(h)

	chunkReq := httptest.NewRequest(http.MethodPost, "/v1/sessions/abc/chunk", bytes.NewReader(make([]byte, 8)))
	mux.ServeHTTP(httptest.NewRecorder(), chunkReq)

	handle := client.lastHandle()
	handle.events <- asr.TranscriptEvent{Kind: asr.EventPartial, Text: "hello"}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/abc/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if !strings.Contains(rec.Body.String(), "hello") {
		t.Fatalf("expected SSE body to contain transcript text, got %q", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "event: partial") {
		t.Fatalf("expected SSE body to contain event: partial, got %q", rec.Body.String())
	}
}

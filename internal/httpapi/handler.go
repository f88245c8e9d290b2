// Package httpapi is the HTTP boundary: it exposes PCM ingest, session
// finish, and SSE transcript delivery over plain net/http, translating
// internal/apierr sentinels into status codes and internal/session calls.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/lumenflow/transcribe-gateway/internal/apierr"
	"github.com/lumenflow/transcribe-gateway/internal/asr"
	"github.com/lumenflow/transcribe-gateway/internal/observability"
	"github.com/lumenflow/transcribe-gateway/internal/session"
)

// maxChunkBytes bounds a single PCM POST body to guard against an
// accidentally (or maliciously) oversized request pinning a read buffer.
const maxChunkBytes = 1 << 20 // 1 MiB

// defaultSSEKeepalive is used when Options.SSEKeepalive is unset.
const defaultSSEKeepalive = 15 * time.Second

// Options configures behavior that the spec exposes as top-level config
// rather than hardcoding into the handler.
type Options struct {
	// DisableAutoCreateOnChunk turns off implicit session creation on a
	// /chunk POST to an id that doesn't exist yet; such requests then 404
	// (UnknownSession) instead of creating a session.
	DisableAutoCreateOnChunk bool

	// SSEKeepalive is the interval at which /events emits a keepalive
	// comment line while no transcript event has fired.
	SSEKeepalive time.Duration
}

// Handler wires the session Registry to HTTP routes.
type Handler struct {
	registry *session.Registry
	opts     Options
	logger   zerolog.Logger
}

// NewHandler builds a Handler over the given Registry.
func NewHandler(registry *session.Registry, opts Options, logger zerolog.Logger) *Handler {
	if opts.SSEKeepalive <= 0 {
		opts.SSEKeepalive = defaultSSEKeepalive
	}
	return &Handler{registry: registry, opts: opts, logger: logger}
}

// Register mounts the handler's routes under prefix on mux, using Go 1.22's
// method-and-pattern ServeMux syntax.
func (h *Handler) Register(mux *http.ServeMux, prefix string) {
	mux.HandleFunc("POST "+prefix+"/{id}/chunk", h.handleChunk)
	mux.HandleFunc("POST "+prefix+"/{id}/finish", h.handleFinish)
	mux.HandleFunc("GET "+prefix+"/{id}/events", h.handleEvents)
}

func (h *Handler) handleChunk(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	logger := h.logger.With().Str("session_id", id).Logger()

	body := http.MaxBytesReader(w, r.Body, maxChunkBytes)
	pcm, err := io.ReadAll(body)
	if err != nil {
		writeError(w, logger, fmt.Errorf("%w: %v", apierr.ErrInternal, err))
		return
	}
	if len(pcm) == 0 {
		writeError(w, logger, apierr.ErrEmptyChunk)
		return
	}
	if len(pcm)%2 != 0 {
		writeError(w, logger, apierr.ErrInvalidPcmAlignment)
		return
	}

	var s *session.Session
	if h.opts.DisableAutoCreateOnChunk {
		s, err = h.registry.Get(id)
	} else {
		s, err = h.registry.GetOrCreate(r.Context(), id)
	}
	if err != nil {
		writeError(w, logger, err)
		return
	}

	if err := s.PushChunk(pcm); err != nil {
		writeError(w, logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleFinish returns 204 once the producer has drained every pending
// chunk and signaled the ASR backend to finish; it does not wait for the
// backend's own final transcript event to arrive on the event stream.
func (h *Handler) handleFinish(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	logger := h.logger.With().Str("session_id", id).Logger()

	s, err := h.registry.Get(id)
	if err != nil {
		writeError(w, logger, err)
		return
	}

	// /finish is not idempotent at the HTTP level: a second request against
	// an already-finishing-or-terminal session is a conflict, even though
	// Session.Finish itself tolerates repeat internal callers (the
	// max-session-duration sweep, shutdown drain).
	if !s.RequestFinish() {
		writeFinishError(w, logger, apierr.ErrSessionFinishing)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	if err := s.Finish(ctx); err != nil {
		writeFinishError(w, logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	logger := h.logger.With().Str("session_id", id).Logger()

	s, err := h.registry.Get(id)
	if err != nil {
		writeError(w, logger, err)
		return
	}

	events, err := s.Subscribe()
	if err != nil {
		writeError(w, logger, err)
		return
	}

	writer, err := newSSEWriter(w, h.opts.SSEKeepalive)
	if err != nil {
		writeError(w, logger, fmt.Errorf("%w: %v", apierr.ErrInternal, err))
		return
	}

	observability.IncSSEConnections()
	defer observability.DecSSEConnections()

	if err := writer.run(events, r.Context().Done()); err != nil {
		logger.Warn().Err(err).Msg("sse stream ended with error")
	}
}

func writeError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	writeErrorStatus(w, logger, err, apierr.StatusCode(err))
}

// writeFinishError is writeError with /finish's status mapping, where an
// already-closed-or-finishing session is a 409 conflict rather than the 404
// ErrSessionClosed means for /chunk and /events.
func writeFinishError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	writeErrorStatus(w, logger, err, apierr.FinishStatusCode(err))
}

func writeErrorStatus(w http.ResponseWriter, logger zerolog.Logger, err error, status int) {
	if status >= 500 {
		logger.Error().Err(err).Msg("request failed")
	} else {
		logger.Debug().Err(err).Int("status", status).Msg("request rejected")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: err.Error()})
}

type errorBody struct {
	Error string `json:"error"`
}

// marshalEvent renders the SSE data: payload. A ServerError event carries
// its message under "error" and an empty "text"; any other kind carries
// "text" and, for a real final event, omits "error" entirely so the
// subscriber can distinguish "the ASR service finished normally" from "the
// session died before producing a final transcript."
func marshalEvent(evt asr.TranscriptEvent) ([]byte, error) {
	return json.Marshal(transcriptEventPayload{
		Text:       evt.Text,
		Confidence: evt.Confidence,
		Error:      evt.ErrorMessage,
		Timestamp:  evt.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

type transcriptEventPayload struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence,omitempty"`
	Error      string  `json:"error,omitempty"`
	Timestamp  string  `json:"timestamp"`
}

// sseEventName returns the SSE event: line value for a transcript event.
// Both a real Final and a synthesized ServerError render as "final" — the
// spec only ever names "partial" and "final" as event types; failures are
// distinguished by the data payload's "error" key, not a third event name.
func sseEventName(evt asr.TranscriptEvent) string {
	return evt.Kind.String()
}

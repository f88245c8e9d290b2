package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/lumenflow/transcribe-gateway/internal/asr"
)

// sseWriter frames transcript events as Server-Sent Events: an incrementing
// id: line, an event: line naming the transcript kind, and a JSON data:
// line. A background ticker writes a comment-only keepalive so intermediate
// proxies don't time out an idle connection between partials.
type sseWriter struct {
	w         http.ResponseWriter
	flusher   http.Flusher
	nextID    uint64
	keepAlive time.Duration
}

func newSSEWriter(w http.ResponseWriter, keepAlive time.Duration) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, http.ErrNotSupported
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: w, flusher: flusher, keepAlive: keepAlive}, nil
}

func (s *sseWriter) writeEvent(evt asr.TranscriptEvent) error {
	s.nextID++
	payload, err := marshalEvent(evt)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", s.nextID, sseEventName(evt), payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) writeKeepAlive() error {
	if _, err := fmt.Fprint(s.w, ": keepalive\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// run drains events onto the wire until the channel closes or the request
// context is canceled, interleaving a keepalive comment on an idle ticker.
// If it returns early because the client went away (done fired, or a write
// failed), it hands events off to drainToDevNull so the session's consumer
// goroutine is never left blocked pushing into a channel nobody reads
// anymore; the session itself still only becomes eligible for removal once
// it reaches a terminal state.
func (s *sseWriter) run(events <-chan asr.TranscriptEvent, done <-chan struct{}) error {
	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			if err := s.writeEvent(evt); err != nil {
				go drainToDevNull(events)
				return err
			}
		case <-ticker.C:
			if err := s.writeKeepAlive(); err != nil {
				go drainToDevNull(events)
				return err
			}
		case <-done:
			go drainToDevNull(events)
			return nil
		}
	}
}

// drainToDevNull reads and discards every remaining event until events
// closes, so a vanished SSE subscriber never stalls the session's consumer
// goroutine waiting for outbound channel space.
func drainToDevNull(events <-chan asr.TranscriptEvent) {
	for range events {
	}
}

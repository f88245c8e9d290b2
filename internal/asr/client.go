// Package asr defines the abstract ASR client contract and its concrete
// backends. A Session owns exactly one Handle for its lifetime; Client
// instances are the only thing shared across sessions, and only as a
// connection factory — no session-id-keyed map of live handles lives
// anywhere outside the Session that owns each handle.
package asr

import (
	"context"
	"errors"
	"time"

	"github.com/lumenflow/transcribe-gateway/internal/audio"
)

// ErrSendBufferFull is returned by PushFrame when a Handle's local outbound
// send buffer (bounded by its backend's configured max_pending_frames) is
// already full. Unlike a transport error this is not necessarily fatal to
// the remote stream, but ordering can't be preserved by dropping or
// reordering a frame, so the Session still treats it as terminal.
var ErrSendBufferFull = errors.New("asr: send buffer exceeded capacity")

// Profile describes the audio format frames will arrive in, so a backend can
// negotiate it once at Open time.
type Profile struct {
	SampleRateHz int
	Language     string
}

// EventKind distinguishes a partial (in-progress) transcript from a final one.
type EventKind int

const (
	EventPartial EventKind = iota
	EventFinal
	// EventServerError is synthesized by a Session, never by a Handle: it is
	// the one terminal event a session emits on its outbound channel when an
	// ASR error kills the session before the remote produced its own Final.
	EventServerError
)

func (k EventKind) String() string {
	switch k {
	case EventFinal, EventServerError:
		return "final"
	default:
		return "partial"
	}
}

// TranscriptEvent is one update delivered by the ASR service for a session.
// ErrorMessage is only set on an EventServerError, and is always a message
// safe to show a client — never a raw internal error string.
type TranscriptEvent struct {
	Kind         EventKind
	Text         string
	Confidence   float64
	Timestamp    time.Time
	ErrorMessage string
}

// Handle is a single session's exclusive connection to the ASR service. It
// is not safe for concurrent use by more than one pusher and one drainer:
// PushFrame/Finish are called from the session's producer goroutine, Events
// is drained by the session's consumer goroutine.
type Handle interface {
	// PushFrame sends one assembled frame of mono float32 samples. Mid-stream
	// transport errors are terminal — callers must not retry or reopen; they
	// must fail the session.
	PushFrame(ctx context.Context, frame audio.Frame) error

	// Finish signals no more frames will be pushed. The ASR service may still
	// deliver a final TranscriptEvent afterward on the Events channel.
	Finish(ctx context.Context) error

	// Events returns the channel of transcript updates for this handle. It is
	// closed when the underlying stream ends, whether cleanly or not.
	Events() <-chan TranscriptEvent

	// Close releases the handle's resources. Safe to call more than once.
	Close() error
}

// Client is a connection factory: Open establishes a new, exclusively-owned
// Handle for one session. Any transport satisfying this contract is
// acceptable to a Session — it never inspects which Client implementation it
// was given.
type Client interface {
	Open(ctx context.Context, sessionID string, profile Profile) (Handle, error)

	// Healthy reports whether the backend appears reachable, without making
	// a billable call, for readiness probing.
	Healthy(ctx context.Context) (bool, error)
}

// Package apierr defines the error taxonomy shared by the session, ASR
// client, and HTTP boundary layers, and maps each error to the HTTP status
// code the boundary should return for it.
package apierr

import (
	"errors"
	"net/http"
)

// Sentinel errors. Wrap with fmt.Errorf("...: %w", ErrX) to add context while
// keeping errors.Is/As working across package boundaries.
var (
	ErrInvalidPcmAlignment       = errors.New("pcm chunk is not aligned to whole samples")
	ErrEmptyChunk                = errors.New("pcm chunk is empty")
	ErrBackpressure              = errors.New("session inbound queue is full")
	ErrUnknownSession            = errors.New("session does not exist")
	ErrSessionClosed             = errors.New("session is closed")
	ErrSessionFinishing          = errors.New("session is finishing and accepts no more chunks")
	ErrCapacityExceeded          = errors.New("session registry is at capacity")
	ErrSubscriberAlreadyAttached = errors.New("session already has a subscriber")
	ErrAsrUnavailable            = errors.New("asr service is unavailable")
	ErrAsrRejected               = errors.New("asr service rejected the session")
	ErrAsrClosed                 = errors.New("asr stream closed unexpectedly")
	ErrAsrBackpressureExceeded   = errors.New("asr send buffer exceeded capacity")
	ErrSessionIdleTimeout        = errors.New("session reclaimed after idle timeout")
	ErrInternal                  = errors.New("internal error")
)

// StatusCode maps an error (or the sentinel it wraps) to an HTTP status
// code. Errors not recognized here map to 500. ErrSessionClosed maps to 404
// here because that is its meaning for /chunk and /events (the session is
// gone); the /finish handler overrides this to 409 for its own "already
// finished" case via FinishStatusCode.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ErrInvalidPcmAlignment):
		return http.StatusBadRequest
	case errors.Is(err, ErrEmptyChunk):
		return http.StatusBadRequest
	case errors.Is(err, ErrBackpressure):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrUnknownSession):
		return http.StatusNotFound
	case errors.Is(err, ErrSessionClosed):
		return http.StatusNotFound
	case errors.Is(err, ErrSessionFinishing):
		return http.StatusConflict
	case errors.Is(err, ErrCapacityExceeded):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrSubscriberAlreadyAttached):
		return http.StatusConflict
	case errors.Is(err, ErrAsrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrAsrRejected):
		return http.StatusBadGateway
	case errors.Is(err, ErrAsrClosed):
		return http.StatusBadGateway
	case errors.Is(err, ErrAsrBackpressureExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrSessionIdleTimeout):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

// FinishStatusCode is StatusCode specialized for the /finish endpoint, where
// "the session already finished or is finishing" is a conflict (409) rather
// than the 404 ErrSessionClosed means everywhere else. A session that
// reached Failed via idle-timeout before /finish was called is the same
// "already terminal" case from the caller's point of view, so it gets the
// same 409 here rather than StatusCode's generic 410.
func FinishStatusCode(err error) int {
	if errors.Is(err, ErrSessionClosed) || errors.Is(err, ErrSessionIdleTimeout) {
		return http.StatusConflict
	}
	return StatusCode(err)
}

// PublicMessage renders an error as client-safe text: recognized sentinels
// get their own message, everything else collapses to a generic message so
// internal error detail (stack traces, upstream error text) never reaches a
// client, per the InternalError handling policy.
func PublicMessage(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrAsrUnavailable),
		errors.Is(err, ErrAsrRejected),
		errors.Is(err, ErrAsrClosed),
		errors.Is(err, ErrAsrBackpressureExceeded):
		return "the transcription service closed the connection unexpectedly"
	case errors.Is(err, ErrSessionIdleTimeout):
		return "session timed out from inactivity"
	default:
		return "an internal error terminated the session"
	}
}

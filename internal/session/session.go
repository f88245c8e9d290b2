// Package session implements the per-session state machine: one producer
// goroutine drains inbound PCM chunks through the Frame Assembler and into
// the ASR Client, and one consumer goroutine drains ASR transcript events
// into the outbound SSE-facing channel. A Session is the only owner of its
// asr.Handle for its whole lifetime.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lumenflow/transcribe-gateway/internal/apierr"
	"github.com/lumenflow/transcribe-gateway/internal/asr"
	"github.com/lumenflow/transcribe-gateway/internal/audio"
	"github.com/lumenflow/transcribe-gateway/internal/observability"
)

// State is a session's position in its Open -> Finishing -> Closed/Failed
// state machine. Open and Finishing can both transition to Failed; there is
// no transition out of Closed or Failed.
type State int

const (
	StateOpen State = iota
	StateFinishing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateFinishing:
		return "finishing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config bounds a session's queues and timeouts. Populated from
// internal/config at startup.
type Config struct {
	MaxPendingChunks int
	MaxPendingFrames int
	MaxPendingEvents int
	IdleTimeout      time.Duration

	// AcceptTimeout bounds how long PushChunk blocks waiting for room in the
	// inbound queue before failing with ErrBackpressure. Zero means "fail
	// immediately if the queue is full" rather than block at all.
	AcceptTimeout time.Duration
}

// Session owns one assembler and one exclusively-held ASR handle for the
// lifetime of one PCM stream.
type Session struct {
	ID string

	cfg       Config
	assembler *audio.Assembler
	asrHandle asr.Handle
	logger    zerolog.Logger
	metrics   *observability.SessionMetrics

	inbound  chan []byte
	outbound chan asr.TranscriptEvent

	stateMu   sync.RWMutex
	state     State
	err       error
	terminal  *asr.TranscriptEvent
	closedAt  time.Time

	activityMu     sync.Mutex
	lastActivityAt time.Time
	createdAt      time.Time

	subscribeMu        sync.Mutex
	subscriberAttached bool

	producerDone       chan struct{}
	consumerDone       chan struct{}
	failOnce           sync.Once
	inboundOnce        sync.Once
	finishRequested    bool
	durationFinishOnce sync.Once
}

// New creates a Session, opens its exclusive ASR handle, and starts its
// producer/consumer goroutines. The caller (the Registry) owns placing it in
// the session map.
func New(ctx context.Context, id string, cfg Config, assembler *audio.Assembler, client asr.Client, profile asr.Profile, logger zerolog.Logger) (*Session, error) {
	metrics := observability.NewSessionMetrics(id)
	metrics.RecordAsrOpenStart()
	handle, err := client.Open(ctx, id, profile)
	metrics.RecordAsrOpenEnd()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apierr.ErrAsrUnavailable, err)
	}

	now := time.Now()
	s := &Session{
		ID:             id,
		cfg:            cfg,
		assembler:      assembler,
		asrHandle:      handle,
		logger:         logger.With().Str("session_id", id).Logger(),
		metrics:        metrics,
		inbound:        make(chan []byte, cfg.MaxPendingChunks),
		outbound:       make(chan asr.TranscriptEvent, cfg.MaxPendingEvents),
		state:          StateOpen,
		createdAt:      now,
		lastActivityAt: now,
		producerDone:   make(chan struct{}),
		consumerDone:   make(chan struct{}),
	}

	s.metrics.RecordSessionStart()
	go s.runProducer()
	go s.runConsumer()
	return s, nil
}

// State returns the session's current state.
func (s *Session) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// PushChunk enqueues a raw PCM chunk for the producer goroutine. If the
// inbound queue is full it blocks up to cfg.AcceptTimeout waiting for room
// (applying backpressure to the caller) before failing with
// ErrBackpressure; a zero AcceptTimeout fails immediately instead of
// blocking at all.
func (s *Session) PushChunk(pcm []byte) error {
	s.stateMu.RLock()
	state := s.state
	s.stateMu.RUnlock()

	switch state {
	case StateClosed, StateFailed:
		return apierr.ErrSessionClosed
	case StateFinishing:
		return apierr.ErrSessionFinishing
	}

	if s.cfg.AcceptTimeout <= 0 {
		select {
		case s.inbound <- pcm:
			s.touch()
			observability.RecordChunkAccepted(len(pcm))
			observability.SetQueueDepth("chunks", len(s.inbound))
			return nil
		default:
			observability.RecordChunkRejected("backpressure")
			return apierr.ErrBackpressure
		}
	}

	timer := time.NewTimer(s.cfg.AcceptTimeout)
	defer timer.Stop()

	select {
	case s.inbound <- pcm:
		s.touch()
		observability.RecordChunkAccepted(len(pcm))
		observability.SetQueueDepth("chunks", len(s.inbound))
		return nil
	case <-timer.C:
		observability.RecordChunkRejected("backpressure")
		return apierr.ErrBackpressure
	}
}

// Finish transitions the session to Finishing, closes the inbound queue, and
// blocks until the producer has flushed the assembler's remainder and
// signaled the ASR handle to finish. It returns before the ASR service's own
// final transcript event arrives (see DESIGN.md's open-question decision).
func (s *Session) Finish(ctx context.Context) error {
	s.stateMu.Lock()
	switch s.state {
	case StateClosed, StateFailed:
		err := s.err
		s.stateMu.Unlock()
		if err != nil {
			return err
		}
		return apierr.ErrSessionClosed
	case StateFinishing:
		s.stateMu.Unlock()
		select {
		case <-s.producerDone:
			return s.terminalErr()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.state = StateFinishing
	s.stateMu.Unlock()

	s.closeInbound()

	select {
	case <-s.producerDone:
		return s.terminalErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestFinish reports whether this is the first call to request this
// session finish. The HTTP boundary uses it to make /finish non-idempotent
// (second call is a conflict) while Session.Finish itself stays tolerant of
// repeat internal callers (e.g. the Registry's max-session-duration sweep).
func (s *Session) RequestFinish() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.finishRequested {
		return false
	}
	s.finishRequested = true
	return true
}

// CreatedAt returns when the session was opened, for max-session-duration
// enforcement.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// TriggerGracefulFinish asynchronously calls Finish the first time it is
// invoked for this session, and is a no-op afterward. Used by the
// Registry's sweeper when a session exceeds max_session_duration_ms: the
// spec calls for a graceful finish there, not an immediate Failed the way
// idle-timeout eviction gets.
func (s *Session) TriggerGracefulFinish(grace time.Duration) {
	s.durationFinishOnce.Do(func() {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), grace)
			defer cancel()
			_ = s.Finish(ctx)
		}()
	})
}

func (s *Session) closeInbound() {
	s.inboundOnce.Do(func() {
		close(s.inbound)
	})
}

// Terminate force-fails an idle session from outside its own producer: it
// marks the session Failed, closes outbound (via terminate, exactly once),
// and closes inbound so a producer goroutine blocked in the `range
// s.inbound` loop unblocks and exits instead of leaking. It also closes the
// ASR handle, which closes its Events channel so the consumer goroutine
// exits too. Used by the Registry's sweeper to reclaim sessions that went
// idle before Finish was ever called.
func (s *Session) Terminate(err error) {
	s.terminate(StateFailed, err, nil)
	s.closeInbound()
	_ = s.asrHandle.Close()
}

func (s *Session) terminalErr() error {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	if s.state == StateFailed {
		return s.err
	}
	return nil
}

// Subscribe attaches the single allowed SSE subscriber to this session's
// outbound event channel. A second call returns ErrSubscriberAlreadyAttached.
func (s *Session) Subscribe() (<-chan asr.TranscriptEvent, error) {
	s.subscribeMu.Lock()
	defer s.subscribeMu.Unlock()
	if s.subscriberAttached {
		return nil, apierr.ErrSubscriberAlreadyAttached
	}
	s.subscriberAttached = true
	return s.outbound, nil
}

// HasSubscriber reports whether a subscriber has ever attached, for the
// Registry's terminal-event grace-period bookkeeping.
func (s *Session) HasSubscriber() bool {
	s.subscribeMu.Lock()
	defer s.subscribeMu.Unlock()
	return s.subscriberAttached
}

// LastActivity returns the last time a chunk was accepted or an ASR event
// was received.
func (s *Session) LastActivity() time.Time {
	s.activityMu.Lock()
	defer s.activityMu.Unlock()
	return s.lastActivityAt
}

// ClosedAt returns the time the session reached a terminal state, or the
// zero time if it is still active.
func (s *Session) ClosedAt() time.Time {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.closedAt
}

func (s *Session) touch() {
	s.activityMu.Lock()
	s.lastActivityAt = time.Now()
	s.activityMu.Unlock()
}

// Close releases the session's ASR handle. Safe to call more than once.
func (s *Session) Close() error {
	return s.asrHandle.Close()
}

func (s *Session) runProducer() {
	defer close(s.producerDone)
	ctx := context.Background()

	for pcm := range s.inbound {
		frames, err := s.assembler.Push(pcm)
		if err != nil {
			s.fail(fmt.Errorf("%w: %v", apierr.ErrInternal, err))
			return
		}
		if err := s.pushFrames(ctx, frames); err != nil {
			return
		}
	}

	// Inbound closed: Finish was called and every pending chunk drained.
	if f := s.assembler.Flush(); f != nil {
		if err := s.pushFrames(ctx, []audio.Frame{*f}); err != nil {
			return
		}
	}

	if err := s.asrHandle.Finish(ctx); err != nil {
		s.fail(fmt.Errorf("%w: %v", apierr.ErrAsrClosed, err))
		return
	}
}

func (s *Session) pushFrames(ctx context.Context, frames []audio.Frame) error {
	for _, f := range frames {
		if err := s.asrHandle.PushFrame(ctx, f); err != nil {
			// A send-buffer overrun can't be resumed mid-stream without
			// either dropping a frame (breaks ordering) or blocking the
			// whole producer indefinitely, so it's terminal like any other
			// ASR failure — but kept as its own taxonomy entry so metrics
			// and the client can tell "we overran locally" from "the
			// remote closed on us".
			if errors.Is(err, asr.ErrSendBufferFull) {
				s.fail(fmt.Errorf("%w: %v", apierr.ErrAsrBackpressureExceeded, err))
			} else {
				s.fail(fmt.Errorf("%w: %v", apierr.ErrAsrClosed, err))
			}
			return err
		}
		observability.RecordFramePushed()
	}
	return nil
}

func (s *Session) runConsumer() {
	defer close(s.consumerDone)

	for evt := range s.asrHandle.Events() {
		s.touch()

		if s.State() == StateClosed || s.State() == StateFailed {
			// Already terminal (e.g. a prior Final already closed the
			// outbound channel); stop forwarding to avoid a send on a
			// closed channel.
			continue
		}

		observability.RecordAsrEvent(evt.Kind.String())

		// outbound is bounded by MaxPendingEvents; when it's full this
		// blocks, which is the backpressure signal: it stalls draining
		// asrHandle.Events(), whose own buffer then fills and applies
		// backpressure to the ASR client in turn. No event, least of all a
		// terminal one, is ever dropped to relieve it.
		s.outbound <- evt
		observability.SetQueueDepth("events", len(s.outbound))

		if evt.Kind == asr.EventFinal {
			s.terminate(StateClosed, nil, &evt)
		}
	}

	// Events channel closed without a Final event: either Finish already
	// closed things down cleanly, or the stream died mid-session.
	s.terminate(StateFailed, apierr.ErrAsrClosed, nil)
}

// fail transitions the session to Failed from the producer side.
func (s *Session) fail(err error) {
	s.terminate(StateFailed, err, nil)
}

// terminate moves the session into its first terminal state; subsequent
// calls are no-ops. It is the single place that closes s.outbound, so the
// producer (on a push/finish error) and the consumer (on Final or a dead
// stream) can never race to close it twice.
func (s *Session) terminate(newState State, err error, evt *asr.TranscriptEvent) {
	s.failOnce.Do(func() {
		s.stateMu.Lock()
		s.state = newState
		s.err = err
		s.terminal = evt
		s.closedAt = time.Now()
		s.stateMu.Unlock()

		if newState == StateFailed {
			s.metrics.RecordError("asr_failure", "session")
			s.logger.Error().Err(err).Msg("session failed")

			// The remote never delivered its own Final: synthesize the one
			// terminal ServerError event the subscriber is owed, so the SSE
			// stream never ends in a silent disconnect (see apierr for the
			// client-safe message text). This event is never dropped, even
			// if outbound is momentarily full — it blocks like any other
			// send, same as runConsumer's.
			if evt == nil {
				s.outbound <- asr.TranscriptEvent{
					Kind:         asr.EventServerError,
					ErrorMessage: apierr.PublicMessage(err),
					Timestamp:    time.Now(),
				}
			}
		}
		s.metrics.RecordSessionEnd()
		close(s.outbound)
	})
}

package asr

import (
	"context"
	"fmt"
	"sync"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog/log"

	"github.com/lumenflow/transcribe-gateway/internal/audio"
	"github.com/lumenflow/transcribe-gateway/internal/observability"
	"github.com/lumenflow/transcribe-gateway/internal/resilience"
)

// messageCallbackHandler adapts Deepgram's callback interface to a plain Go
// function, so each session's handler can close over its own events channel.
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	onMessage func(*msginterfaces.MessageResponse)
	onError   func(*msginterfaces.ErrorResponse) error
}

func (m *messageCallbackHandler) Message(message *msginterfaces.MessageResponse) error {
	m.onMessage(message)
	return nil
}

func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	if m.onError != nil {
		return m.onError(errorResponse)
	}
	return m.DefaultCallbackHandler.Error(errorResponse)
}

// defaultDeepgramMaxPendingFrames bounds a handle's outbound send buffer when
// DeepgramConfig.MaxPendingFrames is left unset.
const defaultDeepgramMaxPendingFrames = 250

// DeepgramConfig configures a DeepgramClient.
type DeepgramConfig struct {
	APIKey                     string
	Model                      string
	Language                   string
	OpenMaxRetries             int
	OpenInitialBackoff         time.Duration
	HeartbeatTimeout           time.Duration
	MaxPendingFrames           int
	CircuitBreakerMaxFailures  int
	CircuitBreakerResetTimeout time.Duration
}

// DeepgramClient is a Client implementation backed by Deepgram's streaming
// API, demonstrating that the abstract asr.Client contract is transport
// agnostic: it is a drop-in alternative to GrpcClient behind ASR_BACKEND.
type DeepgramClient struct {
	cfg            DeepgramConfig
	circuitBreaker *resilience.CircuitBreaker
}

// NewDeepgramClient builds a DeepgramClient; it does not connect until Open
// is called for a specific session.
func NewDeepgramClient(cfg DeepgramConfig) *DeepgramClient {
	return &DeepgramClient{
		cfg: cfg,
		circuitBreaker: resilience.NewCircuitBreaker(
			"asr-deepgram",
			cfg.CircuitBreakerMaxFailures,
			cfg.CircuitBreakerResetTimeout,
		),
	}
}

// Open starts a fresh Deepgram streaming connection exclusively owned by one
// session. Connect failures are retried here with exponential backoff, up
// to OpenMaxRetries times, behind the circuit breaker; once open, the
// resulting handle never reconnects on its own — a mid-stream error is
// terminal for the session.
func (c *DeepgramClient) Open(ctx context.Context, sessionID string, profile Profile) (Handle, error) {
	// The websocket connection must outlive ctx, which is typically a
	// request-scoped context torn down long before the session ends.
	sessionCtx, cancel := context.WithCancel(context.Background())

	maxPending := c.cfg.MaxPendingFrames
	if maxPending <= 0 {
		maxPending = defaultDeepgramMaxPendingFrames
	}

	now := time.Now()
	h := &deepgramHandle{
		sessionID:        sessionID,
		events:           make(chan TranscriptEvent, 64),
		ctx:              sessionCtx,
		cancel:           cancel,
		frameQueue:       make(chan audio.Frame, maxPending),
		heartbeatTimeout: c.cfg.HeartbeatTimeout,
		lastActivityAt:   now,
	}

	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          c.cfg.Model,
		Language:       c.cfg.Language,
		Punctuate:      true,
		InterimResults: true,
		UtteranceEndMs: "1000",
		VadEvents:      true,
		Encoding:       "linear16",
		Channels:       1,
		SampleRate:     profile.SampleRateHz,
	}

	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		onMessage:              h.handleMessage,
		onError: func(errorResponse *msginterfaces.ErrorResponse) error {
			log.Error().Str("session_id", sessionID).Interface("deepgram_error", errorResponse).Msg("deepgram stream error")
			c.circuitBreaker.RecordResult(false)
			observability.UpdateCircuitBreakerState("asr-deepgram", int(c.circuitBreaker.GetState()))
			observability.IncrementCircuitBreakerFailures("asr-deepgram")
			h.closeWithErr(fmt.Errorf("asr: deepgram stream error: %v", errorResponse))
			return nil
		},
	}

	err := c.circuitBreaker.Call(func() error {
		retryCfg := &resilience.RetryConfig{
			MaxAttempts:       c.cfg.OpenMaxRetries + 1,
			InitialBackoff:    c.cfg.OpenInitialBackoff,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		}
		return resilience.Retry(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			client, err := listenClient.NewWSUsingCallback(sessionCtx, c.cfg.APIKey, nil, tOptions, callback)
			if err != nil {
				return err
			}
			h.client = client
			return nil
		}, retryCfg, resilience.IsRetryableNetworkError)
	})

	observability.UpdateCircuitBreakerState("asr-deepgram", int(c.circuitBreaker.GetState()))
	if err != nil {
		observability.IncrementCircuitBreakerFailures("asr-deepgram")
		cancel()
		return nil, fmt.Errorf("asr: deepgram open: %w", err)
	}

	h.startSender()
	h.startHeartbeatWatchdog()
	return h, nil
}

// Healthy reports true if the API key is configured; Deepgram's SDK has no
// cheap unauthenticated ping, so this avoids making a billable call.
func (c *DeepgramClient) Healthy(ctx context.Context) (bool, error) {
	if c.cfg.APIKey == "" {
		return false, fmt.Errorf("asr: deepgram api key not configured")
	}
	return true, nil
}

type deepgramHandle struct {
	sessionID string
	client    *listenClient.WSCallback
	events    chan TranscriptEvent
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	frameQueue chan audio.Frame
	sendErrMu  sync.Mutex
	sendErr    error

	heartbeatTimeout time.Duration
	activityMu       sync.Mutex
	lastActivityAt   time.Time
}

func (h *deepgramHandle) touchActivity() {
	h.activityMu.Lock()
	h.lastActivityAt = time.Now()
	h.activityMu.Unlock()
}

// startHeartbeatWatchdog closes the handle if neither a pushed frame nor a
// received message has happened within heartbeatTimeout. Deepgram's
// websocket transport pings at the protocol level on its own, so this only
// needs to watch for total silence, not send pings itself.
func (h *deepgramHandle) startHeartbeatWatchdog() {
	if h.heartbeatTimeout <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(h.heartbeatTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-h.ctx.Done():
				return
			case <-ticker.C:
				h.activityMu.Lock()
				silent := time.Since(h.lastActivityAt)
				h.activityMu.Unlock()
				if silent > h.heartbeatTimeout {
					h.closeWithErr(fmt.Errorf("asr: deepgram heartbeat timeout after %s", silent))
					return
				}
			}
		}
	}()
}

// PushFrame enqueues frame for the sender goroutine without blocking on the
// websocket write. It fails with ErrSendBufferFull if the queue is already
// at capacity, or with the last write error if the sender has given up.
func (h *deepgramHandle) PushFrame(ctx context.Context, frame audio.Frame) error {
	h.sendErrMu.Lock()
	err := h.sendErr
	h.sendErrMu.Unlock()
	if err != nil {
		return err
	}

	select {
	case <-h.ctx.Done():
		return fmt.Errorf("asr: handle closed")
	default:
	}

	select {
	case h.frameQueue <- frame:
	default:
		return ErrSendBufferFull
	}

	h.touchActivity()
	return nil
}

// startSender drains frameQueue onto the websocket. frameQueue is never
// closed (only ctx is canceled), so a PushFrame racing with Close can never
// panic on a send to a closed channel.
func (h *deepgramHandle) startSender() {
	go func() {
		for {
			select {
			case frame := <-h.frameQueue:
				pcm := framesToPCM16(frame.Samples)
				if _, err := h.client.Write(pcm); err != nil {
					h.sendErrMu.Lock()
					h.sendErr = fmt.Errorf("asr: deepgram write: %w", err)
					h.sendErrMu.Unlock()
					h.closeWithErr(h.sendErr)
					return
				}
			case <-h.ctx.Done():
				return
			}
		}
	}()
}

func (h *deepgramHandle) Finish(ctx context.Context) error {
	h.client.Finish()
	return nil
}

func (h *deepgramHandle) Events() <-chan TranscriptEvent {
	return h.events
}

func (h *deepgramHandle) Close() error {
	h.closeOnce.Do(func() {
		h.cancel()
		close(h.events)
	})
	return nil
}

func (h *deepgramHandle) closeWithErr(err error) {
	h.closeOnce.Do(func() {
		log.Warn().Str("session_id", h.sessionID).Err(err).Msg("deepgram handle closing after error")
		h.cancel()
		close(h.events)
	})
}

func (h *deepgramHandle) handleMessage(msg *msginterfaces.MessageResponse) {
	if msg == nil {
		return
	}
	h.touchActivity()

	switch msg.Type {
	case "Results", "Message":
		if len(msg.Channel.Alternatives) == 0 {
			return
		}
		alt := msg.Channel.Alternatives[0]
		if alt.Transcript == "" {
			return
		}

		kind := EventPartial
		if msg.IsFinal {
			kind = EventFinal
		}

		evt := TranscriptEvent{
			Kind:       kind,
			Text:       alt.Transcript,
			Confidence: alt.Confidence,
			Timestamp:  time.Now(),
		}

		// Blocks rather than drops when h.events is full, applying
		// backpressure to the SDK's own callback/read loop — mirrors
		// grpcHandle.startReceiver, which blocks the same way.
		select {
		case h.events <- evt:
		case <-h.ctx.Done():
		}
	default:
		// Metadata/SpeechStarted/UtteranceEnd carry no transcript text.
	}
}

// framesToPCM16 packs float32 samples in [-1.0, 1.0] into little-endian
// S16LE bytes for Deepgram's linear16 encoding.
func framesToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := s * 32767.0
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		sample := int16(v)
		out[i*2] = byte(sample)
		out[i*2+1] = byte(sample >> 8)
	}
	return out
}

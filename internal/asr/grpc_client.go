package asr

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lumenflow/transcribe-gateway/internal/audio"
	"github.com/lumenflow/transcribe-gateway/internal/observability"
	"github.com/lumenflow/transcribe-gateway/internal/resilience"
)

// streamingRecognizeMethod is the fully-qualified gRPC method this client
// streams against. The ASR service is expected to accept and return
// google.protobuf.Struct messages on a bidirectional stream, letting this
// client avoid depending on generated .pb.go bindings for a service it
// doesn't own.
const streamingRecognizeMethod = "/asr.v1.AsrService/StreamingRecognize"

// defaultMaxPendingFrames bounds a handle's outbound send buffer when
// GrpcConfig.MaxPendingFrames is left unset.
const defaultMaxPendingFrames = 250

// GrpcConfig configures a GrpcClient.
type GrpcConfig struct {
	Endpoint                   string
	TLSEnabled                 bool
	OpenMaxRetries             int
	OpenInitialBackoff         time.Duration
	IdlePingInterval           time.Duration
	HeartbeatTimeout           time.Duration
	MaxPendingFrames           int
	CircuitBreakerMaxFailures  int
	CircuitBreakerResetTimeout time.Duration
}

// GrpcClient is a Client backed by a hand-rolled bidirectional gRPC stream.
// It dials once and shares the *grpc.ClientConn across every session's Open
// call; each Open still gets its own exclusive stream/Handle.
type GrpcClient struct {
	cfg            GrpcConfig
	mu             sync.RWMutex
	conn           *grpc.ClientConn
	circuitBreaker *resilience.CircuitBreaker
}

// NewGrpcClient dials the ASR service's gRPC endpoint eagerly so that startup
// failures surface immediately rather than on the first session.
func NewGrpcClient(cfg GrpcConfig) (*GrpcClient, error) {
	c := &GrpcClient{
		cfg: cfg,
		circuitBreaker: resilience.NewCircuitBreaker(
			"asr-grpc",
			cfg.CircuitBreakerMaxFailures,
			cfg.CircuitBreakerResetTimeout,
		),
	}
	if err := c.connect(); err != nil {
		return nil, fmt.Errorf("asr: failed to connect: %w", err)
	}
	return c, nil
}

func (c *GrpcClient) connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	creds := insecure.NewCredentials()
	if c.cfg.TLSEnabled {
		creds = credentials.NewTLS(&tls.Config{})
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             3 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithBlock(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(ctx, c.cfg.Endpoint, opts...)
	if err != nil {
		return fmt.Errorf("asr: dialing %s: %w", c.cfg.Endpoint, err)
	}
	c.conn = conn
	return nil
}

// Open opens a fresh bidirectional stream for one session, retrying with
// exponential backoff and circuit-breaker protection. Once the stream is
// open, failures are the caller's (Handle's) problem — Open never retries
// mid-session.
//
// The stream's own context is independent of ctx: ctx only bounds the open
// attempt itself (it is typically a request-scoped context that will be
// canceled long before the session ends), while the stream must keep
// running for the session's whole lifetime. The returned Handle owns its
// stream's cancellation and releases it on Close.
func (c *GrpcClient) Open(ctx context.Context, sessionID string, profile Profile) (Handle, error) {
	var stream grpc.ClientStream
	streamCtx, cancelStream := context.WithCancel(context.Background())

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

			c.mu.RLock()
			conn := c.conn
			c.mu.RUnlock()

			if conn == nil {
				if err := c.connect(); err != nil {
					return err
				}
				c.mu.RLock()
				conn = c.conn
				c.mu.RUnlock()
			}

			s, err := conn.NewStream(streamCtx, &grpc.StreamDesc{
				StreamName:    "StreamingRecognize",
				ServerStreams: true,
				ClientStreams: true,
			}, streamingRecognizeMethod)
			if err != nil {
				return err
			}
			stream = s
			return nil
		}, retryCfg, resilience.IsRetryableNetworkError)
	})

	observability.UpdateCircuitBreakerState("asr-grpc", int(c.circuitBreaker.GetState()))
	if err != nil {
		observability.IncrementCircuitBreakerFailures("asr-grpc")
		cancelStream()
		return nil, fmt.Errorf("asr: open: %w", err)
	}

	cfgMsg, err := structpb.NewStruct(map[string]interface{}{
		"session_id":     sessionID,
		"sample_rate_hz": float64(profile.SampleRateHz),
		"language":       profile.Language,
		"kind":           "config",
	})
	if err != nil {
		cancelStream()
		return nil, fmt.Errorf("asr: building config message: %w", err)
	}
	if err := stream.SendMsg(cfgMsg); err != nil {
		cancelStream()
		return nil, fmt.Errorf("asr: sending stream config: %w", err)
	}

	maxPending := c.cfg.MaxPendingFrames
	if maxPending <= 0 {
		maxPending = defaultMaxPendingFrames
	}

	now := time.Now()
	h := &grpcHandle{
		sessionID:        sessionID,
		stream:           stream,
		cancel:           cancelStream,
		events:           make(chan TranscriptEvent, 64),
		done:             make(chan struct{}),
		sendQueue:        make(chan sendJob, maxPending),
		idlePing:         c.cfg.IdlePingInterval,
		heartbeatTimeout: c.cfg.HeartbeatTimeout,
		lastPushAt:       now,
		lastRecvAt:       now,
	}
	h.startReceiver()
	h.startSender()
	h.startHeartbeat()
	return h, nil
}

// Healthy reports whether the shared connection is established, without
// opening a stream.
func (c *GrpcClient) Healthy(ctx context.Context) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return false, fmt.Errorf("asr: not connected")
	}
	state := c.conn.GetState()
	return state.String() == "READY" || state.String() == "IDLE", nil
}

// Close closes the shared connection. Call only at process shutdown, after
// every session's Handle has been closed.
func (c *GrpcClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// grpcHandle is one session's exclusive view of a gRPC stream.
type grpcHandle struct {
	sessionID string
	stream    grpc.ClientStream
	cancel    context.CancelFunc
	events    chan TranscriptEvent
	closeOnce sync.Once
	done      chan struct{}

	// sendQueue decouples PushFrame from the stream's actual SendMsg call so
	// pushing is non-blocking relative to the event-receiving side; its
	// capacity is the handle's local send-buffer bound. Finish's own control
	// message also goes through it (blocking, not subject to the capacity
	// bound) so frame-push order is preserved all the way to the wire — a
	// second goroutine calling SendMsg directly would race the sender.
	sendQueue chan sendJob
	sendErrMu sync.Mutex
	sendErr   error

	idlePing         time.Duration
	heartbeatTimeout time.Duration

	activityMu sync.Mutex
	lastPushAt time.Time
	lastRecvAt time.Time
}

// sendJob is one message for the sender goroutine. ack is nil for a frame
// push (fire-and-forget); Finish sets it so it can block for its own
// SendMsg's result without racing the sender on the stream directly.
type sendJob struct {
	msg       *structpb.Struct
	closeSend bool
	ack       chan error
}

// PushFrame enqueues frame for the sender goroutine without blocking on the
// network. It fails with ErrSendBufferFull if the queue is already at
// capacity, or with the stream's last send error if the sender has already
// given up.
func (h *grpcHandle) PushFrame(ctx context.Context, frame audio.Frame) error {
	h.sendErrMu.Lock()
	err := h.sendErr
	h.sendErrMu.Unlock()
	if err != nil {
		return err
	}

	select {
	case <-h.done:
		return fmt.Errorf("asr: handle closed")
	default:
	}

	msg, err := frameToStruct(frame)
	if err != nil {
		return fmt.Errorf("asr: building frame message: %w", err)
	}

	select {
	case h.sendQueue <- sendJob{msg: msg}:
	default:
		return ErrSendBufferFull
	}

	h.activityMu.Lock()
	h.lastPushAt = time.Now()
	h.activityMu.Unlock()
	return nil
}

// startSender drains sendQueue onto the wire, one message at a time and in
// enqueue order. A send error is terminal: it records the error for future
// PushFrame calls and closes the handle, which unwinds the receiver and
// surfaces AsrClosed to the session the usual way. sendQueue itself is
// never closed (only done is), so PushFrame/Finish racing with Close can
// never panic on a send to a closed channel.
func (h *grpcHandle) startSender() {
	go func() {
		for {
			select {
			case job := <-h.sendQueue:
				err := h.stream.SendMsg(job.msg)
				if err == nil && job.closeSend {
					err = h.stream.CloseSend()
				}
				if job.ack != nil {
					job.ack <- err
				}
				if err != nil {
					h.sendErrMu.Lock()
					h.sendErr = fmt.Errorf("asr: pushing frame: %w", err)
					h.sendErrMu.Unlock()
					h.Close()
					return
				}
			case <-h.done:
				return
			}
		}
	}()
}

// startHeartbeat pings the remote when no frame has been pushed for
// idlePing, and tears down the stream if no message of any kind (including
// its own pings' responses) has arrived within heartbeatTimeout. A zero
// idlePing disables heartbeating entirely.
func (h *grpcHandle) startHeartbeat() {
	if h.idlePing <= 0 {
		return
	}
	interval := h.idlePing / 2
	if interval <= 0 {
		interval = h.idlePing
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-h.done:
				return
			case <-ticker.C:
				h.activityMu.Lock()
				sincePush := time.Since(h.lastPushAt)
				sinceRecv := time.Since(h.lastRecvAt)
				h.activityMu.Unlock()

				if h.heartbeatTimeout > 0 && sinceRecv > h.heartbeatTimeout {
					h.Close()
					return
				}
				if sincePush >= h.idlePing {
					if msg, err := structpb.NewStruct(map[string]interface{}{"kind": "ping"}); err == nil {
						select {
						case h.sendQueue <- sendJob{msg: msg}:
						default:
							// Sender is backed up on real frames; skip this
							// ping, the next tick will try again.
						}
					}
					h.activityMu.Lock()
					h.lastPushAt = time.Now()
					h.activityMu.Unlock()
				}
			}
		}
	}()
}

// frameToStruct packs a frame into the wire message this client's ASR
// service expects on its bidirectional stream.
func frameToStruct(frame audio.Frame) (*structpb.Struct, error) {
	floats := make([]interface{}, len(frame.Samples))
	for i, s := range frame.Samples {
		floats[i] = float64(s)
	}
	return structpb.NewStruct(map[string]interface{}{
		"kind":    "audio",
		"seq":     float64(frame.Seq),
		"samples": floats,
	})
}

// structToEvent unpacks a response message into a TranscriptEvent. It is
// nil-safe: a missing field yields the field type's zero value, since
// structpb's generated accessors tolerate a nil *structpb.Value receiver.
func structToEvent(resp *structpb.Struct, now time.Time) TranscriptEvent {
	fields := resp.GetFields()
	kind := EventPartial
	if fields["is_final"].GetBoolValue() {
		kind = EventFinal
	}
	return TranscriptEvent{
		Kind:       kind,
		Text:       fields["text"].GetStringValue(),
		Confidence: fields["confidence"].GetNumberValue(),
		Timestamp:  now,
	}
}

// Finish waits for every already-queued frame to reach the wire, then sends
// the finish control message and closes the send side, all from the same
// sender goroutine that pushes frames — so neither can ever race SendMsg or
// CloseSend against each other on the underlying stream.
func (h *grpcHandle) Finish(ctx context.Context) error {
	msg, err := structpb.NewStruct(map[string]interface{}{"kind": "finish"})
	if err != nil {
		return fmt.Errorf("asr: building finish message: %w", err)
	}

	job := sendJob{msg: msg, closeSend: true, ack: make(chan error, 1)}
	select {
	case h.sendQueue <- job:
	case <-h.done:
		return fmt.Errorf("asr: handle closed")
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-job.ack:
		if err != nil {
			return fmt.Errorf("asr: sending finish: %w", err)
		}
		return nil
	case <-h.done:
		return fmt.Errorf("asr: handle closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *grpcHandle) Events() <-chan TranscriptEvent {
	return h.events
}

func (h *grpcHandle) Close() error {
	h.closeOnce.Do(func() {
		close(h.done)
		h.cancel()
	})
	return nil
}

func (h *grpcHandle) startReceiver() {
	go func() {
		defer close(h.events)
		for {
			resp := &structpb.Struct{}
			err := h.stream.RecvMsg(resp)
			if err != nil {
				if err != io.EOF {
					select {
					case <-h.done:
					default:
					}
				}
				return
			}

			now := time.Now()
			h.activityMu.Lock()
			h.lastRecvAt = now
			h.activityMu.Unlock()

			evt := structToEvent(resp, now)

			select {
			case h.events <- evt:
			case <-h.done:
				return
			}
		}
	}()
}

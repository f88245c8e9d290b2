package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "transcribe_gateway_active_sessions",
		Help: "Number of sessions currently open or finishing",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transcribe_gateway_sessions_total",
		Help: "Total number of sessions created",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "transcribe_gateway_session_duration_seconds",
		Help:    "Duration of a session from creation to terminal state",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	// Ingest metrics
	chunkBytesIn = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transcribe_gateway_chunk_bytes_in_total",
		Help: "Total PCM chunk bytes accepted over /chunk",
	})

	chunksRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcribe_gateway_chunks_rejected_total",
		Help: "Total PCM chunks rejected, by reason",
	}, []string{"reason"})

	framesPushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transcribe_gateway_frames_pushed_total",
		Help: "Total assembled frames pushed to the ASR client",
	})

	// ASR metrics
	asrEventsOut = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcribe_gateway_asr_events_total",
		Help: "Total transcript events received from the ASR client",
	}, []string{"kind"}) // kind: partial, final

	asrOpenLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "transcribe_gateway_asr_open_latency_seconds",
		Help:    "Latency of opening an ASR stream",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	// SSE metrics
	sseConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "transcribe_gateway_sse_connections",
		Help: "Number of currently open SSE subscriptions",
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcribe_gateway_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "transcribe_gateway_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcribe_gateway_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "transcribe_gateway_queue_depth",
		Help: "Current depth of a session's internal queue",
	}, []string{"queue"}) // queue: chunks, frames, events
)

// SessionMetrics tracks metrics scoped to a single session's lifetime.
type SessionMetrics struct {
	sessionID    string
	startTime    time.Time
	asrOpenStart time.Time
	mu           sync.Mutex
}

// NewSessionMetrics creates a new metrics tracker for a session.
func NewSessionMetrics(sessionID string) *SessionMetrics {
	return &SessionMetrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the creation of a session.
func (m *SessionMetrics) RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records a session reaching a terminal state.
func (m *SessionMetrics) RecordSessionEnd() {
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordAsrOpenStart marks the start of an ASR open() call.
func (m *SessionMetrics) RecordAsrOpenStart() {
	m.mu.Lock()
	m.asrOpenStart = time.Now()
	m.mu.Unlock()
}

// RecordAsrOpenEnd records the latency of an ASR open() call.
func (m *SessionMetrics) RecordAsrOpenEnd() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.asrOpenStart.IsZero() {
		asrOpenLatency.Observe(time.Since(m.asrOpenStart).Seconds())
	}
}

// RecordError records an error for this session.
func (m *SessionMetrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordChunkAccepted records the bytes of an accepted PCM chunk.
func RecordChunkAccepted(bytes int) {
	chunkBytesIn.Add(float64(bytes))
}

// RecordChunkRejected increments the rejection counter for a given reason.
func RecordChunkRejected(reason string) {
	chunksRejected.WithLabelValues(reason).Inc()
}

// RecordFramePushed increments the frames-pushed counter.
func RecordFramePushed() {
	framesPushed.Inc()
}

// RecordAsrEvent increments the ASR event counter for partial/final events.
func RecordAsrEvent(kind string) {
	asrEventsOut.WithLabelValues(kind).Inc()
}

// IncSSEConnections and DecSSEConnections adjust the gauge tracking open SSE
// subscriptions.
func IncSSEConnections() { sseConnections.Inc() }
func DecSSEConnections() { sseConnections.Dec() }

// SetQueueDepth records the current depth of a session queue.
func SetQueueDepth(queue string, depth int) {
	queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// UpdateCircuitBreakerState updates the circuit breaker state metric.
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments the circuit breaker failure counter.
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}

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
		Name: "voice_relay_active_sessions",
		Help: "Number of recognition sessions currently active",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_relay_sessions_total",
		Help: "Total number of recognition sessions started",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_relay_session_duration_seconds",
		Help:    "Duration of recognition sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	// Subscriber metrics
	activeSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_relay_active_subscribers",
		Help: "Number of open push subscriptions",
	})

	subscriberReplacements = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_relay_subscriber_replacements_total",
		Help: "Times a new push subscription replaced a live one for the same session",
	})

	// Transcript metrics
	transcriptEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_relay_transcript_events_total",
		Help: "Transcript events pushed to subscribers",
	}, []string{"kind"}) // kind: "final" or "interim"

	// Audio metrics
	audioBytesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_relay_audio_bytes_total",
		Help: "Total audio bytes forwarded to the recognition adapter",
	})

	audioChunksReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_relay_audio_chunks_total",
		Help: "Total audio chunks accepted",
	})

	// Error metrics
	routingErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_relay_routing_errors_total",
		Help: "Routing errors returned to callers",
	}, []string{"reason"}) // reason: "no_subscriber", "no_stream", "chunk_too_large", ...

	adapterErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_relay_adapter_errors_total",
		Help: "Errors surfaced by the speech recognition adapter",
	}, []string{"provider"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_relay_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_relay_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// SessionMetrics tracks metrics for a single recognition session
type SessionMetrics struct {
	sessionID string
	startTime time.Time
	mu        sync.Mutex
	ended     bool
}

// NewSessionMetrics creates a metrics tracker for one session
func NewSessionMetrics(sessionID string) *SessionMetrics {
	activeSessions.Inc()
	totalSessions.Inc()
	return &SessionMetrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionEnd records the end of a session; safe to call more than once
func (m *SessionMetrics) RecordSessionEnd() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ended {
		return
	}
	m.ended = true
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordSubscriberOpen records a newly registered push subscription
func RecordSubscriberOpen() {
	activeSubscribers.Inc()
}

// RecordSubscriberClose records a removed push subscription
func RecordSubscriberClose() {
	activeSubscribers.Dec()
}

// RecordSubscriberReplaced records a last-writer-wins subscription takeover
func RecordSubscriberReplaced() {
	subscriberReplacements.Inc()
}

// RecordTranscriptEvent records one transcript event pushed to a subscriber
func RecordTranscriptEvent(isFinal bool) {
	kind := "interim"
	if isFinal {
		kind = "final"
	}
	transcriptEvents.WithLabelValues(kind).Inc()
}

// RecordAudioChunk records an accepted audio chunk
func RecordAudioChunk(bytes int) {
	audioChunksReceived.Inc()
	audioBytesReceived.Add(float64(bytes))
}

// RecordRoutingError records a client-facing routing error
func RecordRoutingError(reason string) {
	routingErrors.WithLabelValues(reason).Inc()
}

// RecordAdapterError records an adapter failure pushed to a subscriber
func RecordAdapterError(provider string) {
	adapterErrors.WithLabelValues(provider).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}

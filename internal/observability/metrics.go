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
		Name: "voice_coach_active_sessions",
		Help: "Number of connected voice sessions",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_coach_session_duration_seconds",
		Help:    "Duration of voice sessions in seconds",
		Buckets: []float64{10, 30, 60, 300, 600, 1800, 3600},
	})

	// Turn metrics
	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_coach_turns_total",
		Help: "Conversation turns by source and outcome",
	}, []string{"source", "outcome"})

	phaseTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_coach_phase_transitions_total",
		Help: "Coordinator phase transitions",
	}, []string{"from", "to"})

	ignoredTriggers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_coach_ignored_triggers_total",
		Help: "Recording triggers ignored by the coordinator",
	}, []string{"trigger", "reason"})

	// Exchange metrics
	exchangeRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_coach_exchange_requests_total",
		Help: "Transcription exchange requests by status",
	}, []string{"status"})

	exchangeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_coach_exchange_latency_seconds",
		Help:    "Transcription exchange round-trip latency in seconds",
		Buckets: []float64{0.25, 0.5, 1.0, 2.0, 4.0, 8.0, 16.0},
	})

	// Synthesis and playback metrics
	synthRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_coach_synth_requests_total",
		Help: "Speech synthesis requests by status",
	}, []string{"status"})

	synthLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_coach_synth_latency_seconds",
		Help:    "Speech synthesis latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	playbackSegments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_coach_playback_segments_total",
		Help: "Played speech segments by voice (synth, prefetched, fallback) and result",
	}, []string{"voice", "result"})

	// Recognizer metrics
	recognizerRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_coach_recognizer_restarts_total",
		Help: "Automatic speech recognizer restarts",
	})

	recognizerUnavailable = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_coach_recognizer_unavailable_total",
		Help: "Times speech recognition was declared unavailable",
	}, []string{"reason"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_coach_errors_total",
		Help: "Total number of errors",
	}, []string{"kind", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_coach_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_coach_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_coach_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in", "out" or "asr"
)

// Metrics tracks metrics for a single voice session. All methods are safe on a nil receiver.
type Metrics struct {
	sessionID     string
	startTime     time.Time
	exchangeStart time.Time
	mu            sync.Mutex
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *Metrics {
	return &Metrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a session
func (m *Metrics) RecordSessionStart() {
	if m == nil {
		return
	}
	activeSessions.Inc()
}

// RecordSessionEnd records the end of a session
func (m *Metrics) RecordSessionEnd() {
	if m == nil {
		return
	}
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordPhase records a coordinator phase transition
func (m *Metrics) RecordPhase(from, to string) {
	if m == nil {
		return
	}
	phaseTransitions.WithLabelValues(from, to).Inc()
}

// RecordTurn records a finished turn
func (m *Metrics) RecordTurn(source, outcome string) {
	if m == nil {
		return
	}
	turnsTotal.WithLabelValues(source, outcome).Inc()
}

// RecordIgnoredTrigger records a VAD or transcript trigger the coordinator refused
func (m *Metrics) RecordIgnoredTrigger(trigger, reason string) {
	if m == nil {
		return
	}
	ignoredTriggers.WithLabelValues(trigger, reason).Inc()
}

// RecordExchangeStart records the start of a transcription exchange
func (m *Metrics) RecordExchangeStart() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.exchangeStart = time.Now()
	m.mu.Unlock()
}

// RecordExchangeEnd records the end of a transcription exchange
func (m *Metrics) RecordExchangeEnd(status string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.exchangeStart.IsZero() {
		exchangeLatency.Observe(time.Since(m.exchangeStart).Seconds())
		m.exchangeStart = time.Time{}
	}
	exchangeRequests.WithLabelValues(status).Inc()
}

// RecordPlaybackSegment records one finished playback segment
func (m *Metrics) RecordPlaybackSegment(voice string, ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "error"
	}
	playbackSegments.WithLabelValues(voice, result).Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(kind, component string) {
	if m == nil {
		return
	}
	errorsTotal.WithLabelValues(kind, component).Inc()
}

// RecordAudioBytes records audio bytes processed
func (m *Metrics) RecordAudioBytes(direction string, bytes int64) {
	if m == nil {
		return
	}
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// ObserveSynthesis records one synthesis request
func ObserveSynthesis(latency time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	synthRequests.WithLabelValues(status).Inc()
	synthLatency.Observe(latency.Seconds())
}

// ObserveAudioBytes records audio bytes moved outside a session tracker
func ObserveAudioBytes(direction string, bytes int64) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// IncrementRecognizerRestarts counts an automatic recognizer restart
func IncrementRecognizerRestarts() {
	recognizerRestarts.Inc()
}

// IncrementRecognizerUnavailable counts a recognizer being disabled
func IncrementRecognizerUnavailable(reason string) {
	recognizerUnavailable.WithLabelValues(reason).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}

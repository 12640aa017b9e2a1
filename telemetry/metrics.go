// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Discovery
	DiscoveryPasses   prometheus.Counter
	DiscoveryFailures prometheus.Counter
	DiscoveryPages    prometheus.Counter
	CandidatesSkipped *prometheus.CounterVec // reason
	ReadyChannels     prometheus.Gauge       // result size of the last pass
	DiscoveryDuration prometheus.Observer

	// Chzzk HTTP API
	APIRequests        *prometheus.CounterVec // endpoint, outcome
	APIRequestDuration *prometheus.HistogramVec

	// Chat sessions
	SessionsStarted  prometheus.Counter
	SessionsEnded    *prometheus.CounterVec // reason
	ActiveSessions   prometheus.Gauge
	FramesReceived   *prometheus.CounterVec // cmd
	ChatEvents       prometheus.Counter
	KeepalivesFailed prometheus.Counter
	RecorderErrors   *prometheus.CounterVec // op
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		DiscoveryPasses = promauto.NewCounter(prometheus.CounterOpts{Name: "chzzk_discovery_passes_total", Help: "Number of discovery passes started"})
		DiscoveryFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "chzzk_discovery_failures_total", Help: "Number of discovery passes aborted by an error"})
		DiscoveryPages = promauto.NewCounter(prometheus.CounterOpts{Name: "chzzk_discovery_pages_total", Help: "Number of popular-lives pages fetched"})
		CandidatesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chzzk_discovery_candidates_skipped_total", Help: "Candidates dropped during discovery by reason"}, []string{"reason"})
		ReadyChannels = promauto.NewGauge(prometheus.GaugeOpts{Name: "chzzk_discovery_ready_channels", Help: "Scrape-ready channels produced by the last discovery pass"})
		DiscoveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chzzk_discovery_duration_seconds", Help: "Discovery pass duration seconds", Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600}})

		APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chzzk_api_requests_total", Help: "Chzzk API requests by endpoint and outcome"}, []string{"endpoint", "outcome"})
		APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "chzzk_api_request_duration_seconds", Help: "Chzzk API request duration seconds", Buckets: prometheus.DefBuckets}, []string{"endpoint"})

		SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "chzzk_chat_sessions_started_total", Help: "Chat sessions launched by the supervisor"})
		SessionsEnded = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chzzk_chat_sessions_ended_total", Help: "Chat sessions ended by reason"}, []string{"reason"})
		ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{Name: "chzzk_chat_sessions_active", Help: "Currently running chat sessions"})
		FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chzzk_chat_frames_received_total", Help: "Inbound chat frames by command"}, []string{"cmd"})
		ChatEvents = promauto.NewCounter(prometheus.CounterOpts{Name: "chzzk_chat_events_total", Help: "Chat entries extracted from chat batches"})
		KeepalivesFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "chzzk_chat_keepalives_failed_total", Help: "Keepalive frames that failed to send"})
		RecorderErrors = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chzzk_chat_recorder_errors_total", Help: "Chat recorder failures by operation"}, []string{"op"})
	})
}

// SkipCandidate counts a candidate dropped during discovery.
func SkipCandidate(reason string) {
	Init()
	CandidatesSkipped.WithLabelValues(reason).Inc()
}

// ObserveAPIRequest records one chzzk API call.
func ObserveAPIRequest(endpoint, outcome string, d time.Duration) {
	Init()
	APIRequests.WithLabelValues(endpoint, outcome).Inc()
	APIRequestDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

// SessionStarted bumps the started counter and the active gauge.
func SessionStarted() {
	Init()
	SessionsStarted.Inc()
	ActiveSessions.Inc()
}

// SessionEnded records a session exit with its reason.
func SessionEnded(reason string) {
	Init()
	SessionsEnded.WithLabelValues(reason).Inc()
	ActiveSessions.Dec()
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}

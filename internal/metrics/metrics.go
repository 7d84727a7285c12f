// Package metrics exposes Prometheus collectors for the transcription service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics for the service. Collectors are
// registered on a private registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsStarted  prometheus.Counter
	SessionsRejected *prometheus.CounterVec
	SessionsEnded    *prometheus.CounterVec
	LiveSessions     prometheus.Gauge
	SessionDuration  prometheus.Histogram

	// Ingest metrics
	ChunksAccepted prometheus.Counter
	ChunksRejected *prometheus.CounterVec
	AudioBytes     prometheus.Counter

	// Upstream metrics
	UpstreamRetries  prometheus.Counter
	UpstreamFailures *prometheus.CounterVec
	Transcripts      *prometheus.CounterVec
	RecognitionCost  prometheus.Counter

	// Client connections
	Connections prometheus.Gauge
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "scribe_sessions_started_total",
			Help: "Total number of sessions created",
		}),
		SessionsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_sessions_rejected_total",
			Help: "Total number of session_start requests refused",
		}, []string{"code"}),
		SessionsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_sessions_ended_total",
			Help: "Total number of sessions that reached a terminal state",
		}, []string{"state", "reason"}),
		LiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "scribe_live_sessions",
			Help: "Sessions currently holding a capacity slot",
		}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "scribe_session_duration_seconds",
			Help:    "Wall-clock duration of finished sessions",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1h
		}),

		ChunksAccepted: f.NewCounter(prometheus.CounterOpts{
			Name: "scribe_audio_chunks_accepted_total",
			Help: "Total number of audio chunks queued upstream",
		}),
		ChunksRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_audio_chunks_rejected_total",
			Help: "Total number of audio chunks refused by ingest",
		}, []string{"code"}),
		AudioBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "scribe_audio_bytes_total",
			Help: "Total bytes of accepted audio",
		}),

		UpstreamRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "scribe_upstream_retries_total",
			Help: "Total number of upstream forward or reconnect retries",
		}),
		UpstreamFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_upstream_failures_total",
			Help: "Total number of sessions failed by the upstream",
		}, []string{"stage"}),
		Transcripts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_transcript_events_total",
			Help: "Transcript events delivered to clients",
		}, []string{"kind"}),
		RecognitionCost: f.NewCounter(prometheus.CounterOpts{
			Name: "scribe_recognition_cost_cents_total",
			Help: "Estimated recognition backend spend in cents",
		}),

		Connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "scribe_client_connections",
			Help: "Open client WebSocket connections",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordSessionStarted counts a created session.
func (m *Metrics) RecordSessionStarted() {
	m.SessionsStarted.Inc()
}

// RecordSessionRejected counts a refused session_start by error code.
func (m *Metrics) RecordSessionRejected(code string) {
	m.SessionsRejected.WithLabelValues(code).Inc()
}

// RecordSessionEnded counts a terminal session and observes its duration.
func (m *Metrics) RecordSessionEnded(state, reason string, durationSeconds float64) {
	m.SessionsEnded.WithLabelValues(state, reason).Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// SetLiveSessions sets the current slot count.
func (m *Metrics) SetLiveSessions(n int) {
	m.LiveSessions.Set(float64(n))
}

// RecordChunkAccepted counts a chunk handed to the upstream queue.
func (m *Metrics) RecordChunkAccepted(size int) {
	m.ChunksAccepted.Inc()
	m.AudioBytes.Add(float64(size))
}

// RecordChunkRejected counts a refused chunk by error code.
func (m *Metrics) RecordChunkRejected(code string) {
	m.ChunksRejected.WithLabelValues(code).Inc()
}

// RecordUpstreamRetry counts one retry.
func (m *Metrics) RecordUpstreamRetry() {
	m.UpstreamRetries.Inc()
}

// RecordUpstreamFailure counts a failed session by stage ("open" or "stream").
func (m *Metrics) RecordUpstreamFailure(stage string) {
	m.UpstreamFailures.WithLabelValues(stage).Inc()
}

// RecordRecognitionCost adds the estimated spend for one finished session.
func (m *Metrics) RecordRecognitionCost(cents float64) {
	if cents > 0 {
		m.RecognitionCost.Add(cents)
	}
}

// RecordTranscript counts a transcript event ("partial" or "final").
func (m *Metrics) RecordTranscript(kind string) {
	m.Transcripts.WithLabelValues(kind).Inc()
}

// ConnectionOpened and ConnectionClosed track open client sockets.
func (m *Metrics) ConnectionOpened() { m.Connections.Inc() }

func (m *Metrics) ConnectionClosed() { m.Connections.Dec() }

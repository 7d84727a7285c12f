package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"time"

	"github.com/charmbracelet/log"
	"github.com/getsentry/sentry-go"
	"github.com/gorilla/websocket"

	"github.com/lukasbauer/scribe/internal/dispatch"
	"github.com/lukasbauer/scribe/internal/metrics"
	"github.com/lukasbauer/scribe/internal/session"
	"github.com/lukasbauer/scribe/internal/store"
)

type RouterConfig struct {
	// Browser origins allowed to open the stream socket and call the API.
	// Empty allows any origin.
	AllowedOrigins []string

	PingPeriod time.Duration
	PongWait   time.Duration
}

// TranscriptReader serves the read-only transcription API. Optional.
type TranscriptReader interface {
	ListTranscriptions(ctx context.Context, limit int) ([]store.Transcription, error)
	GetTranscription(ctx context.Context, sessionID string) (*store.Transcription, error)
}

type Router struct {
	cfg         RouterConfig
	logger      *log.Logger
	dispatcher  *dispatch.Dispatcher
	sessions    *session.Store
	metrics     *metrics.Metrics
	transcripts TranscriptReader
	upgrader    websocket.Upgrader
	mux         *http.ServeMux
}

// NewRouter builds the HTTP surface. transcripts may be nil when no database
// is configured; the transcription routes are then not registered.
func NewRouter(cfg RouterConfig, logger *log.Logger, d *dispatch.Dispatcher, sessions *session.Store, m *metrics.Metrics, transcripts TranscriptReader) http.Handler {
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = 30 * time.Second
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}

	r := &Router{
		cfg:         cfg,
		logger:      logger,
		dispatcher:  d,
		sessions:    sessions,
		metrics:     m,
		transcripts: transcripts,
		mux:         http.NewServeMux(),
	}
	r.upgrader = websocket.Upgrader{
		ReadBufferSize:  16 * 1024,
		WriteBufferSize: 16 * 1024,
		CheckOrigin: func(req *http.Request) bool {
			return originAllowed(cfg.AllowedOrigins, req.Header.Get("Origin"))
		},
	}

	r.routes()
	return withSentryRecovery(withCORS(cfg.AllowedOrigins, r.mux))
}

func (r *Router) routes() {
	r.mux.HandleFunc("GET /healthz", r.handleHealthz)
	r.mux.HandleFunc("GET /readyz", r.handleReadyz)
	r.mux.Handle("GET /metrics", r.metrics.Handler())

	// Streaming transcription
	r.mux.HandleFunc("GET /v1/stream", r.handleStream)

	if r.transcripts != nil {
		r.mux.HandleFunc("GET /v1/transcriptions", r.handleListTranscriptions)
		r.mux.HandleFunc("GET /v1/transcriptions/{id}", r.handleGetTranscription)
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz takes the instance out of rotation as soon as it starts
// draining, while sessions already running are still being closed.
func (r *Router) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if r.sessions.IsDraining() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("draining"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

func withCORS(origins []string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		origin := req.Header.Get("Origin")
		switch {
		case len(origins) == 0:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && originAllowed(origins, origin):
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// originAllowed reports whether origin may connect. Requests without an
// Origin header are not from a browser and are always allowed.
func originAllowed(origins []string, origin string) bool {
	if len(origins) == 0 || origin == "" {
		return true
	}
	return slices.Contains(origins, origin)
}

// captureError sends an error to Sentry with request context
func captureError(req *http.Request, err error, msg string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(req)
		scope.SetExtra("message", msg)
		sentry.CaptureException(err)
	})
}

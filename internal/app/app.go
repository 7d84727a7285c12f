package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lukasbauer/scribe/internal/dispatch"
	"github.com/lukasbauer/scribe/internal/eventlog"
	"github.com/lukasbauer/scribe/internal/httpapi"
	"github.com/lukasbauer/scribe/internal/ingest"
	"github.com/lukasbauer/scribe/internal/jobs"
	"github.com/lukasbauer/scribe/internal/metrics"
	"github.com/lukasbauer/scribe/internal/notifications"
	"github.com/lukasbauer/scribe/internal/persist"
	"github.com/lukasbauer/scribe/internal/session"
	"github.com/lukasbauer/scribe/internal/storage"
	"github.com/lukasbauer/scribe/internal/store"
	"github.com/lukasbauer/scribe/internal/stt"
	"github.com/lukasbauer/scribe/internal/upstream"
)

type App struct {
	cfg        Config
	logger     *log.Logger
	db         *pgxpool.Pool
	store      *store.Store
	eventLog   *eventlog.Logger
	alerts     *notifications.Discord
	metrics    *metrics.Metrics
	sessions   *session.Store
	dispatcher *dispatch.Dispatcher
	sweeper    *jobs.SessionSweepJob
}

// New wires every component. Postgres and S3 are optional: without them the
// finished sessions are only logged.
func New(ctx context.Context, cfg Config, logger *log.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	var rows persist.TranscriptWriter
	if cfg.DatabaseURL != "" {
		if err := a.openDB(ctx); err != nil {
			return nil, err
		}
		rows = a.store
	} else {
		logger.Warn("DATABASE_URL not set, transcripts will not be stored")
	}

	var objects persist.ObjectStore
	if cfg.S3Bucket != "" {
		s3, err := storage.NewS3(ctx, storage.Config{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   cfg.S3Prefix,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		objects = s3
		logger.Infof("archiving audio to s3://%s/%s", cfg.S3Bucket, cfg.S3Prefix)
	}

	var sink persist.Sink = persist.LogSink{Logger: logger}
	if rows != nil || objects != nil {
		sink = persist.NewArchive(objects, rows, logger)
	}

	presets := make(map[session.Quality]int, len(cfg.QualityPresets))
	for name, rate := range cfg.QualityPresets {
		presets[session.Quality(name)] = rate
	}

	a.metrics = metrics.New()
	a.alerts = notifications.NewDiscord(cfg.DiscordWebhookURL, logger)
	a.sessions = session.NewStore(session.Options{
		MaxSessions:    cfg.MaxSessions,
		MaxBufferBytes: cfg.MaxBufferBytes,
		QualityPresets: presets,
	})

	recognizer := stt.NewDeepgram(stt.DeepgramConfig{
		APIKey:      cfg.DeepgramAPIKey,
		URL:         cfg.DeepgramURL,
		Language:    cfg.STTLanguage,
		Model:       cfg.STTModel,
		Endpointing: cfg.STTEndpointingMs,
	}, logger)

	a.dispatcher = dispatch.New(dispatch.Config{
		Upstream: upstream.Config{
			MaxAttempts:    cfg.UpstreamMaxAttempts,
			InitialBackoff: time.Duration(cfg.UpstreamInitialBackoffMs) * time.Millisecond,
			OpenTimeout:    time.Duration(cfg.UpstreamOpenTimeoutSeconds) * time.Second,
			FlushTimeout:   time.Duration(cfg.FlushTimeoutSeconds) * time.Second,
			Stream: stt.StreamConfig{
				Encoding:       "linear16",
				Channels:       1,
				InterimResults: true,
				Punctuate:      true,
			},
		},
		PersistTimeout: time.Duration(cfg.PersistTimeoutSeconds) * time.Second,
		MaxSessions:    cfg.MaxSessions,
	}, dispatch.Deps{
		Store:      a.sessions,
		Ingest:     ingest.New(a.sessions, a.metrics, logger),
		Recognizer: recognizer,
		Sink:       sink,
		Events:     a.eventLog,
		Alerts:     a.alerts,
		Metrics:    a.metrics,
		Logger:     logger,
	})

	a.sweeper = jobs.NewSessionSweepJob(a.sessions, a.dispatcher, logger, jobs.SweepConfig{
		Interval:    cfg.SweepInterval(),
		IdleTimeout: cfg.IdleTimeout(),
		MaxDuration: cfg.MaxSessionDuration(),
	})

	return a, nil
}

func (a *App) openDB(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	db, err := pgxpool.New(ctx, a.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return fmt.Errorf("ping database: %w", err)
	}

	s := store.New(db)
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return err
	}

	a.db = db
	a.store = s
	a.eventLog = eventlog.New(db)
	return nil
}

func (a *App) Router() http.Handler {
	var transcripts httpapi.TranscriptReader
	if a.store != nil {
		transcripts = a.store
	}
	return httpapi.NewRouter(httpapi.RouterConfig{
		AllowedOrigins: a.cfg.AllowedOrigins,
	}, a.logger, a.dispatcher, a.sessions, a.metrics, transcripts)
}

// RunSweeper runs the lifecycle sweeper until ctx is done.
func (a *App) RunSweeper(ctx context.Context) error {
	a.sweeper.Start()
	<-ctx.Done()
	a.sweeper.Stop()
	return nil
}

// Drain closes every live session and waits for their transcripts to be
// handed off, then flushes the async writers.
func (a *App) Drain(ctx context.Context) error {
	err := a.dispatcher.Shutdown(ctx)
	if ferr := a.eventLog.Flush(ctx); ferr != nil {
		err = errors.Join(err, fmt.Errorf("flush event log: %w", ferr))
	}
	a.alerts.Wait()
	return err
}

func (a *App) Close() error {
	if a.db != nil {
		a.db.Close()
	}
	return nil
}

// Package dispatch maps client transport events onto session operations and
// routes session events back to the owning connection.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/getsentry/sentry-go"

	"github.com/lukasbauer/scribe/internal/costs"
	"github.com/lukasbauer/scribe/internal/eventlog"
	"github.com/lukasbauer/scribe/internal/ingest"
	"github.com/lukasbauer/scribe/internal/metrics"
	"github.com/lukasbauer/scribe/internal/notifications"
	"github.com/lukasbauer/scribe/internal/persist"
	"github.com/lukasbauer/scribe/internal/session"
	"github.com/lukasbauer/scribe/internal/stt"
	"github.com/lukasbauer/scribe/internal/upstream"
)

// ErrUnknownConnection is returned for events on a connection that was never
// registered or has already disconnected.
var ErrUnknownConnection = errors.New("unknown connection")

const capacityAlertInterval = 5 * time.Minute

type Config struct {
	Upstream       upstream.Config
	PersistTimeout time.Duration
	MaxSessions    int // only used in alerts
}

// Deps are the collaborators a Dispatcher drives. Events, Alerts and Sink may
// be nil.
type Deps struct {
	Store      *session.Store
	Ingest     *ingest.Ingest
	Recognizer stt.Recognizer
	Sink       persist.Sink
	Events     *eventlog.Logger
	Alerts     *notifications.Discord
	Metrics    *metrics.Metrics
	Logger     *log.Logger
}

type conn struct {
	emitter  Emitter
	sessions map[string]struct{}
}

// Dispatcher is safe for concurrent use by any number of connections.
type Dispatcher struct {
	cfg        Config
	store      *session.Store
	ingest     *ingest.Ingest
	recognizer stt.Recognizer
	sink       persist.Sink
	events     *eventlog.Logger
	alerts     *notifications.Discord
	metrics    *metrics.Metrics
	logger     *log.Logger

	// ctx outlives every connector; cancelled only when a drain overruns.
	ctx    context.Context
	cancel context.CancelFunc

	mu                sync.Mutex
	conns             map[string]*conn
	connectors        map[string]*upstream.Connector
	lastCapacityAlert time.Time
}

func New(cfg Config, deps Deps) *Dispatcher {
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 15 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:        cfg,
		store:      deps.Store,
		ingest:     deps.Ingest,
		recognizer: deps.Recognizer,
		sink:       deps.Sink,
		events:     deps.Events,
		alerts:     deps.Alerts,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		ctx:        ctx,
		cancel:     cancel,
		conns:      make(map[string]*conn),
		connectors: make(map[string]*upstream.Connector),
	}
}

// Connect registers a transport connection. No session is created yet.
func (d *Dispatcher) Connect(connID string, em Emitter) {
	d.mu.Lock()
	d.conns[connID] = &conn{emitter: em, sessions: make(map[string]struct{})}
	d.mu.Unlock()
	d.metrics.ConnectionOpened()
	d.logger.Debugf("dispatch: connection %s registered", connID)
}

// SessionStart creates a session for connID and starts opening its upstream
// stream. session_ack is sent once the stream is open; refusals are sent as
// error events and returned.
func (d *Dispatcher) SessionStart(connID, quality string) (*session.Session, error) {
	if !d.hasConn(connID) {
		return nil, ErrUnknownConnection
	}

	s, err := d.store.Create(connID, session.ParseQuality(quality))
	if err != nil {
		code := ErrorCode(err)
		d.metrics.RecordSessionRejected(code)
		d.emit(connID, NewError("", code))
		d.logger.Warnf("dispatch: session_start refused for connection %s: %v", connID, err)
		if code == CodeCapacity {
			d.alertCapacity()
		}
		return nil, err
	}

	c, err := d.attachUpstream(s)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	owner, ok := d.conns[connID]
	if ok {
		owner.sessions[s.ID] = struct{}{}
		d.connectors[s.ID] = c
	}
	d.mu.Unlock()
	if !ok {
		// Disconnected while the session was being created.
		d.store.Remove(s.ID)
		return nil, ErrUnknownConnection
	}

	d.metrics.RecordSessionStarted()
	d.metrics.SetLiveSessions(d.store.LiveCount())
	d.events.LogAsync(s.ID, eventlog.EventSessionStarted, map[string]any{
		"quality":     string(s.Quality),
		"sample_rate": s.SampleRate,
	})
	d.logger.Infof("dispatch: session %s started (%s, %d Hz)", s.ID, s.Quality, s.SampleRate)

	c.Start(d.ctx)
	return s, nil
}

// attachUpstream gives a fresh session its connector. On failure the client
// gets an internal_error and the session is dropped before it is announced.
func (d *Dispatcher) attachUpstream(s *session.Session) (*upstream.Connector, error) {
	c := upstream.New(s, d.recognizer, d.cfg.Upstream, d, d.logger)
	if err := s.SetUpstream(c); err != nil {
		d.logger.Errorf("dispatch: session %s: attach upstream: %v", s.ID, err)
		d.capture(s, fmt.Errorf("attach upstream: %w", err))
		d.emit(s.ConnID, NewError(s.ID, CodeInternal))
		s.Fail(session.ReasonInternal)
		d.store.Remove(s.ID)
		d.metrics.SetLiveSessions(d.store.LiveCount())
		return nil, err
	}
	return c, nil
}

// AudioChunk hands one chunk to ingest. Rejections are sent to the client as
// error events but never end the session; replayed chunks are dropped quietly.
func (d *Dispatcher) AudioChunk(connID, sessionID string, chunk []byte, chunkID int64) error {
	_, err := d.ingest.AcceptChunk(connID, sessionID, chunk, chunkID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrDuplicateChunk):
		return nil
	}

	code := ErrorCode(err)
	d.emit(connID, NewError(sessionID, code))
	d.events.LogAsync(sessionID, eventlog.EventChunkRejected, map[string]any{
		"code":  code,
		"bytes": len(chunk),
	})
	return err
}

// SessionEnd starts the graceful close of a session owned by connID. Ending
// a session that is already closing is a no-op.
func (d *Dispatcher) SessionEnd(connID, sessionID string) error {
	s, ok := d.store.Get(sessionID)
	if !ok || s.ConnID != connID {
		d.emit(connID, NewError(sessionID, CodeSessionNotFound))
		return session.ErrSessionNotFound
	}
	d.beginClose(s, session.ReasonClientEnd)
	return nil
}

// Disconnect forgets connID and closes every session it owned through the
// same path as session_end.
func (d *Dispatcher) Disconnect(connID string) {
	d.mu.Lock()
	c, ok := d.conns[connID]
	delete(d.conns, connID)
	d.mu.Unlock()
	if !ok {
		return
	}
	d.metrics.ConnectionClosed()

	for id := range c.sessions {
		if s, ok := d.store.Get(id); ok {
			d.beginClose(s, session.ReasonDisconnect)
		}
	}
	d.logger.Debugf("dispatch: connection %s gone (%d sessions)", connID, len(c.sessions))
}

// Evict closes a session on behalf of the sweeper.
func (d *Dispatcher) Evict(sessionID string, reason session.CloseReason) bool {
	s, ok := d.store.Get(sessionID)
	if !ok {
		return false
	}
	if !d.beginClose(s, reason) {
		return false
	}
	d.events.LogAsync(s.ID, eventlog.EventSessionEvicted, map[string]any{"reason": string(reason)})
	return true
}

// Shutdown refuses new sessions, tells every client, closes every session
// and waits for them to be persisted and removed. If ctx expires first the
// remaining upstream streams are torn down without flushing.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.store.StartDraining()

	d.mu.Lock()
	emitters := make([]Emitter, 0, len(d.conns))
	for _, c := range d.conns {
		emitters = append(emitters, c.emitter)
	}
	d.mu.Unlock()
	for _, em := range emitters {
		_ = em.Emit(ServerShutdown{})
	}

	sessions := d.store.Snapshot()
	for _, s := range sessions {
		d.beginClose(s, session.ReasonShutdown)
	}
	d.logger.Infof("dispatch: draining %d sessions", len(sessions))

	err := d.store.Wait(ctx)
	if err != nil {
		d.logger.Warnf("dispatch: drain did not finish (%d sessions left): %v", d.store.Len(), err)
	}
	d.cancel()
	return err
}

// Connector events. These run on the session's connector goroutine.

func (d *Dispatcher) OnActive(s *session.Session) {
	d.emit(s.ConnID, SessionAck{SessionID: s.ID, SampleRate: s.SampleRate})
	d.events.LogAsync(s.ID, eventlog.EventSessionActive, nil)
	d.logger.Debugf("dispatch: session %s active", s.ID)
}

func (d *Dispatcher) OnPartial(s *session.Session, text string) {
	d.metrics.RecordTranscript("partial")
	d.emit(s.ConnID, PartialTranscript{SessionID: s.ID, Text: text})
}

func (d *Dispatcher) OnFinal(s *session.Session, text string) {
	d.metrics.RecordTranscript("final")
	d.emit(s.ConnID, FinalTranscript{SessionID: s.ID, Text: text})
}

func (d *Dispatcher) OnRetry(s *session.Session, attempt int, err error) {
	d.metrics.RecordUpstreamRetry()
	d.events.LogAsync(s.ID, eventlog.EventUpstreamRetry, map[string]any{
		"attempt": attempt,
		"error":   err.Error(),
	})
}

func (d *Dispatcher) OnOpenFailed(s *session.Session, err error) {
	d.upstreamFailed(s, session.ReasonUpstreamOpen, CodeUpstreamOpenFailed, "open", err)
}

func (d *Dispatcher) OnFailure(s *session.Session, err error) {
	d.upstreamFailed(s, session.ReasonUpstreamFailure, CodeUpstreamFailure, "forward", err)
}

// upstreamFailed sends the single error event for a session lost to the
// backend, then finalizes it off the connector goroutine.
func (d *Dispatcher) upstreamFailed(s *session.Session, reason session.CloseReason, code, stage string, err error) {
	d.metrics.RecordUpstreamFailure(stage)
	if !s.Fail(reason) {
		return
	}
	d.logger.Errorf("dispatch: session %s failed (%s): %v", s.ID, reason, err)
	d.emit(s.ConnID, NewError(s.ID, code))
	d.capture(s, err)
	d.alerts.NotifySessionFailed(d.ctx, s.ID, string(reason), err)
	go d.finalize(s)
}

// beginClose moves s to CLOSING and starts its close path. Only the first
// caller for a session wins.
func (d *Dispatcher) beginClose(s *session.Session, reason session.CloseReason) bool {
	if !s.BeginClose(reason) {
		return false
	}
	d.metrics.SetLiveSessions(d.store.LiveCount())
	d.events.LogAsync(s.ID, eventlog.EventSessionClosing, map[string]any{"reason": string(reason)})
	d.logger.Infof("dispatch: session %s closing (%s)", s.ID, reason)

	go d.closeSession(s)
	return true
}

// closeSession flushes the upstream stream and finalizes the session.
func (d *Dispatcher) closeSession(s *session.Session) {
	defer func() {
		if r := recover(); r != nil {
			sentry.CurrentHub().Recover(r)
			d.logger.Errorf("dispatch: panic closing session %s: %v", s.ID, r)
			if s.Fail(session.ReasonInternal) {
				d.emit(s.ConnID, NewError(s.ID, CodeInternal))
			}
			d.finalize(s)
		}
	}()

	if c := d.connector(s.ID); c != nil {
		if err := c.Close(true); err != nil {
			d.logger.Warnf("dispatch: session %s close error: %v", s.ID, err)
			d.capture(s, err)
			if s.Fail(session.ReasonCloseError) {
				d.emit(s.ConnID, NewError(s.ID, CodeUpstreamFailure))
			}
		}
	}
	s.Complete()
	d.finalize(s)
}

// finalize runs once per session after it reaches CLOSED or FAILED: the
// closing events go out, the session is handed to the sink and then removed.
func (d *Dispatcher) finalize(s *session.Session) {
	if !s.MarkFinalized() {
		return
	}
	state, reason := s.State(), s.Reason()

	if state == session.StateClosed {
		d.emit(s.ConnID, FinalTranscript{SessionID: s.ID, Text: s.TranscriptText(), Complete: true})
	}
	d.emit(s.ConnID, SessionClosed{SessionID: s.ID, State: state.String(), Reason: string(reason)})

	ended := s.EndedAt()
	audioBytes := s.AudioBytes()
	cost := costs.RecognitionCents(audioBytes, s.SampleRate)
	d.metrics.RecordSessionEnded(state.String(), string(reason), ended.Sub(s.CreatedAt).Seconds())
	d.metrics.RecordRecognitionCost(cost)
	evt := eventlog.EventSessionClosed
	if state == session.StateFailed {
		evt = eventlog.EventSessionFailed
	}
	d.events.LogAsync(s.ID, evt, map[string]any{
		"reason":        string(reason),
		"audio_bytes":   audioBytes,
		"audio_seconds": costs.AudioSeconds(audioBytes, s.SampleRate),
		"chunks":        s.ChunkCount(),
		"cost_cents":    costs.RoundCents(cost),
	})

	d.persist(s, state, reason, ended)

	d.mu.Lock()
	delete(d.connectors, s.ID)
	if c, ok := d.conns[s.ConnID]; ok {
		delete(c.sessions, s.ID)
	}
	d.mu.Unlock()

	d.store.Remove(s.ID)
	d.metrics.SetLiveSessions(d.store.LiveCount())
	d.logger.Infof("dispatch: session %s %s (%s)", s.ID, state, reason)
}

func (d *Dispatcher) persist(s *session.Session, state session.State, reason session.CloseReason, ended time.Time) {
	if d.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.PersistTimeout)
	defer cancel()

	rec := persist.Record{
		SessionID:  s.ID,
		Quality:    string(s.Quality),
		SampleRate: s.SampleRate,
		State:      state.String(),
		Reason:     string(reason),
		Transcript: s.TranscriptText(),
		Audio:      s.Recording(),
		ChunkCount: s.ChunkCount(),
		StartedAt:  s.CreatedAt.UTC(),
		EndedAt:    ended,
	}
	if err := d.sink.Persist(ctx, rec); err != nil {
		d.logger.Errorf("dispatch: persisting session %s: %v", s.ID, err)
		d.capture(s, fmt.Errorf("persist: %w", err))
	}
}

func (d *Dispatcher) alertCapacity() {
	d.mu.Lock()
	now := time.Now()
	due := now.Sub(d.lastCapacityAlert) >= capacityAlertInterval
	if due {
		d.lastCapacityAlert = now
	}
	d.mu.Unlock()
	if due {
		d.alerts.NotifyCapacityReached(d.ctx, d.cfg.MaxSessions)
	}
}

func (d *Dispatcher) capture(s *session.Session, err error) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("session_id", s.ID)
		scope.SetTag("quality", string(s.Quality))
		sentry.CaptureException(err)
	})
}

func (d *Dispatcher) emit(connID string, ev Event) {
	d.mu.Lock()
	c, ok := d.conns[connID]
	d.mu.Unlock()
	if !ok {
		return
	}
	if err := c.emitter.Emit(ev); err != nil {
		d.logger.Debugf("dispatch: emit %s to %s: %v", ev.Kind(), connID, err)
	}
}

func (d *Dispatcher) hasConn(connID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.conns[connID]
	return ok
}

func (d *Dispatcher) connector(sessionID string) *upstream.Connector {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connectors[sessionID]
}

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/lukasbauer/scribe/internal/ingest"
	"github.com/lukasbauer/scribe/internal/metrics"
	"github.com/lukasbauer/scribe/internal/persist"
	"github.com/lukasbauer/scribe/internal/session"
	"github.com/lukasbauer/scribe/internal/stt"
	"github.com/lukasbauer/scribe/internal/upstream"
)

// --- fakes ---

type fakeRecognizer struct {
	mu         sync.Mutex
	streams    []*fakeStream
	rates      []int
	openErr    error
	failWrites bool
	closeErr   error // returned by CloseSend
}

func (r *fakeRecognizer) Open(ctx context.Context, cfg stt.StreamConfig) (stt.Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rates = append(r.rates, cfg.SampleRate)
	if r.openErr != nil {
		return nil, r.openErr
	}
	s := &fakeStream{
		rec:     r,
		results: make(chan stt.TranscriptResult, 64),
		errs:    make(chan error, 4),
		done:    make(chan struct{}),
	}
	r.streams = append(r.streams, s)
	return s, nil
}

func (r *fakeRecognizer) writesFail() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failWrites
}

// stream waits for the i-th opened stream.
func (r *fakeRecognizer) stream(t *testing.T, i int) *fakeStream {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		if len(r.streams) > i {
			s := r.streams[i]
			r.mu.Unlock()
			return s
		}
		r.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("stream %d was never opened", i)
	return nil
}

type fakeStream struct {
	rec *fakeRecognizer

	mu       sync.Mutex
	sent     []byte
	closed   bool
	results  chan stt.TranscriptResult
	errs     chan error
	done     chan struct{}
	doneOnce sync.Once
}

func (s *fakeStream) StreamAudio(ctx context.Context, audio []byte) error {
	if s.rec.writesFail() {
		return errors.New("connection reset by peer")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrStreamClosed
	}
	s.sent = append(s.sent, audio...)
	return nil
}

func (s *fakeStream) Results() <-chan stt.TranscriptResult { return s.results }
func (s *fakeStream) Errors() <-chan error                 { return s.errs }
func (s *fakeStream) Done() <-chan struct{}                { return s.done }

func (s *fakeStream) CloseSend() error {
	s.rec.mu.Lock()
	err := s.rec.closeErr
	s.rec.mu.Unlock()
	if err != nil {
		return err
	}
	s.doneOnce.Do(func() { close(s.done) })
	return nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.results)
	}
	s.mu.Unlock()
	s.doneOnce.Do(func() { close(s.done) })
	return nil
}

func (s *fakeStream) push(r stt.TranscriptResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.results <- r
	}
}

func (s *fakeStream) sentBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

func newRecordingEmitter() *recordingEmitter {
	return &recordingEmitter{notify: make(chan struct{}, 1)}
}

func (e *recordingEmitter) Emit(ev Event) error {
	e.mu.Lock()
	e.events = append(e.events, ev)
	e.mu.Unlock()
	select {
	case e.notify <- struct{}{}:
	default:
	}
	return nil
}

func (e *recordingEmitter) find(match func(Event) bool) (Event, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ev := range e.events {
		if match(ev) {
			return ev, true
		}
	}
	return nil, false
}

func (e *recordingEmitter) count(match func(Event) bool) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.events {
		if match(ev) {
			n++
		}
	}
	return n
}

func (e *recordingEmitter) waitFor(t *testing.T, what string, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		if ev, ok := e.find(match); ok {
			return ev
		}
		select {
		case <-e.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

type fakeSink struct {
	mu      sync.Mutex
	records []persist.Record
}

func (s *fakeSink) Persist(ctx context.Context, rec persist.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *fakeSink) all() []persist.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]persist.Record(nil), s.records...)
}

// --- matchers ---

func ackFor(id string) func(Event) bool {
	return func(ev Event) bool {
		a, ok := ev.(SessionAck)
		return ok && a.SessionID == id
	}
}

func closedFor(id string) func(Event) bool {
	return func(ev Event) bool {
		c, ok := ev.(SessionClosed)
		return ok && c.SessionID == id
	}
}

func errorCode(code string) func(Event) bool {
	return func(ev Event) bool {
		e, ok := ev.(Error)
		return ok && e.Code == code
	}
}

func isError(ev Event) bool {
	_, ok := ev.(Error)
	return ok
}

// --- fixture ---

type fixture struct {
	d       *Dispatcher
	store   *session.Store
	rec     *fakeRecognizer
	sink    *fakeSink
	metrics *metrics.Metrics
	em      *recordingEmitter
}

func newFixture(t *testing.T, opts session.Options) *fixture {
	t.Helper()
	if opts.MaxSessions == 0 {
		opts.MaxSessions = 10
	}
	if opts.MaxBufferBytes == 0 {
		opts.MaxBufferBytes = 1 << 20
	}

	logger := log.New(io.Discard)
	m := metrics.New()
	st := session.NewStore(opts)
	rec := &fakeRecognizer{}
	sink := &fakeSink{}

	d := New(Config{
		Upstream: upstream.Config{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			OpenTimeout:    time.Second,
			FlushTimeout:   time.Second,
		},
		PersistTimeout: time.Second,
		MaxSessions:    opts.MaxSessions,
	}, Deps{
		Store:      st,
		Ingest:     ingest.New(st, m, logger),
		Recognizer: rec,
		Sink:       sink,
		Metrics:    m,
		Logger:     logger,
	})

	em := newRecordingEmitter()
	d.Connect("conn-1", em)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
	})

	return &fixture{d: d, store: st, rec: rec, sink: sink, metrics: m, em: em}
}

func (f *fixture) start(t *testing.T, quality string) *session.Session {
	t.Helper()
	s, err := f.d.SessionStart("conn-1", quality)
	if err != nil {
		t.Fatalf("SessionStart() error = %v", err)
	}
	f.em.waitFor(t, "session_ack", ackFor(s.ID))
	return s
}

func (f *fixture) waitRemoved(t *testing.T, id string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := f.store.Get(id); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %s was never removed from the store", id)
}

// --- tests ---

func TestSessionStart_AckAfterUpstreamOpens(t *testing.T) {
	f := newFixture(t, session.Options{})
	s := f.start(t, "high")

	ack, _ := f.em.find(ackFor(s.ID))
	if got := ack.(SessionAck).SampleRate; got != 48000 {
		t.Errorf("ack sample rate = %d, want 48000", got)
	}
	if s.State() != session.StateActive {
		t.Errorf("State() = %v, want ACTIVE", s.State())
	}
	f.rec.mu.Lock()
	rate := f.rec.rates[0]
	f.rec.mu.Unlock()
	if rate != 48000 {
		t.Errorf("upstream opened at %d Hz, want 48000", rate)
	}
}

func TestSessionStart_UnknownConnection(t *testing.T) {
	f := newFixture(t, session.Options{})
	if _, err := f.d.SessionStart("nobody", "low"); !errors.Is(err, ErrUnknownConnection) {
		t.Errorf("SessionStart() error = %v, want ErrUnknownConnection", err)
	}
	if f.store.Len() != 0 {
		t.Error("no session should be created for an unknown connection")
	}
}

func TestCapacityScenario(t *testing.T) {
	f := newFixture(t, session.Options{MaxSessions: 2})

	a := f.start(t, "medium")
	f.start(t, "medium")

	if _, err := f.d.SessionStart("conn-1", "medium"); !errors.Is(err, session.ErrSessionLimitExceeded) {
		t.Fatalf("third SessionStart() error = %v, want ErrSessionLimitExceeded", err)
	}
	ev := f.em.waitFor(t, "capacity error", errorCode(CodeCapacity))
	if ev.(Error).SessionID != "" {
		t.Errorf("capacity error carries session id %q", ev.(Error).SessionID)
	}
	if got := testutil.ToFloat64(f.metrics.SessionsRejected.WithLabelValues(CodeCapacity)); got != 1 {
		t.Errorf("rejected{capacity} = %v, want 1", got)
	}

	if err := f.d.SessionEnd("conn-1", a.ID); err != nil {
		t.Fatalf("SessionEnd() error = %v", err)
	}
	c, err := f.d.SessionStart("conn-1", "medium")
	if err != nil {
		t.Fatalf("SessionStart() after ending A error = %v", err)
	}
	f.em.waitFor(t, "ack for C", ackFor(c.ID))
}

func TestTranscriptFlowAndPersistence(t *testing.T) {
	f := newFixture(t, session.Options{})
	s := f.start(t, "medium")

	if err := f.d.AudioChunk("conn-1", s.ID, []byte{1, 0, 2, 0}, 1); err != nil {
		t.Fatalf("AudioChunk() error = %v", err)
	}
	stream := f.rec.stream(t, 0)

	stream.push(stt.TranscriptResult{Text: "hel"})
	stream.push(stt.TranscriptResult{Text: "hello", IsFinal: true})
	f.em.waitFor(t, "partial", func(ev Event) bool {
		p, ok := ev.(PartialTranscript)
		return ok && p.Text == "hel"
	})
	f.em.waitFor(t, "final fragment", func(ev Event) bool {
		ft, ok := ev.(FinalTranscript)
		return ok && ft.Text == "hello" && !ft.Complete
	})

	if err := f.d.SessionEnd("conn-1", s.ID); err != nil {
		t.Fatalf("SessionEnd() error = %v", err)
	}
	f.em.waitFor(t, "complete transcript", func(ev Event) bool {
		ft, ok := ev.(FinalTranscript)
		return ok && ft.Complete && ft.Text == "hello"
	})
	closed := f.em.waitFor(t, "session_closed", closedFor(s.ID)).(SessionClosed)
	if closed.State != "CLOSED" || closed.Reason != "session_end" {
		t.Errorf("session_closed = %+v", closed)
	}
	f.waitRemoved(t, s.ID)

	if got := stream.sentBytes(); got != 4 {
		t.Errorf("upstream received %d bytes, want 4", got)
	}
	recs := f.sink.all()
	if len(recs) != 1 {
		t.Fatalf("persisted %d records, want 1", len(recs))
	}
	if recs[0].Transcript != "hello" || len(recs[0].Audio) != 4 || recs[0].State != "CLOSED" {
		t.Errorf("record = %+v", recs[0])
	}
	// Even a fraction of a second bills one second.
	if got := testutil.ToFloat64(f.metrics.RecognitionCost); got <= 0 {
		t.Errorf("recognition cost = %v, want > 0", got)
	}
}

func TestBufferOverflowScenario(t *testing.T) {
	f := newFixture(t, session.Options{MaxBufferBytes: 1024})
	s := f.start(t, "medium")

	if err := f.d.AudioChunk("conn-1", s.ID, make([]byte, 1000), -1); err != nil {
		t.Fatalf("first chunk error = %v", err)
	}
	err := f.d.AudioChunk("conn-1", s.ID, make([]byte, 100), -1)
	if !errors.Is(err, session.ErrBufferOverflow) {
		t.Fatalf("second chunk error = %v, want ErrBufferOverflow", err)
	}
	f.em.waitFor(t, "buffer_overflow error", errorCode(CodeBufferOverflow))

	if s.AudioBytes() != 1000 {
		t.Errorf("AudioBytes() = %d, want 1000", s.AudioBytes())
	}
	if s.State() != session.StateActive {
		t.Errorf("overflow must not end the session, state = %v", s.State())
	}
}

func TestAudioChunkRejections(t *testing.T) {
	f := newFixture(t, session.Options{})
	s := f.start(t, "medium")

	tests := []struct {
		name    string
		connID  string
		session string
		chunk   []byte
		code    string
	}{
		{"odd length", "conn-1", s.ID, []byte{1, 2, 3}, CodeInvalidAudio},
		{"unknown session", "conn-1", "missing", []byte{0, 0}, CodeSessionNotFound},
		{"foreign connection", "conn-2", s.ID, []byte{0, 0}, CodeSessionNotFound},
	}
	em2 := newRecordingEmitter()
	f.d.Connect("conn-2", em2)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.d.AudioChunk(tt.connID, tt.session, tt.chunk, -1)
			if got := ErrorCode(err); got != tt.code {
				t.Errorf("ErrorCode(%v) = %q, want %q", err, got, tt.code)
			}
		})
	}
	if em2.count(errorCode(CodeSessionNotFound)) != 1 {
		t.Error("the foreign connection should get its own error event")
	}
	if s.AudioBytes() != 0 {
		t.Errorf("AudioBytes() = %d after rejected chunks", s.AudioBytes())
	}
}

func TestAudioChunkAfterEndIsInvalidState(t *testing.T) {
	f := newFixture(t, session.Options{})
	s := f.start(t, "medium")
	_ = f.d.SessionEnd("conn-1", s.ID)

	err := f.d.AudioChunk("conn-1", s.ID, []byte{0, 0}, -1)
	if !errors.Is(err, session.ErrInvalidState) && !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("AudioChunk() after end error = %v", err)
	}
}

func TestDuplicateChunkIsDroppedQuietly(t *testing.T) {
	f := newFixture(t, session.Options{})
	s := f.start(t, "medium")

	if err := f.d.AudioChunk("conn-1", s.ID, []byte{0, 0}, 5); err != nil {
		t.Fatalf("AudioChunk() error = %v", err)
	}
	if err := f.d.AudioChunk("conn-1", s.ID, []byte{0, 0}, 5); err != nil {
		t.Errorf("replayed chunk error = %v, want nil", err)
	}
	if n := f.em.count(isError); n != 0 {
		t.Errorf("got %d error events for a replayed chunk", n)
	}
	if s.AudioBytes() != 2 {
		t.Errorf("AudioBytes() = %d, want 2", s.AudioBytes())
	}
}

func TestIdempotentClose(t *testing.T) {
	f := newFixture(t, session.Options{})
	s := f.start(t, "medium")

	_ = f.d.SessionEnd("conn-1", s.ID)
	_ = f.d.SessionEnd("conn-1", s.ID)
	f.d.Disconnect("conn-1")

	f.waitRemoved(t, s.ID)
	time.Sleep(50 * time.Millisecond)

	if n := len(f.sink.all()); n != 1 {
		t.Errorf("persisted %d times, want exactly 1", n)
	}
	if n := f.em.count(closedFor(s.ID)); n > 1 {
		t.Errorf("session_closed sent %d times", n)
	}
	if got := s.Reason(); got != session.ReasonClientEnd {
		t.Errorf("Reason() = %q, want session_end", got)
	}
}

func TestDisconnectClosesOwnedSessions(t *testing.T) {
	f := newFixture(t, session.Options{})
	a := f.start(t, "low")
	b := f.start(t, "low")

	f.d.Disconnect("conn-1")
	f.waitRemoved(t, a.ID)
	f.waitRemoved(t, b.ID)

	for _, rec := range f.sink.all() {
		if rec.Reason != "disconnect" {
			t.Errorf("session %s reason = %q, want disconnect", rec.SessionID, rec.Reason)
		}
	}
	if _, err := f.d.SessionStart("conn-1", "low"); !errors.Is(err, ErrUnknownConnection) {
		t.Errorf("SessionStart() after disconnect error = %v", err)
	}
}

func TestForwardFailureScenario(t *testing.T) {
	f := newFixture(t, session.Options{})
	s := f.start(t, "medium")

	f.rec.mu.Lock()
	f.rec.failWrites = true
	f.rec.mu.Unlock()

	if err := f.d.AudioChunk("conn-1", s.ID, []byte{0, 0}, -1); err != nil {
		t.Fatalf("AudioChunk() should queue without waiting on the backend, got %v", err)
	}

	closed := f.em.waitFor(t, "session_closed", closedFor(s.ID)).(SessionClosed)
	if closed.State != "FAILED" || closed.Reason != "upstream_failure" {
		t.Errorf("session_closed = %+v", closed)
	}
	if n := f.em.count(isError); n != 1 {
		t.Errorf("got %d error events, want exactly 1", n)
	}
	if n := f.em.count(errorCode(CodeUpstreamFailure)); n != 1 {
		t.Errorf("got %d upstream_failure errors, want 1", n)
	}

	f.waitRemoved(t, s.ID)
	recs := f.sink.all()
	if len(recs) != 1 || recs[0].State != "FAILED" {
		t.Errorf("records = %+v, want one FAILED handoff", recs)
	}
}

func TestCloseErrorFailsWithCloseReason(t *testing.T) {
	f := newFixture(t, session.Options{})
	s := f.start(t, "medium")

	f.rec.mu.Lock()
	f.rec.closeErr = errors.New("write: broken pipe")
	f.rec.mu.Unlock()

	if err := f.d.SessionEnd("conn-1", s.ID); err != nil {
		t.Fatalf("SessionEnd() error = %v", err)
	}
	closed := f.em.waitFor(t, "session_closed", closedFor(s.ID)).(SessionClosed)
	if closed.State != "FAILED" || closed.Reason != "close_error" {
		t.Errorf("session_closed = %+v, want FAILED/close_error", closed)
	}
	if s.Reason() != session.ReasonCloseError {
		t.Errorf("Reason() = %q, want %q", s.Reason(), session.ReasonCloseError)
	}
	if n := f.em.count(isError); n != 1 {
		t.Errorf("got %d error events, want exactly 1", n)
	}
	if _, ok := f.em.find(func(ev Event) bool {
		ft, ok := ev.(FinalTranscript)
		return ok && ft.Complete
	}); ok {
		t.Error("a failed close must not send the complete transcript")
	}

	f.waitRemoved(t, s.ID)
	recs := f.sink.all()
	if len(recs) != 1 || recs[0].State != "FAILED" || recs[0].Reason != "close_error" {
		t.Errorf("records = %+v, want one FAILED/close_error handoff", recs)
	}
}

func TestOpenFailure(t *testing.T) {
	f := newFixture(t, session.Options{})
	f.rec.openErr = errors.New("401 unauthorized")

	s, err := f.d.SessionStart("conn-1", "medium")
	if err != nil {
		t.Fatalf("SessionStart() error = %v", err)
	}
	f.em.waitFor(t, "open error", errorCode(CodeUpstreamOpenFailed))
	closed := f.em.waitFor(t, "session_closed", closedFor(s.ID)).(SessionClosed)
	if closed.State != "FAILED" || closed.Reason != "upstream_open_failed" {
		t.Errorf("session_closed = %+v", closed)
	}
	if _, ok := f.em.find(ackFor(s.ID)); ok {
		t.Error("session_ack must not be sent when the upstream never opened")
	}
	f.waitRemoved(t, s.ID)
	if f.store.LiveCount() != 0 {
		t.Errorf("LiveCount() = %d, want 0", f.store.LiveCount())
	}
}

type nopUpstream struct{}

func (nopUpstream) Enqueue([]byte) error { return nil }

func TestAttachUpstreamFailureIsReported(t *testing.T) {
	f := newFixture(t, session.Options{})
	s, err := f.store.Create("conn-1", session.QualityMedium)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.SetUpstream(nopUpstream{}); err != nil {
		t.Fatalf("SetUpstream: %v", err)
	}

	if _, err := f.d.attachUpstream(s); !errors.Is(err, session.ErrInvalidState) {
		t.Fatalf("attachUpstream() error = %v, want ErrInvalidState", err)
	}
	ev := f.em.waitFor(t, "internal_error", errorCode(CodeInternal)).(Error)
	if ev.SessionID != s.ID {
		t.Errorf("error session_id = %q, want %q", ev.SessionID, s.ID)
	}
	if _, ok := f.store.Get(s.ID); ok {
		t.Error("session should be removed")
	}
	if f.store.LiveCount() != 0 {
		t.Errorf("LiveCount() = %d, want 0", f.store.LiveCount())
	}
	if s.State() != session.StateFailed {
		t.Errorf("State() = %v, want FAILED", s.State())
	}
}

func TestSessionEndUnknownSession(t *testing.T) {
	f := newFixture(t, session.Options{})
	if err := f.d.SessionEnd("conn-1", "nope"); !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("SessionEnd() error = %v", err)
	}
	f.em.waitFor(t, "session_not_found", errorCode(CodeSessionNotFound))
}

func TestEvict(t *testing.T) {
	f := newFixture(t, session.Options{})
	s := f.start(t, "medium")

	if !f.d.Evict(s.ID, session.ReasonIdleTimeout) {
		t.Fatal("Evict() = false for a live session")
	}
	if f.d.Evict(s.ID, session.ReasonDurationExceeded) {
		t.Error("second Evict() should lose")
	}
	closed := f.em.waitFor(t, "session_closed", closedFor(s.ID)).(SessionClosed)
	if closed.Reason != "idle_timeout" {
		t.Errorf("reason = %q, want idle_timeout", closed.Reason)
	}
	if n := f.em.count(isError); n != 0 {
		t.Errorf("timeouts are not client errors, got %d error events", n)
	}
}

func TestShutdownDrainsSessions(t *testing.T) {
	f := newFixture(t, session.Options{})
	a := f.start(t, "medium")
	b := f.start(t, "high")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.d.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	if _, ok := f.em.find(func(ev Event) bool { _, ok := ev.(ServerShutdown); return ok }); !ok {
		t.Error("clients should be told about the shutdown")
	}
	for _, id := range []string{a.ID, b.ID} {
		c, ok := f.em.find(closedFor(id))
		if !ok {
			t.Errorf("no session_closed for %s", id)
			continue
		}
		if c.(SessionClosed).Reason != "server_shutdown" {
			t.Errorf("reason = %q", c.(SessionClosed).Reason)
		}
	}
	if f.store.Len() != 0 {
		t.Errorf("Len() = %d after drain", f.store.Len())
	}

	if _, err := f.d.SessionStart("conn-1", "medium"); !errors.Is(err, session.ErrDraining) {
		t.Errorf("SessionStart() while draining error = %v", err)
	}
	f.em.waitFor(t, "draining error", errorCode(CodeDraining))
}

func TestConcurrentStartsRespectCapacity(t *testing.T) {
	f := newFixture(t, session.Options{MaxSessions: 5})

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, refused := 0, 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.d.SessionStart("conn-1", "low")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, session.ErrSessionLimitExceeded):
				refused++
			default:
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 5 || refused != 15 {
		t.Errorf("started %d, refused %d; want 5 and 15", ok, refused)
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{session.ErrSessionLimitExceeded, CodeCapacity},
		{session.ErrDraining, CodeDraining},
		{session.ErrSessionNotFound, CodeSessionNotFound},
		{session.ErrInvalidState, CodeInvalidState},
		{upstream.ErrUpstreamClosed, CodeInvalidState},
		{session.ErrBufferOverflow, CodeBufferOverflow},
		{fmt.Errorf("%w: odd length", ingest.ErrInvalidAudio), CodeInvalidAudio},
		{fmt.Errorf("%w: dial", upstream.ErrUpstreamOpen), CodeUpstreamOpenFailed},
		{fmt.Errorf("%w: write", upstream.ErrUpstreamForward), CodeUpstreamFailure},
		{errors.New("boom"), CodeInternal},
	}
	for _, tt := range tests {
		if got := ErrorCode(tt.err); got != tt.want {
			t.Errorf("ErrorCode(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

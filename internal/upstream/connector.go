// Package upstream owns the per-session streaming connection to the
// recognition backend.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	"github.com/getsentry/sentry-go"

	"github.com/lukasbauer/scribe/internal/session"
	"github.com/lukasbauer/scribe/internal/stt"
)

var (
	ErrUpstreamOpen    = errors.New("upstream open failed")
	ErrUpstreamForward = errors.New("upstream forward failed")
	ErrUpstreamClosed  = errors.New("upstream connector closed")
)

// Listener receives connector events. Callbacks run on the connector's
// goroutine and must not block for long.
type Listener interface {
	OnActive(s *session.Session)
	OnPartial(s *session.Session, text string)
	OnFinal(s *session.Session, text string)
	OnRetry(s *session.Session, attempt int, err error)
	OnOpenFailed(s *session.Session, err error)
	OnFailure(s *session.Session, err error)
}

// Config controls retry and timeout behavior.
type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	OpenTimeout    time.Duration
	FlushTimeout   time.Duration
	Stream         stt.StreamConfig // SampleRate is taken from the session
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 200 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 2 * time.Second
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 10 * time.Second
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 5 * time.Second
	}
	return c
}

// Connector streams one session's audio to the backend. Enqueue is called by
// the ingest path; everything touching the network runs on the connector's
// own goroutine, so chunks are forwarded one at a time in arrival order.
type Connector struct {
	sess     *session.Session
	rec      stt.Recognizer
	cfg      Config
	listener Listener
	logger   *log.Logger

	mu      sync.Mutex
	queue   [][]byte
	closed  bool
	started bool
	flush   bool

	wake      chan struct{}
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	// owned by the run goroutine
	ctx        context.Context
	stream     stt.Stream
	failures   int // consecutive stream errors with no audio or result in between
	errBackoff *backoff.ExponentialBackOff
}

// New creates a connector for s. Call Start to open the backend stream.
func New(s *session.Session, rec stt.Recognizer, cfg Config, listener Listener, logger *log.Logger) *Connector {
	c := &Connector{
		sess:     s,
		rec:      rec,
		cfg:      cfg.withDefaults(),
		listener: listener,
		logger:   logger,
		wake:     make(chan struct{}, 1),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.errBackoff = backoff.NewExponentialBackOff()
	c.errBackoff.InitialInterval = c.cfg.InitialBackoff
	c.errBackoff.MaxInterval = c.cfg.MaxBackoff
	c.errBackoff.MaxElapsedTime = 0
	return c
}

// Enqueue queues a chunk for forwarding. It never blocks on the network.
func (c *Connector) Enqueue(chunk []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrUpstreamClosed
	}
	c.queue = append(c.queue, chunk)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the number of chunks not yet forwarded.
func (c *Connector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Start launches the connector goroutine. Cancelling ctx tears the stream down
// without flushing. Start after Close does nothing.
func (c *Connector) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	c.ctx = ctx
	go c.run()
}

// Close ends the stream. With flush, queued audio is forwarded, end-of-audio
// is signalled and in-flight finals are awaited up to FlushTimeout. Only the
// first call acts; every call waits for the connector to stop and returns the
// same result.
func (c *Connector) Close(flush bool) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.flush = flush
		started := c.started
		c.mu.Unlock()

		close(c.closing)
		if !started {
			close(c.done)
		}
	})
	<-c.done
	return c.closeErr
}

// Done is closed once the connector goroutine has exited.
func (c *Connector) Done() <-chan struct{} {
	return c.done
}

func (c *Connector) run() {
	defer close(c.done)
	defer func() {
		if r := recover(); r != nil {
			sentry.CurrentHub().Recover(r)
			c.logger.Errorf("upstream: panic in session %s: %v", c.sess.ID, r)
			c.markClosed()
			c.dropStream()
			c.listener.OnFailure(c.sess, fmt.Errorf("panic: %v", r))
		}
	}()

	if !c.openInitial() {
		return
	}

	for {
		select {
		case <-c.ctx.Done():
			c.markClosed()
			c.dropStream()
			return

		case <-c.closing:
			c.closeErr = c.finish()
			return

		case <-c.wake:
			if err := c.drain(c.ctx); err != nil {
				c.fail(err)
				return
			}

		case r, ok := <-c.stream.Results():
			if !ok {
				if err := c.reconnect(c.ctx, errors.New("result stream ended")); err != nil {
					c.fail(err)
					return
				}
				continue
			}
			c.healthy()
			c.deliver(r)

		case err := <-c.stream.Errors():
			if err := c.reconnect(c.ctx, err); err != nil {
				c.fail(err)
				return
			}
		}
	}
}

// openInitial opens the first stream and activates the session. A close
// request while opening cancels the dial.
func (c *Connector) openInitial() bool {
	ctx, cancel := context.WithCancel(c.ctx)
	defer cancel()
	go func() {
		select {
		case <-c.closing:
			cancel()
		case <-ctx.Done():
		}
	}()

	s, err := c.open(ctx)
	if err != nil {
		c.markClosed()
		select {
		case <-c.closing:
			return false
		default:
		}
		c.listener.OnOpenFailed(c.sess, fmt.Errorf("%w: %v", ErrUpstreamOpen, err))
		return false
	}

	if !c.sess.Activate() {
		// Closed or failed while opening.
		_ = s.Close()
		return false
	}
	c.stream = s
	c.listener.OnActive(c.sess)
	return true
}

func (c *Connector) open(ctx context.Context) (stt.Stream, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.OpenTimeout)
	defer cancel()

	sc := c.cfg.Stream
	sc.SampleRate = c.sess.SampleRate
	return c.rec.Open(ctx, sc)
}

// drain forwards every queued chunk in order.
func (c *Connector) drain(ctx context.Context) error {
	for {
		chunk, ok := c.pop()
		if !ok {
			return nil
		}
		if err := c.forward(ctx, chunk); err != nil {
			return err
		}
	}
}

func (c *Connector) pop() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return nil, false
	}
	chunk := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]
	return chunk, true
}

// forward sends one chunk, reopening the stream between attempts. The chunk
// is retried in place so nothing queued behind it can overtake it.
func (c *Connector) forward(ctx context.Context, chunk []byte) error {
	attempt := 0
	op := func() error {
		attempt++
		if c.stream == nil {
			s, err := c.open(ctx)
			if err != nil {
				return err
			}
			c.stream = s
		}
		if err := c.stream.StreamAudio(ctx, chunk); err != nil {
			c.dropStream()
			return err
		}
		c.healthy()
		return nil
	}

	if err := backoff.RetryNotify(op, c.backoff(ctx), c.notify(&attempt)); err != nil {
		return fmt.Errorf("%w after %d attempts: %v", ErrUpstreamForward, attempt, err)
	}
	return nil
}

// reconnect replaces a stream the backend broke. Stream errors count against
// the same MaxAttempts budget as forward retries until the backend accepts
// audio or sends a result again.
func (c *Connector) reconnect(ctx context.Context, cause error) error {
	c.logger.Warnf("upstream: session %s stream error: %v", c.sess.ID, cause)
	c.dropStream()

	c.failures++
	if c.failures >= c.cfg.MaxAttempts {
		return fmt.Errorf("%w: %d consecutive stream errors, last: %v", ErrUpstreamForward, c.failures, cause)
	}
	c.listener.OnRetry(c.sess, c.failures, cause)

	wait := c.errBackoff.NextBackOff()
	t := time.NewTimer(wait)
	select {
	case <-t.C:
	case <-ctx.Done():
		t.Stop()
		return fmt.Errorf("%w: reconnect after %v: %v", ErrUpstreamForward, cause, ctx.Err())
	}

	attempt := 0
	op := func() error {
		attempt++
		s, err := c.open(ctx)
		if err != nil {
			return err
		}
		c.stream = s
		return nil
	}

	if err := backoff.RetryNotify(op, c.backoff(ctx), c.notify(&attempt)); err != nil {
		return fmt.Errorf("%w: reconnect after %v failed: %v", ErrUpstreamForward, cause, err)
	}
	c.logger.Infof("upstream: session %s reconnected after %d attempts", c.sess.ID, attempt)
	return nil
}

// healthy resets the stream error budget.
func (c *Connector) healthy() {
	if c.failures > 0 {
		c.failures = 0
		c.errBackoff.Reset()
	}
}

func (c *Connector) backoff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.cfg.InitialBackoff
	exp.MaxInterval = c.cfg.MaxBackoff
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(c.cfg.MaxAttempts-1)), ctx)
}

func (c *Connector) notify(attempt *int) backoff.Notify {
	return func(err error, wait time.Duration) {
		c.logger.Warnf("upstream: session %s attempt %d failed, retrying in %s: %v", c.sess.ID, *attempt, wait, err)
		c.listener.OnRetry(c.sess, *attempt, err)
	}
}

// finish runs the close path requested through Close.
func (c *Connector) finish() error {
	c.mu.Lock()
	flush := c.flush
	c.mu.Unlock()

	if !flush {
		c.dropStream()
		return nil
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.FlushTimeout)
	defer cancel()

	if err := c.drain(ctx); err != nil {
		c.dropStream()
		return err
	}
	if c.stream == nil {
		return nil
	}
	if err := c.stream.CloseSend(); err != nil {
		c.dropStream()
		return fmt.Errorf("signal end of audio: %w", err)
	}

	s := c.stream
	for waiting := true; waiting; {
		select {
		case r, ok := <-s.Results():
			if !ok {
				waiting = false
				break
			}
			c.deliver(r)
		case <-s.Done():
			waiting = false
		case <-ctx.Done():
			c.logger.Warnf("upstream: session %s flush timed out after %s", c.sess.ID, c.cfg.FlushTimeout)
			waiting = false
		}
	}

	c.dropStream()
	return nil
}

// dropStream closes the current stream and delivers whatever results it had
// already buffered.
func (c *Connector) dropStream() {
	s := c.stream
	if s == nil {
		return
	}
	c.stream = nil
	if err := s.Close(); err != nil {
		c.logger.Debugf("upstream: session %s stream close: %v", c.sess.ID, err)
	}
	for r := range s.Results() {
		c.deliver(r)
	}
}

func (c *Connector) deliver(r stt.TranscriptResult) {
	if r.Text == "" {
		return
	}
	if !r.IsFinal {
		c.listener.OnPartial(c.sess, r.Text)
		return
	}
	if c.sess.AppendFinal(r.Text) {
		c.listener.OnFinal(c.sess, r.Text)
	}
}

func (c *Connector) fail(err error) {
	c.markClosed()
	c.dropStream()
	c.listener.OnFailure(c.sess, err)
}

func (c *Connector) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.queue = nil
	c.mu.Unlock()
}

package jobs

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/lukasbauer/scribe/internal/session"
)

// terminalGrace is how long a finished session may linger in the store before
// the sweeper removes it itself.
const terminalGrace = 2 * time.Minute

// Evictor forces a live session into its close path.
type Evictor interface {
	Evict(sessionID string, reason session.CloseReason) bool
}

// SessionSweepJob enforces idle and max-duration limits. It runs on a fixed
// interval (default: 1 second, never more than half the idle timeout) and:
// - closes sessions with no accepted audio for longer than the idle timeout
// - closes sessions older than the max duration, regardless of activity
// - removes terminal sessions whose finalization never removed them
type SessionSweepJob struct {
	store       *session.Store
	evictor     Evictor
	logger      *log.Logger
	interval    time.Duration
	idleTimeout time.Duration
	maxDuration time.Duration
	now         func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// SweepConfig holds the sweeper limits.
type SweepConfig struct {
	Interval    time.Duration
	IdleTimeout time.Duration
	MaxDuration time.Duration
}

// NewSessionSweepJob creates a new sweeper.
func NewSessionSweepJob(st *session.Store, ev Evictor, logger *log.Logger, cfg SweepConfig) *SessionSweepJob {
	if cfg.Interval == 0 {
		cfg.Interval = 1 * time.Second
	}
	// An idle session must be caught soon after it crosses the timeout.
	if cfg.IdleTimeout > 0 && cfg.Interval > cfg.IdleTimeout/2 {
		cfg.Interval = max(cfg.IdleTimeout/2, time.Millisecond)
	}
	return &SessionSweepJob{
		store:       st,
		evictor:     ev,
		logger:      logger,
		interval:    cfg.Interval,
		idleTimeout: cfg.IdleTimeout,
		maxDuration: cfg.MaxDuration,
		now:         time.Now,
		stopCh:      make(chan struct{}),
	}
}

// Start begins the background job.
func (j *SessionSweepJob) Start() {
	j.wg.Add(1)
	go j.run()
	j.logger.Infof("sweeper: started (interval=%v idle=%v max=%v)", j.interval, j.idleTimeout, j.maxDuration)
}

// Stop gracefully stops the background job. Safe to call more than once.
func (j *SessionSweepJob) Stop() {
	j.stopOnce.Do(func() {
		close(j.stopCh)
		j.wg.Wait()
		j.logger.Info("sweeper: stopped")
	})
}

func (j *SessionSweepJob) run() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.Sweep(j.now())
		case <-j.stopCh:
			return
		}
	}
}

// Sweep runs one pass and returns how many sessions it evicted.
func (j *SessionSweepJob) Sweep(now time.Time) int {
	evicted := 0
	for _, s := range j.store.Snapshot() {
		st := s.State()

		if st.Terminal() {
			if ended := s.EndedAt(); !ended.IsZero() && now.Sub(ended) > terminalGrace {
				if j.store.Remove(s.ID) {
					j.logger.Warnf("sweeper: removed stale %s session %s", st, s.ID)
				}
			}
			continue
		}
		if st != session.StateInitializing && st != session.StateActive {
			continue
		}

		var reason session.CloseReason
		switch {
		case j.maxDuration > 0 && s.Age(now) >= j.maxDuration:
			reason = session.ReasonDurationExceeded
		case j.idleTimeout > 0 && s.IdleFor(now) > j.idleTimeout:
			reason = session.ReasonIdleTimeout
		default:
			continue
		}

		if j.evictor.Evict(s.ID, reason) {
			evicted++
			j.logger.Infof("sweeper: evicted session %s (%s)", s.ID, reason)
		}
	}
	return evicted
}

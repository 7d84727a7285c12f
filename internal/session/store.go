package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Options configures a Store.
type Options struct {
	MaxSessions    int
	MaxBufferBytes int64
	QualityPresets map[Quality]int
}

// Store is the registry of sessions and their capacity accounting. It supports
// graceful draining: once draining, Create is rejected while sessions that are
// already running finish through their normal close path.
//
// Lock order is session.mu before Store.mu. The Store never takes a session
// lock while holding its own, so the slot release triggered by a state
// transition cannot deadlock against Create or Remove.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	live     int
	draining bool
	empty    chan struct{} // closed while no session is registered

	maxSessions int
	maxBuffer   int64
	presets     map[Quality]int
	newID       func() string
}

// NewStore creates an empty Store.
func NewStore(opts Options) *Store {
	presets := DefaultQualityPresets()
	for q, rate := range opts.QualityPresets {
		if rate > 0 {
			presets[q] = rate
		}
	}
	empty := make(chan struct{})
	close(empty)
	return &Store{
		sessions:    make(map[string]*Session),
		empty:       empty,
		maxSessions: opts.MaxSessions,
		maxBuffer:   opts.MaxBufferBytes,
		presets:     presets,
		newID:       func() string { return uuid.NewString() },
	}
}

// Create allocates a session in INITIALIZING for the given connection. The
// capacity check and the insert happen under one lock, so concurrent callers
// can never push the live count past MaxSessions.
func (st *Store) Create(connID string, quality Quality) (*Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.draining {
		return nil, ErrDraining
	}
	if st.live >= st.maxSessions {
		return nil, ErrSessionLimitExceeded
	}

	id := st.newID()
	for {
		if _, taken := st.sessions[id]; !taken {
			break
		}
		id = st.newID()
	}

	now := time.Now()
	s := &Session{
		ID:           id,
		ConnID:       connID,
		Quality:      quality,
		SampleRate:   st.sampleRate(quality),
		CreatedAt:    now,
		maxBuffer:    st.maxBuffer,
		state:        StateInitializing,
		lastActivity: now,
		lastChunkID:  -1,
	}
	s.release = st.releaseSlot

	if len(st.sessions) == 0 {
		st.empty = make(chan struct{})
	}
	st.sessions[id] = s
	st.live++
	return s, nil
}

// Get looks up a session. It never waits on session-internal work.
func (st *Store) Get(id string) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	return s, ok
}

// Remove deletes a session. Removing an unknown id is a no-op, so racing
// cleanup paths may all call it. Returns true if this call removed it.
func (st *Store) Remove(id string) bool {
	st.mu.Lock()
	s, ok := st.sessions[id]
	if ok {
		delete(st.sessions, id)
		if len(st.sessions) == 0 {
			close(st.empty)
		}
	}
	st.mu.Unlock()

	if !ok {
		return false
	}
	// A session removed without ever leaving a live state still holds a slot.
	s.mu.Lock()
	s.releaseSlot()
	s.mu.Unlock()
	return true
}

// Snapshot returns the registered sessions at a point in time.
func (st *Store) Snapshot() []*Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s)
	}
	return out
}

// LiveCount returns the number of sessions in INITIALIZING or ACTIVE.
func (st *Store) LiveCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.live
}

// Len returns the number of registered sessions, including closing ones.
func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// StartDraining makes every later Create fail with ErrDraining.
func (st *Store) StartDraining() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.draining = true
}

// IsDraining reports whether the store is draining.
func (st *Store) IsDraining() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.draining
}

// Wait blocks until the store is empty or ctx is done.
func (st *Store) Wait(ctx context.Context) error {
	st.mu.Lock()
	empty := st.empty
	st.mu.Unlock()

	select {
	case <-empty:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (st *Store) releaseSlot() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.live--
}

func (st *Store) sampleRate(q Quality) int {
	if rate, ok := st.presets[q]; ok {
		return rate
	}
	return st.presets[QualityMedium]
}

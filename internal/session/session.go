// Package session holds the registry of live transcription sessions and the
// per-session state machine.
package session

import (
	"strings"
	"sync"
	"time"
)

// State is the lifecycle state of a session.
type State int

const (
	StateInitializing State = iota
	StateActive
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "INITIALIZING"
	case StateActive:
		return "ACTIVE"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// holdsSlot reports whether a session in this state counts against max_sessions.
func (s State) holdsSlot() bool {
	return s == StateInitializing || s == StateActive
}

// Quality is the client-requested audio quality preset.
type Quality string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
)

// ParseQuality normalizes a client-supplied quality. Unknown or empty values
// fall back to medium.
func ParseQuality(s string) Quality {
	switch Quality(strings.ToLower(strings.TrimSpace(s))) {
	case QualityLow:
		return QualityLow
	case QualityHigh:
		return QualityHigh
	default:
		return QualityMedium
	}
}

// DefaultQualityPresets maps quality to the sample rate handed to the backend.
func DefaultQualityPresets() map[Quality]int {
	return map[Quality]int{
		QualityLow:    8000,
		QualityMedium: 16000,
		QualityHigh:   48000,
	}
}

// CloseReason records why a session left ACTIVE.
type CloseReason string

const (
	ReasonClientEnd        CloseReason = "session_end"
	ReasonDisconnect       CloseReason = "disconnect"
	ReasonIdleTimeout      CloseReason = "idle_timeout"
	ReasonDurationExceeded CloseReason = "duration_exceeded"
	ReasonShutdown         CloseReason = "server_shutdown"
	ReasonUpstreamOpen     CloseReason = "upstream_open_failed"
	ReasonUpstreamFailure  CloseReason = "upstream_failure"
	ReasonCloseError       CloseReason = "close_error"
	ReasonInternal         CloseReason = "internal_error"
)

// Upstream receives accepted audio for one session. Enqueue must not block on
// network I/O.
type Upstream interface {
	Enqueue(chunk []byte) error
}

// Session is one client's recording, from session_start to a terminal state.
// Identity fields are immutable after creation; everything else is guarded by mu.
type Session struct {
	ID         string
	ConnID     string // lookup key of the client connection, not a reference to it
	Quality    Quality
	SampleRate int
	CreatedAt  time.Time

	maxBuffer int64
	release   func()

	mu           sync.Mutex
	state        State
	reason       CloseReason
	lastActivity time.Time
	endedAt      time.Time
	audioBytes   int64
	chunks       int
	recording    [][]byte
	lastChunkID  int64
	transcript   []string
	upstream     Upstream
	finalized    bool
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reason returns why the session is closing or closed, empty while live.
func (s *Session) Reason() CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// LastActivity returns the time of the last accepted audio chunk, or the
// creation time if none was accepted yet.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// EndedAt returns when the session reached a terminal state.
func (s *Session) EndedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endedAt
}

// AudioBytes returns the number of bytes held in the unflushed recording buffer.
func (s *Session) AudioBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioBytes
}

// ChunkCount returns the number of accepted chunks.
func (s *Session) ChunkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunks
}

// Transcript returns a copy of the finalized fragments in backend order.
func (s *Session) Transcript() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// TranscriptText joins the finalized fragments into the full transcript.
func (s *Session) TranscriptText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.transcript, " ")
}

// Recording returns the accepted audio concatenated in arrival order.
func (s *Session) Recording() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, 0, s.audioBytes)
	for _, c := range s.recording {
		out = append(out, c...)
	}
	return out
}

// SetUpstream attaches the session's upstream handle. Only allowed while
// INITIALIZING, and only once.
func (s *Session) SetUpstream(u Upstream) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateInitializing || s.upstream != nil {
		return ErrInvalidState
	}
	s.upstream = u
	return nil
}

// Activate moves INITIALIZING to ACTIVE. It returns false if the session was
// closed or failed while the upstream connection was opening.
func (s *Session) Activate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateInitializing {
		return false
	}
	s.state = StateActive
	return true
}

// BeginClose moves a live session to CLOSING. Only the first caller wins;
// every later call returns false, which keeps shutdown single-path.
func (s *Session) BeginClose(reason CloseReason) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.holdsSlot() {
		return false
	}
	s.state = StateClosing
	s.reason = reason
	s.releaseSlot()
	return true
}

// Complete moves CLOSING to CLOSED.
func (s *Session) Complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateClosing {
		return false
	}
	s.state = StateClosed
	s.endedAt = time.Now().UTC()
	return true
}

// Fail moves any non-terminal session to FAILED. The failure replaces a close
// reason recorded by BeginClose, so a session that fails while closing reports
// why it failed.
func (s *Session) Fail(reason CloseReason) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return false
	}
	if s.state.holdsSlot() {
		s.releaseSlot()
	}
	s.state = StateFailed
	s.reason = reason
	s.endedAt = time.Now().UTC()
	return true
}

// AppendAudio accepts one chunk into the recording buffer and hands it to the
// upstream queue. A chunkID < 0 disables duplicate detection.
//
// The state check, the cap check and the enqueue happen under the session lock,
// so a concurrent BeginClose either sees the chunk already queued or the chunk
// sees CLOSING and is rejected.
func (s *Session) AppendAudio(chunk []byte, chunkID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive {
		return ErrInvalidState
	}
	if chunkID >= 0 && chunkID <= s.lastChunkID {
		return ErrDuplicateChunk
	}
	if s.audioBytes+int64(len(chunk)) > s.maxBuffer {
		return ErrBufferOverflow
	}
	if s.upstream == nil {
		return ErrInvalidState
	}
	if err := s.upstream.Enqueue(chunk); err != nil {
		return err
	}

	s.recording = append(s.recording, chunk)
	s.audioBytes += int64(len(chunk))
	s.chunks++
	s.lastActivity = time.Now()
	if chunkID >= 0 {
		s.lastChunkID = chunkID
	}
	return nil
}

// AppendFinal records a backend-confirmed fragment. Finals still arrive while
// the stream is being flushed, so CLOSING accepts them too.
func (s *Session) AppendFinal(text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive && s.state != StateClosing {
		return false
	}
	s.transcript = append(s.transcript, text)
	return true
}

// MarkFinalized returns true exactly once, for the caller that should run the
// persistence handoff.
func (s *Session) MarkFinalized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Terminal() || s.finalized {
		return false
	}
	s.finalized = true
	return true
}

// IdleFor returns how long the session has gone without accepted audio.
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActivity())
}

// Age returns how long ago the session was created.
func (s *Session) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}

// releaseSlot must be called with s.mu held.
func (s *Session) releaseSlot() {
	if s.release != nil {
		s.release()
		s.release = nil
	}
}

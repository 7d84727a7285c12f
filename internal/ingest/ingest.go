// Package ingest accepts raw audio chunks from clients and hands them to the
// session's upstream queue.
package ingest

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/lukasbauer/scribe/internal/audio"
	"github.com/lukasbauer/scribe/internal/metrics"
	"github.com/lukasbauer/scribe/internal/session"
	"github.com/lukasbauer/scribe/internal/upstream"
)

var ErrInvalidAudio = errors.New("invalid audio chunk")

// Ingest validates chunks and applies the per-session buffer cap.
type Ingest struct {
	store   *session.Store
	metrics *metrics.Metrics
	logger  *log.Logger
}

func New(store *session.Store, m *metrics.Metrics, logger *log.Logger) *Ingest {
	return &Ingest{store: store, metrics: m, logger: logger}
}

// AcceptChunk queues one chunk for sessionID. It returns once the chunk is
// queued, never after a network round trip. connID, when set, must own the
// session; a foreign session looks the same as a missing one.
//
// Errors: ErrInvalidAudio, session.ErrSessionNotFound, session.ErrInvalidState,
// session.ErrBufferOverflow, session.ErrDuplicateChunk. A rejected chunk leaves
// the session unchanged.
func (in *Ingest) AcceptChunk(connID, sessionID string, chunk []byte, chunkID int64) (*session.Session, error) {
	if err := audio.ValidatePCM16(chunk); err != nil {
		in.reject("invalid_audio")
		return nil, fmt.Errorf("%w: %v", ErrInvalidAudio, err)
	}

	s, ok := in.store.Get(sessionID)
	if !ok || (connID != "" && s.ConnID != connID) {
		in.reject("session_not_found")
		return nil, session.ErrSessionNotFound
	}

	err := s.AppendAudio(chunk, chunkID)
	switch {
	case err == nil:
		in.metrics.RecordChunkAccepted(len(chunk))
		return s, nil
	case errors.Is(err, session.ErrDuplicateChunk):
		in.logger.Debugf("ingest: dropped replayed chunk %d for session %s", chunkID, sessionID)
		return s, err
	case errors.Is(err, session.ErrBufferOverflow):
		in.reject("buffer_overflow")
		in.logger.Warnf("ingest: session %s buffer full at %d bytes, rejected %d-byte chunk",
			sessionID, s.AudioBytes(), len(chunk))
		return s, err
	case errors.Is(err, upstream.ErrUpstreamClosed), errors.Is(err, session.ErrInvalidState):
		// The connector shut down between the state check and now; the
		// session is on its way out.
		in.reject("invalid_state")
		return s, session.ErrInvalidState
	default:
		in.reject("internal")
		return s, err
	}
}

func (in *Ingest) reject(code string) {
	in.metrics.RecordChunkRejected(code)
}

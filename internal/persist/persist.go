// Package persist hands finished sessions to durable storage.
package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/lukasbauer/scribe/internal/audio"
	"github.com/lukasbauer/scribe/internal/storage"
	"github.com/lukasbauer/scribe/internal/store"
)

// Record is the final state of a session at handoff.
type Record struct {
	SessionID  string
	Quality    string
	SampleRate int
	State      string
	Reason     string
	Transcript string
	Audio      []byte // raw mono PCM-16
	ChunkCount int
	StartedAt  time.Time
	EndedAt    time.Time
}

// Sink receives each finished session exactly once.
type Sink interface {
	Persist(ctx context.Context, rec Record) error
}

type ObjectStore interface {
	Put(ctx context.Context, key string, body []byte, contentType string, meta map[string]string) (string, error)
}

type TranscriptWriter interface {
	InsertTranscription(ctx context.Context, t store.Transcription) error
}

// Archive uploads the recording as WAV and writes the transcript row. Either
// side may be nil when it is not configured.
type Archive struct {
	objects ObjectStore
	rows    TranscriptWriter
	logger  *log.Logger
}

func NewArchive(objects ObjectStore, rows TranscriptWriter, logger *log.Logger) *Archive {
	return &Archive{objects: objects, rows: rows, logger: logger}
}

// Persist stores what it can. A failed upload does not prevent the transcript
// row from being written; the row then has no audio reference.
func (a *Archive) Persist(ctx context.Context, rec Record) error {
	var errs []error

	var audioKey *string
	if a.objects != nil && len(rec.Audio) > 0 {
		key, err := a.upload(ctx, rec)
		if err != nil {
			errs = append(errs, err)
			a.logger.Errorf("persist: audio upload for session %s failed: %v", rec.SessionID, err)
		} else {
			audioKey = &key
		}
	}

	if a.rows != nil {
		t := store.Transcription{
			SessionID:    rec.SessionID,
			Quality:      rec.Quality,
			SampleRate:   rec.SampleRate,
			State:        rec.State,
			CloseReason:  rec.Reason,
			Transcript:   rec.Transcript,
			AudioKey:     audioKey,
			AudioBytes:   int64(len(rec.Audio)),
			AudioSeconds: audio.Duration(int64(len(rec.Audio)), rec.SampleRate).Seconds(),
			ChunkCount:   rec.ChunkCount,
			StartedAt:    rec.StartedAt,
			EndedAt:      rec.EndedAt,
		}
		if err := a.rows.InsertTranscription(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (a *Archive) upload(ctx context.Context, rec Record) (string, error) {
	wav, err := audio.EncodeWAV(rec.Audio, rec.SampleRate)
	if err != nil {
		return "", fmt.Errorf("encode wav: %w", err)
	}
	return a.objects.Put(ctx, storage.AudioKey(rec.StartedAt, rec.SessionID), wav, "audio/wav", map[string]string{
		"session-id":  rec.SessionID,
		"sample-rate": fmt.Sprint(rec.SampleRate),
		"state":       rec.State,
	})
}

// LogSink only logs the handoff. Used when no storage is configured.
type LogSink struct {
	Logger *log.Logger
}

func (s LogSink) Persist(ctx context.Context, rec Record) error {
	s.Logger.Infof("persist: session %s finished %s (%s), %d chars of transcript, %s of audio",
		rec.SessionID, rec.State, rec.Reason, len(rec.Transcript),
		audio.Duration(int64(len(rec.Audio)), rec.SampleRate))
	return nil
}

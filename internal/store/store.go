package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

var ErrNotFound = errors.New("not found")

type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Transcription is the persisted outcome of one session.
type Transcription struct {
	SessionID    string    `json:"session_id"`
	Quality      string    `json:"quality"`
	SampleRate   int       `json:"sample_rate"`
	State        string    `json:"state"`
	CloseReason  string    `json:"close_reason"`
	Transcript   string    `json:"transcript"`
	AudioKey     *string   `json:"audio_key,omitempty"`
	AudioBytes   int64     `json:"audio_bytes"`
	AudioSeconds float64   `json:"audio_seconds"`
	ChunkCount   int       `json:"chunk_count"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// EnsureSchema creates the tables if they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// InsertTranscription stores a finished session. A second insert for the same
// session is ignored.
func (s *Store) InsertTranscription(ctx context.Context, t Transcription) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO transcriptions (
			session_id, quality, sample_rate, state, close_reason, transcript,
			audio_key, audio_bytes, audio_seconds, chunk_count, started_at, ended_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (session_id) DO NOTHING
	`, t.SessionID, t.Quality, t.SampleRate, t.State, t.CloseReason, t.Transcript,
		t.AudioKey, t.AudioBytes, t.AudioSeconds, t.ChunkCount, t.StartedAt, t.EndedAt)
	if err != nil {
		return fmt.Errorf("insert transcription %s: %w", t.SessionID, err)
	}
	return nil
}

// GetTranscription loads one session's stored transcript.
func (s *Store) GetTranscription(ctx context.Context, sessionID string) (*Transcription, error) {
	var t Transcription
	err := s.db.QueryRow(ctx, `
		SELECT session_id, quality, sample_rate, state, close_reason, transcript,
			audio_key, audio_bytes, audio_seconds, chunk_count, started_at, ended_at, created_at
		FROM transcriptions
		WHERE session_id = $1
	`, sessionID).Scan(
		&t.SessionID, &t.Quality, &t.SampleRate, &t.State, &t.CloseReason, &t.Transcript,
		&t.AudioKey, &t.AudioBytes, &t.AudioSeconds, &t.ChunkCount, &t.StartedAt, &t.EndedAt, &t.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// List page sizes.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// pageSize maps a requested limit to the page size: 0 or less means the
// default, anything above the maximum is clamped to it.
func pageSize(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	}
	return limit
}

// ListTranscriptions returns the most recent transcriptions, newest first.
func (s *Store) ListTranscriptions(ctx context.Context, limit int) ([]Transcription, error) {
	limit = pageSize(limit)

	rows, err := s.db.Query(ctx, `
		SELECT session_id, quality, sample_rate, state, close_reason, transcript,
			audio_key, audio_bytes, audio_seconds, chunk_count, started_at, ended_at, created_at
		FROM transcriptions
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transcription
	for rows.Next() {
		var t Transcription
		if err := rows.Scan(
			&t.SessionID, &t.Quality, &t.SampleRate, &t.State, &t.CloseReason, &t.Transcript,
			&t.AudioKey, &t.AudioBytes, &t.AudioSeconds, &t.ChunkCount, &t.StartedAt, &t.EndedAt, &t.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

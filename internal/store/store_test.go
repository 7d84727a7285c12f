package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// getTestDB returns a database pool for testing.
// Skips the test if DATABASE_URL is not set.
func getTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("failed to connect to database: %v", err)
	}

	if err := db.Ping(ctx); err != nil {
		t.Fatalf("failed to ping database: %v", err)
	}

	return db
}

func TestSchemaEmbedded(t *testing.T) {
	if schema == "" {
		t.Fatal("schema.sql should be embedded")
	}
}

func TestPageSize(t *testing.T) {
	tests := []struct {
		limit int
		want  int
	}{
		{0, DefaultListLimit},
		{-3, DefaultListLimit},
		{1, 1},
		{100, 100},
		{150, 150},
		{MaxListLimit, MaxListLimit},
		{MaxListLimit + 1, MaxListLimit},
	}
	for _, tt := range tests {
		if got := pageSize(tt.limit); got != tt.want {
			t.Errorf("pageSize(%d) = %d, want %d", tt.limit, got, tt.want)
		}
	}
	if DefaultListLimit != 50 {
		t.Errorf("DefaultListLimit = %d, want 50", DefaultListLimit)
	}
}

func TestTranscriptionOperations(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	s := New(db)
	ctx := context.Background()

	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}
	// Applying twice must be harmless.
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("second EnsureSchema failed: %v", err)
	}

	id := uuid.NewString()
	key := "audio/20240101_000000_" + id + ".wav"
	started := time.Now().UTC().Add(-time.Minute).Truncate(time.Microsecond)
	in := Transcription{
		SessionID:    id,
		Quality:      "medium",
		SampleRate:   16000,
		State:        "CLOSED",
		CloseReason:  "session_end",
		Transcript:   "patient reports mild headache",
		AudioKey:     &key,
		AudioBytes:   32000,
		AudioSeconds: 1,
		ChunkCount:   10,
		StartedAt:    started,
		EndedAt:      started.Add(time.Minute),
	}

	if err := s.InsertTranscription(ctx, in); err != nil {
		t.Fatalf("InsertTranscription failed: %v", err)
	}
	defer func() { _, _ = db.Exec(ctx, "DELETE FROM transcriptions WHERE session_id = $1", id) }()

	// A duplicate handoff is ignored.
	dup := in
	dup.Transcript = "overwritten"
	if err := s.InsertTranscription(ctx, dup); err != nil {
		t.Fatalf("duplicate InsertTranscription failed: %v", err)
	}

	got, err := s.GetTranscription(ctx, id)
	if err != nil {
		t.Fatalf("GetTranscription failed: %v", err)
	}
	if got.Transcript != in.Transcript {
		t.Errorf("transcript = %q, want %q", got.Transcript, in.Transcript)
	}
	if got.AudioKey == nil || *got.AudioKey != key {
		t.Errorf("audio key = %v, want %q", got.AudioKey, key)
	}
	if got.SampleRate != 16000 || got.State != "CLOSED" || got.ChunkCount != 10 {
		t.Errorf("row = %+v", got)
	}

	list, err := s.ListTranscriptions(ctx, 5)
	if err != nil {
		t.Fatalf("ListTranscriptions failed: %v", err)
	}
	if len(list) == 0 {
		t.Error("ListTranscriptions should return the inserted row")
	}

	if _, err := s.GetTranscription(ctx, uuid.NewString()); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing row error = %v, want ErrNotFound", err)
	}
}

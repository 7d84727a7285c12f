package stt

import "context"

// TranscriptResult represents a speech-to-text transcription result.
type TranscriptResult struct {
	Text        string  // The transcribed text
	Confidence  float64 // Confidence score (0-1)
	IsFinal     bool    // Backend will not revise this segment again
	SpeechFinal bool    // Backend detected the end of an utterance
}

// StreamConfig describes the audio a stream will carry.
type StreamConfig struct {
	SampleRate     int    // e.g. 16000, taken from the session's quality preset
	Encoding       string // e.g. "linear16"
	Channels       int
	Language       string
	Model          string
	InterimResults bool
	Punctuate      bool
}

// Recognizer opens streaming recognition connections.
type Recognizer interface {
	Open(ctx context.Context, cfg StreamConfig) (Stream, error)
}

// Stream is one bidirectional audio/transcript connection.
type Stream interface {
	// StreamAudio sends audio data to the STT service.
	// Audio should be in the format given in StreamConfig.
	StreamAudio(ctx context.Context, audio []byte) error

	// Results returns a channel that receives transcription results.
	Results() <-chan TranscriptResult

	// Errors returns a channel that receives errors.
	Errors() <-chan error

	// CloseSend signals end of audio. The backend keeps delivering results
	// for audio already sent, then ends the stream.
	CloseSend() error

	// Done is closed once the backend stops delivering results.
	Done() <-chan struct{}

	// Close closes the connection to the STT service.
	Close() error
}

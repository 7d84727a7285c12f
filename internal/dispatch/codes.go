package dispatch

import (
	"errors"

	"github.com/lukasbauer/scribe/internal/ingest"
	"github.com/lukasbauer/scribe/internal/session"
	"github.com/lukasbauer/scribe/internal/upstream"
)

// Wire error codes.
const (
	CodeCapacity           = "capacity"
	CodeDraining           = "draining"
	CodeSessionNotFound    = "session_not_found"
	CodeInvalidState       = "invalid_state"
	CodeBufferOverflow     = "buffer_overflow"
	CodeInvalidAudio       = "invalid_audio"
	CodeInvalidMessage     = "invalid_message"
	CodeUpstreamOpenFailed = "upstream_open_failed"
	CodeUpstreamFailure    = "upstream_failure"
	CodeInternal           = "internal_error"
)

// ErrorCode maps an error to its stable wire code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrSessionLimitExceeded):
		return CodeCapacity
	case errors.Is(err, session.ErrDraining):
		return CodeDraining
	case errors.Is(err, session.ErrSessionNotFound):
		return CodeSessionNotFound
	case errors.Is(err, session.ErrInvalidState), errors.Is(err, upstream.ErrUpstreamClosed):
		return CodeInvalidState
	case errors.Is(err, session.ErrBufferOverflow):
		return CodeBufferOverflow
	case errors.Is(err, ingest.ErrInvalidAudio):
		return CodeInvalidAudio
	case errors.Is(err, upstream.ErrUpstreamOpen):
		return CodeUpstreamOpenFailed
	case errors.Is(err, upstream.ErrUpstreamForward):
		return CodeUpstreamFailure
	default:
		return CodeInternal
	}
}

func errorMessage(code string) string {
	switch code {
	case CodeCapacity:
		return "server is at session capacity, try again later"
	case CodeDraining:
		return "server is shutting down"
	case CodeSessionNotFound:
		return "no such session on this connection"
	case CodeInvalidState:
		return "session is not accepting audio"
	case CodeBufferOverflow:
		return "session audio buffer is full, chunk rejected"
	case CodeInvalidAudio:
		return "audio must be 16-bit little-endian PCM"
	case CodeInvalidMessage:
		return "message could not be parsed"
	case CodeUpstreamOpenFailed:
		return "could not connect to the recognition backend"
	case CodeUpstreamFailure:
		return "lost connection to the recognition backend"
	default:
		return "internal error"
	}
}

// NewError builds an error event with the standard message for code.
func NewError(sessionID, code string) Error {
	return Error{SessionID: sessionID, Code: code, Message: errorMessage(code)}
}

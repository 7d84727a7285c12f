package session

import "errors"

var (
	ErrSessionLimitExceeded = errors.New("session limit exceeded")
	ErrDraining             = errors.New("server is draining")
	ErrSessionNotFound      = errors.New("session not found")
	ErrInvalidState         = errors.New("session not in a state that accepts this event")
	ErrBufferOverflow       = errors.New("audio buffer limit exceeded")
	ErrDuplicateChunk       = errors.New("duplicate or replayed chunk")
)

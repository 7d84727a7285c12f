package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/lukasbauer/scribe/internal/dispatch"
)

// Binary audio frames: one tag byte, the 16-byte session uuid, then PCM-16.
const (
	frameTagAudio   = 0x01
	frameHeaderSize = 1 + 16
)

var errInvalidMessage = errors.New("invalid message")

// inboundMessage is a client text frame. Audio is base64 on the wire.
type inboundMessage struct {
	Type      string `json:"type"`
	Quality   string `json:"quality,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Audio     []byte `json:"audio,omitempty"`
	ChunkID   *int64 `json:"chunk_id,omitempty"`
}

// chunkID returns the client's chunk id, or -1 when it sent none.
func (m inboundMessage) chunkID() int64 {
	if m.ChunkID == nil {
		return -1
	}
	return *m.ChunkID
}

func decodeInbound(data []byte) (inboundMessage, error) {
	var m inboundMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("%w: %v", errInvalidMessage, err)
	}
	switch m.Type {
	case "session_start":
	case "audio_chunk", "session_end":
		if m.SessionID == "" {
			return m, fmt.Errorf("%w: %s without session_id", errInvalidMessage, m.Type)
		}
	case "":
		return m, fmt.Errorf("%w: missing type", errInvalidMessage)
	default:
		return m, fmt.Errorf("%w: unknown type %q", errInvalidMessage, m.Type)
	}
	return m, nil
}

func decodeBinaryAudio(data []byte) (sessionID string, pcm []byte, err error) {
	if len(data) < frameHeaderSize || data[0] != frameTagAudio {
		return "", nil, fmt.Errorf("%w: bad binary frame header", errInvalidMessage)
	}
	id, err := uuid.FromBytes(data[1:frameHeaderSize])
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", errInvalidMessage, err)
	}
	return id.String(), data[frameHeaderSize:], nil
}

// encodeEvent renders an outbound event as {"type": kind, ...payload}.
func encodeEvent(ev dispatch.Event) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	kind, err := json.Marshal(ev.Kind())
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(body)+len(kind)+10)
	out = append(out, `{"type":`...)
	out = append(out, kind...)
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}

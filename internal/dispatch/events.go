package dispatch

// Event is one outbound message to a client connection. Kind is the wire
// "type" field; the struct itself is the payload.
type Event interface {
	Kind() string
}

// Emitter delivers events to one client connection. Implementations must be
// safe for concurrent use; events for one session are emitted in order from
// a single goroutine at a time.
type Emitter interface {
	Emit(ev Event) error
}

type SessionAck struct {
	SessionID  string `json:"session_id"`
	SampleRate int    `json:"sample_rate"`
}

type PartialTranscript struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// FinalTranscript carries one backend final fragment, or with Complete set the
// whole accumulated transcript once the session has closed.
type FinalTranscript struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Complete  bool   `json:"complete"`
}

type Error struct {
	SessionID string `json:"session_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

type SessionClosed struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
	Reason    string `json:"reason"`
}

type ServerShutdown struct{}

func (SessionAck) Kind() string        { return "session_ack" }
func (PartialTranscript) Kind() string { return "partial_transcript" }
func (FinalTranscript) Kind() string   { return "final_transcript" }
func (Error) Kind() string             { return "error" }
func (SessionClosed) Kind() string     { return "session_closed" }
func (ServerShutdown) Kind() string    { return "server_shutdown" }

package httpapi

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lukasbauer/scribe/internal/dispatch"
)

const (
	writeWait       = 10 * time.Second
	maxMessageBytes = 4 << 20
)

var errConnClosed = errors.New("client connection closed")

// clientConn is one client socket. It is the dispatcher's Emitter for that
// connection; gorilla allows one concurrent writer, so writes are serialized.
type clientConn struct {
	id     string
	conn   *websocket.Conn
	logger *log.Logger

	writeMu sync.Mutex
	closed  bool
}

func (c *clientConn) Emit(ev dispatch.Event) error {
	msg, err := encodeEvent(ev)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return errConnClosed
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

func (c *clientConn) close() {
	c.writeMu.Lock()
	c.closed = true
	c.writeMu.Unlock()
	_ = c.conn.Close()
}

// pingLoop keeps the connection alive. A client that stops answering pings
// trips the read deadline, which ends the read loop.
func (c *clientConn) pingLoop(period time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Debugf("stream: ping %s: %v", c.id, err)
				return
			}
		}
	}
}

func (r *Router) handleStream(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warnf("stream: upgrade failed: %v", err)
		return
	}

	c := &clientConn{id: uuid.NewString(), conn: conn, logger: r.logger}
	r.dispatcher.Connect(c.id, c)
	r.logger.Infof("stream: connection %s from %s", c.id, req.RemoteAddr)

	done := make(chan struct{})
	defer func() {
		close(done)
		r.dispatcher.Disconnect(c.id)
		c.close()
		r.logger.Infof("stream: connection %s closed", c.id)
	}()

	conn.SetReadLimit(maxMessageBytes)
	extend := func() error { return conn.SetReadDeadline(time.Now().Add(r.cfg.PongWait)) }
	_ = extend()
	conn.SetPongHandler(func(string) error { return extend() })
	go c.pingLoop(r.cfg.PingPeriod, done)

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.logger.Warnf("stream: read error on %s: %v", c.id, err)
			}
			return
		}
		_ = extend()
		r.handleFrame(c, mt, data)
	}
}

func (r *Router) handleFrame(c *clientConn, mt int, data []byte) {
	switch mt {
	case websocket.BinaryMessage:
		sessionID, pcm, err := decodeBinaryAudio(data)
		if err != nil {
			r.rejectMessage(c, "", err)
			return
		}
		_ = r.dispatcher.AudioChunk(c.id, sessionID, pcm, -1)

	case websocket.TextMessage:
		msg, err := decodeInbound(data)
		if err != nil {
			r.rejectMessage(c, msg.SessionID, err)
			return
		}
		switch msg.Type {
		case "session_start":
			_, _ = r.dispatcher.SessionStart(c.id, msg.Quality)
		case "audio_chunk":
			_ = r.dispatcher.AudioChunk(c.id, msg.SessionID, msg.Audio, msg.chunkID())
		case "session_end":
			_ = r.dispatcher.SessionEnd(c.id, msg.SessionID)
		}
	}
}

func (r *Router) rejectMessage(c *clientConn, sessionID string, err error) {
	r.logger.Debugf("stream: %s: %v", c.id, err)
	_ = c.Emit(dispatch.NewError(sessionID, dispatch.CodeInvalidMessage))
}

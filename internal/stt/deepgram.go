package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
)

const (
	DefaultDeepgramURL = "wss://api.deepgram.com/v1/listen"

	deepgramWriteTimeout = 10 * time.Second
	// Deepgram drops a stream after ~10s without audio or a KeepAlive.
	deepgramKeepAlive = 5 * time.Second
)

var ErrStreamClosed = errors.New("stream is closed")

// DeepgramConfig holds configuration for the Deepgram recognizer.
type DeepgramConfig struct {
	APIKey      string
	URL         string // defaults to DefaultDeepgramURL
	Language    string // e.g., "en-US"
	Model       string // e.g., "nova-3-medical"
	Endpointing int    // milliseconds of silence for endpointing, 0 for default
}

// Deepgram implements Recognizer using Deepgram's live streaming API.
type Deepgram struct {
	cfg    DeepgramConfig
	dialer *websocket.Dialer
	logger *log.Logger
}

// NewDeepgram creates a Deepgram recognizer.
func NewDeepgram(cfg DeepgramConfig, logger *log.Logger) *Deepgram {
	if cfg.URL == "" {
		cfg.URL = DefaultDeepgramURL
	}
	return &Deepgram{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Open dials a new live transcription stream.
func (d *Deepgram) Open(ctx context.Context, sc StreamConfig) (Stream, error) {
	u, err := d.listenURL(sc)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+d.cfg.APIKey)

	conn, resp, err := d.dialer.DialContext(ctx, u, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to Deepgram (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to Deepgram: %w", err)
	}

	c := &DeepgramClient{
		conn:     conn,
		logger:   d.logger,
		results:  make(chan TranscriptResult, 100),
		errors:   make(chan error, 10),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}

	c.wg.Add(2)
	go c.readLoop()
	go c.keepAliveLoop()

	return c, nil
}

func (d *Deepgram) listenURL(sc StreamConfig) (string, error) {
	u, err := url.Parse(d.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid deepgram url: %w", err)
	}

	model := sc.Model
	if model == "" {
		model = d.cfg.Model
	}
	language := sc.Language
	if language == "" {
		language = d.cfg.Language
	}
	encoding := sc.Encoding
	if encoding == "" {
		encoding = "linear16"
	}
	channels := sc.Channels
	if channels == 0 {
		channels = 1
	}

	q := u.Query()
	q.Set("model", model)
	q.Set("language", language)
	q.Set("encoding", encoding)
	q.Set("sample_rate", strconv.Itoa(sc.SampleRate))
	q.Set("channels", strconv.Itoa(channels))
	q.Set("punctuate", strconv.FormatBool(sc.Punctuate))
	q.Set("interim_results", strconv.FormatBool(sc.InterimResults))
	if d.cfg.Endpointing > 0 {
		q.Set("endpointing", strconv.Itoa(d.cfg.Endpointing))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// DeepgramClient is one open Deepgram stream.
type DeepgramClient struct {
	conn     *websocket.Conn
	logger   *log.Logger
	results  chan TranscriptResult
	errors   chan error
	done     chan struct{}
	readDone chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex // serializes writes
	closeSent bool
	wg        sync.WaitGroup
}

// deepgramResponse represents a Deepgram WebSocket response.
type deepgramResponse struct {
	Type    string `json:"type"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Description string `json:"description"`
}

// StreamAudio sends audio data to Deepgram.
func (c *DeepgramClient) StreamAudio(ctx context.Context, audio []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return ErrStreamClosed
	default:
	}
	if c.closeSent {
		return ErrStreamClosed
	}

	deadline := time.Now().Add(deepgramWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(websocket.BinaryMessage, audio)
}

// CloseSend asks Deepgram to flush and finish the stream.
func (c *DeepgramClient) CloseSend() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closeSent {
		return nil
	}
	c.closeSent = true
	_ = c.conn.SetWriteDeadline(time.Now().Add(deepgramWriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, []byte(`{"type": "CloseStream"}`))
}

// Results returns the channel for receiving transcription results.
func (c *DeepgramClient) Results() <-chan TranscriptResult {
	return c.results
}

// Errors returns the channel for receiving errors.
func (c *DeepgramClient) Errors() <-chan error {
	return c.errors
}

// Done is closed when the read loop exits.
func (c *DeepgramClient) Done() <-chan struct{} {
	return c.readDone
}

// Close closes the Deepgram connection.
func (c *DeepgramClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		if !c.closeSent {
			c.closeSent = true
			_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
			_ = c.conn.WriteMessage(websocket.TextMessage, []byte(`{"type": "CloseStream"}`))
		}
		c.mu.Unlock()

		err = c.conn.Close()

		// Wait for the loops to finish before closing channels
		c.wg.Wait()
		close(c.results)
		close(c.errors)
	})
	return err
}

// readLoop reads responses from Deepgram and sends them to the results channel.
func (c *DeepgramClient) readLoop() {
	defer c.wg.Done()
	defer close(c.readDone)

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			finishing := c.closeSent
			c.mu.Unlock()

			// After CloseStream the backend closes the socket; that is the normal end.
			if finishing {
				return
			}
			select {
			case <-c.done:
			case c.errors <- fmt.Errorf("read error: %w", err):
			default:
			}
			return
		}

		var resp deepgramResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			c.logger.Warnf("deepgram: failed to parse response: %v", err)
			continue
		}

		if resp.Type == "Error" {
			select {
			case c.errors <- fmt.Errorf("deepgram error: %s", resp.Description):
			default:
			}
			continue
		}

		// Skip non-results messages
		if resp.Type != "Results" {
			continue
		}

		var transcript string
		var confidence float64
		if len(resp.Channel.Alternatives) > 0 {
			alt := resp.Channel.Alternatives[0]
			transcript = alt.Transcript
			confidence = alt.Confidence
		}
		if transcript == "" {
			continue
		}

		result := TranscriptResult{
			Text:        transcript,
			Confidence:  confidence,
			IsFinal:     resp.IsFinal,
			SpeechFinal: resp.SpeechFinal,
		}

		select {
		case <-c.done:
			return
		case c.results <- result:
		}
	}
}

func (c *DeepgramClient) keepAliveLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(deepgramKeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-c.readDone:
			return
		case <-ticker.C:
			c.mu.Lock()
			if !c.closeSent {
				_ = c.conn.SetWriteDeadline(time.Now().Add(deepgramWriteTimeout))
				if err := c.conn.WriteMessage(websocket.TextMessage, []byte(`{"type": "KeepAlive"}`)); err != nil {
					c.logger.Debugf("deepgram: keepalive failed: %v", err)
				}
			}
			c.mu.Unlock()
		}
	}
}

package realtime

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const defaultBaseURL = "wss://api.openai.com/v1/realtime"

// SessionConfig is the configuration echoed to the remote service in the
// initial session.update message.
type SessionConfig struct {
	Model             string
	Voice             string
	Instructions      string
	VADThreshold      float64
	PrefixPaddingMs   int
	SilenceDurationMs int
	MaxOutputTokens   int
	Language          string
}

// Client is a websocket connection to the OpenAI Realtime API. Inbound
// messages are decoded into typed events and delivered on a single channel;
// the channel always ends with one EventClosed and is then closed, so
// consumers see connection loss as a normal terminal event rather than an
// error at an arbitrary point.
type Client struct {
	apiKey  string
	baseURL string
	session SessionConfig
	timeout time.Duration

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	cancel    context.CancelFunc

	events    chan Event
	closeOnce sync.Once
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the websocket endpoint. Used by tests.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithHandshakeTimeout overrides the dial timeout.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// NewClient creates a disconnected client.
func NewClient(apiKey string, session SessionConfig, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	c := &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		session: session,
		timeout: 10 * time.Second,
		events:  make(chan Event, 64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Connect dials the Realtime API, sends the session configuration, and
// starts the read loop. The read loop runs until Close is called or the
// connection drops.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.mu.Unlock()

	url := fmt.Sprintf("%s?model=%s", c.baseURL, c.session.Model)

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+c.apiKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{HandshakeTimeout: c.timeout}
	conn, resp, err := dialer.DialContext(ctx, url, headers)
	if err != nil {
		if resp != nil {
			return &ConnectionError{Op: fmt.Sprintf("dial (status %d)", resp.StatusCode), Err: err}
		}
		return &ConnectionError{Op: "dial", Err: err}
	}

	readCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.cancel = cancel
	c.mu.Unlock()

	// The read loop starts before session.update so that it is always the
	// goroutine that delivers the terminal event, even when the update fails
	// and Connect tears the connection down again.
	go c.readLoop(readCtx)

	if err := c.updateSession(); err != nil {
		_ = c.Close()
		return err
	}

	log.Printf("realtime: connected (model=%s voice=%s)", c.session.Model, c.session.Voice)
	return nil
}

// Events returns the inbound event channel. It is not restartable: once the
// terminal EventClosed has been delivered the channel is closed for good.
func (c *Client) Events() <-chan Event {
	return c.events
}

func (c *Client) updateSession() error {
	turnDetection := map[string]any{
		"type": "server_vad",
	}
	if c.session.VADThreshold > 0 {
		turnDetection["threshold"] = c.session.VADThreshold
	}
	if c.session.PrefixPaddingMs > 0 {
		turnDetection["prefix_padding_ms"] = c.session.PrefixPaddingMs
	}
	if c.session.SilenceDurationMs > 0 {
		turnDetection["silence_duration_ms"] = c.session.SilenceDurationMs
	}

	transcription := map[string]any{"model": "whisper-1"}
	if c.session.Language != "" {
		transcription["language"] = c.session.Language
	}

	session := map[string]any{
		"modalities":                []string{"text", "audio"},
		"instructions":              c.session.Instructions,
		"voice":                     c.session.Voice,
		"input_audio_format":        "pcm16",
		"output_audio_format":       "pcm16",
		"input_audio_transcription": transcription,
		"turn_detection":            turnDetection,
	}
	if c.session.MaxOutputTokens > 0 {
		session["max_response_output_tokens"] = c.session.MaxOutputTokens
	}

	return c.writeJSON(map[string]any{
		"type":    "session.update",
		"session": session,
	})
}

// AppendAudio uploads one captured PCM16 chunk. Fire and forget: the remote
// service buffers and segments on its side, so there is no acknowledgment to
// wait for.
func (c *Client) AppendAudio(chunk []byte) error {
	return c.writeJSON(map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(chunk),
	})
}

// CreateResponse asks the service to generate one spoken response.
func (c *Client) CreateResponse(instructions string) error {
	response := map[string]any{
		"modalities": []string{"audio", "text"},
	}
	if instructions != "" {
		response["instructions"] = instructions
	}
	return c.writeJSON(map[string]any{
		"type":     "response.create",
		"response": response,
	})
}

// CancelResponse cancels an in-flight response by id.
func (c *Client) CancelResponse(responseID string) error {
	msg := map[string]any{"type": "response.cancel"}
	if responseID != "" {
		msg["response_id"] = responseID
	}
	return c.writeJSON(msg)
}

// SendText injects a user text item into the conversation and triggers a
// response for it.
func (c *Client) SendText(text string) error {
	item := map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	}
	if err := c.writeJSON(item); err != nil {
		return err
	}
	return c.writeJSON(map[string]any{"type": "response.create"})
}

// Close stops the read loop and closes the connection. Safe to call more
// than once. The terminal EventClosed is delivered by the read loop, which
// alone sends on and closes the event channel.
func (c *Client) Close() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	conn := c.conn
	c.conn = nil
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			deadline,
		)
		_ = conn.Close()
	}
	return nil
}

func (c *Client) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.conn == nil {
		return ErrNotConnected
	}
	if err := c.conn.WriteJSON(v); err != nil {
		return &ConnectionError{Op: "send", Err: err}
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.emitClosed(nil)
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			c.emitClosed(nil)
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.emitClosed(nil)
			} else {
				c.emitClosed(&ConnectionError{Op: "read", Err: err})
			}
			c.mu.Lock()
			c.connected = false
			c.mu.Unlock()
			return
		}

		ev, err := parseEvent(data)
		if err != nil {
			log.Printf("realtime: dropping malformed event: %v", err)
			continue
		}
		if ev.Type == "" {
			continue
		}

		select {
		case c.events <- ev:
		case <-ctx.Done():
			c.emitClosed(nil)
			return
		}
	}
}

// emitClosed delivers the terminal event exactly once and closes the channel.
// Called only from the read loop: the channel is closed by its sole sender,
// so a close can never race with a pending send.
func (c *Client) emitClosed(err error) {
	c.closeOnce.Do(func() {
		c.events <- Event{Type: EventClosed, Err: err}
		close(c.events)
	})
}

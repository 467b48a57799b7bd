package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sipeed/picobridge/pkg/logger"
)

const (
	reconnectBase = 1 * time.Second
	reconnectMax  = 30 * time.Second

	writeTimeout  = 10 * time.Second
	injectTimeout = 2 * time.Minute
)

var ErrDisconnected = errors.New("host not connected")

// Frame is the websocket wire format toward the host: requests carry
// Type "req" with Method/Params, responses come back as "res" with the
// same ID, and one-way records go out as "event".
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type injectParams struct {
	SessionKey string            `json:"session_key"`
	Text       string            `json:"text"`
	Meta       map[string]string `json:"meta,omitempty"`
}

type injectPayload struct {
	Reply string `json:"reply"`
}

// Client maintains a websocket connection to the host gateway with
// automatic reconnect and request/response correlation.
type Client struct {
	url     string
	token   string
	channel string

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan Frame

	stop chan struct{}
	done chan struct{}
}

func NewClient(url, token string) *Client {
	return &Client{
		url:     url,
		token:   token,
		channel: "imessage",
		pending: make(map[string]chan Frame),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start runs the connect/read loop in the background. It keeps retrying
// with doubling backoff until Stop is called.
func (c *Client) Start() {
	go c.run()
}

func (c *Client) Stop() {
	close(c.stop)
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
	<-c.done
}

func (c *Client) run() {
	defer close(c.done)
	backoff := reconnectBase

	for {
		select {
		case <-c.stop:
			return
		default:
		}

		conn, err := c.connect()
		if err != nil {
			logger.WarnCF("host", "Connect failed, retrying", map[string]interface{}{
				"url":     c.url,
				"backoff": backoff.String(),
				"error":   err.Error(),
			})
			select {
			case <-c.stop:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > reconnectMax {
				backoff = reconnectMax
			}
			continue
		}

		backoff = reconnectBase
		logger.InfoCF("host", "Connected", map[string]interface{}{"url": c.url})

		c.readLoop(conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		c.failAllPending()
	}
}

func (c *Client) connect() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(c.url, nil)
	if err != nil {
		return nil, err
	}

	hello, _ := json.Marshal(map[string]string{
		"role":    "bridge",
		"channel": c.channel,
		"token":   c.token,
	})
	frame := Frame{Type: "req", ID: uuid.NewString(), Method: "hello", Params: hello}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(frame); err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return conn, nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer conn.Close()
	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			select {
			case <-c.stop:
			default:
				logger.WarnCF("host", "Connection lost", map[string]interface{}{
					"error": err.Error(),
				})
			}
			return
		}

		switch frame.Type {
		case "res":
			c.resolve(frame)
		case "event":
			// Host-pushed events are not acted on yet.
			logger.DebugCF("host", "Ignoring event", map[string]interface{}{
				"method": frame.Method,
			})
		}
	}
}

func (c *Client) resolve(frame Frame) {
	c.pendingMu.Lock()
	ch, ok := c.pending[frame.ID]
	if ok {
		delete(c.pending, frame.ID)
	}
	c.pendingMu.Unlock()
	if ok {
		ch <- frame
	}
}

func (c *Client) failAllPending() {
	c.pendingMu.Lock()
	calls := c.pending
	c.pending = make(map[string]chan Frame)
	c.pendingMu.Unlock()

	for _, ch := range calls {
		ch <- Frame{Type: "res", Error: ErrDisconnected.Error()}
	}
}

func (c *Client) writeFrame(frame Frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrDisconnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(frame)
}

// Inject forwards an inbound message and blocks for the host's reply
// text. An empty reply means the host chose not to answer.
func (c *Client) Inject(ctx context.Context, sessionKey, text string, meta map[string]string) (string, error) {
	params, err := json.Marshal(injectParams{SessionKey: sessionKey, Text: text, Meta: meta})
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	ch := make(chan Frame, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	frame := Frame{Type: "req", ID: id, Method: "inject", Params: params}
	if err := c.writeFrame(frame); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return "", err
	}

	timeout := injectTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}

	select {
	case res := <-ch:
		if res.Error != "" {
			return "", errors.New(res.Error)
		}
		var payload injectPayload
		if len(res.Payload) > 0 {
			if err := json.Unmarshal(res.Payload, &payload); err != nil {
				return "", fmt.Errorf("bad inject payload: %w", err)
			}
		}
		return payload.Reply, nil
	case <-ctx.Done():
		c.abandon(id)
		return "", ctx.Err()
	case <-time.After(timeout):
		c.abandon(id)
		return "", fmt.Errorf("inject timed out after %s", timeout)
	}
}

func (c *Client) abandon(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// LogMessage records bridge-originated outbound text with the host,
// fire-and-forget. Failures are logged and swallowed; transcript
// completeness is best-effort.
func (c *Client) LogMessage(sessionKey, text string, meta map[string]string) {
	params, err := json.Marshal(injectParams{SessionKey: sessionKey, Text: text, Meta: meta})
	if err != nil {
		return
	}
	frame := Frame{Type: "event", Method: "log_message", Params: params}
	if err := c.writeFrame(frame); err != nil {
		logger.DebugCF("host", "LogMessage dropped", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

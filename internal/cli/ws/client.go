package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	battlePath = "/api/v1/battle/ws"
	writeWait  = 5 * time.Second
)

var ErrNotConnected = errors.New("not connected, run: connect")

// Event is one server frame. Data is kept raw for rendering.
type Event struct {
	Type   string          `json:"type"`
	RoomID string          `json:"room_id,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	TS     int64           `json:"ts"`
}

// Client is a battle websocket connection. Events are passed to the handler
// from a single reader goroutine.
type Client struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	done    chan struct{}
	onEvent func(Event)
	onClose func(error)
}

func New(onEvent func(Event), onClose func(error)) *Client {
	return &Client{onEvent: onEvent, onClose: onClose}
}

// BattleURL converts an http base url into the battle websocket url.
func BattleURL(baseURL, token string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path += battlePath
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Connect dials the battle socket, replacing any previous connection.
func (c *Client) Connect(ctx context.Context, baseURL, token string) error {
	if token == "" {
		return fmt.Errorf("access token is required, run: set token <token>")
	}
	target, err := BattleURL(baseURL, token)
	if err != nil {
		return err
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial battle socket failed: %s", http.StatusText(resp.StatusCode))
		}
		return fmt.Errorf("dial battle socket failed: %w", err)
	}

	c.Close()
	c.mu.Lock()
	c.conn = conn
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go c.readLoop(conn, done)
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			current := c.conn == conn
			if current {
				c.conn = nil
			}
			c.mu.Unlock()
			if current && c.onClose != nil {
				c.onClose(err)
			}
			return
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		if c.onEvent != nil {
			c.onEvent(ev)
		}
	}
}

// Connected reports whether a socket is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send writes one frame.
func (c *Client) Send(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame failed: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame failed: %w", err)
	}
	return nil
}

// Close sends a close frame and waits for the reader to stop.
func (c *Client) Close() {
	c.mu.Lock()
	conn, done := c.conn, c.done
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()
	<-done
}

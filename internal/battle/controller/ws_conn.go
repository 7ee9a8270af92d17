package controller

import (
	"context"
	"errors"
	"sync"
	"time"

	"codebattle/internal/battle/model"
	"codebattle/pkg/utils/logger"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxFrameBytes  = 256 << 10
	outboundBuffer = 128
)

var errConnClosed = errors.New("websocket connection closed")
var errSendQueueFull = errors.New("websocket send queue full")

// wsConn adapts a websocket to session.Conn. Frames are written by a single
// writer goroutine; Send never blocks the caller.
type wsConn struct {
	ws     *websocket.Conn
	userID string
	out    chan model.Event

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newWSConn(ws *websocket.Conn, userID string) *wsConn {
	return &wsConn{
		ws:     ws,
		userID: userID,
		out:    make(chan model.Event, outboundBuffer),
		done:   make(chan struct{}),
	}
}

// Send queues ev. A full queue counts as a failed delivery.
func (c *wsConn) Send(ev model.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	select {
	case c.out <- ev:
		return nil
	default:
		return errSendQueueFull
	}
}

// Close stops the writer, which closes the socket after flushing what is queued.
func (c *wsConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	return nil
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case ev := <-c.out:
			if err := c.write(ev); err != nil {
				c.logWriteError(err)
				_ = c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}
		case <-c.done:
			c.flush()
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *wsConn) flush() {
	for {
		select {
		case ev := <-c.out:
			if err := c.write(ev); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *wsConn) write(ev model.Event) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(ev)
}

func (c *wsConn) logWriteError(err error) {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return
	}
	logger.Warn(context.Background(), "websocket write failed", zap.String("user_id", c.userID), zap.Error(err))
}

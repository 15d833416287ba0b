package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeWait is the deadline for a single frame write.
	writeWait = 10 * time.Second

	// pongWait is how long we wait for a pong before the read side fails.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// Conn adapts a gorilla websocket connection to the hub's Transport
// interface. The hub's delivery worker and the ping loop both write, so
// writes are serialized with a mutex.
type Conn struct {
	ws     *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex
	once    sync.Once
	closed  chan struct{}
}

// NewConn wraps an upgraded websocket connection. It starts the ping loop;
// the caller is responsible for running the read pump (see ReadPump).
func NewConn(ws *websocket.Conn, logger *zap.Logger) *Conn {
	c := &Conn{
		ws:     ws,
		logger: logger,
		closed: make(chan struct{}),
	}
	go c.pingLoop()
	return c
}

// Send writes one envelope as a JSON text frame. Called from the hub's
// delivery worker only.
func (c *Conn) Send(env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteJSON(env)
}

// Close shuts the connection down. Idempotent; safe to call concurrently
// with Send.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)

		c.writeMu.Lock()
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()

		err = c.ws.Close()
	})
	return err
}

// RemoteAddr returns the peer address for session audit records.
func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

// pingLoop keeps the connection alive. Gorilla requires the server to ping
// and the client to pong within pongWait.
func (c *Conn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// ReadPump consumes inbound frames until the peer disconnects, then calls
// onClose. Subscribers never send application data; the pump exists to
// process control frames and detect disconnects.
func (c *Conn) ReadPump(onClose func()) {
	defer onClose()

	c.ws.SetReadLimit(512)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

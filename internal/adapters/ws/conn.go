// Package ws adapts gorilla/websocket sessions to the hub: one read
// pump and one write pump per connection, with a buffered non-blocking
// send path in between.
package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	sendBuffer   = 32
	writeTimeout = 5 * time.Second
)

// Conn implements app.Sender over a websocket. TrySend never blocks:
// a full buffer or a closed connection returns an error and the frame
// is dropped, which is the contract broadcast loops rely on.
type Conn struct {
	ws         *websocket.Conn
	send       chan []byte
	pingPeriod time.Duration

	mu     sync.RWMutex
	closed bool
}

func newConn(ws *websocket.Conn, pingPeriod time.Duration) *Conn {
	return &Conn{ws: ws, send: make(chan []byte, sendBuffer), pingPeriod: pingPeriod}
}

func (c *Conn) TrySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.ws.Close()
	c.mu.Unlock()
}

func (c *Conn) writePump(ctx context.Context) {
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Info().Err(err).Str("module", "ws").Msg("writePump ping failed")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				log.Error().Err(err).Str("module", "ws").Msg("writePump set deadline")
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "ws").Msg("writePump write error")
				return
			}
		}
	}
}

// Package client is the application-side half of the realtime layer:
// a reconnecting transport plus a per-peer negotiation mesh. The
// server stays a payload-opaque relay; everything that understands
// WebRTC lives here.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mentorhub/realtime/internal/domain"
	"github.com/mentorhub/realtime/internal/protocol"
)

type Options struct {
	URL      string
	UserID   domain.UserID
	Username string

	// Reconnect policy: bounded attempts, delay grows linearly with the
	// attempt count up to the cap.
	MaxReconnectAttempts int
	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
}

func (o *Options) defaults() {
	if o.MaxReconnectAttempts == 0 {
		o.MaxReconnectAttempts = 5
	}
	if o.ReconnectBase == 0 {
		o.ReconnectBase = time.Second
	}
	if o.ReconnectMax == 0 {
		o.ReconnectMax = 30 * time.Second
	}
}

// Listener consumes inbound envelopes in arrival order.
type Listener func(*protocol.Envelope)

type listenerEntry struct {
	id int
	fn Listener
}

// Transport maintains one full-duplex connection per user session.
// Send is best effort: false while the transport is down, and nothing
// composed during a reconnect gap is queued or replayed.
type Transport struct {
	opts Options

	mu        sync.Mutex
	conn      *websocket.Conn
	open      bool
	closed    bool
	listeners []listenerEntry
	nextID    int
}

func NewTransport(opts Options) *Transport {
	opts.defaults()
	return &Transport{opts: opts}
}

// Connect dials the server, emits the register envelope and starts the
// receive loop. It returns once the transport reports open.
func (t *Transport) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.opts.URL, nil)
	if err != nil {
		return err
	}
	if err := t.register(conn); err != nil {
		_ = conn.Close()
		return err
	}

	t.mu.Lock()
	t.conn = conn
	t.open = true
	t.closed = false
	t.mu.Unlock()

	go t.readLoop(ctx, conn)
	log.Info().Str("module", "client.transport").Str("user", string(t.opts.UserID)).Msg("connected")
	return nil
}

func (t *Transport) register(conn *websocket.Conn) error {
	env := &protocol.Envelope{
		Type:     protocol.KindRegister,
		UserID:   string(t.opts.UserID),
		Username: t.opts.Username,
	}
	env.EnsureID()
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Send attaches a generated id if absent and writes the envelope.
// Returns false when the transport is not currently open; callers must
// treat that as "not delivered".
func (t *Transport) Send(env *protocol.Envelope) bool {
	env.EnsureID()
	env.EnsureTimestamp(time.Now())
	data, err := env.Encode()
	if err != nil {
		log.Error().Err(err).Str("module", "client.transport").Msg("encode envelope")
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.open || t.conn == nil {
		return false
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Warn().Err(err).Str("module", "client.transport").Msg("send failed")
		return false
	}
	return true
}

// AddMessageListener subscribes to inbound envelopes. The returned
// unsubscribe is idempotent and safe to call from inside a listener.
func (t *Transport) AddMessageListener(fn Listener) (unsubscribe func()) {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.listeners = append(t.listeners, listenerEntry{id: id, fn: fn})
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			for i, e := range t.listeners {
				if e.id == id {
					t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Close shuts the transport down for good; no reconnect follows.
func (t *Transport) Close() {
	t.mu.Lock()
	t.closed = true
	t.open = false
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// IsOpen reports whether Send would currently accept envelopes.
func (t *Transport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.open = false
			t.mu.Unlock()
			if closed || ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Str("module", "client.transport").Msg("transport lost, reconnecting")
			t.reconnect(ctx)
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "client.transport").Msg("bad envelope, dropped")
			continue
		}
		t.dispatch(env)
	}
}

// dispatch feeds listeners in subscription order over a snapshot, so a
// listener removing itself (or another) mid-broadcast cannot corrupt
// the iteration.
func (t *Transport) dispatch(env *protocol.Envelope) {
	t.mu.Lock()
	snapshot := make([]listenerEntry, len(t.listeners))
	copy(snapshot, t.listeners)
	t.mu.Unlock()
	for _, e := range snapshot {
		e.fn(env)
	}
}

// reconnect re-dials with the same identity. Attempts are bounded and
// the delay grows with the attempt count up to the cap. Prior room
// membership is not restored; re-joining is the application's call.
func (t *Transport) reconnect(ctx context.Context) {
	for attempt := 1; attempt <= t.opts.MaxReconnectAttempts; attempt++ {
		delay := time.Duration(attempt) * t.opts.ReconnectBase
		if delay > t.opts.ReconnectMax {
			delay = t.opts.ReconnectMax
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.opts.URL, nil)
		if err != nil {
			log.Warn().Err(err).Int("attempt", attempt).Str("module", "client.transport").Msg("reconnect failed")
			continue
		}
		if err := t.register(conn); err != nil {
			_ = conn.Close()
			continue
		}

		t.mu.Lock()
		t.conn = conn
		t.open = true
		t.mu.Unlock()

		log.Info().Int("attempt", attempt).Str("module", "client.transport").Msg("reconnected")
		go t.readLoop(ctx, conn)
		return
	}
	log.Error().Str("module", "client.transport").Msg("reconnect attempts exhausted")
	t.Close()
}

package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mentorhub/realtime/internal/app"
	"github.com/mentorhub/realtime/internal/protocol"
)

var (
	ErrClosed       = errors.New("connection closed")
	ErrBackpressure = errors.New("backpressure")
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Controller accepts websocket upgrades and feeds decoded envelopes
// into the hub.
type Controller struct {
	hub        *app.Hub
	readLimit  int64
	pingPeriod time.Duration
}

func NewController(hub *app.Hub, readLimit int64, pingPeriod time.Duration) *Controller {
	if pingPeriod <= 0 {
		pingPeriod = 54 * time.Second
	}
	return &Controller{hub: hub, readLimit: readLimit, pingPeriod: pingPeriod}
}

// Handle upgrades the request and runs the connection until it drops.
// The connection id is the session cookie token plus a per-upgrade
// suffix: the cookie alone is shared by every tab of one browser, and
// two live transport sessions must never collide on one registry entry.
func (ctl *Controller) Handle(ctx context.Context, c *gin.Context) {
	cid := app.ConnID(c.GetString("client_token") + ":" + uuid.NewString())
	log.Info().Str("module", "ws").Str("cid", string(cid)).Msg("new WS connection")

	wsc, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "ws").Msg("upgrade failed")
		return
	}
	if ctl.readLimit > 0 {
		wsc.SetReadLimit(ctl.readLimit)
	}

	conn := newConn(wsc, ctl.pingPeriod)
	ctl.hub.Attach(cid, conn)

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		conn.writePump(ctx)
		cancel()
		// Close the socket too; readPump is blocked in ReadMessage and
		// only a closed socket unblocks it promptly.
		conn.Close()
	}()
	ctl.readPump(ctx, cid, conn)
	cancel()

	ctl.hub.Disconnect(cid)
	conn.Close()
}

func (ctl *Controller) readPump(ctx context.Context, cid app.ConnID, c *Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			log.Info().Err(err).Str("module", "ws").Str("cid", string(cid)).Msg("readPump closing")
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			// Malformed frames are discarded; the connection stays up.
			log.Warn().Err(err).Str("module", "ws").Str("cid", string(cid)).Msg("bad envelope, dropped")
			continue
		}
		ctl.hub.HandleEnvelope(ctx, cid, env)
	}
}

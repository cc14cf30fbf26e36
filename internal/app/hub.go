package app

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mentorhub/realtime/internal/domain"
	"github.com/mentorhub/realtime/internal/protocol"
	"github.com/mentorhub/realtime/internal/storage"
)

// Hub wires the registry, rooms, router and call coordinator together
// and is the single entry point the transport adapter talks to. Every
// presence or membership mutation it performs is paired with exactly
// one outward broadcast describing the change.
type Hub struct {
	Registry *Registry
	Rooms    *Rooms
	Router   *Router
	Calls    *Calls

	limiter *RateLimiter
}

func NewHub(store storage.Store) *Hub {
	reg := NewRegistry()
	rooms := NewRooms()
	router := NewRouter(reg, rooms, store, store)
	return &Hub{
		Registry: reg,
		Rooms:    rooms,
		Router:   router,
		Calls:    NewCalls(rooms, reg, router, store, store),
		limiter:  NewRateLimiter(30, time.Minute),
	}
}

// Attach binds a fresh transport session before identity is known.
func (h *Hub) Attach(cid ConnID, s Sender) {
	h.Registry.Attach(cid, s)
}

// HandleEnvelope dispatches one validated inbound envelope.
func (h *Hub) HandleEnvelope(ctx context.Context, cid ConnID, env *protocol.Envelope) {
	env.EnsureID()
	env.EnsureTimestamp(time.Now())

	// Stamp the bound identity over whatever the client claimed; the
	// transport session, not the payload, is the source of truth.
	if uid, _, ok := h.Registry.Identity(cid); ok && env.SenderID != "" {
		env.SenderID = string(uid)
	}

	switch env.Type {
	case protocol.KindRegister:
		h.register(cid, env)
	case protocol.KindMessage:
		h.Router.Route(ctx, env)
	case protocol.KindUserStatus:
		h.Router.ToAll(env, cid)
	case protocol.KindCallSignaling:
		if env.SignalType == protocol.SignalCallStart && !h.limiter.Allow(domain.UserID(env.SenderID)) {
			h.replyError(cid, "too many call attempts, slow down")
			return
		}
		h.Calls.HandleSignal(ctx, env)
	case protocol.KindJoinRoom:
		h.joinRoom(ctx, cid, env)
	case protocol.KindLeaveRoom:
		h.leaveRoom(cid, env)
	case protocol.KindPing:
		h.reply(cid, &protocol.Envelope{Type: protocol.KindPong})
	case protocol.KindPong, protocol.KindError:
		// Client-side kinds; nothing for the hub to do.
	}
}

func (h *Hub) register(cid ConnID, env *protocol.Envelope) {
	uid := domain.UserID(env.UserID)
	first, ok := h.Registry.Register(cid, uid, env.Username)
	if !ok {
		log.Warn().Str("module", "app.hub").Str("cid", string(cid)).Msg("register for unknown connection")
		return
	}

	// Snapshot of who is already online, delivered to the newcomer only.
	for _, u := range h.Registry.Online() {
		if u.ID == uid {
			continue
		}
		h.reply(cid, protocol.NewUserStatus(u.ID, domain.StatusOnline))
	}

	// Presence flips online only on the first device; a second device
	// registering is not a presence change.
	if first {
		h.Router.ToAll(protocol.NewUserStatus(uid, domain.StatusOnline), cid)
	}
}

func (h *Hub) joinRoom(ctx context.Context, cid ConnID, env *protocol.Envelope) {
	// Membership is keyed by the registered identity, never the envelope
	// field: Disconnect cleans up by what the registry knows, so a member
	// the registry cannot attribute would leak its room forever.
	uid, username, ok := h.Registry.Identity(cid)
	if !ok {
		h.replyError(cid, "register before joining rooms")
		return
	}
	room := domain.RoomID(env.RoomID)
	if !h.limiter.Allow(uid) {
		h.replyError(cid, "too many join attempts, slow down")
		return
	}

	_, joined := h.Rooms.Join(room, uid)
	if !joined {
		// Already a member: idempotent, no duplicate broadcast.
		return
	}
	h.Registry.MarkJoined(cid, room)
	h.Calls.OnJoin(ctx, room, uid)

	h.Router.ToRoom(room, joinedSignal(uid, username, room), uid)
}

func (h *Hub) leaveRoom(cid ConnID, env *protocol.Envelope) {
	uid, _, ok := h.Registry.Identity(cid)
	if !ok {
		return
	}
	room := domain.RoomID(env.RoomID)

	remaining, removed := h.Rooms.Leave(room, uid)
	if !removed {
		return
	}
	h.Registry.MarkLeft(cid, room)
	h.Router.ToUsers(remaining, leftSignal(uid, room))
}

// Disconnect runs the full unregister contract: user-left for every
// joined room, empty rooms reclaimed, presence-offline when the last
// device goes away.
func (h *Hub) Disconnect(cid ConnID) {
	uid, joined, last, ok := h.Registry.Unregister(cid)
	if !ok {
		return
	}
	for _, room := range joined {
		remaining, removed := h.Rooms.Leave(room, uid)
		if removed {
			h.Router.ToUsers(remaining, leftSignal(uid, room))
		}
	}
	if uid != "" && last {
		h.Router.ToAll(protocol.NewUserStatus(uid, domain.StatusOffline), cid)
	}
	log.Info().Str("module", "app.hub").Str("cid", string(cid)).Str("user", string(uid)).Msg("disconnected")
}

func (h *Hub) reply(cid ConnID, env *protocol.Envelope) {
	s, ok := h.Registry.SenderOf(cid)
	if !ok {
		return
	}
	data, err := env.Encode()
	if err != nil {
		log.Error().Err(err).Str("module", "app.hub").Msg("encode reply")
		return
	}
	if err := s.TrySend(data); err != nil {
		log.Debug().Err(err).Str("module", "app.hub").Str("cid", string(cid)).Msg("reply dropped")
	}
}

func (h *Hub) replyError(cid ConnID, msg string) {
	h.reply(cid, &protocol.Envelope{Type: protocol.KindError, Error: msg})
}

type peerEvent struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
}

func joinedSignal(uid domain.UserID, username string, room domain.RoomID) *protocol.Envelope {
	payload, _ := json.Marshal(peerEvent{UserID: string(uid), Username: username})
	return protocol.NewSignal(protocol.SignalUserJoined, uid, room, payload)
}

func leftSignal(uid domain.UserID, room domain.RoomID) *protocol.Envelope {
	payload, _ := json.Marshal(peerEvent{UserID: string(uid)})
	return protocol.NewSignal(protocol.SignalUserLeft, uid, room, payload)
}

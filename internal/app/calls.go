package app

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mentorhub/realtime/internal/domain"
	"github.com/mentorhub/realtime/internal/protocol"
	"github.com/mentorhub/realtime/internal/storage"
)

const (
	callStartedMarker = "call started"
	callEndedMarker   = "call ended"
)

// Calls drives the call lifecycle per room: no entry means idle, an
// entry means active, and call-end removes the entry for good. Offer,
// answer and candidate signals never touch this state; they are relayed
// untouched by the Router, so negotiation semantics stay on the client.
//
// Storage writes happen outside the state mutex and never gate the
// in-memory room behavior: a down store degrades to an error envelope
// for the initiator, not a blocked call.
type Calls struct {
	rooms    *Rooms
	registry *Registry
	router   *Router
	sessions storage.CallSessionStore
	messages storage.MessageStore
	clock    func() time.Time

	mu     sync.Mutex
	active map[domain.RoomID]*callState
}

type callState struct {
	sess      domain.CallSession
	persisted bool
}

func NewCalls(rooms *Rooms, reg *Registry, router *Router, sessions storage.CallSessionStore, messages storage.MessageStore) *Calls {
	return &Calls{
		rooms:    rooms,
		registry: reg,
		router:   router,
		sessions: sessions,
		messages: messages,
		clock:    time.Now,
		active:   make(map[domain.RoomID]*callState),
	}
}

// HandleSignal is the single entry point for callSignaling envelopes.
func (c *Calls) HandleSignal(ctx context.Context, env *protocol.Envelope) {
	switch env.SignalType {
	case protocol.SignalCallStart:
		c.start(ctx, env)
	case protocol.SignalCallEnd:
		c.end(ctx, env)
	case protocol.SignalOffer, protocol.SignalAnswer, protocol.SignalICECandidate,
		protocol.SignalUserJoined, protocol.SignalUserLeft:
		// Pure relay: payload stays opaque, standard routing rules apply.
		c.router.Route(ctx, env)
	}
}

func (c *Calls) start(ctx context.Context, env *protocol.Envelope) {
	room := domain.RoomID(env.RoomID)
	caller := domain.UserID(env.SenderID)

	c.mu.Lock()
	if _, exists := c.active[room]; exists {
		c.mu.Unlock()
		log.Warn().Str("module", "app.calls").Str("room", string(room)).Msg("call-start on active call, ignored")
		return
	}
	st := &callState{sess: domain.CallSession{
		RoomID:       room,
		Participants: []domain.UserID{caller},
		StartedAt:    c.clock(),
	}}
	c.active[room] = st
	c.mu.Unlock()

	c.router.ToRoom(room, env, caller)

	saved, err := c.sessions.CreateCallSession(ctx, &st.sess)
	if err != nil {
		log.Error().Err(err).Str("module", "app.calls").Str("room", string(room)).Msg("call session persist failed")
		c.router.ToUser(caller, protocol.NewError(caller, "call started, but could not be recorded"))
	} else {
		c.mu.Lock()
		st.sess.ID = saved.ID
		st.persisted = true
		c.mu.Unlock()
	}
	c.persistMarker(ctx, room, caller, callStartedMarker)
	log.Info().Str("module", "app.calls").Str("room", string(room)).Str("caller", string(caller)).Msg("call started")
}

// OnJoin appends a room joiner to the active call, if any. Idempotent
// for users already on the participant list.
func (c *Calls) OnJoin(ctx context.Context, room domain.RoomID, uid domain.UserID) {
	c.mu.Lock()
	st, ok := c.active[room]
	if !ok {
		c.mu.Unlock()
		return
	}
	if st.sess.HasParticipant(uid) {
		c.mu.Unlock()
		return
	}
	st.sess.Participants = append(st.sess.Participants, uid)
	id, persisted := st.sess.ID, st.persisted
	c.mu.Unlock()

	if persisted {
		if err := c.sessions.AddCallParticipant(ctx, id, uid); err != nil {
			log.Error().Err(err).Str("module", "app.calls").Str("room", string(room)).Str("user", string(uid)).Msg("participant persist failed")
		}
	}
}

func (c *Calls) end(ctx context.Context, env *protocol.Envelope) {
	room := domain.RoomID(env.RoomID)
	ender := domain.UserID(env.SenderID)

	c.mu.Lock()
	st, ok := c.active[room]
	if !ok {
		c.mu.Unlock()
		log.Warn().Str("module", "app.calls").Str("room", string(room)).Msg("call-end with no active call, ignored")
		return
	}
	delete(c.active, room)
	ended := c.clock()
	st.sess.EndedAt = &ended
	st.sess.Duration = ended.Sub(st.sess.StartedAt)
	c.mu.Unlock()

	// Tear the room down before announcing: all members out, the empty
	// room reclaimed, then the end broadcast to everyone who was there.
	members := c.rooms.RemoveAll(room)
	c.registry.ForgetRoom(room)
	c.router.ToUsers(members, env)

	if st.persisted {
		if err := c.sessions.CloseCallSession(ctx, &st.sess); err != nil {
			log.Error().Err(err).Str("module", "app.calls").Str("room", string(room)).Msg("call close persist failed")
			c.router.ToUser(ender, protocol.NewError(ender, "call ended, but could not be recorded"))
		}
	}
	c.persistMarker(ctx, room, ender, callEndedMarker)
	log.Info().Str("module", "app.calls").Str("room", string(room)).Dur("duration", st.sess.Duration).Msg("call ended")
}

// Active reports whether the room currently has a call, and its
// session snapshot.
func (c *Calls) Active(room domain.RoomID) (domain.CallSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.active[room]
	if !ok {
		return domain.CallSession{}, false
	}
	sess := st.sess
	sess.Participants = append([]domain.UserID(nil), st.sess.Participants...)
	return sess, ok
}

// persistMarker records a start/end-of-call chat line keyed by the
// room, so the conversation history shows when calls ran.
func (c *Calls) persistMarker(ctx context.Context, room domain.RoomID, uid domain.UserID, text string) {
	_, err := c.messages.SaveMessage(ctx, &domain.Message{
		ConversationID: domain.ConversationID(room),
		SenderID:       uid,
		Text:           text,
		SentAt:         c.clock(),
	})
	if err != nil {
		log.Error().Err(err).Str("module", "app.calls").Str("room", string(room)).Msg("call marker persist failed")
	}
}

package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mentorhub/realtime/internal/domain"
	"github.com/mentorhub/realtime/internal/protocol"
	"github.com/mentorhub/realtime/internal/storage"
)

// Router decides delivery targets for inbound envelopes: a single
// user's connections, a room minus the sender, or every participant of
// a conversation. Per-recipient send failures are dropped silently;
// the fan-out loop never stops on one bad connection.
type Router struct {
	registry *Registry
	rooms    *Rooms
	messages storage.MessageStore
	convos   storage.ConversationStore
}

func NewRouter(reg *Registry, rooms *Rooms, msgs storage.MessageStore, convos storage.ConversationStore) *Router {
	return &Router{registry: reg, rooms: rooms, messages: msgs, convos: convos}
}

// Route classifies env and dispatches it. Chat messages take the
// write-then-broadcast path; everything else is pure relay.
func (r *Router) Route(ctx context.Context, env *protocol.Envelope) {
	if env.Type == protocol.KindMessage {
		r.routeChat(ctx, env)
		return
	}
	switch {
	case env.ReceiverID != "":
		r.ToUser(domain.UserID(env.ReceiverID), env)
	case env.RoomID != "":
		r.ToRoom(domain.RoomID(env.RoomID), env, domain.UserID(env.SenderID))
	default:
		log.Warn().Str("module", "app.router").Str("kind", string(env.Type)).Str("id", env.ID).Msg("envelope with no target, dropped")
	}
}

// routeChat persists the message before any broadcast. The copy that
// goes out carries the storage-assigned id, so the sender and every
// receiver converge on the same message identity. On persistence
// failure only the sender hears about it and nothing is broadcast.
func (r *Router) routeChat(ctx context.Context, env *protocol.Envelope) {
	sender := domain.UserID(env.SenderID)
	msg := &domain.Message{
		ConversationID: domain.ConversationID(env.ConversationID),
		SenderID:       sender,
		ReceiverID:     domain.UserID(env.ReceiverID),
		Text:           env.Text,
		SentAt:         time.UnixMilli(env.Timestamp),
	}
	saved, err := r.messages.SaveMessage(ctx, msg)
	if err != nil {
		log.Error().Err(err).Str("module", "app.router").Str("sender", env.SenderID).Msg("chat persist failed")
		r.ToUser(sender, protocol.NewError(sender, "message not delivered: storage failure"))
		return
	}

	out := *env
	out.ID = string(saved.ID)
	out.Timestamp = saved.SentAt.UnixMilli()

	if env.ReceiverID != "" {
		// Direct message: the sender gets the echo too, so both sides
		// learn the durable id.
		r.ToUser(domain.UserID(env.ReceiverID), &out)
		if env.ReceiverID != env.SenderID {
			r.ToUser(sender, &out)
		}
		return
	}

	participants, err := r.convos.ConversationParticipants(ctx, domain.ConversationID(env.ConversationID))
	if err != nil {
		log.Error().Err(err).Str("module", "app.router").Str("conversation", env.ConversationID).Msg("participant lookup failed")
		r.ToUser(sender, protocol.NewError(sender, "message not delivered: unknown conversation"))
		return
	}
	for _, uid := range participants {
		r.ToUser(uid, &out)
	}
}

// ToUser delivers to every live connection of uid. No connections is a
// no-op, never an error.
func (r *Router) ToUser(uid domain.UserID, env *protocol.Envelope) {
	data, err := env.Encode()
	if err != nil {
		log.Error().Err(err).Str("module", "app.router").Msg("encode envelope")
		return
	}
	for _, s := range r.registry.Lookup(uid) {
		if err := s.TrySend(data); err != nil {
			log.Debug().Err(err).Str("module", "app.router").Str("user", string(uid)).Msg("send dropped")
		}
	}
}

// ToRoom delivers to every member of the room except the excluded
// user (pass "" to include everyone).
func (r *Router) ToRoom(room domain.RoomID, env *protocol.Envelope, except domain.UserID) {
	data, err := env.Encode()
	if err != nil {
		log.Error().Err(err).Str("module", "app.router").Msg("encode envelope")
		return
	}
	for _, uid := range r.rooms.Members(room) {
		if uid == except {
			continue
		}
		for _, s := range r.registry.Lookup(uid) {
			if err := s.TrySend(data); err != nil {
				log.Debug().Err(err).Str("module", "app.router").Str("user", string(uid)).Msg("send dropped")
			}
		}
	}
}

// ToUsers delivers one envelope to an explicit user list (used for
// end-of-call fan-out after the room is already gone).
func (r *Router) ToUsers(uids []domain.UserID, env *protocol.Envelope) {
	for _, uid := range uids {
		r.ToUser(uid, env)
	}
}

// ToAll delivers to every live connection except the given ones,
// regardless of identity. Presence changes go through here.
func (r *Router) ToAll(env *protocol.Envelope, except ...ConnID) {
	data, err := env.Encode()
	if err != nil {
		log.Error().Err(err).Str("module", "app.router").Msg("encode envelope")
		return
	}
	for _, s := range r.registry.Sessions(except...) {
		if err := s.TrySend(data); err != nil {
			log.Debug().Err(err).Str("module", "app.router").Msg("send dropped")
		}
	}
}

// Package storage declares the durable-store collaborator the realtime
// hub persists through. The hub owns none of this data; it only calls
// create/find/update and tolerates the store being slow or down.
package storage

import (
	"context"
	"errors"

	"github.com/mentorhub/realtime/internal/domain"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrUnavailable = errors.New("storage unavailable")
)

// MessageStore persists chat messages. SaveMessage assigns the durable
// id; the returned message is the copy that gets broadcast.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg *domain.Message) (*domain.Message, error)
}

// ConversationStore resolves conversation participants for
// conversation-wide routing.
type ConversationStore interface {
	ConversationParticipants(ctx context.Context, id domain.ConversationID) ([]domain.UserID, error)
}

// CallSessionStore owns CallSession records.
type CallSessionStore interface {
	CreateCallSession(ctx context.Context, sess *domain.CallSession) (*domain.CallSession, error)
	AddCallParticipant(ctx context.Context, id domain.CallSessionID, uid domain.UserID) error
	CloseCallSession(ctx context.Context, sess *domain.CallSession) error
}

// Store is the full collaborator surface the hub is wired with.
type Store interface {
	MessageStore
	ConversationStore
	CallSessionStore
}

package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mentorhub/realtime/internal/domain"
)

// Memory is an in-process Store used for tests and DSN-less dev runs.
type Memory struct {
	mu            sync.RWMutex
	messages      map[domain.MessageID]*domain.Message
	conversations map[domain.ConversationID][]domain.UserID
	calls         map[domain.CallSessionID]*domain.CallSession
}

func NewMemory() *Memory {
	return &Memory{
		messages:      make(map[domain.MessageID]*domain.Message),
		conversations: make(map[domain.ConversationID][]domain.UserID),
		calls:         make(map[domain.CallSessionID]*domain.CallSession),
	}
}

// SeedConversation registers a conversation's participant list.
func (m *Memory) SeedConversation(id domain.ConversationID, participants ...domain.UserID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations[id] = participants
}

func (m *Memory) SaveMessage(_ context.Context, msg *domain.Message) (*domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	saved := *msg
	saved.ID = domain.MessageID(uuid.NewString())
	if saved.SentAt.IsZero() {
		saved.SentAt = time.Now()
	}
	m.messages[saved.ID] = &saved
	return &saved, nil
}

func (m *Memory) Message(id domain.MessageID) (*domain.Message, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	return msg, ok
}

func (m *Memory) MessageCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.messages)
}

func (m *Memory) ConversationParticipants(_ context.Context, id domain.ConversationID) ([]domain.UserID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	parts, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]domain.UserID, len(parts))
	copy(out, parts)
	return out, nil
}

func (m *Memory) CreateCallSession(_ context.Context, sess *domain.CallSession) (*domain.CallSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	saved := *sess
	saved.ID = domain.CallSessionID(uuid.NewString())
	saved.Participants = append([]domain.UserID(nil), sess.Participants...)
	m.calls[saved.ID] = &saved
	return &saved, nil
}

func (m *Memory) AddCallParticipant(_ context.Context, id domain.CallSessionID, uid domain.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.calls[id]
	if !ok {
		return ErrNotFound
	}
	if !sess.HasParticipant(uid) {
		sess.Participants = append(sess.Participants, uid)
	}
	return nil
}

func (m *Memory) CloseCallSession(_ context.Context, sess *domain.CallSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.calls[sess.ID]
	if !ok {
		return ErrNotFound
	}
	stored.EndedAt = sess.EndedAt
	stored.Duration = sess.Duration
	return nil
}

func (m *Memory) CallSession(id domain.CallSessionID) (*domain.CallSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.calls[id]
	return sess, ok
}

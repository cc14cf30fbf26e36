// Package postgres is the pgx-backed Store used in production. Schema:
// messages, conversation_participants and call_sessions tables keyed by
// uuid text ids.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mentorhub/realtime/internal/domain"
	"github.com/mentorhub/realtime/internal/storage"
)

type Store struct {
	db *pgxpool.Pool
}

func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: pool}, nil
}

func (s *Store) Close() { s.db.Close() }

func (s *Store) SaveMessage(ctx context.Context, msg *domain.Message) (*domain.Message, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO messages (conversation_id, sender_id, receiver_id, text)
		VALUES (NULLIF($1, ''), $2, NULLIF($3, ''), $4)
		RETURNING id, created_at
	`, msg.ConversationID, msg.SenderID, msg.ReceiverID, msg.Text)

	saved := *msg
	if err := row.Scan(&saved.ID, &saved.SentAt); err != nil {
		return nil, fmt.Errorf("save message: %w", err)
	}
	return &saved, nil
}

func (s *Store) ConversationParticipants(ctx context.Context, id domain.ConversationID) ([]domain.UserID, error) {
	rows, err := s.db.Query(ctx, `
		SELECT user_id FROM conversation_participants WHERE conversation_id = $1
	`, id)
	if err != nil {
		return nil, fmt.Errorf("conversation participants: %w", err)
	}
	defer rows.Close()

	var out []domain.UserID
	for rows.Next() {
		var uid domain.UserID
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		out = append(out, uid)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, storage.ErrNotFound
	}
	return out, nil
}

func (s *Store) CreateCallSession(ctx context.Context, sess *domain.CallSession) (*domain.CallSession, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO call_sessions (room_id, participants, started_at)
		VALUES ($1, $2, $3)
		RETURNING id
	`, sess.RoomID, sess.Participants, sess.StartedAt)

	saved := *sess
	saved.Participants = append([]domain.UserID(nil), sess.Participants...)
	if err := row.Scan(&saved.ID); err != nil {
		return nil, fmt.Errorf("create call session: %w", err)
	}
	return &saved, nil
}

func (s *Store) AddCallParticipant(ctx context.Context, id domain.CallSessionID, uid domain.UserID) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE call_sessions
		SET participants = array_append(participants, $2)
		WHERE id = $1 AND NOT participants @> ARRAY[$2]
	`, id, string(uid))
	if err != nil {
		return fmt.Errorf("add call participant: %w", err)
	}
	_ = tag // zero rows means the participant was already present
	return nil
}

func (s *Store) CloseCallSession(ctx context.Context, sess *domain.CallSession) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE call_sessions SET ended_at = $2, duration_ms = $3 WHERE id = $1
	`, sess.ID, sess.EndedAt, sess.Duration.Milliseconds())
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("close call session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

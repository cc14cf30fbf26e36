// Package protocol defines the wire envelope exchanged over the
// realtime transport. The kind set is closed: every inbound frame is
// decoded into Envelope and validated against its kind before any
// routing happens, so unknown or malformed frames never reach the hub.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mentorhub/realtime/internal/domain"
)

type Kind string

const (
	KindRegister      Kind = "register"
	KindMessage       Kind = "message"
	KindUserStatus    Kind = "userStatus"
	KindCallSignaling Kind = "callSignaling"
	KindJoinRoom      Kind = "joinRoom"
	KindLeaveRoom     Kind = "leaveRoom"
	KindError         Kind = "error"
	KindPing          Kind = "ping"
	KindPong          Kind = "pong"
)

type SignalType string

const (
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalICECandidate SignalType = "ice-candidate"
	SignalCallStart    SignalType = "call-start"
	SignalCallEnd      SignalType = "call-end"
	SignalUserJoined   SignalType = "user-joined"
	SignalUserLeft     SignalType = "user-left"
)

var (
	ErrUnknownKind   = errors.New("unknown envelope kind")
	ErrUnknownSignal = errors.New("unknown signal type")
)

// Envelope is the single wire unit. Kind-specific fields are optional
// at the JSON level; Validate enforces the per-kind required set.
type Envelope struct {
	Type       Kind   `json:"type"`
	ID         string `json:"id,omitempty"`
	SenderID   string `json:"senderId,omitempty"`
	ReceiverID string `json:"receiverId,omitempty"`
	RoomID     string `json:"roomId,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"`

	// register
	UserID   string `json:"userId,omitempty"`
	Username string `json:"username,omitempty"`

	// message
	ConversationID string `json:"conversationId,omitempty"`
	Text           string `json:"text,omitempty"`

	// userStatus
	Status domain.Status `json:"status,omitempty"`

	// callSignaling: payload is opaque to the server (pure relay).
	SignalType SignalType      `json:"signalType,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`

	// error
	Error string `json:"error,omitempty"`
}

// Decode parses and validates a single wire frame.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// EnsureID assigns a generated id when the sender left it blank.
func (e *Envelope) EnsureID() {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
}

// EnsureTimestamp stamps the envelope with now (unix millis) if unset.
func (e *Envelope) EnsureTimestamp(now time.Time) {
	if e.Timestamp == 0 {
		e.Timestamp = now.UnixMilli()
	}
}

// Validate checks the per-kind required fields. The switch is
// exhaustive over the closed kind set.
func (e *Envelope) Validate() error {
	switch e.Type {
	case KindRegister:
		return requireFields(e.Type, field{"userId", e.UserID}, field{"username", e.Username})
	case KindMessage:
		if e.ConversationID == "" && e.ReceiverID == "" {
			return fmt.Errorf("%s envelope: conversationId or receiverId required", e.Type)
		}
		return requireFields(e.Type, field{"senderId", e.SenderID}, field{"text", e.Text})
	case KindUserStatus:
		if !e.Status.Valid() {
			return fmt.Errorf("%s envelope: bad status %q", e.Type, e.Status)
		}
		return requireFields(e.Type, field{"userId", e.UserID})
	case KindCallSignaling:
		if !e.SignalType.valid() {
			return fmt.Errorf("%s envelope: %w: %q", e.Type, ErrUnknownSignal, e.SignalType)
		}
		return requireFields(e.Type, field{"senderId", e.SenderID}, field{"roomId", e.RoomID})
	case KindJoinRoom, KindLeaveRoom:
		return requireFields(e.Type, field{"userId", e.UserID}, field{"roomId", e.RoomID})
	case KindError:
		return requireFields(e.Type, field{"error", e.Error})
	case KindPing, KindPong:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, e.Type)
	}
}

func (s SignalType) valid() bool {
	switch s {
	case SignalOffer, SignalAnswer, SignalICECandidate,
		SignalCallStart, SignalCallEnd, SignalUserJoined, SignalUserLeft:
		return true
	}
	return false
}

type field struct {
	name  string
	value string
}

func requireFields(kind Kind, fields ...field) error {
	for _, f := range fields {
		if f.value == "" {
			return fmt.Errorf("%s envelope: missing %s", kind, f.name)
		}
	}
	return nil
}

// NewError builds a failure report addressed to a single user.
func NewError(receiverID domain.UserID, msg string) *Envelope {
	return &Envelope{
		Type:       KindError,
		ID:         uuid.NewString(),
		ReceiverID: string(receiverID),
		Error:      msg,
	}
}

// NewUserStatus builds a presence change notification.
func NewUserStatus(userID domain.UserID, status domain.Status) *Envelope {
	return &Envelope{
		Type:   KindUserStatus,
		ID:     uuid.NewString(),
		UserID: string(userID),
		Status: status,
	}
}

// NewSignal builds a call-signaling envelope with an opaque payload.
func NewSignal(st SignalType, senderID domain.UserID, roomID domain.RoomID, payload json.RawMessage) *Envelope {
	return &Envelope{
		Type:       KindCallSignaling,
		ID:         uuid.NewString(),
		SenderID:   string(senderID),
		RoomID:     string(roomID),
		SignalType: st,
		Payload:    payload,
	}
}

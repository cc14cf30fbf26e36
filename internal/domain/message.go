package domain

import "time"

type (
	MessageID      string
	ConversationID string
)

// Message is a durable chat message. The realtime layer persists it
// before broadcasting and rebroadcasts under the storage-assigned ID.
type Message struct {
	ID             MessageID      `json:"id"`
	ConversationID ConversationID `json:"conversationId,omitempty"`
	SenderID       UserID         `json:"senderId"`
	ReceiverID     UserID         `json:"receiverId,omitempty"`
	Text           string         `json:"text"`
	SentAt         time.Time      `json:"sentAt"`
}

// Conversation holds the participant list the router resolves
// conversation-wide broadcasts against.
type Conversation struct {
	ID           ConversationID `json:"id"`
	Participants []UserID       `json:"participants"`
}

package domain

import "time"

type CallSessionID string

// CallSession is the durable record of one call: who took part and
// when it ran. Owned by external storage; the realtime layer only
// creates, appends participants and closes it.
type CallSession struct {
	ID           CallSessionID `json:"id"`
	RoomID       RoomID        `json:"roomId"`
	Participants []UserID      `json:"participants"`
	StartedAt    time.Time     `json:"startedAt"`
	EndedAt      *time.Time    `json:"endedAt,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
}

// HasParticipant reports whether uid is already on the session.
func (c *CallSession) HasParticipant(uid UserID) bool {
	for _, p := range c.Participants {
		if p == uid {
			return true
		}
	}
	return false
}

package domain

type RoomID string

// Room is an ephemeral named member set scoping broadcast and call
// signaling. It exists only while it has members.
type Room struct {
	ID RoomID
}

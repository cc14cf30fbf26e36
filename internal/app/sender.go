package app

import "errors"

// ConnID identifies one live transport session. A user may own several
// (multi-device); each has its own Sender.
type ConnID string

var ErrConnClosed = errors.New("connection closed")

// Sender is the outbound half of a transport session. TrySend must
// never block: a full or closed peer returns an error and the frame is
// dropped, so one slow connection cannot stall a broadcast loop.
// Owned by the adapter; the adapter must Close() it.
type Sender interface {
	TrySend(data []byte) error
	Close()
}

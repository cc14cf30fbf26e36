package app

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mentorhub/realtime/internal/domain"
)

type connEntry struct {
	ID       ConnID
	UserID   domain.UserID
	Username string
	Sender   Sender
	Rooms    map[domain.RoomID]struct{}
}

// Registry is the authoritative map of live connections to identity.
// It owns nothing but the maps; pairing mutations with the required
// presence broadcasts is the Hub's job, which calls the snapshot
// accessors below and fans out without holding the registry lock.
type Registry struct {
	mu     sync.RWMutex
	conns  map[ConnID]*connEntry
	byUser map[domain.UserID]map[ConnID]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[ConnID]*connEntry),
		byUser: make(map[domain.UserID]map[ConnID]struct{}),
	}
}

// Attach stores the transport endpoint before identity is known. The
// entry stays anonymous (no user binding) until Register.
func (r *Registry) Attach(cid ConnID, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[cid] = &connEntry{ID: cid, Sender: s, Rooms: make(map[domain.RoomID]struct{})}
	log.Info().Str("module", "app.registry").Str("cid", string(cid)).Msg("attached connection")
}

// Register binds a connection to a user identity. Reports whether this
// is the user's first live connection (presence flips to online).
func (r *Registry) Register(cid ConnID, uid domain.UserID, username string) (first bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, exists := r.conns[cid]
	if !exists {
		return false, false
	}
	e.UserID = uid
	e.Username = username
	set, exists := r.byUser[uid]
	if !exists {
		set = make(map[ConnID]struct{})
		r.byUser[uid] = set
	}
	first = len(set) == 0
	set[cid] = struct{}{}
	log.Info().Str("module", "app.registry").Str("cid", string(cid)).Str("user", string(uid)).Bool("first", first).Msg("registered connection")
	return first, true
}

// Unregister removes the connection and reports what the Hub must
// announce: the identity, the rooms the connection had joined and
// whether the user just went offline (no connections left).
func (r *Registry) Unregister(cid ConnID) (uid domain.UserID, rooms []domain.RoomID, last bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, exists := r.conns[cid]
	if !exists {
		return "", nil, false, false
	}
	delete(r.conns, cid)
	for room := range e.Rooms {
		rooms = append(rooms, room)
	}
	uid = e.UserID
	if uid == "" {
		return "", rooms, false, true
	}
	if set, exists := r.byUser[uid]; exists {
		delete(set, cid)
		if len(set) == 0 {
			delete(r.byUser, uid)
			last = true
		}
	}
	log.Info().Str("module", "app.registry").Str("cid", string(cid)).Str("user", string(uid)).Bool("last", last).Msg("unregistered connection")
	return uid, rooms, last, true
}

// Lookup returns the senders of every live connection of uid.
// Empty slice when the user has none; delivery is then a no-op.
func (r *Registry) Lookup(uid domain.UserID) []Sender {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.byUser[uid]
	if !ok {
		return nil
	}
	out := make([]Sender, 0, len(set))
	for cid := range set {
		if e, ok := r.conns[cid]; ok {
			out = append(out, e.Sender)
		}
	}
	return out
}

// Sessions returns the senders of every connection except the given
// ones, for presence fan-out.
func (r *Registry) Sessions(except ...ConnID) []Sender {
	skip := make(map[ConnID]struct{}, len(except))
	for _, cid := range except {
		skip[cid] = struct{}{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Sender, 0, len(r.conns))
	for cid, e := range r.conns {
		if _, ok := skip[cid]; ok {
			continue
		}
		out = append(out, e.Sender)
	}
	return out
}

// MarkJoined records room membership on the connection so Unregister
// can announce user-left for each room on disconnect.
func (r *Registry) MarkJoined(cid ConnID, room domain.RoomID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[cid]; ok {
		e.Rooms[room] = struct{}{}
	}
}

func (r *Registry) MarkLeft(cid ConnID, room domain.RoomID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[cid]; ok {
		delete(e.Rooms, room)
	}
}

// ForgetRoom drops the room from every connection's joined set, used
// when a call tears the whole room down.
func (r *Registry) ForgetRoom(room domain.RoomID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.conns {
		delete(e.Rooms, room)
	}
}

// SenderOf returns the transport endpoint of one connection.
func (r *Registry) SenderOf(cid ConnID) (Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[cid]
	if !ok {
		return nil, false
	}
	return e.Sender, true
}

// Identity resolves a connection to its bound user, if registered.
func (r *Registry) Identity(cid ConnID) (domain.UserID, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[cid]
	if !ok || e.UserID == "" {
		return "", "", false
	}
	return e.UserID, e.Username, true
}

// Online returns the distinct users with at least one live connection.
func (r *Registry) Online() []domain.User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.User, 0, len(r.byUser))
	seen := make(map[domain.UserID]struct{}, len(r.byUser))
	for uid, set := range r.byUser {
		for cid := range set {
			if e, ok := r.conns[cid]; ok {
				if _, dup := seen[uid]; !dup {
					seen[uid] = struct{}{}
					out = append(out, domain.User{ID: uid, Username: e.Username})
				}
				break
			}
		}
	}
	return out
}

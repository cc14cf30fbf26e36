package app

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mentorhub/realtime/internal/domain"
)

// Rooms tracks the ephemeral member sets used for group signaling.
// Rooms are created on first join and deleted the moment they empty;
// an empty room is never observable. All membership mutation goes
// through one mutex, which makes per-room operations linearizable.
type Rooms struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]map[domain.UserID]struct{}
}

func NewRooms() *Rooms {
	return &Rooms{rooms: make(map[domain.RoomID]map[domain.UserID]struct{})}
}

// Join adds uid to the room, creating it if absent. joined is false
// when the user was already a member (idempotent, no duplicate
// broadcast should follow).
func (r *Rooms) Join(room domain.RoomID, uid domain.UserID) (members []domain.UserID, joined bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.rooms[room]
	if !ok {
		set = make(map[domain.UserID]struct{})
		r.rooms[room] = set
	}
	_, already := set[uid]
	set[uid] = struct{}{}
	if !already {
		log.Info().Str("module", "app.rooms").Str("room", string(room)).Str("user", string(uid)).Int("members", len(set)).Msg("joined room")
	}
	return snapshot(set), !already
}

// Leave removes uid; the room is deleted in the same critical section
// when the removal empties it.
func (r *Rooms) Leave(room domain.RoomID, uid domain.UserID) (remaining []domain.UserID, removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.rooms[room]
	if !ok {
		return nil, false
	}
	if _, member := set[uid]; !member {
		return snapshot(set), false
	}
	delete(set, uid)
	if len(set) == 0 {
		delete(r.rooms, room)
		log.Info().Str("module", "app.rooms").Str("room", string(room)).Msg("room reclaimed")
		return nil, true
	}
	log.Info().Str("module", "app.rooms").Str("room", string(room)).Str("user", string(uid)).Int("members", len(set)).Msg("left room")
	return snapshot(set), true
}

func (r *Rooms) Members(room domain.RoomID) []domain.UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.rooms[room]
	if !ok {
		return nil
	}
	return snapshot(set)
}

func (r *Rooms) Exists(room domain.RoomID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[room]
	return ok
}

// RemoveAll tears the room down, returning the members it had.
func (r *Rooms) RemoveAll(room domain.RoomID) []domain.UserID {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.rooms[room]
	if !ok {
		return nil
	}
	delete(r.rooms, room)
	log.Info().Str("module", "app.rooms").Str("room", string(room)).Int("members", len(set)).Msg("room torn down")
	return snapshot(set)
}

type RoomInfo struct {
	ID          domain.RoomID `json:"id"`
	MemberCount int           `json:"memberCount"`
}

func (r *Rooms) List() []RoomInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RoomInfo, 0, len(r.rooms))
	for id, set := range r.rooms {
		out = append(out, RoomInfo{ID: id, MemberCount: len(set)})
	}
	return out
}

func snapshot(set map[domain.UserID]struct{}) []domain.UserID {
	out := make([]domain.UserID, 0, len(set))
	for uid := range set {
		out = append(out, uid)
	}
	return out
}

package app

import (
	"sync"
	"testing"

	"github.com/mentorhub/realtime/internal/domain"
)

func TestJoinCreatesRoom(t *testing.T) {
	r := NewRooms()
	members, joined := r.Join("r1", "u1")
	if !joined {
		t.Fatal("first join must report joined")
	}
	if len(members) != 1 || members[0] != "u1" {
		t.Fatalf("members = %v", members)
	}
	if !r.Exists("r1") {
		t.Fatal("room must exist after join")
	}
}

func TestJoinIsIdempotent(t *testing.T) {
	r := NewRooms()
	r.Join("r1", "u1")
	members, joined := r.Join("r1", "u1")
	if joined {
		t.Fatal("second join of same user must not report joined")
	}
	if len(members) != 1 {
		t.Fatalf("duplicate member: %v", members)
	}
}

func TestLeaveReclaimsEmptyRoom(t *testing.T) {
	r := NewRooms()
	r.Join("r1", "u1")
	r.Join("r1", "u2")

	remaining, removed := r.Leave("r1", "u1")
	if !removed || len(remaining) != 1 {
		t.Fatalf("removed=%v remaining=%v", removed, remaining)
	}
	if !r.Exists("r1") {
		t.Fatal("room with members must persist")
	}

	_, removed = r.Leave("r1", "u2")
	if !removed {
		t.Fatal("leave must remove the member")
	}
	if r.Exists("r1") {
		t.Fatal("empty room must be reclaimed with the leave")
	}
}

func TestLeaveUnknownRoomOrMember(t *testing.T) {
	r := NewRooms()
	if _, removed := r.Leave("nope", "u1"); removed {
		t.Fatal("leaving an absent room must be a no-op")
	}
	r.Join("r1", "u1")
	if _, removed := r.Leave("r1", "u2"); removed {
		t.Fatal("leaving as a non-member must be a no-op")
	}
}

func TestRemoveAllTearsDownRoom(t *testing.T) {
	r := NewRooms()
	r.Join("r1", "u1")
	r.Join("r1", "u2")
	members := r.RemoveAll("r1")
	if len(members) != 2 {
		t.Fatalf("expected both prior members, got %v", members)
	}
	if r.Exists("r1") {
		t.Fatal("room must be gone after teardown")
	}
}

// Concurrent joins and leaves on the same room must never leave a
// member behind or let an empty room survive.
func TestConcurrentJoinLeave(t *testing.T) {
	r := NewRooms()
	const workers = 32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			uid := domain.UserID(rune('a' + n))
			for j := 0; j < 100; j++ {
				r.Join("r1", uid)
				r.Leave("r1", uid)
			}
		}(i)
	}
	wg.Wait()
	if r.Exists("r1") {
		t.Fatalf("room should be empty and reclaimed, members=%v", r.Members("r1"))
	}
}

func TestListSnapshots(t *testing.T) {
	r := NewRooms()
	r.Join("r1", "u1")
	r.Join("r2", "u1")
	r.Join("r2", "u2")
	infos := r.List()
	if len(infos) != 2 {
		t.Fatalf("expected 2 rooms, got %v", infos)
	}
	counts := map[domain.RoomID]int{}
	for _, info := range infos {
		counts[info.ID] = info.MemberCount
	}
	if counts["r1"] != 1 || counts["r2"] != 2 {
		t.Fatalf("bad counts: %v", counts)
	}
}

package chat

import (
	"sort"
	"testing"
)

func TestRegistry_SubscribeIsIdempotent(t *testing.T) {
	r := NewRegistry(newTestLogger())
	c := NewClient("alice", "sess-1", 8)

	r.Subscribe("room-1", c)
	r.Subscribe("room-1", c)

	if got := len(r.MembersOf("room-1")); got != 1 {
		t.Fatalf("expected 1 member after double subscribe, got %d", got)
	}
	if got := r.roomsOf("sess-1"); len(got) != 1 || got[0] != "room-1" {
		t.Fatalf("expected rooms [room-1], got %v", got)
	}
}

func TestRegistry_UnsubscribeNonMemberIsNoop(t *testing.T) {
	r := NewRegistry(newTestLogger())
	c := NewClient("alice", "sess-1", 8)
	r.Subscribe("room-1", c)

	r.Unsubscribe("room-1", "sess-unknown")
	r.Unsubscribe("room-unknown", "sess-1")

	if got := len(r.MembersOf("room-1")); got != 1 {
		t.Fatalf("expected membership to survive unrelated unsubscribes, got %d members", got)
	}

	r.Unsubscribe("room-1", "sess-1")
	r.Unsubscribe("room-1", "sess-1")
	if got := len(r.MembersOf("room-1")); got != 0 {
		t.Fatalf("expected empty room after unsubscribe, got %d members", got)
	}
}

func TestRegistry_DropRemovesEveryRoom(t *testing.T) {
	r := NewRegistry(newTestLogger())
	c := NewClient("alice", "sess-1", 8)
	other := NewClient("bob", "sess-2", 8)

	r.Subscribe("room-1", c)
	r.Subscribe("room-2", c)
	r.Subscribe("room-1", other)

	rooms := r.Drop("sess-1")
	sort.Strings(rooms)
	if len(rooms) != 2 || rooms[0] != "room-1" || rooms[1] != "room-2" {
		t.Fatalf("expected drop to report [room-1 room-2], got %v", rooms)
	}

	if got := r.roomsOf("sess-1"); len(got) != 0 {
		t.Fatalf("expected no rooms after drop, got %v", got)
	}
	members := r.MembersOf("room-1")
	if len(members) != 1 || members[0].SessionID != "sess-2" {
		t.Fatalf("expected only sess-2 to remain in room-1, got %v", members)
	}

	// Dropping again is a no-op.
	if rooms := r.Drop("sess-1"); len(rooms) != 0 {
		t.Fatalf("expected second drop to report nothing, got %v", rooms)
	}
}

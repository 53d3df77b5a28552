package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDirectory_FindOrCreate_CallerMustBeInSet(t *testing.T) {
	d := NewDirectory(newTestLogger(), NewInMemoryStore())

	_, _, err := d.FindOrCreate(context.Background(), "mallory", []string{"alice", "bob"})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for caller outside the set, got %v", err)
	}

	room, created, err := d.FindOrCreate(context.Background(), "alice", []string{"alice", "bob"})
	if err != nil {
		t.Fatalf("FindOrCreate: %v", err)
	}
	if !created {
		t.Fatal("expected first call to create the room")
	}

	again, created, err := d.FindOrCreate(context.Background(), "bob", []string{"bob", "alice"})
	if err != nil {
		t.Fatalf("FindOrCreate second call: %v", err)
	}
	if created {
		t.Fatal("expected second call to find the existing room")
	}
	if again.ID != room.ID {
		t.Fatalf("expected same room, got %q vs %q", again.ID, room.ID)
	}
}

func TestDirectory_FindOrCreate_RejectsBadSets(t *testing.T) {
	d := NewDirectory(newTestLogger(), NewInMemoryStore())

	if _, _, err := d.FindOrCreate(context.Background(), "alice", []string{"alice"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for single-member set, got %v", err)
	}
	if _, _, err := d.FindOrCreate(context.Background(), "alice", []string{"alice", "alice"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for duplicate member, got %v", err)
	}
}

func TestDirectory_Authorize(t *testing.T) {
	store := NewInMemoryStore()
	d := NewDirectory(newTestLogger(), store)
	room := mustCreateRoom(t, store, "alice", "bob")

	if _, err := d.Authorize(context.Background(), "alice", room.ID); err != nil {
		t.Fatalf("member authorize: %v", err)
	}
	if _, err := d.Authorize(context.Background(), "carol", room.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for non-member, got %v", err)
	}
	if _, err := d.Authorize(context.Background(), "alice", "no-such-room"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing room, got %v", err)
	}
}

func TestDirectory_ListRoomsFor_EmptyParticipant(t *testing.T) {
	d := NewDirectory(newTestLogger(), NewInMemoryStore())
	if _, err := d.ListRoomsFor(context.Background(), "  "); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

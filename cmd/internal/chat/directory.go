package chat

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// Directory resolves participant sets to rooms and enforces the access policy
// shared by the realtime and request/response paths: callers may only operate
// on rooms they belong to.
type Directory struct {
	log   *slog.Logger
	store Store
}

// NewDirectory constructs a Directory over the given store.
func NewDirectory(log *slog.Logger, store Store) *Directory {
	return &Directory{log: log, store: store}
}

// FindOrCreate returns the room for the participant set, creating it lazily.
// The caller must be part of the set. Concurrent callers for the same set
// converge on the same room.
func (d *Directory) FindOrCreate(ctx context.Context, caller string, participants []string) (Room, bool, error) {
	normalized, err := NormalizeParticipants(participants)
	if err != nil {
		return Room{}, false, err
	}

	caller = strings.TrimSpace(caller)
	if caller == "" {
		return Room{}, false, ErrUnauthorized
	}
	inSet := false
	for _, p := range normalized {
		if p == caller {
			inSet = true
			break
		}
	}
	if !inSet {
		return Room{}, false, ErrUnauthorized
	}

	room, created, err := d.store.FindOrCreateRoom(ctx, normalized, time.Now().UTC())
	if err != nil {
		return Room{}, false, err
	}
	if created {
		d.log.Info("room.created", "room_id", room.ID, "participants", len(room.Participants))
	}
	return room, created, nil
}

// ListRoomsFor returns the caller's rooms, most recent activity first.
func (d *Directory) ListRoomsFor(ctx context.Context, participant string) ([]RoomSummary, error) {
	participant = strings.TrimSpace(participant)
	if participant == "" {
		return nil, ErrUnauthorized
	}
	return d.store.ListRoomsFor(ctx, participant)
}

// Authorize loads a room and checks that participant belongs to it.
// Returns ErrNotFound for a missing room and ErrForbidden for a non-member.
func (d *Directory) Authorize(ctx context.Context, participant, roomID string) (Room, error) {
	room, err := d.store.GetRoom(ctx, roomID)
	if err != nil {
		return Room{}, err
	}
	if !room.HasParticipant(participant) {
		return Room{}, ErrForbidden
	}
	return room, nil
}

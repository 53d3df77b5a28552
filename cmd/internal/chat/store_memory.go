package chat

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ember/cmd/internal/ids"
)

const (
	memMaxMessagesPerRoom = 10_000
)

// InMemoryStore is the dev/test fallback when no database is configured.
// It implements the same contract as PostgresStore: one room per participant
// set, per-room monotonic seq, history paging by after_seq.
type InMemoryStore struct {
	mu     sync.Mutex
	rooms  map[string]*memRoom
	byKey  map[string]string // participants key -> room id
	lastTS map[string]time.Time
}

type memRoom struct {
	room Room
	seq  int64
	msgs []Message // ordered by seq
}

// NewInMemoryStore constructs an in-memory Store implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		rooms:  make(map[string]*memRoom),
		byKey:  make(map[string]string),
		lastTS: make(map[string]time.Time),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// FindOrCreateRoom returns the room for the participant set, creating it if absent.
// The bool result reports whether a new room was created.
func (s *InMemoryStore) FindOrCreateRoom(ctx context.Context, participants []string, now time.Time) (Room, bool, error) {
	normalized, err := NormalizeParticipants(participants)
	if err != nil {
		return Room{}, false, err
	}
	if err := ctx.Err(); err != nil {
		return Room{}, false, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	key := participantsKey(normalized)

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byKey[key]; ok {
		return s.rooms[id].room, false, nil
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return Room{}, false, fmt.Errorf("%w: %v", ErrTransientIO, err)
	}

	room := Room{
		ID:           id,
		Participants: normalized,
		CreatedAt:    now,
		LastActivity: now,
	}
	s.rooms[id] = &memRoom{room: room, msgs: make([]Message, 0, 256)}
	s.byKey[key] = id
	return room, true, nil
}

// GetRoom returns a room by id.
func (s *InMemoryStore) GetRoom(ctx context.Context, roomID string) (Room, error) {
	if roomID == "" {
		return Room{}, ErrInvalidRequest
	}
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return Room{}, ErrNotFound
	}
	return r.room, nil
}

// ListRoomsFor returns the rooms the participant belongs to, most recent activity first.
func (s *InMemoryStore) ListRoomsFor(ctx context.Context, participant string) ([]RoomSummary, error) {
	if participant == "" {
		return nil, ErrInvalidRequest
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	out := make([]RoomSummary, 0, 8)
	for _, r := range s.rooms {
		if !r.room.HasParticipant(participant) {
			continue
		}
		sum := RoomSummary{Room: r.room}
		if n := len(r.msgs); n > 0 {
			last := r.msgs[n-1]
			sum.LastMessage = &last
		}
		out = append(out, sum)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Room.LastActivity.After(out[j].Room.LastActivity)
	})
	return out, nil
}

// AppendMessage persists a message with server-assigned identity and
// monotonic sequence allocation. The append is serialized by the store mutex,
// so per-room order equals accept order.
func (s *InMemoryStore) AppendMessage(ctx context.Context, in AppendInput) (Message, error) {
	if in.RoomID == "" || in.Sender == "" {
		return Message{}, ErrInvalidRequest
	}
	text, err := validateText(in.Text)
	if err != nil {
		return Message{}, err
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[in.RoomID]
	if !ok {
		return Message{}, ErrNotFound
	}
	if !r.room.HasParticipant(in.Sender) {
		return Message{}, ErrForbidden
	}

	// Keep server timestamps non-decreasing within a room.
	if last := s.lastTS[in.RoomID]; now.Before(last) {
		now = last
	}
	s.lastTS[in.RoomID] = now

	id, err := ids.NewULID(now)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrTransientIO, err)
	}

	r.seq++
	msg := Message{
		ID:       id,
		RoomID:   in.RoomID,
		Sender:   in.Sender,
		Text:     text,
		Seq:      r.seq,
		ServerTS: now,
	}
	r.msgs = append(r.msgs, msg)
	r.room.LastActivity = now

	// Bound memory to avoid unbounded growth in dev.
	if len(r.msgs) > memMaxMessagesPerRoom {
		r.msgs = r.msgs[len(r.msgs)-memMaxMessagesPerRoom:]
	}

	return msg, nil
}

// History returns messages ordered by seq ASC with paging via after_seq.
func (s *InMemoryStore) History(ctx context.Context, in HistoryInput) (HistoryResult, error) {
	if in.RoomID == "" {
		return HistoryResult{}, ErrInvalidRequest
	}
	if err := ctx.Err(); err != nil {
		return HistoryResult{}, err
	}

	limit := clampHistoryLimit(in.Limit)
	fetch := limit + 1

	s.mu.Lock()
	r, ok := s.rooms[in.RoomID]
	if !ok {
		s.mu.Unlock()
		return HistoryResult{}, ErrNotFound
	}
	snap := append([]Message(nil), r.msgs...)
	s.mu.Unlock()

	start := 0
	if in.AfterSeq != nil {
		after := *in.AfterSeq
		start = sort.Search(len(snap), func(i int) bool { return snap[i].Seq > after })
	}
	if start >= len(snap) {
		return HistoryResult{}, nil
	}

	end := start + fetch
	if end > len(snap) {
		end = len(snap)
	}
	out := snap[start:end]

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}

	return HistoryResult{Messages: out, HasMore: hasMore}, nil
}

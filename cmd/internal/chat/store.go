package chat

import (
	"context"
	"sort"
	"strings"
	"time"
)

// Room is a persistent conversation scoped to a fixed participant set.
type Room struct {
	ID           string
	Participants []string
	CreatedAt    time.Time
	LastActivity time.Time
}

// HasParticipant reports whether id belongs to the room's participant set.
func (r Room) HasParticipant(id string) bool {
	for _, p := range r.Participants {
		if p == id {
			return true
		}
	}
	return false
}

// Message is the canonical persisted message representation.
// ID is server-assigned at persistence time; Seq realizes the per-room
// total order (timestamp, identity).
type Message struct {
	ID       string
	RoomID   string
	Sender   string
	Text     string
	Seq      int64
	ServerTS time.Time
}

// RoomSummary is a room plus its most recent message, used for room listings.
type RoomSummary struct {
	Room        Room
	LastMessage *Message
}

// AppendInput describes a message append request.
type AppendInput struct {
	RoomID string
	Sender string
	Text   string
	Now    time.Time
}

// HistoryInput describes a history query. AfterSeq is the replay cursor.
type HistoryInput struct {
	RoomID   string
	AfterSeq *int64
	Limit    int
}

// HistoryResult contains the retrieved history window.
type HistoryResult struct {
	Messages []Message
	HasMore  bool
}

// Store persists rooms and their append-only message logs.
//
// Requirements:
//   - At most one room per unordered participant set (FindOrCreateRoom is
//     safe under concurrent calls; the loser re-reads the winning room).
//   - AppendMessage is serialized per room: strict monotonic Seq, server
//     timestamps non-decreasing within a room, durable before return.
//   - History is ordered by Seq ASC with AfterSeq paging.
type Store interface {
	FindOrCreateRoom(ctx context.Context, participants []string, now time.Time) (Room, bool, error)
	GetRoom(ctx context.Context, roomID string) (Room, error)
	ListRoomsFor(ctx context.Context, participant string) ([]RoomSummary, error)
	AppendMessage(ctx context.Context, in AppendInput) (Message, error)
	History(ctx context.Context, in HistoryInput) (HistoryResult, error)
	Close() error
}

// NormalizeParticipants trims, deduplicates, and sorts a participant set.
// A set with fewer than two distinct members is rejected with ErrInvalidRequest.
// Sorting makes room lookup deterministic regardless of caller ordering.
func NormalizeParticipants(in []string) ([]string, error) {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, p := range in {
		p = strings.TrimSpace(p)
		if p == "" {
			return nil, ErrInvalidRequest
		}
		if _, ok := seen[p]; ok {
			return nil, ErrInvalidRequest
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	if len(out) < 2 {
		return nil, ErrInvalidRequest
	}
	sort.Strings(out)
	return out, nil
}

// participantsKey builds the unique lookup key for a normalized participant set.
// The unit separator cannot appear in trimmed identities that come off the wire
// as JSON strings, so the join is unambiguous.
func participantsKey(normalized []string) string {
	return strings.Join(normalized, "\x1f")
}

// validateText enforces message content rules: non-empty after trim, bounded length.
func validateText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrInvalidRequest
	}
	if len([]rune(text)) > maxMessageChars {
		return "", ErrInvalidRequest
	}
	return text, nil
}

func clampHistoryLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}

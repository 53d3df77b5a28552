package chat

import (
	"log/slog"
	"sync"
)

// Registry is the in-memory index from room id to the connections subscribed
// to it. It is a derived index, not a source of truth: it starts empty on
// process restart and clients re-subscribe on reconnect.
//
// Concurrency guarantees:
// - Subscribe/Unsubscribe/Drop are safe under concurrent MembersOf.
// - All operations are idempotent.
type Registry struct {
	log *slog.Logger

	mu    sync.RWMutex
	rooms map[string]map[string]*Client  // room id -> session id -> client
	conns map[string]map[string]struct{} // session id -> room ids
}

// NewRegistry constructs an empty Registry.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		log:   log,
		rooms: make(map[string]map[string]*Client),
		conns: make(map[string]map[string]struct{}),
	}
}

// Subscribe adds a connection to a room. Subscribing twice is a no-op.
func (r *Registry) Subscribe(roomID string, c *Client) {
	if r == nil || c == nil || roomID == "" || c.SessionID == "" {
		return
	}

	r.mu.Lock()
	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[string]*Client)
		r.rooms[roomID] = members
	}
	members[c.SessionID] = c

	joined, ok := r.conns[c.SessionID]
	if !ok {
		joined = make(map[string]struct{})
		r.conns[c.SessionID] = joined
	}
	joined[roomID] = struct{}{}
	r.mu.Unlock()

	r.log.Info("room.member.join", "room_id", roomID, "session_id", c.SessionID)
}

// Unsubscribe removes a connection from a room. Unsubscribing a non-member is a no-op.
func (r *Registry) Unsubscribe(roomID, sessionID string) {
	if r == nil || roomID == "" || sessionID == "" {
		return
	}

	r.mu.Lock()
	removed := false
	if members, ok := r.rooms[roomID]; ok {
		if _, present := members[sessionID]; present {
			delete(members, sessionID)
			removed = true
		}
		if len(members) == 0 {
			delete(r.rooms, roomID)
		}
	}
	if joined, ok := r.conns[sessionID]; ok {
		delete(joined, roomID)
		if len(joined) == 0 {
			delete(r.conns, sessionID)
		}
	}
	r.mu.Unlock()

	if removed {
		r.log.Info("room.member.leave", "room_id", roomID, "session_id", sessionID)
	}
}

// MembersOf returns the connections currently subscribed to a room.
func (r *Registry) MembersOf(roomID string) []*Client {
	if r == nil || roomID == "" {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[roomID]
	if len(members) == 0 {
		return nil
	}
	out := make([]*Client, 0, len(members))
	for _, c := range members {
		out = append(out, c)
	}
	return out
}

// roomsOf returns the rooms a connection is subscribed to.
func (r *Registry) roomsOf(sessionID string) []string {
	if r == nil || sessionID == "" {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	joined := r.conns[sessionID]
	if len(joined) == 0 {
		return nil
	}
	out := make([]string, 0, len(joined))
	for id := range joined {
		out = append(out, id)
	}
	return out
}

// Drop removes a connection from every room it joined and returns those rooms.
func (r *Registry) Drop(sessionID string) []string {
	if r == nil || sessionID == "" {
		return nil
	}

	r.mu.Lock()
	joined := r.conns[sessionID]
	rooms := make([]string, 0, len(joined))
	for roomID := range joined {
		if members, ok := r.rooms[roomID]; ok {
			delete(members, sessionID)
			if len(members) == 0 {
				delete(r.rooms, roomID)
			}
		}
		rooms = append(rooms, roomID)
	}
	delete(r.conns, sessionID)
	r.mu.Unlock()

	if len(rooms) > 0 {
		r.log.Info("registry.drop", "session_id", sessionID, "rooms", len(rooms))
	}
	return rooms
}

// Package v1 defines the Ember chat wire protocol.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol negotiated at handshake.
const Subprotocol = "ember.chat.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeRoomJoin joins a room (client -> server).
	TypeRoomJoin = "room_join"
	// TypeRoomJoined confirms a join and carries the history snapshot (server -> client).
	TypeRoomJoined = "room_joined"
	// TypeRoomLeave leaves a room (client -> server).
	TypeRoomLeave = "room_leave"

	// TypeMessageSend requests sending a new message (client -> server).
	TypeMessageSend = "message_send"
	// TypeMessageAck acknowledges a send with the canonical message (server -> sender).
	TypeMessageAck = "message_ack"
	// TypeMessageNew broadcasts an accepted message (server -> room members).
	TypeMessageNew = "message_new"

	// TypeHistoryFetch requests a room history window (client -> server).
	TypeHistoryFetch = "history_fetch"
	// TypeHistoryChunk returns a window of history (server -> client).
	TypeHistoryChunk = "history_chunk"

	// TypePeerJoined notifies members that a participant joined (server -> room members).
	TypePeerJoined = "peer_joined"
	// TypePeerLeft notifies members that a participant left (server -> room members).
	TypePeerLeft = "peer_left"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeRoomJoin,
		TypeRoomJoined,
		TypeRoomLeave,
		TypeMessageSend,
		TypeMessageAck,
		TypeMessageNew,
		TypeHistoryFetch,
		TypeHistoryChunk,
		TypePeerJoined,
		TypePeerLeft,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Shared shapes ----

// Message is the canonical wire representation of a persisted message.
// ID and Seq are server-assigned; clients dedupe by ID.
type Message struct {
	ID       string    `json:"id"`
	RoomID   string    `json:"room_id"`
	Sender   string    `json:"sender"`
	Text     string    `json:"text"`
	Seq      int64     `json:"seq"`
	ServerTS time.Time `json:"server_ts"`
}

// Room is the wire representation of a room.
type Room struct {
	ID           string    `json:"id"`
	Participants []string  `json:"participants"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// ---- Payloads ----

// HelloPayload is sent by the client to initiate a session.
type HelloPayload struct{}

// HelloAckPayload carries the server-assigned session id and the bound participant.
type HelloAckPayload struct {
	SessionID     string `json:"session_id"`
	ParticipantID string `json:"participant_id"`
}

// RoomJoinPayload requests membership in a room. AfterSeq is the replay cursor:
// on rejoin the server only returns messages with seq greater than it.
type RoomJoinPayload struct {
	RoomID   string `json:"room_id"`
	AfterSeq *int64 `json:"after_seq,omitempty"`
}

// RoomJoinedPayload confirms a join and carries the history snapshot.
type RoomJoinedPayload struct {
	Room     Room      `json:"room"`
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}

// RoomLeavePayload leaves a room.
type RoomLeavePayload struct {
	RoomID string `json:"room_id"`
}

// MessageSendPayload requests sending a message into a room.
type MessageSendPayload struct {
	RoomID string `json:"room_id"`
	Text   string `json:"text"`
}

// MessageAckPayload confirms a send to the originating connection.
// It carries the same message the room broadcast carries.
type MessageAckPayload struct {
	Message Message `json:"message"`
}

// MessageNewPayload is broadcast to all room members when a message is accepted.
type MessageNewPayload struct {
	Message Message `json:"message"`
}

// HistoryFetchPayload requests a history window for a room.
type HistoryFetchPayload struct {
	RoomID   string `json:"room_id"`
	AfterSeq *int64 `json:"after_seq,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// HistoryChunkPayload returns messages for a history fetch request.
type HistoryChunkPayload struct {
	RoomID   string    `json:"room_id"`
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}

// PeerJoinedPayload notifies room members that a participant joined.
type PeerJoinedPayload struct {
	RoomID        string `json:"room_id"`
	ParticipantID string `json:"participant_id"`
}

// PeerLeftPayload notifies room members that a participant left.
type PeerLeftPayload struct {
	RoomID        string `json:"room_id"`
	ParticipantID string `json:"participant_id"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

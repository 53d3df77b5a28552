package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	v1 "ember/shared/contracts/chat/v1"

	"github.com/coder/websocket"
)

// SessionState is the connection lifecycle of a client session.
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateActive
	StateReconnecting
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session event kinds surfaced to the UI layer.
const (
	EventJoined       = "joined"
	EventMessage      = "message"
	EventPeerJoined   = "peer_joined"
	EventPeerLeft     = "peer_left"
	EventError        = "error"
	EventDisconnected = "disconnected"
)

// SessionEvent is what the session exposes to its consumer.
type SessionEvent struct {
	Kind    string
	RoomID  string
	Message *Message
	Peer    string
	Code    string
	Reason  string
}

// SessionConfig configures a client session.
type SessionConfig struct {
	URL    string // e.g. ws://127.0.0.1:8080/ws
	Origin string
	Token  string

	// Reconnection policy: bounded attempts with doubling delay, after which
	// the session surfaces a terminal disconnected state.
	MaxReconnectAttempts int           // default 5
	ReconnectBackoff     time.Duration // default 500ms

	EventBuffer int // default 256
	DialTimeout time.Duration

	Log *slog.Logger
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = 500 * time.Millisecond
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return c
}

type sessionRoom struct {
	msgs    []Message // ordered by Seq
	seen    map[string]struct{}
	lastSeq int64
}

// Session is the client-side adapter: one logical connection per user.
//
// It keeps a local message list per joined room keyed by the server-assigned
// message id, dropping duplicates silently (the sender receives both a direct
// ack and the room broadcast echo). On reconnect it re-joins all tracked
// rooms with the last seen seq as the replay cursor, so already-seen history
// is not resent.
type Session struct {
	cfg SessionConfig
	log *slog.Logger

	mu            sync.Mutex
	state         SessionState
	conn          *websocket.Conn
	rooms         map[string]*sessionRoom
	sessionID     string
	participantID string
	closed        bool

	events chan SessionEvent
}

// NewSession constructs a session; call Connect to go live.
func NewSession(cfg SessionConfig) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		cfg:    cfg,
		log:    cfg.Log,
		state:  StateConnecting,
		rooms:  make(map[string]*sessionRoom),
		events: make(chan SessionEvent, cfg.EventBuffer),
	}
}

// Connect dials the gateway, performs the hello handshake, and starts the
// receive loop. A handshake rejection (e.g. bad credential) is terminal.
func (s *Session) Connect(ctx context.Context) error {
	conn, err := s.dial(ctx)
	if err != nil {
		s.setState(StateClosed)
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.state = StateActive
	s.mu.Unlock()

	go s.run(conn)
	return nil
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SessionID returns the server-assigned session id (after Connect).
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Events returns the inbound event stream.
func (s *Session) Events() <-chan SessionEvent {
	return s.events
}

// Join subscribes to a room. On rejoin the last seen seq is sent as the
// replay cursor so the server only returns newer messages.
func (s *Session) Join(ctx context.Context, roomID string) error {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return ErrInvalidRequest
	}

	s.mu.Lock()
	st, ok := s.rooms[roomID]
	if !ok {
		st = &sessionRoom{seen: make(map[string]struct{})}
		s.rooms[roomID] = st
	}
	var afterSeq *int64
	if st.lastSeq > 0 {
		cursor := st.lastSeq
		afterSeq = &cursor
	}
	s.mu.Unlock()

	return s.write(ctx, newEnvelope(v1.TypeRoomJoin, v1.RoomJoinPayload{RoomID: roomID, AfterSeq: afterSeq}))
}

// Leave unsubscribes from a room. Local history is kept.
func (s *Session) Leave(ctx context.Context, roomID string) error {
	s.mu.Lock()
	delete(s.rooms, roomID)
	s.mu.Unlock()

	return s.write(ctx, newEnvelope(v1.TypeRoomLeave, v1.RoomLeavePayload{RoomID: roomID}))
}

// Send submits a message. There is no optimistic local echo: the message
// appears in Messages only once the server acknowledgment or broadcast
// arrives, keeping the store the single source of truth for ordering.
func (s *Session) Send(ctx context.Context, roomID, text string) error {
	return s.write(ctx, newEnvelope(v1.TypeMessageSend, v1.MessageSendPayload{RoomID: roomID, Text: text}))
}

// Messages returns a copy of the local message list for a room, in total order.
func (s *Session) Messages(roomID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.rooms[roomID]
	if st == nil {
		return nil
	}
	return append([]Message(nil), st.msgs...)
}

// Close performs a clean disconnect: no reconnection is attempted.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.state = StateClosed
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "bye")
	}
	return nil
}

// ---- internals ----

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()

	h := http.Header{}
	if s.cfg.Origin != "" {
		h.Set("Origin", s.cfg.Origin)
	}
	if s.cfg.Token != "" {
		h.Set("Authorization", "Bearer "+s.cfg.Token)
	}

	conn, resp, err := websocket.Dial(dialCtx, s.cfg.URL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	conn.SetReadLimit(maxFrameBytes)

	if err := s.helloExchange(dialCtx, conn); err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "hello failed")
		return nil, err
	}
	return conn, nil
}

func (s *Session) helloExchange(ctx context.Context, conn *websocket.Conn) error {
	if err := writeEnvelope(ctx, conn, newEnvelope(v1.TypeHello, v1.HelloPayload{}), s.cfg.DialTimeout); err != nil {
		return fmt.Errorf("hello: %w", err)
	}

	// The first few frames may interleave with broadcasts on reconnect.
	for i := 0; i < 8; i++ {
		env, err := readEnvelope(ctx, conn)
		if err != nil {
			return fmt.Errorf("hello ack: %w", err)
		}
		if env.Type != v1.TypeHelloAck {
			s.dispatch(env)
			continue
		}

		var p v1.HelloAckPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("hello ack payload: %w", err)
		}

		s.mu.Lock()
		s.sessionID = p.SessionID
		s.participantID = p.ParticipantID
		s.mu.Unlock()
		return nil
	}
	return errors.New("hello ack not received")
}

func (s *Session) write(ctx context.Context, env v1.Envelope) error {
	s.mu.Lock()
	conn := s.conn
	state := s.state
	s.mu.Unlock()

	if conn == nil || state != StateActive {
		return fmt.Errorf("%w: session %s", ErrTransientIO, state)
	}
	return writeEnvelope(ctx, conn, env, s.cfg.DialTimeout)
}

// run owns the receive loop across reconnects.
func (s *Session) run(conn *websocket.Conn) {
	for {
		s.readLoop(conn)

		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}

		next, ok := s.reconnect()
		if !ok {
			s.terminate()
			return
		}
		conn = next
	}
}

func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		env, err := readEnvelope(context.Background(), conn)
		if err != nil {
			return
		}
		s.dispatch(env)
	}
}

func (s *Session) dispatch(env v1.Envelope) {
	switch env.Type {
	case v1.TypeMessageNew:
		var p v1.MessageNewPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			s.ingest(fromWire(p.Message))
		}

	case v1.TypeMessageAck:
		var p v1.MessageAckPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			s.ingest(fromWire(p.Message))
		}

	case v1.TypeRoomJoined:
		var p v1.RoomJoinedPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, m := range p.Messages {
				s.ingest(fromWire(m))
			}
			s.emit(SessionEvent{Kind: EventJoined, RoomID: p.Room.ID})
		}

	case v1.TypeHistoryChunk:
		var p v1.HistoryChunkPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, m := range p.Messages {
				s.ingest(fromWire(m))
			}
		}

	case v1.TypePeerJoined:
		var p v1.PeerJoinedPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			s.emit(SessionEvent{Kind: EventPeerJoined, RoomID: p.RoomID, Peer: p.ParticipantID})
		}

	case v1.TypePeerLeft:
		var p v1.PeerLeftPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			s.emit(SessionEvent{Kind: EventPeerLeft, RoomID: p.RoomID, Peer: p.ParticipantID})
		}

	case v1.TypeError:
		var p v1.ErrorPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			s.emit(SessionEvent{Kind: EventError, Code: p.Code, Reason: p.Message})
		}
	}
}

// ingest merges a message into the room's local list, keyed by server id.
// A duplicate identity (ack + broadcast echo) is dropped silently.
func (s *Session) ingest(m Message) {
	if m.ID == "" || m.RoomID == "" {
		return
	}

	s.mu.Lock()
	st, ok := s.rooms[m.RoomID]
	if !ok {
		st = &sessionRoom{seen: make(map[string]struct{})}
		s.rooms[m.RoomID] = st
	}
	if _, dup := st.seen[m.ID]; dup {
		s.mu.Unlock()
		return
	}
	st.seen[m.ID] = struct{}{}

	// Insert preserving seq order; replayed history may interleave with
	// live broadcasts during a rejoin.
	i := sort.Search(len(st.msgs), func(i int) bool { return st.msgs[i].Seq > m.Seq })
	st.msgs = append(st.msgs, Message{})
	copy(st.msgs[i+1:], st.msgs[i:])
	st.msgs[i] = m

	if m.Seq > st.lastSeq {
		st.lastSeq = m.Seq
	}
	s.mu.Unlock()

	s.emit(SessionEvent{Kind: EventMessage, RoomID: m.RoomID, Message: &m})
}

// reconnect attempts to re-establish the connection with bounded exponential
// backoff and re-joins every tracked room with its replay cursor.
func (s *Session) reconnect() (*websocket.Conn, bool) {
	s.setState(StateReconnecting)

	delay := s.cfg.ReconnectBackoff
	for attempt := 1; attempt <= s.cfg.MaxReconnectAttempts; attempt++ {
		time.Sleep(delay)
		delay *= 2

		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nil, false
		}

		conn, err := s.dial(context.Background())
		if err != nil {
			s.log.Info("session.reconnect.fail", "attempt", attempt, "err", err)
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.state = StateActive
		rooms := make([]string, 0, len(s.rooms))
		for id := range s.rooms {
			rooms = append(rooms, id)
		}
		s.mu.Unlock()

		for _, roomID := range rooms {
			if err := s.Join(context.Background(), roomID); err != nil {
				s.log.Info("session.rejoin.fail", "room_id", roomID, "err", err)
			}
		}

		s.log.Info("session.reconnected", "attempt", attempt)
		return conn, true
	}
	return nil, false
}

// terminate surfaces the terminal disconnected state after retries are exhausted.
func (s *Session) terminate() {
	s.mu.Lock()
	s.closed = true
	s.state = StateClosed
	s.conn = nil
	s.mu.Unlock()

	s.emit(SessionEvent{Kind: EventDisconnected, Reason: "reconnect attempts exhausted"})
}

func (s *Session) setState(st SessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) emit(ev SessionEvent) {
	select {
	case s.events <- ev:
	default:
		// Consumer is not draining; dropping beats blocking the read loop.
	}
}

func fromWire(m v1.Message) Message {
	return Message{
		ID:       m.ID,
		RoomID:   m.RoomID,
		Sender:   m.Sender,
		Text:     m.Text,
		Seq:      m.Seq,
		ServerTS: m.ServerTS,
	}
}

package chat

import (
	"context"
	"net/url"
	"testing"
	"time"
)

func wsURLFor(t *testing.T, baseHTTPURL string) string {
	t.Helper()
	u, err := url.Parse(baseHTTPURL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"
	return u.String()
}

func waitForEvent(t *testing.T, s *Session, kind string, timeout time.Duration) SessionEvent {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-s.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q event", kind)
		}
	}
}

func waitForMessages(t *testing.T, s *Session, roomID string, want int, timeout time.Duration) []Message {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if msgs := s.Messages(roomID); len(msgs) >= want {
			return msgs
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages, have %d", want, len(s.Messages(roomID)))
	return nil
}

func TestSession_IngestDedupesByServerIdentity(t *testing.T) {
	s := NewSession(SessionConfig{URL: "ws://unused/ws", Log: newTestLogger()})

	m := Message{ID: "msg-1", RoomID: "room-1", Sender: "alice", Text: "hi", Seq: 1}
	s.ingest(m)
	s.ingest(m) // ack and broadcast echo carry the same identity

	if got := s.Messages("room-1"); len(got) != 1 {
		t.Fatalf("expected 1 message after duplicate ingest, got %d", len(got))
	}
}

func TestSession_IngestOrdersBySeq(t *testing.T) {
	s := NewSession(SessionConfig{URL: "ws://unused/ws", Log: newTestLogger()})

	// Replayed history can interleave with live frames out of order.
	s.ingest(Message{ID: "m3", RoomID: "room-1", Sender: "a", Text: "3", Seq: 3})
	s.ingest(Message{ID: "m1", RoomID: "room-1", Sender: "a", Text: "1", Seq: 1})
	s.ingest(Message{ID: "m2", RoomID: "room-1", Sender: "a", Text: "2", Seq: 2})

	got := s.Messages("room-1")
	if len(got) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(got))
	}
	for i, m := range got {
		if m.Seq != int64(i+1) {
			t.Fatalf("expected seq %d at position %d, got %d", i+1, i, m.Seq)
		}
	}
}

func TestSession_LiveRoundTripDedupesAckAndBroadcast(t *testing.T) {
	store := NewInMemoryStore()
	room := mustCreateRoom(t, store, "alice", "bob")
	gw, _ := newTestGateway(t, store)
	ts := startWSTestServer(t, gw)
	defer ts.Close()

	s := NewSession(SessionConfig{
		URL:   wsURLFor(t, ts.URL),
		Token: "tok-alice",
		Log:   newTestLogger(),
	})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer func() { _ = s.Close() }()

	if st := s.State(); st != StateActive {
		t.Fatalf("expected active session, got %s", st)
	}
	if s.SessionID() == "" {
		t.Fatal("expected a server-assigned session id")
	}

	if err := s.Join(context.Background(), room.ID); err != nil {
		t.Fatalf("Join: %v", err)
	}
	waitForEvent(t, s, EventJoined, 5*time.Second)

	if err := s.Send(context.Background(), room.ID, "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitForMessages(t, s, room.ID, 1, 5*time.Second)

	// The sender receives the message twice (ack and broadcast); the local
	// list must still hold it exactly once.
	time.Sleep(200 * time.Millisecond)
	msgs := s.Messages(room.ID)
	if len(msgs) != 1 {
		t.Fatalf("expected exactly 1 message after dedupe, got %d", len(msgs))
	}
	if msgs[0].Sender != "alice" || msgs[0].Text != "hello" || msgs[0].Seq != 1 {
		t.Fatalf("unexpected message: %+v", msgs[0])
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if st := s.State(); st != StateClosed {
		t.Fatalf("expected closed session, got %s", st)
	}
}

func TestSession_ReconnectReplaysOnlyAfterCursor(t *testing.T) {
	store := NewInMemoryStore()
	room := mustCreateRoom(t, store, "alice", "bob")
	gw, broker := newTestGateway(t, store)
	ts := startWSTestServer(t, gw)
	defer ts.Close()

	s := NewSession(SessionConfig{
		URL:                  wsURLFor(t, ts.URL),
		Token:                "tok-alice",
		MaxReconnectAttempts: 5,
		ReconnectBackoff:     20 * time.Millisecond,
		Log:                  newTestLogger(),
	})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer func() { _ = s.Close() }()

	if err := s.Join(context.Background(), room.ID); err != nil {
		t.Fatalf("Join: %v", err)
	}
	waitForEvent(t, s, EventJoined, 5*time.Second)

	if _, err := broker.Send(context.Background(), "bob", room.ID, "before the drop"); err != nil {
		t.Fatalf("server send: %v", err)
	}
	waitForMessages(t, s, room.ID, 1, 5*time.Second)

	// Kill the transport out from under the session; it must come back on
	// its own and rejoin with the cursor.
	ts.CloseClientConnections()

	if _, err := broker.Send(context.Background(), "bob", room.ID, "while away"); err != nil {
		t.Fatalf("server send: %v", err)
	}

	msgs := waitForMessages(t, s, room.ID, 2, 10*time.Second)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages after reconnect, got %d", len(msgs))
	}
	if msgs[0].Seq != 1 || msgs[1].Seq != 2 {
		t.Fatalf("expected seqs [1 2] with no replay duplicates, got [%d %d]", msgs[0].Seq, msgs[1].Seq)
	}
	if msgs[1].Text != "while away" {
		t.Fatalf("expected the offline message to be replayed, got %q", msgs[1].Text)
	}

	// Still exactly one copy of the first message.
	time.Sleep(200 * time.Millisecond)
	if got := s.Messages(room.ID); len(got) != 2 {
		t.Fatalf("replay introduced duplicates: %d messages", len(got))
	}
}

func TestSession_ExhaustedReconnectsAreTerminal(t *testing.T) {
	store := NewInMemoryStore()
	gw, _ := newTestGateway(t, store)
	ts := startWSTestServer(t, gw)

	s := NewSession(SessionConfig{
		URL:                  wsURLFor(t, ts.URL),
		Token:                "tok-alice",
		MaxReconnectAttempts: 2,
		ReconnectBackoff:     10 * time.Millisecond,
		Log:                  newTestLogger(),
	})
	if err := s.Connect(context.Background()); err != nil {
		ts.Close()
		t.Fatalf("Connect: %v", err)
	}

	ts.CloseClientConnections()
	ts.Close()

	ev := waitForEvent(t, s, EventDisconnected, 10*time.Second)
	if ev.Reason == "" {
		t.Fatal("expected a terminal disconnect reason")
	}
	if st := s.State(); st != StateClosed {
		t.Fatalf("expected closed state after exhausted retries, got %s", st)
	}
}

package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ember/cmd/internal/auth"
	"ember/cmd/internal/chat"
)

func newTestHandler(t *testing.T) (*Handler, chat.Store) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := chat.NewInMemoryStore()
	directory := chat.NewDirectory(log, store)
	registry := chat.NewRegistry(log)

	broker, err := chat.NewBroker(log, store, directory, registry, nil, nil)
	if err != nil {
		t.Fatalf("NewBroker: %v", err)
	}

	h, err := NewHandler(log, directory, broker, auth.StaticResolver{
		"tok-alice": "alice",
		"tok-bob":   "bob",
		"tok-carol": "carol",
	})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	return h, store
}

func startAPITestServer(t *testing.T, h *Handler) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	return httptest.NewServer(mux)
}

func doJSON(t *testing.T, method, url, bearer string, body any) (*http.Response, []byte) {
	t.Helper()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	data, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	return resp, data
}

func TestHandler_RoomCreateThenFind(t *testing.T) {
	h, _ := newTestHandler(t)
	ts := startAPITestServer(t, h)
	defer ts.Close()

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/v1/rooms", "tok-alice", roomCreateRequest{
		Participants: []string{"alice", "bob"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 on first create, got %d: %s", resp.StatusCode, body)
	}
	var created roomResponse
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !created.Created || created.Room.ID == "" {
		t.Fatalf("unexpected create response: %+v", created)
	}

	// The other participant finds the same room, with the set reversed.
	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/v1/rooms", "tok-bob", roomCreateRequest{
		Participants: []string{"bob", "alice"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on re-create, got %d: %s", resp.StatusCode, body)
	}
	var found roomResponse
	if err := json.Unmarshal(body, &found); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if found.Created || found.Room.ID != created.Room.ID {
		t.Fatalf("expected the existing room back, got %+v", found)
	}
}

func TestHandler_RoomCreateAuthz(t *testing.T) {
	h, _ := newTestHandler(t)
	ts := startAPITestServer(t, h)
	defer ts.Close()

	// No credential.
	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/v1/rooms", "", roomCreateRequest{
		Participants: []string{"alice", "bob"},
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credential, got %d", resp.StatusCode)
	}

	// Caller outside the participant set.
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/v1/rooms", "tok-carol", roomCreateRequest{
		Participants: []string{"alice", "bob"},
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for caller outside set, got %d", resp.StatusCode)
	}

	// Degenerate set.
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/v1/rooms", "tok-alice", roomCreateRequest{
		Participants: []string{"alice"},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for single-member set, got %d", resp.StatusCode)
	}
}

func TestHandler_RoomList(t *testing.T) {
	h, store := newTestHandler(t)
	ts := startAPITestServer(t, h)
	defer ts.Close()

	room, _, err := store.FindOrCreateRoom(context.Background(), []string{"alice", "bob"}, time.Now().UTC())
	if err != nil {
		t.Fatalf("FindOrCreateRoom: %v", err)
	}
	if _, err := store.AppendMessage(context.Background(), chat.AppendInput{
		RoomID: room.ID, Sender: "bob", Text: "latest",
	}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/v1/rooms", "tok-alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	var out roomListResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Rooms) != 1 {
		t.Fatalf("expected 1 room, got %d", len(out.Rooms))
	}
	if out.Rooms[0].LastMessage == nil || out.Rooms[0].LastMessage.Text != "latest" {
		t.Fatalf("expected last message preview, got %+v", out.Rooms[0].LastMessage)
	}

	// carol has no rooms.
	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/v1/rooms", "tok-carol", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Rooms) != 0 {
		t.Fatalf("expected no rooms for carol, got %d", len(out.Rooms))
	}
}

func TestHandler_History(t *testing.T) {
	h, store := newTestHandler(t)
	ts := startAPITestServer(t, h)
	defer ts.Close()

	room, _, err := store.FindOrCreateRoom(context.Background(), []string{"alice", "bob"}, time.Now().UTC())
	if err != nil {
		t.Fatalf("FindOrCreateRoom: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := store.AppendMessage(context.Background(), chat.AppendInput{
			RoomID: room.ID, Sender: "alice", Text: fmt.Sprintf("m%d", i),
		}); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	resp, body := doJSON(t, http.MethodGet,
		ts.URL+"/api/v1/rooms/"+room.ID+"/messages?after_seq=2&limit=2", "tok-alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	var out historyResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Messages) != 2 || out.Messages[0].Seq != 3 || out.Messages[1].Seq != 4 {
		t.Fatalf("expected seqs [3 4], got %+v", out.Messages)
	}
	if !out.HasMore {
		t.Fatal("expected has_more")
	}

	// Non-member is refused, missing room is 404.
	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/v1/rooms/"+room.ID+"/messages", "tok-carol", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-member, got %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/v1/rooms/no-such-room/messages", "tok-alice", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for missing room, got %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/v1/rooms/"+room.ID+"/messages?after_seq=nope", "tok-alice", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad cursor, got %d", resp.StatusCode)
	}
}

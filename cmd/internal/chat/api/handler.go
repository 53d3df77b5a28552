// Package chatapi exposes the request/response surface of the chat core:
// room find-or-create, room listings, and history paging. The realtime path
// lives in the websocket gateway; both share the same directory and store so
// access rules cannot drift between them.
package chatapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"ember/cmd/internal/auth"
	"ember/cmd/internal/chat"
	v1 "ember/shared/contracts/chat/v1"
)

const maxBodyBytes = 64 << 10

// Handler wires the HTTP chat endpoints.
type Handler struct {
	log       *slog.Logger
	directory *chat.Directory
	broker    *chat.Broker
	resolver  auth.Resolver
}

// NewHandler constructs the chat API handler.
func NewHandler(log *slog.Logger, directory *chat.Directory, broker *chat.Broker, resolver auth.Resolver) (*Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	if directory == nil || broker == nil || resolver == nil {
		return nil, errors.New("chatapi: nil dependency")
	}
	return &Handler{log: log, directory: directory, broker: broker, resolver: resolver}, nil
}

// Register wires chat routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /api/v1/rooms", h.handleRoomCreate)
	mux.HandleFunc("GET /api/v1/rooms", h.handleRoomList)
	mux.HandleFunc("GET /api/v1/rooms/{id}/messages", h.handleHistory)
}

type roomCreateRequest struct {
	Participants []string `json:"participants"`
}

type roomResponse struct {
	Room    v1.Room `json:"room"`
	Created bool    `json:"created"`
}

type roomListResponse struct {
	Rooms []roomListEntry `json:"rooms"`
}

type roomListEntry struct {
	Room        v1.Room     `json:"room"`
	LastMessage *v1.Message `json:"last_message,omitempty"`
}

type historyResponse struct {
	Messages []v1.Message `json:"messages"`
	HasMore  bool         `json:"has_more"`
}

// ---- handlers ----

func (h *Handler) handleRoomCreate(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var req roomCreateRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	room, created, err := h.directory.FindOrCreate(r.Context(), caller, req.Participants)
	if err != nil {
		h.writeTaxonomyError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, roomResponse{Room: wireRoom(room), Created: created})
}

func (h *Handler) handleRoomList(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	summaries, err := h.directory.ListRoomsFor(r.Context(), caller)
	if err != nil {
		h.writeTaxonomyError(w, err)
		return
	}

	out := roomListResponse{Rooms: make([]roomListEntry, 0, len(summaries))}
	for _, s := range summaries {
		entry := roomListEntry{Room: wireRoom(s.Room)}
		if s.LastMessage != nil {
			m := wireMessage(*s.LastMessage)
			entry.LastMessage = &m
		}
		out.Rooms = append(out.Rooms, entry)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	roomID := strings.TrimSpace(r.PathValue("id"))
	if roomID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing room id")
		return
	}

	var afterSeq *int64
	if raw := strings.TrimSpace(r.URL.Query().Get("after_seq")); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "after_seq must be a non-negative integer")
			return
		}
		afterSeq = &n
	}

	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	hist, err := h.broker.History(r.Context(), caller, roomID, afterSeq, limit)
	if err != nil {
		h.writeTaxonomyError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, historyResponse{
		Messages: wireMessages(hist.Messages),
		HasMore:  hist.HasMore,
	})
}

// ---- helpers ----

// authenticate resolves the bearer credential to a participant id, writing a
// 401 response itself when the credential is missing or invalid.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	credential := ""
	if v := strings.TrimSpace(r.Header.Get("Authorization")); v != "" {
		const prefix = "Bearer "
		if len(v) > len(prefix) && strings.EqualFold(v[:len(prefix)], prefix) {
			credential = strings.TrimSpace(v[len(prefix):])
		}
	}
	if credential == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer credential")
		return "", false
	}

	participant, err := h.resolver.Resolve(r.Context(), credential)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid credential")
		return "", false
	}
	return participant, true
}

func (h *Handler) writeTaxonomyError(w http.ResponseWriter, err error) {
	code := chat.ErrorCode(err)
	switch {
	case errors.Is(err, chat.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, code, "not authorized for this operation")
	case errors.Is(err, chat.ErrForbidden):
		writeError(w, http.StatusForbidden, code, "not a participant of this room")
	case errors.Is(err, chat.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, code, "invalid request")
	case errors.Is(err, chat.ErrNotFound):
		writeError(w, http.StatusNotFound, code, "room not found")
	case errors.Is(err, chat.ErrTransientIO):
		writeError(w, http.StatusServiceUnavailable, code, "temporary storage failure, retry")
	default:
		h.log.Error("chatapi.internal", "err", err)
		writeError(w, http.StatusInternalServerError, code, "internal error")
	}
}

func wireRoom(r chat.Room) v1.Room {
	return v1.Room{
		ID:           r.ID,
		Participants: r.Participants,
		CreatedAt:    r.CreatedAt,
		LastActivity: r.LastActivity,
	}
}

func wireMessage(m chat.Message) v1.Message {
	return v1.Message{
		ID:       m.ID,
		RoomID:   m.RoomID,
		Sender:   m.Sender,
		Text:     m.Text,
		Seq:      m.Seq,
		ServerTS: m.ServerTS,
	}
}

func wireMessages(in []chat.Message) []v1.Message {
	out := make([]v1.Message, 0, len(in))
	for _, m := range in {
		out = append(out, wireMessage(m))
	}
	return out
}

package rooms

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/confmesh/confmesh/internal/httpserver"
	"github.com/confmesh/confmesh/internal/idgen"
)

const (
	maxRequestBodyBytes = 16 * 1024
	maxNameLength       = 128
	maxMessageLength    = 4096
	roomListLimit       = 100

	// Code allocation retries before giving up on a collision streak.
	createRoomAttempts = 3
)

// Handler serves the room HTTP API consumed by conference clients:
// room create/lookup/list plus per-room chat history.
type Handler struct {
	log            *slog.Logger
	store          Store
	roomCodeLength int
	historyCap     int
}

func NewHandler(log *slog.Logger, store Store, roomCodeLength, historyCap int) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		log:            log,
		store:          store,
		roomCodeLength: roomCodeLength,
		historyCap:     historyCap,
	}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/rooms", h.handleCreateRoom)
	mux.HandleFunc("GET /api/rooms", h.handleListRooms)
	mux.HandleFunc("GET /api/rooms/{code}", h.handleGetRoom)
	mux.HandleFunc("POST /api/rooms/{code}/messages", h.handleAppendMessage)
	mux.HandleFunc("GET /api/rooms/{code}/messages", h.handleListMessages)
}

type createRoomRequest struct {
	Name    string `json:"name"`
	OwnerID string `json:"ownerId"`
}

func (h *Handler) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.OwnerID = strings.TrimSpace(req.OwnerID)
	if req.Name == "" || len(req.Name) > maxNameLength {
		writeError(w, http.StatusBadRequest, "invalid_name")
		return
	}
	if req.OwnerID == "" {
		writeError(w, http.StatusBadRequest, "invalid_owner")
		return
	}

	for attempt := 0; attempt < createRoomAttempts; attempt++ {
		code, err := idgen.NewRoomCode(h.roomCodeLength)
		if err != nil {
			h.log.Error("room code generation failed", "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error")
			return
		}
		room := Room{
			Code:      code,
			Name:      req.Name,
			OwnerID:   req.OwnerID,
			CreatedAt: time.Now().UTC(),
		}
		err = h.store.CreateRoom(r.Context(), room)
		if errors.Is(err, ErrExists) {
			continue
		}
		if errors.Is(err, ErrUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "store_unavailable")
			return
		}
		if err != nil {
			h.log.Error("create room failed", "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error")
			return
		}
		h.log.Info("room created", "room_code", room.Code, "owner_id", room.OwnerID)
		httpserver.WriteJSON(w, http.StatusCreated, map[string]any{"room": room})
		return
	}
	writeError(w, http.StatusInternalServerError, "code_allocation_failed")
}

func (h *Handler) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	room, err := h.store.GetRoom(r.Context(), code)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"room": room})
}

func (h *Handler) handleListRooms(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.ListRooms(r.Context(), roomListLimit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if list == nil {
		list = []Room{}
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"rooms": list})
}

type appendMessageRequest struct {
	AuthorID   string `json:"authorId"`
	AuthorName string `json:"authorName"`
	Text       string `json:"text"`
}

func (h *Handler) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")

	var req appendMessageRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	req.AuthorID = strings.TrimSpace(req.AuthorID)
	req.AuthorName = strings.TrimSpace(req.AuthorName)
	if req.AuthorID == "" || req.AuthorName == "" || len(req.AuthorName) > maxNameLength {
		writeError(w, http.StatusBadRequest, "invalid_author")
		return
	}
	if strings.TrimSpace(req.Text) == "" || len(req.Text) > maxMessageLength {
		writeError(w, http.StatusBadRequest, "invalid_text")
		return
	}

	msg := Message{
		ID:         idgen.NewULID(),
		RoomCode:   code,
		AuthorID:   req.AuthorID,
		AuthorName: req.AuthorName,
		Text:       req.Text,
		SentAt:     time.Now().UTC(),
	}
	if err := h.store.AppendMessage(r.Context(), msg); err != nil {
		writeStoreError(w, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusCreated, map[string]any{"message": msg})
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	msgs, err := h.store.ListMessages(r.Context(), code, h.historyCap)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if msgs == nil {
		msgs = []Message{}
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return false
	}
	return true
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "room_not_found")
	case errors.Is(err, ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "store_unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error")
	}
}

func writeError(w http.ResponseWriter, status int, code string) {
	httpserver.WriteJSON(w, status, map[string]any{"error": code})
}

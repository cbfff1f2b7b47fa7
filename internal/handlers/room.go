package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/SteamVC/RoomWatch/internal/models"
	"github.com/go-chi/chi/v5"
)

// RoomBrowser はルーム閲覧のサービスです（service.RoomService が満たします）
type RoomBrowser interface {
	List(ctx context.Context, query string, limit int) ([]models.Room, error)
	Get(ctx context.Context, roomID string) (models.Room, error)
}

type RoomHandler struct {
	svc RoomBrowser
}

func NewRoomHandler(s RoomBrowser) *RoomHandler { return &RoomHandler{svc: s} }

// List は GET /rooms?q=&limit= を処理します
func (h *RoomHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	query := normalizeID(r.URL.Query().Get("q"))

	rooms, err := h.svc.List(r.Context(), query, limit)
	if err != nil {
		slog.Warn("list rooms error", "query", query, "err", err)
		writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"rooms": rooms, "count": len(rooms)})
}

func (h *RoomHandler) Get(w http.ResponseWriter, r *http.Request) {
	roomId := normalizeID(chi.URLParam(r, "roomId"))
	if err := validateRoomId(roomId); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	room, err := h.svc.Get(r.Context(), roomId)
	if err != nil {
		slog.Warn("get room error", "roomId", roomId, "err", err)
		writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"room": room})
}

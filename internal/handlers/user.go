package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/SteamVC/RoomWatch/internal/models"
	"github.com/go-chi/chi/v5"
)

// UserFinder はユーザー検索のサービスです（service.UserService が満たします）
type UserFinder interface {
	Lookup(ctx context.Context, username string) (models.UserDetail, error)
	History(ctx context.Context, username string) (models.UserHistory, error)
}

type UserHandler struct {
	svc UserFinder
}

func NewUserHandler(s UserFinder) *UserHandler { return &UserHandler{svc: s} }

func (h *UserHandler) Lookup(w http.ResponseWriter, r *http.Request) {
	username := normalizeID(chi.URLParam(r, "username"))
	if err := validateUsername(username); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	user, err := h.svc.Lookup(r.Context(), username)
	if err != nil {
		slog.Warn("lookup user error", "username", username, "err", err)
		writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (h *UserHandler) History(w http.ResponseWriter, r *http.Request) {
	username := normalizeID(chi.URLParam(r, "username"))
	if err := validateUsername(username); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	hist, err := h.svc.History(r.Context(), username)
	if err != nil {
		slog.Warn("user history error", "username", username, "err", err)
		writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, hist)
}

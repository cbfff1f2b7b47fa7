package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/SteamVC/RoomWatch/internal/models"
	"github.com/SteamVC/RoomWatch/internal/monitor"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// MonitorRegistry はプレゼンス監視のサービスです（service.MonitorService が満たします）
type MonitorRegistry interface {
	Watch(ctx context.Context, username string) (models.MonitorStatus, error)
	Unwatch(ctx context.Context, username string) error
	Status(ctx context.Context, username string) (models.MonitorStatus, error)
	List(ctx context.Context) ([]models.MonitorStatus, error)
	Stream(ctx context.Context, username string, sink monitor.Sink) error
}

// MonitorHandler は監視リストのREST APIと接続ごとの監視ストリームを処理します
type MonitorHandler struct {
	svc      MonitorRegistry
	upgrader websocket.Upgrader
}

func NewMonitorHandler(s MonitorRegistry, checkOrigin func(r *http.Request) bool) *MonitorHandler {
	return &MonitorHandler{svc: s, upgrader: newUpgrader(checkOrigin)}
}

type watchRequest struct {
	Username string `json:"username"`
}

func (r watchRequest) validate() error {
	return validateUsername(r.Username)
}

func (h *MonitorHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.List(r.Context())
	if err != nil {
		slog.Warn("list monitors error", "err", err)
		writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"monitors": list})
}

func (h *MonitorHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in watchRequest
	if !decodeJSON(w, r, &in) {
		return
	}
	if err := in.validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	st, err := h.svc.Watch(r.Context(), normalizeID(in.Username))
	if err != nil {
		slog.Warn("watch error", "username", in.Username, "err", err)
		writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"success": true, "monitor": st})
}

func (h *MonitorHandler) Get(w http.ResponseWriter, r *http.Request) {
	username := normalizeID(chi.URLParam(r, "username"))
	if err := validateUsername(username); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	st, err := h.svc.Status(r.Context(), username)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"monitor": st})
}

func (h *MonitorHandler) Delete(w http.ResponseWriter, r *http.Request) {
	username := normalizeID(chi.URLParam(r, "username"))
	if err := validateUsername(username); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.svc.Unwatch(r.Context(), username); err != nil {
		slog.Warn("unwatch error", "username", username, "err", err)
		writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

// Stream はこの接続専用の監視を動かし、イベントをそのままJSONで送ります
// 接続が閉じると監視も止まります。監視リストには載りません
func (h *MonitorHandler) Stream(w http.ResponseWriter, r *http.Request) {
	username := normalizeID(chi.URLParam(r, "username"))
	if err := validateUsername(username); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade error", "username", username, "err", err)
		return
	}
	ws := newWSConn(conn)
	defer ws.Close()
	log := slog.With("username", username)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer ws.Close() // 監視が先に終わった場合もreadLoopを抜けさせる
		sink := monitor.SinkFunc(func(e monitor.Event) {
			if err := ws.writeJSON(e); err != nil {
				log.Debug("monitor event dropped", "type", e.Type, "err", err)
				cancel()
			}
		})
		if err := h.svc.Stream(ctx, username, sink); err != nil {
			log.Warn("monitor stream error", "err", err)
		}
	}()

	log.Info("monitor websocket connected")
	ws.readLoop(log)
	cancel()
	<-done
	log.Info("monitor websocket disconnected")
}

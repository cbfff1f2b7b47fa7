package http

import (
	"net/http"

	"github.com/SteamVC/RoomWatch/internal/handlers"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Handlers はルーターに載せるハンドラーの組です
type Handlers struct {
	Rooms    *handlers.RoomHandler
	Users    *handlers.UserHandler
	Monitors *handlers.MonitorHandler
	Chat     *handlers.ChatHandler
}

func NewRouter(h Handlers, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   allowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
			ExposedHeaders:   []string{"Link"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/api/v1/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	r.Route("/api/v1/rooms", func(r chi.Router) {
		r.Get("/", h.Rooms.List)
		r.Get("/{roomId}", h.Rooms.Get)
		// WebSocketエンドポイント
		r.Get("/{roomId}/chat/ws", h.Chat.HandleWebSocket)
	})

	r.Route("/api/v1/users", func(r chi.Router) {
		r.Get("/{username}", h.Users.Lookup)
		r.Get("/{username}/history", h.Users.History)
	})

	r.Route("/api/v1/monitors", func(r chi.Router) {
		r.Get("/", h.Monitors.List)
		r.Post("/", h.Monitors.Create)
		r.Get("/{username}", h.Monitors.Get)
		r.Delete("/{username}", h.Monitors.Delete)
		// WebSocketエンドポイント
		r.Get("/{username}/ws", h.Monitors.Stream)
	})

	return r
}

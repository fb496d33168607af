package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/anonchat/internal/chat"
	"github.com/anonchat/internal/config"
	"github.com/anonchat/internal/metrics"
	"github.com/anonchat/internal/middleware"
	"github.com/anonchat/internal/notify"
	"github.com/anonchat/internal/ws"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
)

const (
	apiRateLimit  = 600
	apiRateWindow = time.Minute
)

// Deps — всё, что нужно мосту UI. Push может быть nil.
type Deps struct {
	Config *config.Config
	Engine *chat.Engine
	Status RelayStatus
	Hub    *ws.Hub
	Push   *notify.WebPush
}

// NewRouter собирает HTTP API моста между UI-оболочкой и движком чатов.
func NewRouter(d Deps) http.Handler {
	chatH := NewChatHandler(d.Engine)
	msgH := NewMessageHandler(d.Engine, d.Config.Limits.MaxImageSize)
	configH := NewConfigHandler(d.Engine, d.Status, d.Push)
	pushH := NewPushHandler(d.Push)
	eventsH := NewEventsHandler(d.Hub, d.Config.CORSAllowedOrigins)

	r := chi.NewRouter()
	r.Use(middleware.RecoverJSON)
	r.Use(metrics.HTTPMiddleware)
	r.Use(middleware.RequestLog)
	r.Use(middleware.LocalOnly)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: splitOrigins(d.Config.CORSAllowedOrigins),
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) })
	r.Handle("/metrics", metrics.Handler())
	r.Get("/events", eventsH.ServeEvents)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.RateLimitAPI(apiRateLimit, apiRateWindow))
		r.Get("/me", configH.GetMe)
		r.Put("/me", configH.UpdateMe)
		r.Get("/stats", configH.GetStats)
		r.Get("/status", configH.GetStatus)
		r.Get("/config/push", configH.GetPushConfig)
		r.Get("/generate", chatH.Generate)
		r.Post("/reset", chatH.Reset)

		r.Get("/chats", chatH.List)
		r.Post("/chats", chatH.Create)
		r.Put("/chats/{id}", chatH.Rename)
		r.Delete("/chats/{id}", chatH.Delete)
		r.Post("/chats/{id}/select", chatH.Select)
		r.Get("/chats/{id}/messages", msgH.List)
		r.Post("/chats/{id}/messages", msgH.Send)
		r.Post("/chats/{id}/images", msgH.SendImage)
		r.Post("/chats/{id}/seen", msgH.Seen)
		r.Get("/images/{id}", msgH.Image)

		r.Post("/push/subscribe", pushH.Subscribe)
		r.Delete("/push/subscribe", pushH.Unsubscribe)
	})
	return r
}

func splitOrigins(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

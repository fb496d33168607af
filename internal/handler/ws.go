package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/anonchat/internal/logger"
	"github.com/anonchat/internal/ws"
	"github.com/gorilla/websocket"
)

// EventsHandler поднимает поток событий движка для UI-оболочки.
type EventsHandler struct {
	hub            *ws.Hub
	allowedOrigins string
}

// NewEventsHandler создаёт обработчик /events. allowedOrigins — как в CORS (через запятую или "*").
func NewEventsHandler(hub *ws.Hub, allowedOrigins string) *EventsHandler {
	return &EventsHandler{hub: hub, allowedOrigins: strings.TrimSpace(allowedOrigins)}
}

func (h *EventsHandler) checkOrigin(r *http.Request) bool {
	if h.allowedOrigins == "*" || h.allowedOrigins == "" {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, o := range strings.Split(h.allowedOrigins, ",") {
		if strings.TrimSpace(o) == origin {
			return true
		}
	}
	return false
}

func (h *EventsHandler) ServeEvents(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("events upgrade: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := ws.NewClient(h.hub, conn)
	client.Start(ctx, cancel)
	h.hub.Register(client)
}

package handler

import (
	"net/http"

	"github.com/anonchat/internal/logger"
	"github.com/anonchat/internal/notify"
)

// PushHandler хранит подписки браузера на Web Push.
type PushHandler struct {
	push *notify.WebPush
}

// NewPushHandler создаёт обработчик push. push может быть nil — тогда 503.
func NewPushHandler(push *notify.WebPush) *PushHandler {
	return &PushHandler{push: push}
}

// SubscribeRequest — тело от фронта (subscription из PushManager.getSubscription()).
type SubscribeRequest struct {
	Subscription notify.Subscription `json:"subscription"`
}

type UnsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	if h.push == nil {
		writeError(w, http.StatusServiceUnavailable, "push not configured")
		return
	}
	var req SubscribeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !req.Subscription.Valid() {
		writeError(w, http.StatusBadRequest, "subscription.endpoint and subscription.keys required")
		return
	}
	if err := h.push.Subscribe(r.Context(), req.Subscription); err != nil {
		logger.Errorf("push subscribe: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to subscribe")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	if h.push == nil {
		writeError(w, http.StatusServiceUnavailable, "push not configured")
		return
	}
	var req UnsubscribeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint required")
		return
	}
	if err := h.push.Unsubscribe(r.Context(), req.Endpoint); err != nil {
		logger.Errorf("push unsubscribe: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to unsubscribe")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

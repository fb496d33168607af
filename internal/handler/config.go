package handler

import (
	"net/http"

	"github.com/anonchat/internal/chat"
	"github.com/anonchat/internal/notify"
	"github.com/anonchat/internal/transport"
)

// RelayStatus — состояние соединения с relay; *transport.Service его реализует.
type RelayStatus interface {
	State() transport.State
	Attempts() int
}

// ConfigHandler отдаёт профиль, статистику relay, состояние соединения и настройки пушей.
type ConfigHandler struct {
	eng    *chat.Engine
	status RelayStatus
	push   *notify.WebPush
}

// NewConfigHandler создаёт обработчик. push может быть nil — пуши выключены.
func NewConfigHandler(eng *chat.Engine, status RelayStatus, push *notify.WebPush) *ConfigHandler {
	return &ConfigHandler{eng: eng, status: status, push: push}
}

type profileResponse struct {
	UserID string `json:"userId"`
}

func (h *ConfigHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, profileResponse{UserID: h.eng.UserID()})
}

// UpdateMe меняет отображаемый id отправителя (до 16 символов).
func (h *ConfigHandler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	var req profileResponse
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.eng.SetUserID(r.Context(), req.UserID); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profileResponse{UserID: h.eng.UserID()})
}

func (h *ConfigHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.eng.Stats())
}

// GetStatus отдаёт состояние соединения с relay и число неудачных попыток подряд.
func (h *ConfigHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"state":    h.status.State().String(),
		"attempts": h.status.Attempts(),
	})
}

// GetPushConfig возвращает публичный VAPID-ключ для подписки на пуши (если включены).
func (h *ConfigHandler) GetPushConfig(w http.ResponseWriter, r *http.Request) {
	if h.push == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":          true,
		"vapid_public_key": h.push.PublicKey(),
	})
}

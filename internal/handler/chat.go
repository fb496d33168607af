package handler

import (
	"net/http"

	"github.com/anonchat/internal/chat"
	"github.com/anonchat/internal/logger"
	"github.com/anonchat/internal/middleware"
	"github.com/go-chi/chi/v5"
)

// ChatHandler управляет списком чатов: добавление, переименование, удаление, выбор.
type ChatHandler struct {
	eng *chat.Engine
}

func NewChatHandler(eng *chat.Engine) *ChatHandler {
	return &ChatHandler{eng: eng}
}

type CreateChatRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Key  string `json:"key"`
}

type RenameChatRequest struct {
	Name string `json:"name"`
}

// List отдаёт чаты с превью последнего сообщения и признаком выбранного.
func (h *ChatHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.eng.Overview())
}

func (h *ChatHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	c, err := h.eng.AddChat(r.Context(), req.ID, req.Name, req.Key)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	logger.Infof("chat added id=%s", middleware.MaskID(c.ID))
	writeJSON(w, http.StatusCreated, c)
}

func (h *ChatHandler) Rename(w http.ResponseWriter, r *http.Request) {
	var req RenameChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.eng.RenameChat(r.Context(), chi.URLParam(r, "id"), req.Name); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Delete удаляет чат вместе с его сообщениями и картинками.
func (h *ChatHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.eng.DeleteChat(r.Context(), id); err != nil {
		writeEngineError(w, err)
		return
	}
	logger.Infof("chat deleted id=%s", middleware.MaskID(id))
	w.WriteHeader(http.StatusNoContent)
}

// Select делает чат активным и возвращает ленту с разделителем непрочитанного.
func (h *ChatHandler) Select(w http.ResponseWriter, r *http.Request) {
	tl, err := h.eng.SelectChat(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tl)
}

// Generate отдаёт случайные id чата и ключ для формы «новый чат».
func (h *ChatHandler) Generate(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"chat_id": chat.NewChatID(),
		"key":     chat.NewKey(),
	})
}

// Reset стирает локальные сообщения и картинки; чаты и ключи остаются.
func (h *ChatHandler) Reset(w http.ResponseWriter, r *http.Request) {
	if err := h.eng.ClearAll(r.Context()); err != nil {
		writeEngineError(w, err)
		return
	}
	logger.Info("local history cleared")
	w.WriteHeader(http.StatusNoContent)
}

package handler

import (
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/anonchat/internal/chat"
	"github.com/go-chi/chi/v5"
)

// multipartSlack — запас на заголовки multipart и подпись сверх размера картинки.
const multipartSlack = 64 << 10

type MessageHandler struct {
	eng          *chat.Engine
	maxImageSize int64
}

func NewMessageHandler(eng *chat.Engine, maxImageSize int64) *MessageHandler {
	return &MessageHandler{eng: eng, maxImageSize: maxImageSize}
}

type SendMessageRequest struct {
	Content string `json:"content"`
}

// List отдаёт ленту чата. Без last_read разделитель считается от сохранённой отметки.
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	lastRead := h.eng.LastRead(id)
	if q := r.URL.Query(); q.Has("last_read") {
		lastRead = q.Get("last_read")
	}
	tl, err := h.eng.LoadTimeline(r.Context(), id, lastRead)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tl)
}

func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	msg, err := h.eng.SendText(r.Context(), chi.URLParam(r, "id"), req.Content)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// SendImage принимает multipart с полями image и caption.
func (h *MessageHandler) SendImage(w http.ResponseWriter, r *http.Request) {
	limit := h.maxImageSize + multipartSlack
	if r.ContentLength > limit {
		h.tooLarge(w)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	file, hdr, err := r.FormFile("image")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			h.tooLarge(w)
			return
		}
		writeError(w, http.StatusBadRequest, "image file required")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read image")
		return
	}
	img := chat.Image{Data: data, ContentType: hdr.Header.Get("Content-Type")}
	msg, err := h.eng.SendImage(r.Context(), chi.URLParam(r, "id"), img, r.FormValue("caption"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *MessageHandler) tooLarge(w http.ResponseWriter) {
	writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{
		Error: "Image is too large (max " + strconv.FormatInt(h.maxImageSize>>20, 10) + " MB)",
		Code:  chat.CodeImageTooLarge,
	})
}

// Seen снимает отметку isNew со всех сообщений чата.
func (h *MessageHandler) Seen(w http.ResponseWriter, r *http.Request) {
	if err := h.eng.MarkSeen(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Image отдаёт сохранённую картинку как бинарный ответ (data URL декодируется).
func (h *MessageHandler) Image(w http.ResponseWriter, r *http.Request) {
	dataURL, ok, err := h.eng.GetImage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "image not found")
		return
	}
	contentType, data, ok := decodeDataURL(dataURL)
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, "stored image is corrupt")
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "private, max-age=31536000, immutable")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func decodeDataURL(s string) (string, []byte, bool) {
	rest, found := strings.CutPrefix(s, "data:")
	if !found {
		return "", nil, false
	}
	meta, payload, found := strings.Cut(rest, ",")
	if !found {
		return "", nil, false
	}
	contentType, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 || !strings.HasPrefix(contentType, "image/") {
		return "", nil, false
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, false
	}
	return contentType, data, true
}

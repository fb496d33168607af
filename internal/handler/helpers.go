package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/anonchat/internal/chat"
	"github.com/anonchat/internal/logger"
	"github.com/anonchat/internal/ratelimit"
)

const maxJSONBody = 1 << 20

type errorResponse struct {
	Error      string `json:"error"`
	Code       string `json:"code,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("writeJSON encode: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// validationStatus сопоставляет код отказа движка с HTTP-статусом.
var validationStatus = map[string]int{
	chat.CodeUnknownChat:   http.StatusNotFound,
	chat.CodeChatExists:    http.StatusConflict,
	chat.CodeChatLimit:     http.StatusConflict,
	chat.CodeRateLimited:   http.StatusTooManyRequests,
	chat.CodeImageTooLarge: http.StatusRequestEntityTooLarge,
	chat.CodeImageType:     http.StatusUnsupportedMediaType,
}

// writeEngineError отдаёт ValidationError как 4xx с кодом, остальное — как 500.
func writeEngineError(w http.ResponseWriter, err error) {
	var ve *chat.ValidationError
	if !errors.As(err, &ve) {
		logger.Errorf("handler: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	status, ok := validationStatus[ve.Code]
	if !ok {
		status = http.StatusBadRequest
	}
	resp := errorResponse{Error: ve.Message, Code: ve.Code}
	if ve.RetryAfter > 0 {
		resp.RetryAfter = ratelimit.Seconds(ve.RetryAfter)
		w.Header().Set("Retry-After", strconv.Itoa(resp.RetryAfter))
	}
	writeJSON(w, status, resp)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return false
	}
	return true
}

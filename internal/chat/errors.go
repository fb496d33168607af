package chat

import (
	"fmt"
	"time"

	"github.com/anonchat/internal/ratelimit"
)

// Коды ошибок валидации для UI.
const (
	CodeMessageTooLong = "message_too_long"
	CodeRateLimited    = "rate_limited"
	CodeChatExists     = "chat_exists"
	CodeChatLimit      = "chat_limit"
	CodeInvalidChatID  = "invalid_chat_id"
	CodeInvalidKey     = "invalid_key"
	CodeInvalidUserID  = "invalid_user_id"
	CodeEmptyMessage   = "empty_message"
	CodeImageTooLarge  = "image_too_large"
	CodeImageType      = "image_type"
	CodeUnknownChat    = "unknown_chat"
)

// ValidationError — отказ, показываемый пользователю. Как сбой не логируется.
type ValidationError struct {
	Code    string
	Message string
	// RetryAfter заполнен для CodeRateLimited.
	RetryAfter time.Duration
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalid(code, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func rateLimited(wait time.Duration) *ValidationError {
	return &ValidationError{
		Code:       CodeRateLimited,
		Message:    fmt.Sprintf("Too many messages. Please wait %d seconds.", ratelimit.Seconds(wait)),
		RetryAfter: wait,
	}
}

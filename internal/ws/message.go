package ws

import (
	"errors"

	"github.com/anonchat/internal/chat"
	"github.com/anonchat/internal/model"
	"github.com/anonchat/internal/ratelimit"
)

// EventType — тип фрейма в потоке событий UI. События движка сохраняют имена
// chat.EventType, ниже — собственные типы потока.
type EventType string

const (
	EventHello    EventType = "hello"
	EventTimeline EventType = "timeline"
	EventSent     EventType = "sent"
	EventPong     EventType = "pong"
	EventError    EventType = "error"

	EventNotification = EventType(chat.EventNotification)
)

// Команды, которые UI-оболочка шлёт по потоку.
const (
	CmdSendMessage = "send_message"
	CmdSelectChat  = "select_chat"
	CmdMarkSeen    = "mark_seen"
	CmdPing        = "ping"
)

// IncomingMessage — команда от UI.
type IncomingMessage struct {
	Type    string `json:"type"`
	ChatID  string `json:"chat_id,omitempty"`
	Content string `json:"content,omitempty"`
}

// OutgoingMessage — фрейм для UI.
type OutgoingMessage struct {
	Type    EventType `json:"type"`
	ChatID  string    `json:"chat_id,omitempty"`
	Payload any       `json:"payload,omitempty"`
}

// HelloPayload — первый фрейм каждого соединения.
type HelloPayload struct {
	UserID     string                      `json:"userId"`
	Chats      []model.ChatWithLastMessage `json:"chats"`
	Selected   string                      `json:"selected,omitempty"`
	Stats      model.Stats                 `json:"stats"`
	Connection string                      `json:"connection"`
}

type ErrorPayload struct {
	Error      string `json:"error"`
	Code       string `json:"code,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

func fromEvent(ev chat.Event) OutgoingMessage {
	return OutgoingMessage{Type: EventType(ev.Type), ChatID: ev.ChatID, Payload: ev.Payload}
}

func errorFrame(chatID string, err error) OutgoingMessage {
	p := ErrorPayload{Error: "internal error"}
	var ve *chat.ValidationError
	if errors.As(err, &ve) {
		p = ErrorPayload{Error: ve.Message, Code: ve.Code}
		if ve.RetryAfter > 0 {
			p.RetryAfter = ratelimit.Seconds(ve.RetryAfter)
		}
	}
	return OutgoingMessage{Type: EventError, ChatID: chatID, Payload: p}
}

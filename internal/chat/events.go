package chat

import (
	"slices"

	"github.com/anonchat/internal/model"
)

type EventType string

const (
	EventMessage       EventType = "message"
	EventUnread        EventType = "unread"
	EventChats         EventType = "chats"
	EventSelected      EventType = "selected"
	EventStats         EventType = "stats"
	EventSendFailed    EventType = "send_failed"
	EventUndecryptable EventType = "undecryptable"
	EventConnection    EventType = "connection"
	EventNotification  EventType = "notification"
	EventCleared       EventType = "cleared"
)

// Event доставляется всем подписчикам синхронно.
type Event struct {
	Type    EventType `json:"type"`
	ChatID  string    `json:"chat_id,omitempty"`
	Payload any       `json:"payload,omitempty"`
}

type MessagePayload struct {
	Message  model.TimelineMessage `json:"message"`
	Outgoing bool                  `json:"outgoing"`
}

type UnreadPayload struct {
	UnreadCount int `json:"unreadCount"`
}

type SendFailedPayload struct {
	MessageID string `json:"messageId"`
	Error     string `json:"error"`
}

type UndecryptablePayload struct {
	MessageID string `json:"messageId,omitempty"`
	Sender    string `json:"sender,omitempty"`
}

// Subscribe подписывает fn на все события движка. Возвращённая функция отписывает.
func (e *Engine) Subscribe(fn func(Event)) (cancel func()) {
	e.evMu.Lock()
	e.nextListener++
	id := e.nextListener
	e.listeners[id] = fn
	e.evMu.Unlock()
	return func() {
		e.evMu.Lock()
		delete(e.listeners, id)
		e.evMu.Unlock()
	}
}

// Publish раздаёт ev подписчикам в порядке подписки. Нельзя вызывать под e.mu.
func (e *Engine) Publish(ev Event) {
	e.evMu.RLock()
	ids := make([]int, 0, len(e.listeners))
	for id := range e.listeners {
		ids = append(ids, id)
	}
	fns := make(map[int]func(Event), len(e.listeners))
	for id, fn := range e.listeners {
		fns[id] = fn
	}
	e.evMu.RUnlock()

	slices.Sort(ids)
	for _, id := range ids {
		fns[id](ev)
	}
}

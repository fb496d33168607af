package transport

import "github.com/anonchat/internal/model"

// Типы фреймов протокола relay.
const (
	FrameRegister = "register"
	FrameMessage  = "message"
	FrameNewChat  = "new_chat"
	FrameStats    = "stats"
)

// TopicStats — зарезервированный топик статистики relay, не может быть id чата.
const TopicStats = "stats"

// Frame — любой входящий фрейм. Поля, не нужные его типу, пусты.
type Frame struct {
	Type        string       `json:"type"`
	ChatID      string       `json:"chat_id,omitempty"`
	MessageID   string       `json:"message_id,omitempty"`
	Message     string       `json:"message,omitempty"`
	Sender      string       `json:"sender,omitempty"`
	MessageType string       `json:"messageType,omitempty"`
	Content     string       `json:"content,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
	Data        *model.Stats `json:"data,omitempty"`
}

// OutboundMessage — сообщение чата от клиента к relay. Message и Content —
// конверты codec; Content пуст для текста и для картинки без подписи.
type OutboundMessage struct {
	ChatID      string `json:"chat_id"`
	Message     string `json:"message"`
	Sender      string `json:"sender"`
	MessageType string `json:"messageType"`
	Content     string `json:"content"`
	Timestamp   string `json:"timestamp"`
}

type messageFrame struct {
	Type string `json:"type"`
	OutboundMessage
}

type chatIDsFrame struct {
	Type    string   `json:"type"`
	ChatIDs []string `json:"chat_ids"`
}

package model

// Chat — запись ростера. Key — общий пароль чата, никогда не уходит на relay и в логи.
type Chat struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Key         string `json:"key"`
	UnreadCount int    `json:"unreadCount"`
}

// LastMessage — превью последнего сообщения для списка чатов.
type LastMessage struct {
	Content   string      `json:"content"`
	Timestamp string      `json:"timestamp"`
	Type      ContentType `json:"type"`
	Sender    string      `json:"sender"`
}

type ChatWithLastMessage struct {
	Chat        Chat         `json:"chat"`
	LastMessage *LastMessage `json:"last_message,omitempty"`
	Selected    bool         `json:"selected"`
}

// Stats — агрегированная статистика relay, последнее значение побеждает.
type Stats struct {
	ConnectedUsers       int    `json:"connectedUsers"`
	TotalMessages        int    `json:"totalMessages"`
	TotalDataTransferred string `json:"totalDataTransferred"`
}

// DefaultStats — значение до первого stats-фрейма.
func DefaultStats() Stats {
	return Stats{TotalDataTransferred: "0 KB"}
}

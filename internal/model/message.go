package model

type ContentType string

const (
	ContentTypeText  ContentType = "text"
	ContentTypeImage ContentType = "image"
)

// Message — расшифрованное сообщение в локальном хранилище.
// Для изображений Content пустой, данные лежат в коллекции images под ImageRef.
type Message struct {
	ID        string      `json:"id" cbor:"1,keyasint"`
	Sender    string      `json:"sender" cbor:"2,keyasint"`
	Content   string      `json:"content" cbor:"3,keyasint"`
	Timestamp string      `json:"timestamp" cbor:"4,keyasint"`
	Type      ContentType `json:"type" cbor:"5,keyasint"`
	ImageRef  string      `json:"imageRef,omitempty" cbor:"6,keyasint,omitempty"`
	Caption   string      `json:"caption,omitempty" cbor:"7,keyasint,omitempty"`
	IsNew     bool        `json:"isNew" cbor:"8,keyasint"`
}

// TimelineMessage — сообщение для UI с подставленным изображением (data URL).
type TimelineMessage struct {
	Message
	ImageData string `json:"imageData,omitempty"`
}

package storage

import (
	"context"

	"github.com/anonchat/internal/model"
)

// Ключи meta-записей (то, что браузерный клиент держал в localStorage).
const (
	MetaChats             = "chats"
	MetaLastRead          = "lastReadMessages"
	MetaUserID            = "userId"
	MetaPushSubscriptions = "pushSubscriptions"
)

// Store — локальный кэш клиента: списки сообщений по chat id, изображения по blob id и meta-записи.
// Отсутствие записи — (nil, false, nil), ошибка — только при сбое бэкенда.
// Реализации: bolt.Store (по умолчанию), memory.Store (-dev и тесты), redis.Store, postgres.Store.
type Store interface {
	// PutMessages полностью заменяет список сообщений чата.
	PutMessages(ctx context.Context, chatID string, msgs []model.Message) error
	// AppendMessage атомарно дописывает сообщение в конец списка (пустой, если записи нет).
	AppendMessage(ctx context.Context, chatID string, msg model.Message) error
	GetMessages(ctx context.Context, chatID string) ([]model.Message, bool, error)
	// DeleteChat удаляет только список сообщений; изображения чата удаляет вызывающий.
	DeleteChat(ctx context.Context, chatID string) error

	PutImage(ctx context.Context, id string, data []byte) error
	GetImage(ctx context.Context, id string) ([]byte, bool, error)
	DeleteImage(ctx context.Context, id string) error

	// ClearAll очищает сообщения и изображения; meta не трогает.
	ClearAll(ctx context.Context) error

	GetMeta(ctx context.Context, key string) ([]byte, bool, error)
	PutMeta(ctx context.Context, key string, value []byte) error

	Close() error
}

// CloneMessages копирует срез, чтобы вызывающий не делил память с хранилищем.
func CloneMessages(msgs []model.Message) []model.Message {
	if msgs == nil {
		return nil
	}
	out := make([]model.Message, len(msgs))
	copy(out, msgs)
	return out
}

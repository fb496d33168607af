package chat

import (
	"context"

	"github.com/anonchat/internal/model"
)

// NoDivider — все сообщения просмотрены.
const NoDivider = -1

type Timeline struct {
	Messages []model.TimelineMessage `json:"messages"`
	// Divider — индекс первого непросмотренного сообщения или NoDivider.
	Divider int `json:"divider"`
}

// Divider возвращает индекс сразу после сообщения lastReadID. NoDivider, если id
// пуст, не найден или это последнее сообщение.
func Divider(msgs []model.Message, lastReadID string) int {
	if lastReadID == "" {
		return NoDivider
	}
	for i, m := range msgs {
		if m.ID == lastReadID {
			if i == len(msgs)-1 {
				return NoDivider
			}
			return i + 1
		}
	}
	return NoDivider
}

// LoadTimeline читает ленту чата с подставленными картинками и разделителем
// относительно lastReadID.
func (e *Engine) LoadTimeline(ctx context.Context, chatID, lastReadID string) (Timeline, error) {
	if _, ok := e.chat(chatID); !ok {
		return Timeline{}, invalid(CodeUnknownChat, "Chat not found")
	}
	msgs, _, err := e.store.GetMessages(ctx, chatID)
	if err != nil {
		e.storeFailed("get_messages", err)
	}
	return e.buildTimeline(ctx, msgs, lastReadID), nil
}

func (e *Engine) buildTimeline(ctx context.Context, msgs []model.Message, lastReadID string) Timeline {
	out := make([]model.TimelineMessage, len(msgs))
	for i, m := range msgs {
		out[i] = e.resolve(ctx, m)
	}
	return Timeline{Messages: out, Divider: Divider(msgs, lastReadID)}
}

// resolve подставляет data URL картинки. Если блоба нет, ImageData пуст.
func (e *Engine) resolve(ctx context.Context, m model.Message) model.TimelineMessage {
	tm := model.TimelineMessage{Message: m}
	if m.ImageRef == "" {
		return tm
	}
	data, ok, err := e.store.GetImage(ctx, m.ImageRef)
	if err != nil {
		e.storeFailed("get_image", err)
		return tm
	}
	if ok {
		tm.ImageData = string(data)
	}
	return tm
}

// MarkSeen снимает isNew со всех сообщений чата.
func (e *Engine) MarkSeen(ctx context.Context, chatID string) error {
	if _, ok := e.chat(chatID); !ok {
		return invalid(CodeUnknownChat, "Chat not found")
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if _, ok := e.chat(chatID); !ok {
		return nil
	}

	msgs, ok, err := e.store.GetMessages(ctx, chatID)
	if err != nil {
		e.storeFailed("get_messages", err)
		return nil
	}
	if !ok {
		return nil
	}
	changed := false
	for i := range msgs {
		if msgs[i].IsNew {
			msgs[i].IsNew = false
			changed = true
		}
	}
	if !changed {
		return nil
	}
	if err := e.store.PutMessages(ctx, chatID, msgs); err != nil {
		e.storeFailed("put_messages", err)
	}
	return nil
}

// GetImage возвращает сохранённую картинку как data URL.
func (e *Engine) GetImage(ctx context.Context, id string) (string, bool, error) {
	data, ok, err := e.store.GetImage(ctx, id)
	if err != nil || !ok {
		return "", ok, err
	}
	return string(data), true, nil
}

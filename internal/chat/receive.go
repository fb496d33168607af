package chat

import (
	"strings"

	"github.com/anonchat/internal/codec"
	"github.com/anonchat/internal/logger"
	"github.com/anonchat/internal/metrics"
	"github.com/anonchat/internal/middleware"
	"github.com/anonchat/internal/model"
	"github.com/anonchat/internal/notify"
	"github.com/anonchat/internal/transport"
	"github.com/google/uuid"
)

// handleMessage работает в горутине чтения транспорта, поэтому фреймы одного
// чата приходят в порядке relay.
func (e *Engine) handleMessage(f transport.Frame) {
	ctx := e.runCtx()
	c, ok := e.chat(f.ChatID)
	if !ok {
		return
	}
	if f.Sender != "" && f.Sender == e.UserID() {
		// эхо нашей же отправки
		return
	}

	plain, err := codec.Decrypt(f.Message, c.Key)
	if err != nil {
		metrics.IncDecryptFailure("message")
		logger.Warnf("chat: undecryptable message dropped chat=%s sender=%s", middleware.MaskID(c.ID), f.Sender)
		e.Publish(Event{Type: EventUndecryptable, ChatID: c.ID, Payload: UndecryptablePayload{
			MessageID: f.MessageID,
			Sender:    f.Sender,
		}})
		return
	}

	msg := model.Message{
		ID:        f.MessageID,
		Sender:    f.Sender,
		Timestamp: f.Timestamp,
		Type:      model.ContentTypeText,
		IsNew:     true,
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp == "" {
		msg.Timestamp = e.timestamp()
	}

	var imageData string
	if f.MessageType == string(model.ContentTypeImage) {
		if !strings.HasPrefix(plain, "data:image/") {
			metrics.IncDecryptFailure("image_payload")
			logger.Warnf("chat: image payload is not a data URL chat=%s", middleware.MaskID(c.ID))
			return
		}
		msg.Type = model.ContentTypeImage
		msg.ImageRef = uuid.NewString()
		if f.Content != "" {
			msg.Caption = codec.DecryptOrEmpty(f.Content, c.Key)
			if msg.Caption == "" {
				metrics.IncDecryptFailure("caption")
			}
		}
		imageData = plain
	} else {
		msg.Content = plain
	}

	if !e.persist(ctx, c.ID, msg, imageData) {
		logger.Debugf("chat: chat %s deleted during receive, message dropped", middleware.MaskID(c.ID))
		return
	}

	e.mu.Lock()
	i := e.indexOf(c.ID)
	if i < 0 {
		// чат удалили после записи; каскад DeleteChat её сотрёт
		e.mu.Unlock()
		return
	}
	background := e.selected != c.ID
	if background {
		e.chats[i].UnreadCount++
	}
	unread := e.chats[i].UnreadCount
	e.previews[c.ID] = preview(msg)
	chats, _ := e.snapshot()
	e.mu.Unlock()

	if background {
		e.persistRoster(ctx, chats, nil)
	}

	e.Publish(Event{Type: EventMessage, ChatID: c.ID, Payload: MessagePayload{
		Message: model.TimelineMessage{Message: msg, ImageData: imageData},
	}})
	if background {
		e.Publish(Event{Type: EventUnread, ChatID: c.ID, Payload: UnreadPayload{UnreadCount: unread}})
		err := e.notifier.Notify(ctx, notify.Notification{
			Title:  c.Name,
			Body:   "New message",
			Kind:   notify.KindMessage,
			ChatID: c.ID,
		})
		if err != nil {
			logger.Debugf("chat: notify: %v", err)
		}
	}
}

func (e *Engine) handleStats(f transport.Frame) {
	if f.Data == nil {
		return
	}
	st := *f.Data
	if st.TotalDataTransferred == "" {
		st.TotalDataTransferred = model.DefaultStats().TotalDataTransferred
	}
	e.mu.Lock()
	e.stats = st
	e.mu.Unlock()
	e.Publish(Event{Type: EventStats, Payload: st})
}

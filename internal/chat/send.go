package chat

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/anonchat/internal/codec"
	"github.com/anonchat/internal/logger"
	"github.com/anonchat/internal/metrics"
	"github.com/anonchat/internal/middleware"
	"github.com/anonchat/internal/model"
	"github.com/anonchat/internal/transport"
	"github.com/google/uuid"
)

// Image — выбранный файл картинки. Пустой ContentType определяется по содержимому.
type Image struct {
	Data        []byte
	ContentType string
}

var allowedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
}

// limiterKey — ключ окна отправки. Не зависит от user id, иначе смена имени
// открывала бы новое окно.
const limiterKey = "local"

// timestampLayout совпадает с Date.toISOString в JavaScript.
const timestampLayout = "2006-01-02T15:04:05.000Z"

func (e *Engine) timestamp() string {
	return e.now().UTC().Format(timestampLayout)
}

func (e *Engine) checkLength(s string) error {
	if utf8.RuneCountInString(s) > e.limits.MaxMessageLength {
		metrics.IncSend("too_long")
		return invalid(CodeMessageTooLong, "Message is too long (max %d characters)", e.limits.MaxMessageLength)
	}
	return nil
}

func (e *Engine) checkRate() error {
	ok, wait := e.limiter.Allow(limiterKey)
	if !ok {
		metrics.IncSend("rate_limited")
		return rateLimited(wait)
	}
	return nil
}

// SendText шифрует и отправляет текст, затем сохраняет локальное эхо (isNew=false).
// При ошибке транспорта эхо остаётся, публикуется EventSendFailed.
func (e *Engine) SendText(ctx context.Context, chatID, text string) (model.Message, error) {
	defer logger.DeferLogDuration("Engine.SendText", time.Now())()
	c, ok := e.chat(chatID)
	if !ok {
		return model.Message{}, invalid(CodeUnknownChat, "Chat not found")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return model.Message{}, invalid(CodeEmptyMessage, "Message is empty")
	}
	if err := e.checkLength(text); err != nil {
		return model.Message{}, err
	}
	if err := e.checkRate(); err != nil {
		return model.Message{}, err
	}

	envelope, err := codec.Encrypt(text, c.Key)
	if err != nil {
		return model.Message{}, err
	}
	msg := model.Message{
		ID:        uuid.NewString(),
		Sender:    e.UserID(),
		Content:   text,
		Timestamp: e.timestamp(),
		Type:      model.ContentTypeText,
	}
	sendErr := e.tr.Send(ctx, transport.OutboundMessage{
		ChatID:      chatID,
		Message:     envelope,
		Sender:      msg.Sender,
		MessageType: string(model.ContentTypeText),
		Timestamp:   msg.Timestamp,
	})
	e.commitOutgoing(ctx, chatID, msg, "", sendErr)
	return msg, nil
}

// SendImage проверяет тип и размер до обращения к сети и хранилищу.
// По проводу идёт data URL, подпись шифруется отдельно.
func (e *Engine) SendImage(ctx context.Context, chatID string, img Image, caption string) (model.Message, error) {
	defer logger.DeferLogDuration("Engine.SendImage", time.Now())()
	c, ok := e.chat(chatID)
	if !ok {
		return model.Message{}, invalid(CodeUnknownChat, "Chat not found")
	}
	if len(img.Data) == 0 {
		return model.Message{}, invalid(CodeEmptyMessage, "Image is empty")
	}
	caption = strings.TrimSpace(caption)
	if err := e.checkLength(caption); err != nil {
		return model.Message{}, err
	}
	ct := strings.ToLower(strings.TrimSpace(strings.Split(img.ContentType, ";")[0]))
	if ct == "" {
		ct = http.DetectContentType(img.Data)
	}
	if !allowedImageTypes[ct] {
		metrics.IncSend("image_type")
		return model.Message{}, invalid(CodeImageType, "Only JPEG and PNG images are supported")
	}
	if int64(len(img.Data)) > e.limits.MaxImageSize {
		metrics.IncSend("image_too_large")
		return model.Message{}, invalid(CodeImageTooLarge, "Image is too large (max %d MB)", e.limits.MaxImageSize>>20)
	}
	if err := e.checkRate(); err != nil {
		return model.Message{}, err
	}

	dataURL := "data:" + ct + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
	envelope, err := codec.Encrypt(dataURL, c.Key)
	if err != nil {
		return model.Message{}, err
	}
	var captionEnv string
	if caption != "" {
		if captionEnv, err = codec.Encrypt(caption, c.Key); err != nil {
			return model.Message{}, err
		}
	}

	msg := model.Message{
		ID:        uuid.NewString(),
		Sender:    e.UserID(),
		Timestamp: e.timestamp(),
		Type:      model.ContentTypeImage,
		ImageRef:  uuid.NewString(),
		Caption:   caption,
	}
	sendErr := e.tr.Send(ctx, transport.OutboundMessage{
		ChatID:      chatID,
		Message:     envelope,
		Sender:      msg.Sender,
		MessageType: string(model.ContentTypeImage),
		Content:     captionEnv,
		Timestamp:   msg.Timestamp,
	})

	e.commitOutgoing(ctx, chatID, msg, dataURL, sendErr)
	return msg, nil
}

// commitOutgoing сохраняет локальное эхо, обновляет превью и оповещает
// подписчиков. Эхо сохраняется и при sendErr != nil.
func (e *Engine) commitOutgoing(ctx context.Context, chatID string, msg model.Message, imageData string, sendErr error) {
	if !e.persist(ctx, chatID, msg, imageData) {
		logger.Debugf("chat: chat %s deleted during send, local echo dropped", middleware.MaskID(chatID))
		return
	}

	e.mu.Lock()
	if e.indexOf(chatID) >= 0 {
		e.previews[chatID] = preview(msg)
	}
	e.mu.Unlock()

	e.Publish(Event{Type: EventMessage, ChatID: chatID, Payload: MessagePayload{
		Message:  model.TimelineMessage{Message: msg, ImageData: imageData},
		Outgoing: true,
	}})

	if sendErr != nil {
		metrics.IncSend("transport_error")
		if errors.Is(sendErr, transport.ErrNotConnected) {
			logger.Warnf("chat: message %s kept locally, relay not connected", msg.ID)
		} else {
			logger.Errorf("chat: send %s: %v", msg.ID, sendErr)
		}
		e.Publish(Event{Type: EventSendFailed, ChatID: chatID, Payload: SendFailedPayload{
			MessageID: msg.ID,
			Error:     sendErr.Error(),
		}})
		return
	}
	metrics.IncSend("ok")
}

// persist записывает сообщение и картинку (если есть) под writeMu, заново
// проверив ростер. DeleteChat убирает чат из ростера до того, как взять writeMu,
// поэтому запись либо не случится, либо будет стёрта каскадом удаления.
func (e *Engine) persist(ctx context.Context, chatID string, msg model.Message, imageData string) bool {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if _, ok := e.chat(chatID); !ok {
		return false
	}
	if msg.ImageRef != "" && imageData != "" {
		if err := e.store.PutImage(ctx, msg.ImageRef, []byte(imageData)); err != nil {
			e.storeFailed("put_image", err)
		}
	}
	if err := e.store.AppendMessage(ctx, chatID, msg); err != nil {
		e.storeFailed("append_message", err)
	}
	return true
}

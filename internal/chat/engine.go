// Package chat сводит исходящие и входящие сообщения: владеет ростером чатов,
// счётчиками непрочитанного, отметками прочтения и превью, вызывает codec,
// transport и хранилище при каждой отправке и приёме.
package chat

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/anonchat/internal/config"
	"github.com/anonchat/internal/logger"
	"github.com/anonchat/internal/metrics"
	"github.com/anonchat/internal/middleware"
	"github.com/anonchat/internal/model"
	"github.com/anonchat/internal/notify"
	"github.com/anonchat/internal/ratelimit"
	"github.com/anonchat/internal/storage"
	"github.com/anonchat/internal/transport"
)

const maxUserIDLength = 16

// Transport — часть transport.Service, нужная движку.
type Transport interface {
	Subscribe(topic string, h transport.Handler) transport.Subscription
	Unsubscribe(sub transport.Subscription)
	Send(ctx context.Context, m transport.OutboundMessage) error
	NotifyNewChat(ctx context.Context, chatID string) error
}

// Limiter — ограничитель отправки; *ratelimit.Window его реализует.
type Limiter interface {
	Allow(key string) (bool, time.Duration)
}

type Deps struct {
	Store     storage.Store
	Transport Transport
	Notifier  notify.Notifier
	Limiter   Limiter
	Limits    config.LimitsConfig
	// Now по умолчанию time.Now.
	Now func() time.Time
}

type Engine struct {
	store    storage.Store
	tr       Transport
	notifier notify.Notifier
	limiter  Limiter
	limits   config.LimitsConfig
	now      func() time.Time

	// writeMu сериализует запись списков сообщений (append, MarkSeen, каскад удаления).
	writeMu sync.Mutex

	mu       sync.Mutex
	ctx      context.Context
	started  bool
	userID   string
	chats    []model.Chat
	lastRead map[string]string
	previews map[string]model.LastMessage
	selected string
	stats    model.Stats
	subs     map[string]transport.Subscription
	statsSub transport.Subscription

	evMu         sync.RWMutex
	listeners    map[int]func(Event)
	nextListener int
}

func New(d Deps) *Engine {
	if d.Notifier == nil {
		d.Notifier = notify.Discard
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Limits == (config.LimitsConfig{}) {
		d.Limits = config.Default().Limits
	}
	if d.Limiter == nil {
		d.Limiter = ratelimit.New(d.Limits.SendRateLimit, d.Limits.SendRateWindow)
	}
	return &Engine{
		store:     d.Store,
		tr:        d.Transport,
		notifier:  d.Notifier,
		limiter:   d.Limiter,
		limits:    d.Limits,
		now:       d.Now,
		lastRead:  make(map[string]string),
		previews:  make(map[string]model.LastMessage),
		stats:     model.DefaultStats(),
		subs:      make(map[string]transport.Subscription),
		listeners: make(map[int]func(Event)),
	}
}

// Start загружает ростер, отметки прочтения и user id, затем подписывается на
// топики всех чатов и на stats. ctx ограничивает фоновую работу движка.
func (e *Engine) Start(ctx context.Context) error {
	defer logger.DeferLogDuration("Engine.Start", time.Now())()

	userID := e.loadUserID(ctx)
	var chats []model.Chat
	e.loadJSON(ctx, storage.MetaChats, &chats)
	lastRead := map[string]string{}
	e.loadJSON(ctx, storage.MetaLastRead, &lastRead)

	previews := make(map[string]model.LastMessage, len(chats))
	for _, c := range chats {
		msgs, ok, err := e.store.GetMessages(ctx, c.ID)
		if err != nil {
			e.storeFailed("get_messages", err)
			continue
		}
		if ok && len(msgs) > 0 {
			previews[c.ID] = preview(msgs[len(msgs)-1])
		}
	}

	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.ctx = ctx
	e.userID = userID
	e.chats = chats
	e.lastRead = lastRead
	e.previews = previews
	e.mu.Unlock()

	for _, c := range chats {
		e.subscribe(c.ID)
	}
	sub := e.tr.Subscribe(transport.TopicStats, e.handleStats)
	e.mu.Lock()
	e.statsSub = sub
	e.mu.Unlock()

	logger.Infof("chat: started user=%s chats=%d", userID, len(chats))
	return nil
}

// Stop снимает все подписки движка на транспорт.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	subs := make([]transport.Subscription, 0, len(e.subs)+1)
	for _, s := range e.subs {
		subs = append(subs, s)
	}
	subs = append(subs, e.statsSub)
	e.subs = make(map[string]transport.Subscription)
	e.mu.Unlock()

	for _, s := range subs {
		e.tr.Unsubscribe(s)
	}
}

func (e *Engine) loadUserID(ctx context.Context) string {
	raw, ok, err := e.store.GetMeta(ctx, storage.MetaUserID)
	if err != nil {
		e.storeFailed("get_meta", err)
	}
	if ok && len(raw) > 0 {
		return string(raw)
	}
	id := NewUserID()
	if err := e.store.PutMeta(ctx, storage.MetaUserID, []byte(id)); err != nil {
		e.storeFailed("put_meta", err)
	}
	return id
}

func (e *Engine) loadJSON(ctx context.Context, key string, v any) {
	raw, ok, err := e.store.GetMeta(ctx, key)
	if err != nil {
		e.storeFailed("get_meta", err)
		return
	}
	if !ok {
		return
	}
	if err := json.Unmarshal(raw, v); err != nil {
		logger.Errorf("chat: corrupt %s record ignored: %v", key, err)
	}
}

// storeFailed логирует проглоченную ошибку хранилища; источник истины — состояние в памяти.
func (e *Engine) storeFailed(op string, err error) {
	metrics.IncStoreError(op)
	logger.Errorf("chat: store %s: %v", op, err)
}

// persistRoster пишет ростер и отметки прочтения. Снимки берёт вызывающий под e.mu.
func (e *Engine) persistRoster(ctx context.Context, chats []model.Chat, lastRead map[string]string) {
	if chats == nil {
		chats = []model.Chat{}
	}
	if raw, err := json.Marshal(chats); err == nil {
		if err := e.store.PutMeta(ctx, storage.MetaChats, raw); err != nil {
			e.storeFailed("put_meta", err)
		}
	}
	if lastRead != nil {
		if raw, err := json.Marshal(lastRead); err == nil {
			if err := e.store.PutMeta(ctx, storage.MetaLastRead, raw); err != nil {
				e.storeFailed("put_meta", err)
			}
		}
	}
}

// snapshot копирует состояние ростера; вызывать под e.mu.
func (e *Engine) snapshot() ([]model.Chat, map[string]string) {
	chats := append([]model.Chat(nil), e.chats...)
	lr := make(map[string]string, len(e.lastRead))
	for k, v := range e.lastRead {
		lr[k] = v
	}
	return chats, lr
}

func (e *Engine) indexOf(id string) int {
	for i := range e.chats {
		if e.chats[i].ID == id {
			return i
		}
	}
	return -1
}

func (e *Engine) chat(id string) (model.Chat, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i := e.indexOf(id); i >= 0 {
		return e.chats[i], true
	}
	return model.Chat{}, false
}

func (e *Engine) subscribe(chatID string) {
	sub := e.tr.Subscribe(chatID, func(f transport.Frame) { e.handleMessage(f) })
	e.mu.Lock()
	if old, ok := e.subs[chatID]; ok {
		e.mu.Unlock()
		e.tr.Unsubscribe(old)
		e.mu.Lock()
	}
	e.subs[chatID] = sub
	e.mu.Unlock()
}

func (e *Engine) runCtx() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx == nil {
		return context.Background()
	}
	return e.ctx
}

// UserID — локальный идентификатор отправителя.
func (e *Engine) UserID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.userID
}

// SetUserID меняет локальный идентификатор (не больше 16 символов).
func (e *Engine) SetUserID(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" || utf8.RuneCountInString(id) > maxUserIDLength {
		return invalid(CodeInvalidUserID, "Username must be 1-%d characters", maxUserIDLength)
	}
	e.mu.Lock()
	e.userID = id
	e.mu.Unlock()
	if err := e.store.PutMeta(ctx, storage.MetaUserID, []byte(id)); err != nil {
		e.storeFailed("put_meta", err)
	}
	return nil
}

// ChatIDs — id чатов в порядке ростера, для регистрации на relay.
func (e *Engine) ChatIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, len(e.chats))
	for i, c := range e.chats {
		ids[i] = c.ID
	}
	return ids
}

func (e *Engine) Chats() []model.Chat {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]model.Chat(nil), e.chats...)
}

// Overview — ростер с превью и признаком выбранного чата.
func (e *Engine) Overview() []model.ChatWithLastMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.ChatWithLastMessage, len(e.chats))
	for i, c := range e.chats {
		out[i] = model.ChatWithLastMessage{Chat: c, Selected: c.ID == e.selected}
		if p, ok := e.previews[c.ID]; ok {
			p := p
			out[i].LastMessage = &p
		}
	}
	return out
}

func (e *Engine) LastMessages() map[string]model.LastMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]model.LastMessage, len(e.previews))
	for k, v := range e.previews {
		out[k] = v
	}
	return out
}

func (e *Engine) SelectedChat() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selected
}

func (e *Engine) LastRead(chatID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastRead[chatID]
}

func (e *Engine) Stats() model.Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// AddChat проверяет и добавляет чат, подписывается на его топик, сообщает
// relay и делает чат выбранным.
func (e *Engine) AddChat(ctx context.Context, id, name, key string) (model.Chat, error) {
	id, name, key = strings.TrimSpace(id), strings.TrimSpace(name), strings.TrimSpace(key)
	switch {
	case id == "":
		return model.Chat{}, invalid(CodeInvalidChatID, "Chat ID is required")
	case utf8.RuneCountInString(id) > e.limits.MaxChatIDLength:
		return model.Chat{}, invalid(CodeInvalidChatID, "Chat ID must be at most %d characters", e.limits.MaxChatIDLength)
	case id == transport.TopicStats:
		return model.Chat{}, invalid(CodeInvalidChatID, "Chat ID %q is reserved", id)
	case key == "":
		return model.Chat{}, invalid(CodeInvalidKey, "Encryption key is required")
	case utf8.RuneCountInString(key) > e.limits.MaxKeyLength:
		return model.Chat{}, invalid(CodeInvalidKey, "Encryption key must be at most %d characters", e.limits.MaxKeyLength)
	}
	if name == "" {
		name = id
	}
	c := model.Chat{ID: id, Name: name, Key: key}

	e.mu.Lock()
	if e.indexOf(id) >= 0 {
		e.mu.Unlock()
		return model.Chat{}, invalid(CodeChatExists, "Chat with this ID already exists")
	}
	if len(e.chats) >= e.limits.MaxChats {
		e.mu.Unlock()
		return model.Chat{}, invalid(CodeChatLimit, "Maximum %d chats reached", e.limits.MaxChats)
	}
	e.chats = append(e.chats, c)
	e.selected = id
	chats, lastRead := e.snapshot()
	e.mu.Unlock()

	e.persistRoster(ctx, chats, lastRead)
	e.subscribe(id)
	if err := e.tr.NotifyNewChat(ctx, id); err != nil {
		logger.Debugf("chat: new_chat %s not sent: %v", middleware.MaskID(id), err)
	}

	e.Publish(Event{Type: EventChats})
	e.Publish(Event{Type: EventSelected, ChatID: id})
	return c, nil
}

// RenameChat меняет имя; пустое имя заменяется на id.
func (e *Engine) RenameChat(ctx context.Context, id, name string) error {
	name = strings.TrimSpace(name)
	e.mu.Lock()
	i := e.indexOf(id)
	if i < 0 {
		e.mu.Unlock()
		return invalid(CodeUnknownChat, "Chat not found")
	}
	if name == "" {
		name = id
	}
	e.chats[i].Name = name
	chats, _ := e.snapshot()
	e.mu.Unlock()

	e.persistRoster(ctx, chats, nil)
	e.Publish(Event{Type: EventChats})
	return nil
}

// DeleteChat убирает чат из ростера, затем его картинки и список сообщений.
// Выбор переходит на первый оставшийся чат.
func (e *Engine) DeleteChat(ctx context.Context, id string) error {
	e.mu.Lock()
	i := e.indexOf(id)
	if i < 0 {
		e.mu.Unlock()
		return invalid(CodeUnknownChat, "Chat not found")
	}
	e.chats = append(e.chats[:i:i], e.chats[i+1:]...)
	delete(e.lastRead, id)
	delete(e.previews, id)
	selectionMoved := false
	if e.selected == id {
		e.selected = ""
		if len(e.chats) > 0 {
			e.selected = e.chats[0].ID
		}
		selectionMoved = true
	}
	sub, hadSub := e.subs[id]
	delete(e.subs, id)
	selected := e.selected
	chats, lastRead := e.snapshot()
	e.mu.Unlock()

	if hadSub {
		e.tr.Unsubscribe(sub)
	}

	// Чата уже нет в ростере: persist больше ничего не запишет, а всё, что
	// успело записаться до этого, удаляется ниже.
	e.writeMu.Lock()
	msgs, _, err := e.store.GetMessages(ctx, id)
	if err != nil {
		e.storeFailed("get_messages", err)
	}
	for _, m := range msgs {
		if m.ImageRef == "" {
			continue
		}
		if err := e.store.DeleteImage(ctx, m.ImageRef); err != nil {
			e.storeFailed("delete_image", err)
		}
	}
	if err := e.store.DeleteChat(ctx, id); err != nil {
		e.storeFailed("delete_chat", err)
	}
	e.writeMu.Unlock()

	e.persistRoster(ctx, chats, lastRead)
	e.Publish(Event{Type: EventChats})
	if selectionMoved {
		e.Publish(Event{Type: EventSelected, ChatID: selected})
	}
	return nil
}

// SelectChat делает чат выбранным: счётчик непрочитанного обнуляется, отметка
// прочтения переходит на последнее сообщение, оба шага под одной блокировкой.
// Разделитель в ленте считается от прежней отметки.
func (e *Engine) SelectChat(ctx context.Context, id string) (Timeline, error) {
	if _, ok := e.chat(id); !ok {
		return Timeline{}, invalid(CodeUnknownChat, "Chat not found")
	}
	msgs, _, err := e.store.GetMessages(ctx, id)
	if err != nil {
		e.storeFailed("get_messages", err)
	}

	e.mu.Lock()
	i := e.indexOf(id)
	if i < 0 {
		e.mu.Unlock()
		return Timeline{}, invalid(CodeUnknownChat, "Chat not found")
	}
	prevRead := e.lastRead[id]
	e.selected = id
	e.chats[i].UnreadCount = 0
	if len(msgs) > 0 {
		e.lastRead[id] = msgs[len(msgs)-1].ID
	}
	chats, lastRead := e.snapshot()
	e.mu.Unlock()

	e.persistRoster(ctx, chats, lastRead)
	e.Publish(Event{Type: EventSelected, ChatID: id})
	e.Publish(Event{Type: EventUnread, ChatID: id, Payload: UnreadPayload{UnreadCount: 0}})

	return e.buildTimeline(ctx, msgs, prevRead), nil
}

// ClearAll стирает локальные сообщения и картинки и обнуляет счётчики.
// Ростер, ключи и user id сохраняются.
func (e *Engine) ClearAll(ctx context.Context) error {
	e.writeMu.Lock()
	err := e.store.ClearAll(ctx)
	e.writeMu.Unlock()
	if err != nil {
		e.storeFailed("clear_all", err)
		return err
	}

	e.mu.Lock()
	for i := range e.chats {
		e.chats[i].UnreadCount = 0
	}
	e.previews = make(map[string]model.LastMessage)
	e.lastRead = make(map[string]string)
	chats, lastRead := e.snapshot()
	e.mu.Unlock()

	e.persistRoster(ctx, chats, lastRead)
	e.Publish(Event{Type: EventCleared})
	e.Publish(Event{Type: EventChats})
	return nil
}

func preview(m model.Message) model.LastMessage {
	content := m.Content
	if m.Type == model.ContentTypeImage {
		content = m.Caption
	}
	return model.LastMessage{Content: content, Timestamp: m.Timestamp, Type: m.Type, Sender: m.Sender}
}

package chat

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anonchat/internal/codec"
	"github.com/anonchat/internal/config"
	"github.com/anonchat/internal/model"
	"github.com/anonchat/internal/ratelimit"
	"github.com/anonchat/internal/storage"
	"github.com/anonchat/internal/storage/memory"
	"github.com/anonchat/internal/transport"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu       sync.Mutex
	next     int
	handlers map[string]map[int]transport.Handler
	sent     []transport.OutboundMessage
	newChats []string
	sendErr  error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string]map[int]transport.Handler)}
}

func (f *fakeTransport) Subscribe(topic string, h transport.Handler) transport.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	if f.handlers[topic] == nil {
		f.handlers[topic] = make(map[int]transport.Handler)
	}
	f.handlers[topic][f.next] = h
	return transport.Subscription{Topic: topic}
}

// Unsubscribe снимает все обработчики топика; у движка по одному на чат.
func (f *fakeTransport) Unsubscribe(sub transport.Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, sub.Topic)
}

func (f *fakeTransport) Send(_ context.Context, m transport.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeTransport) NotifyNewChat(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.newChats = append(f.newChats, id)
	return f.sendErr
}

func (f *fakeTransport) deliver(fr transport.Frame) {
	f.mu.Lock()
	var hs []transport.Handler
	for _, h := range f.handlers[fr.ChatID] {
		hs = append(hs, h)
	}
	if fr.Type == transport.FrameStats {
		for _, h := range f.handlers[transport.TopicStats] {
			hs = append(hs, h)
		}
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(fr)
	}
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) subscribed(topic string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers[topic]) > 0
}

// countingStore считает изменяющие вызовы.
type countingStore struct {
	storage.Store
	writes atomic.Int64
}

func (s *countingStore) PutMessages(ctx context.Context, id string, m []model.Message) error {
	s.writes.Add(1)
	return s.Store.PutMessages(ctx, id, m)
}

func (s *countingStore) AppendMessage(ctx context.Context, id string, m model.Message) error {
	s.writes.Add(1)
	return s.Store.AppendMessage(ctx, id, m)
}

func (s *countingStore) PutImage(ctx context.Context, id string, d []byte) error {
	s.writes.Add(1)
	return s.Store.PutImage(ctx, id, d)
}

type harness struct {
	eng    *Engine
	tr     *fakeTransport
	store  *countingStore
	events *[]Event
	clock  *time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithStore(t, memory.New())
}

func newHarnessWithStore(t *testing.T, st storage.Store) *harness {
	t.Helper()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	clock := &now
	limits := config.Default().Limits
	lim := ratelimit.New(limits.SendRateLimit, limits.SendRateWindow)
	lim.SetClock(func() time.Time { return *clock })

	h := &harness{tr: newFakeTransport(), store: &countingStore{Store: st}, clock: clock}
	h.eng = New(Deps{
		Store:     h.store,
		Transport: h.tr,
		Limiter:   lim,
		Limits:    limits,
		Now:       func() time.Time { return *clock },
	})
	var mu sync.Mutex
	events := []Event{}
	h.events = &events
	h.eng.Subscribe(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	require.NoError(t, h.eng.Start(context.Background()))
	t.Cleanup(h.eng.Stop)
	return h
}

func (h *harness) addChat(t *testing.T, id, key string) {
	t.Helper()
	_, err := h.eng.AddChat(context.Background(), id, "", key)
	require.NoError(t, err)
}

func (h *harness) eventsOf(typ EventType) []Event {
	var out []Event
	for _, ev := range *h.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (h *harness) unread(id string) int {
	for _, c := range h.eng.Chats() {
		if c.ID == id {
			return c.UnreadCount
		}
	}
	return -1
}

func inbound(t *testing.T, chatID, key, text, msgID string) transport.Frame {
	t.Helper()
	env, err := codec.Encrypt(text, key)
	require.NoError(t, err)
	return transport.Frame{
		Type:        transport.FrameMessage,
		ChatID:      chatID,
		MessageID:   msgID,
		Message:     env,
		Sender:      "user_remote1",
		MessageType: string(model.ContentTypeText),
		Timestamp:   "2024-05-01T09:59:00.000Z",
	}
}

func requireValidation(t *testing.T, err error, code string) *ValidationError {
	t.Helper()
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	require.Equal(t, code, ve.Code, ve.Message)
	return ve
}

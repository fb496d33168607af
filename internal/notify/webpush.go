package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/anonchat/internal/logger"
	"github.com/anonchat/internal/storage"
)

// Subscription — подписка из браузера (PushManager.subscribe).
type Subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

func (s Subscription) Valid() bool {
	return s.Endpoint != "" && s.Keys.P256dh != "" && s.Keys.Auth != ""
}

// MetaStore — часть storage.Store, где хранится список подписок.
type MetaStore interface {
	GetMeta(ctx context.Context, key string) ([]byte, bool, error)
	PutMeta(ctx context.Context, key string, value []byte) error
}

type sendFunc func(ctx context.Context, payload []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error)

// WebPush отправляет уведомления о сообщениях на все сохранённые подписки.
// Подписки с ответом 404/410 удаляются.
type WebPush struct {
	store MetaStore
	opts  *webpush.Options
	send  sendFunc
	mu    sync.Mutex
}

func NewWebPush(store MetaStore, keys *VAPIDKeys, subscriber string) *WebPush {
	return &WebPush{
		store: store,
		opts: &webpush.Options{
			Subscriber:      subscriber,
			VAPIDPublicKey:  keys.PublicKey,
			VAPIDPrivateKey: keys.PrivateKey,
			TTL:             30,
		},
		send: webpush.SendNotificationWithContext,
	}
}

// PublicKey — ключ для PushManager.subscribe в UI.
func (w *WebPush) PublicKey() string {
	return w.opts.VAPIDPublicKey
}

func (w *WebPush) load(ctx context.Context) ([]Subscription, error) {
	raw, ok, err := w.store.GetMeta(ctx, storage.MetaPushSubscriptions)
	if err != nil || !ok {
		return nil, err
	}
	var subs []Subscription
	if err := json.Unmarshal(raw, &subs); err != nil {
		return nil, err
	}
	return subs, nil
}

func (w *WebPush) save(ctx context.Context, subs []Subscription) error {
	if subs == nil {
		subs = []Subscription{}
	}
	raw, err := json.Marshal(subs)
	if err != nil {
		return err
	}
	return w.store.PutMeta(ctx, storage.MetaPushSubscriptions, raw)
}

var ErrInvalidSubscription = errors.New("invalid push subscription")

// Subscribe добавляет подписку; повтор с тем же endpoint заменяет ключи.
func (w *WebPush) Subscribe(ctx context.Context, sub Subscription) error {
	if !sub.Valid() {
		return ErrInvalidSubscription
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	subs, err := w.load(ctx)
	if err != nil {
		return fmt.Errorf("webpush.Subscribe: %w", err)
	}
	kept := subs[:0]
	for _, s := range subs {
		if s.Endpoint != sub.Endpoint {
			kept = append(kept, s)
		}
	}
	return w.save(ctx, append(kept, sub))
}

func (w *WebPush) Unsubscribe(ctx context.Context, endpoint string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.removeLocked(ctx, endpoint)
}

func (w *WebPush) removeLocked(ctx context.Context, endpoint string) error {
	subs, err := w.load(ctx)
	if err != nil {
		return fmt.Errorf("webpush.Unsubscribe: %w", err)
	}
	kept := subs[:0]
	for _, s := range subs {
		if s.Endpoint != endpoint {
			kept = append(kept, s)
		}
	}
	return w.save(ctx, kept)
}

// Subscriptions возвращает текущий список (для тестов и диагностики).
func (w *WebPush) Subscriptions(ctx context.Context) ([]Subscription, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.load(ctx)
}

// Notify шлёт только уведомления о сообщениях: тосты соединения в push не уходят.
// Текст сообщения в payload не кладётся, только название чата.
func (w *WebPush) Notify(ctx context.Context, n Notification) error {
	if n.Kind != KindMessage {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	subs, err := w.load(ctx)
	if err != nil {
		return fmt.Errorf("webpush.Notify: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}
	payload, _ := json.Marshal(map[string]any{
		"title": n.Title,
		"body":  n.Body,
		"data":  map[string]string{"chat_id": n.ChatID},
	})
	for i := range subs {
		sub := &subs[i]
		wpSub := &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth},
		}
		resp, err := w.send(ctx, payload, wpSub, w.opts)
		if err != nil {
			logger.Errorf("push: send %s: %v", sub.Endpoint[:min(50, len(sub.Endpoint))], err)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
			if err := w.removeLocked(ctx, sub.Endpoint); err != nil {
				logger.Errorf("push: remove stale subscription: %v", err)
			}
		}
	}
	return nil
}

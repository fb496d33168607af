// Package notify доставляет пользователю короткие уведомления: тосты UI-оболочки,
// лог и Web Push для фоновых вкладок.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/anonchat/internal/logger"
)

type Kind string

const (
	KindInfo    Kind = "info"
	KindWarning Kind = "warning"
	KindError   Kind = "error"
	KindMessage Kind = "message"
)

// Notification — одно уведомление. TTL — сколько его показывать (0 — на усмотрение получателя).
type Notification struct {
	Title string        `json:"title"`
	Body  string        `json:"body"`
	Kind  Kind          `json:"kind"`
	TTL   time.Duration `json:"ttl"`
	// ChatID заполнен для уведомлений о новых сообщениях.
	ChatID string `json:"chat_id,omitempty"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Func адаптирует функцию к Notifier.
type Func func(ctx context.Context, n Notification) error

func (f Func) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// Log пишет уведомления в лог. Используется, когда UI не подключён.
type Log struct{}

func (Log) Notify(_ context.Context, n Notification) error {
	switch n.Kind {
	case KindError:
		logger.Errorf("notify: %s %s", n.Title, n.Body)
	case KindWarning:
		logger.Warnf("notify: %s %s", n.Title, n.Body)
	default:
		logger.Infof("notify: %s %s", n.Title, n.Body)
	}
	return nil
}

// Multi рассылает уведомление всем получателям; ошибки объединяются, доставка остальным не прерывается.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, t := range m {
		if t == nil {
			continue
		}
		if err := t.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard молча игнорирует уведомления.
var Discard Notifier = Func(func(context.Context, Notification) error { return nil })

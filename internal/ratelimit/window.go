// Package ratelimit — скользящее окно: не больше Max событий за Period на ключ.
package ratelimit

import (
	"sync"
	"time"
)

// Window хранит времена принятых событий по ключам. Отклонённые попытки не учитываются.
type Window struct {
	Max    int
	Period time.Duration

	mu    sync.Mutex
	times map[string][]time.Time
	now   func() time.Time
}

// New создаёт окно. max <= 0 трактуется как 1.
func New(max int, period time.Duration) *Window {
	if max <= 0 {
		max = 1
	}
	return &Window{Max: max, Period: period, times: make(map[string][]time.Time), now: time.Now}
}

// SetClock подменяет часы (для тестов).
func (w *Window) SetClock(now func() time.Time) {
	w.mu.Lock()
	w.now = now
	w.mu.Unlock()
}

// prune отбрасывает события старше окна. Вызывается под mu.
func (w *Window) prune(key string, now time.Time) []time.Time {
	cutoff := now.Add(-w.Period)
	slice := w.times[key]
	i := 0
	for _, t := range slice {
		if t.After(cutoff) {
			slice[i] = t
			i++
		}
	}
	slice = slice[:i]
	if len(slice) == 0 {
		delete(w.times, key)
		return nil
	}
	w.times[key] = slice
	return slice
}

// Allow регистрирует событие, если окно не заполнено.
// При отказе retryAfter — сколько ждать до освобождения самой старой отметки.
func (w *Window) Allow(key string) (ok bool, retryAfter time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	slice := w.prune(key, now)
	if len(slice) >= w.Max {
		wait := slice[0].Add(w.Period).Sub(now)
		if wait < 0 {
			wait = 0
		}
		return false, wait
	}
	w.times[key] = append(slice, now)
	return true, 0
}

// Remaining — сколько событий ещё можно принять в текущем окне.
func (w *Window) Remaining(key string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.Max - len(w.prune(key, w.now()))
}

// Reset забывает историю ключа.
func (w *Window) Reset(key string) {
	w.mu.Lock()
	delete(w.times, key)
	w.mu.Unlock()
}

// Seconds округляет ожидание вверх до целых секунд для сообщений пользователю.
func Seconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}

// Package memory — хранилище в памяти процесса для режима -dev и тестов. Данные теряются при остановке.
package memory

import (
	"context"
	"sync"

	"github.com/anonchat/internal/model"
	"github.com/anonchat/internal/storage"
)

type Store struct {
	mu       sync.RWMutex
	messages map[string][]model.Message
	images   map[string][]byte
	meta     map[string][]byte
}

func New() *Store {
	return &Store{
		messages: make(map[string][]model.Message),
		images:   make(map[string][]byte),
		meta:     make(map[string][]byte),
	}
}

func (s *Store) Close() error { return nil }

func cloneBytes(b []byte) []byte {
	return append([]byte{}, b...)
}

func (s *Store) PutMessages(ctx context.Context, chatID string, msgs []model.Message) error {
	cp := storage.CloneMessages(msgs)
	if cp == nil {
		cp = []model.Message{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[chatID] = cp
	return nil
}

func (s *Store) AppendMessage(ctx context.Context, chatID string, msg model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[chatID] = append(s.messages[chatID], msg)
	return nil
}

func (s *Store) GetMessages(ctx context.Context, chatID string) ([]model.Message, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs, ok := s.messages[chatID]
	if !ok {
		return nil, false, nil
	}
	out := storage.CloneMessages(msgs)
	if out == nil {
		out = []model.Message{}
	}
	return out, true, nil
}

func (s *Store) DeleteChat(ctx context.Context, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, chatID)
	return nil
}

func (s *Store) PutImage(ctx context.Context, id string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images[id] = cloneBytes(data)
	return nil
}

func (s *Store) GetImage(ctx context.Context, id string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.images[id]
	if !ok {
		return nil, false, nil
	}
	return cloneBytes(v), true, nil
}

func (s *Store) DeleteImage(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.images, id)
	return nil
}

func (s *Store) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = make(map[string][]model.Message)
	s.images = make(map[string][]byte)
	return nil
}

func (s *Store) GetMeta(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.meta[key]
	if !ok {
		return nil, false, nil
	}
	return cloneBytes(v), true, nil
}

func (s *Store) PutMeta(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta[key] = cloneBytes(value)
	return nil
}

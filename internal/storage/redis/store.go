// Package redis — хранилище в Redis: хэши <prefix>messages, <prefix>images и <prefix>meta.
// Позволяет нескольким процессам клиента одного пользователя делить кэш.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anonchat/internal/model"
	"github.com/redis/go-redis/v9"
)

// appendRetries — сколько раз повторять WATCH/MULTI при конкурентной записи.
const appendRetries = 100

type Store struct {
	cli    *redis.Client
	prefix string
}

// New подключается по URL и проверяет соединение (PING).
func New(ctx context.Context, url, prefix string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewFromClient(cli, prefix), nil
}

// NewFromClient оборачивает уже настроенный клиент.
func NewFromClient(cli *redis.Client, prefix string) *Store {
	return &Store{cli: cli, prefix: prefix}
}

func (s *Store) Close() error {
	return s.cli.Close()
}

func (s *Store) messagesKey() string { return s.prefix + "messages" }
func (s *Store) imagesKey() string   { return s.prefix + "images" }
func (s *Store) metaKey() string     { return s.prefix + "meta" }

func (s *Store) PutMessages(ctx context.Context, chatID string, msgs []model.Message) error {
	if msgs == nil {
		msgs = []model.Message{}
	}
	raw, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("redis.PutMessages: %w", err)
	}
	return s.cli.HSet(ctx, s.messagesKey(), chatID, raw).Err()
}

// AppendMessage — оптимистичная транзакция: WATCH хэша, чтение, MULTI/HSET; при гонке повтор.
func (s *Store) AppendMessage(ctx context.Context, chatID string, msg model.Message) error {
	key := s.messagesKey()
	txf := func(tx *redis.Tx) error {
		var msgs []model.Message
		raw, err := tx.HGet(ctx, key, chatID).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(raw, &msgs); err != nil {
				return err
			}
		}
		next, err := json.Marshal(append(msgs, msg))
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, chatID, next)
			return nil
		})
		return err
	}

	for i := 0; i < appendRetries; i++ {
		err := s.cli.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return fmt.Errorf("redis.AppendMessage: %w", err)
	}
	return fmt.Errorf("redis.AppendMessage: %w", redis.TxFailedErr)
}

func (s *Store) GetMessages(ctx context.Context, chatID string) ([]model.Message, bool, error) {
	raw, err := s.cli.HGet(ctx, s.messagesKey(), chatID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis.GetMessages: %w", err)
	}
	msgs := []model.Message{}
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil, false, fmt.Errorf("redis.GetMessages: %w", err)
	}
	return msgs, true, nil
}

func (s *Store) DeleteChat(ctx context.Context, chatID string) error {
	return s.cli.HDel(ctx, s.messagesKey(), chatID).Err()
}

func (s *Store) PutImage(ctx context.Context, id string, data []byte) error {
	return s.cli.HSet(ctx, s.imagesKey(), id, data).Err()
}

func (s *Store) getField(ctx context.Context, key, field string) ([]byte, bool, error) {
	v, err := s.cli.HGet(ctx, key, field).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *Store) GetImage(ctx context.Context, id string) ([]byte, bool, error) {
	return s.getField(ctx, s.imagesKey(), id)
}

func (s *Store) DeleteImage(ctx context.Context, id string) error {
	return s.cli.HDel(ctx, s.imagesKey(), id).Err()
}

func (s *Store) ClearAll(ctx context.Context) error {
	return s.cli.Del(ctx, s.messagesKey(), s.imagesKey()).Err()
}

func (s *Store) GetMeta(ctx context.Context, key string) ([]byte, bool, error) {
	return s.getField(ctx, s.metaKey(), key)
}

func (s *Store) PutMeta(ctx context.Context, key string, value []byte) error {
	return s.cli.HSet(ctx, s.metaKey(), key, value).Err()
}

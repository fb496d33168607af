// Package bolt — хранилище по умолчанию: один файл bbolt с бакетами messages, images и meta.
// Списки сообщений кодируются в CBOR.
package bolt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/anonchat/internal/model"
	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

const (
	messagesBucket = "messages"
	imagesBucket   = "images"
	metaBucket     = "meta"
)

var buckets = []string{messagesBucket, imagesBucket, metaBucket}

type Store struct {
	db *bolt.DB
}

// Open открывает (или создаёт) файл БД и бакеты. Повторное открытие существующего файла безопасно.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("bolt.Open: mkdir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(b)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("bolt.Open: buckets: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if err := s.db.Sync(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}

func encode(msgs []model.Message) ([]byte, error) {
	if msgs == nil {
		msgs = []model.Message{}
	}
	return cbor.Marshal(msgs)
}

func decode(raw []byte) ([]model.Message, error) {
	var msgs []model.Message
	if _, err := cbor.UnmarshalFirst(raw, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *Store) PutMessages(ctx context.Context, chatID string, msgs []model.Message) error {
	raw, err := encode(msgs)
	if err != nil {
		return fmt.Errorf("bolt.PutMessages: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(messagesBucket)).Put([]byte(chatID), raw)
	})
}

// AppendMessage читает, дописывает и сохраняет список в одной транзакции записи.
func (s *Store) AppendMessage(ctx context.Context, chatID string, msg model.Message) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(messagesBucket))
		var msgs []model.Message
		if raw := bkt.Get([]byte(chatID)); raw != nil {
			var err error
			if msgs, err = decode(raw); err != nil {
				return err
			}
		}
		raw, err := encode(append(msgs, msg))
		if err != nil {
			return err
		}
		return bkt.Put([]byte(chatID), raw)
	})
	if err != nil {
		return fmt.Errorf("bolt.AppendMessage: %w", err)
	}
	return nil
}

func (s *Store) GetMessages(ctx context.Context, chatID string) ([]model.Message, bool, error) {
	var (
		msgs  []model.Message
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(messagesBucket)).Get([]byte(chatID))
		if raw == nil {
			return nil
		}
		found = true
		var err error
		msgs, err = decode(raw)
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("bolt.GetMessages: %w", err)
	}
	return msgs, found, nil
}

func (s *Store) DeleteChat(ctx context.Context, chatID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(messagesBucket)).Delete([]byte(chatID))
	})
}

func (s *Store) PutImage(ctx context.Context, id string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(imagesBucket)).Put([]byte(id), data)
	})
}

// getRaw копирует значение: срез bbolt живёт только внутри транзакции.
func (s *Store) getRaw(bucket, key string) ([]byte, bool, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket([]byte(bucket)).Get([]byte(key)); v != nil {
			out = append([]byte{}, v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}

func (s *Store) GetImage(ctx context.Context, id string) ([]byte, bool, error) {
	return s.getRaw(imagesBucket, id)
}

func (s *Store) DeleteImage(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(imagesBucket)).Delete([]byte(id))
	})
}

func (s *Store) ClearAll(ctx context.Context) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, b := range []string{messagesBucket, imagesBucket} {
			if err := tx.DeleteBucket([]byte(b)); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
			if _, err := tx.CreateBucket([]byte(b)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("bolt.ClearAll: %w", err)
	}
	return nil
}

func (s *Store) GetMeta(ctx context.Context, key string) ([]byte, bool, error) {
	return s.getRaw(metaBucket, key)
}

func (s *Store) PutMeta(ctx context.Context, key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(metaBucket)).Put([]byte(key), value)
	})
}

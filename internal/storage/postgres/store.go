// Package postgres — хранилище в PostgreSQL (pgx): таблицы chat_messages, images и meta.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/anonchat/internal/logger"
	"github.com/anonchat/internal/model"
	"github.com/anonchat/migrations"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate применяет встроенные миграции. Все миграции идемпотентны (IF NOT EXISTS).
func (s *Store) Migrate(ctx context.Context) error {
	names, err := migrations.Names()
	if err != nil {
		return fmt.Errorf("pgStore.Migrate: %w", err)
	}
	for _, name := range names {
		data, err := migrations.Files.ReadFile(name)
		if err != nil {
			return fmt.Errorf("pgStore.Migrate: read %s: %w", name, err)
		}
		if _, err := s.pool.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("pgStore.Migrate: run %s: %w", name, err)
		}
	}
	logger.Infof("postgres store: migrations applied (%d)", len(names))
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) PutMessages(ctx context.Context, chatID string, msgs []model.Message) error {
	defer logger.DeferLogDuration("pgStore.PutMessages", time.Now())()
	if msgs == nil {
		msgs = []model.Message{}
	}
	raw, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("pgStore.PutMessages: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO chat_messages (chat_id, messages, updated_at) VALUES ($1, $2::jsonb, now())
		 ON CONFLICT (chat_id) DO UPDATE SET messages = EXCLUDED.messages, updated_at = now()`,
		chatID, string(raw))
	if err != nil {
		return fmt.Errorf("pgStore.PutMessages: %w", err)
	}
	return nil
}

// AppendMessage блокирует строку чата (SELECT … FOR UPDATE) на время чтения-дописывания.
// Для нового чата гонку двух INSERT снимает ON CONFLICT с конкатенацией jsonb.
func (s *Store) AppendMessage(ctx context.Context, chatID string, msg model.Message) error {
	defer logger.DeferLogDuration("pgStore.AppendMessage", time.Now())()
	one, err := json.Marshal([]model.Message{msg})
	if err != nil {
		return fmt.Errorf("pgStore.AppendMessage: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("pgStore.AppendMessage: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var raw []byte
	err = tx.QueryRow(ctx, `SELECT messages FROM chat_messages WHERE chat_id = $1 FOR UPDATE`, chatID).Scan(&raw)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		_, err = tx.Exec(ctx,
			`INSERT INTO chat_messages (chat_id, messages, updated_at) VALUES ($1, $2::jsonb, now())
			 ON CONFLICT (chat_id) DO UPDATE SET messages = chat_messages.messages || EXCLUDED.messages, updated_at = now()`,
			chatID, string(one))
	case err != nil:
		return fmt.Errorf("pgStore.AppendMessage: select: %w", err)
	default:
		var msgs []model.Message
		if err := json.Unmarshal(raw, &msgs); err != nil {
			return fmt.Errorf("pgStore.AppendMessage: decode: %w", err)
		}
		next, mErr := json.Marshal(append(msgs, msg))
		if mErr != nil {
			return fmt.Errorf("pgStore.AppendMessage: %w", mErr)
		}
		_, err = tx.Exec(ctx,
			`UPDATE chat_messages SET messages = $2::jsonb, updated_at = now() WHERE chat_id = $1`,
			chatID, string(next))
	}
	if err != nil {
		return fmt.Errorf("pgStore.AppendMessage: write: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("pgStore.AppendMessage: commit: %w", err)
	}
	return nil
}

func (s *Store) GetMessages(ctx context.Context, chatID string) ([]model.Message, bool, error) {
	defer logger.DeferLogDuration("pgStore.GetMessages", time.Now())()
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT messages FROM chat_messages WHERE chat_id = $1`, chatID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("pgStore.GetMessages: %w", err)
	}
	msgs := []model.Message{}
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil, false, fmt.Errorf("pgStore.GetMessages: %w", err)
	}
	return msgs, true, nil
}

func (s *Store) DeleteChat(ctx context.Context, chatID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM chat_messages WHERE chat_id = $1`, chatID); err != nil {
		return fmt.Errorf("pgStore.DeleteChat: %w", err)
	}
	return nil
}

func (s *Store) PutImage(ctx context.Context, id string, data []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO images (id, data) VALUES ($1, $2) ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data`,
		id, data)
	if err != nil {
		return fmt.Errorf("pgStore.PutImage: %w", err)
	}
	return nil
}

func (s *Store) getBytes(ctx context.Context, query, key string) ([]byte, bool, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, query, key).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if data == nil {
		data = []byte{}
	}
	return data, true, nil
}

func (s *Store) GetImage(ctx context.Context, id string) ([]byte, bool, error) {
	data, ok, err := s.getBytes(ctx, `SELECT data FROM images WHERE id = $1`, id)
	if err != nil {
		return nil, false, fmt.Errorf("pgStore.GetImage: %w", err)
	}
	return data, ok, nil
}

func (s *Store) DeleteImage(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM images WHERE id = $1`, id); err != nil {
		return fmt.Errorf("pgStore.DeleteImage: %w", err)
	}
	return nil
}

func (s *Store) ClearAll(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `TRUNCATE chat_messages, images`); err != nil {
		return fmt.Errorf("pgStore.ClearAll: %w", err)
	}
	return nil
}

func (s *Store) GetMeta(ctx context.Context, key string) ([]byte, bool, error) {
	data, ok, err := s.getBytes(ctx, `SELECT value FROM meta WHERE key = $1`, key)
	if err != nil {
		return nil, false, fmt.Errorf("pgStore.GetMeta: %w", err)
	}
	return data, ok, nil
}

func (s *Store) PutMeta(ctx context.Context, key string, value []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO meta (key, value) VALUES ($1, $2) ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("pgStore.PutMeta: %w", err)
	}
	return nil
}

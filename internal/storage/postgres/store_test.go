package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/anonchat/internal/storage"
	"github.com/anonchat/internal/storage/storetest"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

// Тесты идут только при заданном TEST_DATABASE_URL; база очищается перед каждым подтестом.
func TestStoreContract(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	s := New(pool)
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Migrate(ctx), "migrations must be idempotent")

	storetest.Run(t, func(t *testing.T) storage.Store {
		_, err := pool.Exec(ctx, `TRUNCATE chat_messages, images, meta`)
		require.NoError(t, err)
		return s
	})
}

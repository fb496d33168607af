// Package storetest — общий набор проверок для реализаций storage.Store.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/anonchat/internal/model"
	"github.com/anonchat/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msg(id string) model.Message {
	return model.Message{
		ID:        id,
		Sender:    "user_abc1234",
		Content:   "content " + id,
		Timestamp: "2024-05-01T10:00:00.000Z",
		Type:      model.ContentTypeText,
		IsNew:     true,
	}
}

// Run прогоняет контракт Store. newStore должен возвращать пустое хранилище.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	ctx := context.Background()

	t.Run("missing records are absent, not errors", func(t *testing.T) {
		s := newStore(t)
		list, ok, err := s.GetMessages(ctx, "nope")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, list)

		data, ok, err := s.GetImage(ctx, "nope")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, data)

		_, ok, err = s.GetMeta(ctx, storage.MetaChats)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("put replaces whole list", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.PutMessages(ctx, "c1", []model.Message{msg("1"), msg("2")}))
		require.NoError(t, s.PutMessages(ctx, "c1", []model.Message{msg("3")}))

		list, ok, err := s.GetMessages(ctx, "c1")
		require.NoError(t, err)
		require.True(t, ok)
		require.Len(t, list, 1)
		assert.Equal(t, msg("3"), list[0])
	})

	t.Run("append creates and extends in order", func(t *testing.T) {
		s := newStore(t)
		for _, id := range []string{"a", "b", "c"} {
			require.NoError(t, s.AppendMessage(ctx, "c1", msg(id)))
		}
		list, ok, err := s.GetMessages(ctx, "c1")
		require.NoError(t, err)
		require.True(t, ok)
		require.Len(t, list, 3)
		assert.Equal(t, "a", list[0].ID)
		assert.Equal(t, "c", list[2].ID)
	})

	t.Run("image message fields survive", func(t *testing.T) {
		s := newStore(t)
		m := msg("img")
		m.Type = model.ContentTypeImage
		m.Content = ""
		m.ImageRef = "blob-1"
		m.Caption = "look"
		m.IsNew = false
		require.NoError(t, s.AppendMessage(ctx, "c1", m))

		list, _, err := s.GetMessages(ctx, "c1")
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, m, list[0])
	})

	t.Run("concurrent appends are not lost", func(t *testing.T) {
		s := newStore(t)
		const n = 20
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				assert.NoError(t, s.AppendMessage(ctx, "race", msg(fmt.Sprint(i))))
			}(i)
		}
		wg.Wait()

		list, _, err := s.GetMessages(ctx, "race")
		require.NoError(t, err)
		assert.Len(t, list, n)
	})

	t.Run("delete chat keeps other chats", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.AppendMessage(ctx, "c1", msg("1")))
		require.NoError(t, s.AppendMessage(ctx, "c2", msg("2")))
		require.NoError(t, s.DeleteChat(ctx, "c1"))
		require.NoError(t, s.DeleteChat(ctx, "never-existed"))

		_, ok, err := s.GetMessages(ctx, "c1")
		require.NoError(t, err)
		assert.False(t, ok)
		_, ok, err = s.GetMessages(ctx, "c2")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("images", func(t *testing.T) {
		s := newStore(t)
		data := []byte{0x89, 'P', 'N', 'G', 0, 1, 2}
		require.NoError(t, s.PutImage(ctx, "i1", data))

		got, ok, err := s.GetImage(ctx, "i1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, data, got)

		require.NoError(t, s.DeleteImage(ctx, "i1"))
		_, ok, err = s.GetImage(ctx, "i1")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("clear all keeps meta", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.AppendMessage(ctx, "c1", msg("1")))
		require.NoError(t, s.PutImage(ctx, "i1", []byte("x")))
		require.NoError(t, s.PutMeta(ctx, storage.MetaUserID, []byte("user_abc1234")))
		require.NoError(t, s.ClearAll(ctx))

		_, ok, err := s.GetMessages(ctx, "c1")
		require.NoError(t, err)
		assert.False(t, ok)
		_, ok, err = s.GetImage(ctx, "i1")
		require.NoError(t, err)
		assert.False(t, ok)

		v, ok, err := s.GetMeta(ctx, storage.MetaUserID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "user_abc1234", string(v))

		require.NoError(t, s.AppendMessage(ctx, "c1", msg("2")), "store usable after clear")
	})

	t.Run("meta overwrite", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.PutMeta(ctx, storage.MetaChats, []byte(`[]`)))
		require.NoError(t, s.PutMeta(ctx, storage.MetaChats, []byte(`[{"id":"c1"}]`)))
		v, ok, err := s.GetMeta(ctx, storage.MetaChats)
		require.NoError(t, err)
		require.True(t, ok)
		assert.JSONEq(t, `[{"id":"c1"}]`, string(v))
	})
}

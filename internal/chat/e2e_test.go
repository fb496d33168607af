package chat

import (
	"context"
	"testing"
	"time"

	"github.com/anonchat/internal/model"
	"github.com/anonchat/internal/storage/memory"
	"github.com/anonchat/internal/transport"
	"github.com/anonchat/internal/transport/relaytest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type peer struct {
	eng   *Engine
	tr    *transport.Service
	store *memory.Store
}

func newPeer(t *testing.T, url string) *peer {
	t.Helper()
	p := &peer{store: memory.New()}
	var eng *Engine
	p.tr = transport.New(transport.Options{
		URL:     url,
		ChatIDs: func() []string { return eng.ChatIDs() },
	})
	eng = New(Deps{Store: p.store, Transport: p.tr})
	p.eng = eng

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, eng.Start(ctx))
	require.NoError(t, p.tr.Initialize(ctx))
	t.Cleanup(func() {
		p.tr.Shutdown()
		eng.Stop()
		cancel()
	})
	require.Eventually(t, func() bool { return p.tr.State() == transport.Open },
		5*time.Second, 10*time.Millisecond)
	return p
}

func TestEndToEnd_TwoClientsOverRelay(t *testing.T) {
	relay := relaytest.New(t)
	a := newPeer(t, relay.URL())
	b := newPeer(t, relay.URL())
	ctx := context.Background()

	_, err := a.eng.AddChat(ctx, "c1", "", "k")
	require.NoError(t, err)
	_, err = b.eng.AddChat(ctx, "c1", "", "k")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(relay.Frames("new_chat")) == 2 },
		5*time.Second, 10*time.Millisecond)

	_, err = a.eng.SendText(ctx, "c1", "hello")
	require.NoError(t, err)

	var got []model.Message
	require.Eventually(t, func() bool {
		got, _, _ = b.store.GetMessages(ctx, "c1")
		return len(got) == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, "hello", got[0].Content)
	assert.Equal(t, a.eng.UserID(), got[0].Sender)
	assert.True(t, got[0].IsNew)
	assert.NotEmpty(t, got[0].ID)

	sent := relay.Frames("message")
	require.Len(t, sent, 1)
	assert.NotContains(t, sent[0]["message"], "hello", "relay only sees ciphertext")

	mine, _, err := a.store.GetMessages(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.False(t, mine[0].IsNew)
}

package notify

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/anonchat/internal/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMulti_DeliversToAllAndJoinsErrors(t *testing.T) {
	var got []string
	ok := Func(func(_ context.Context, n Notification) error {
		got = append(got, n.Body)
		return nil
	})
	boom := errors.New("boom")
	bad := Func(func(context.Context, Notification) error { return boom })

	err := Multi{ok, bad, nil, ok}.Notify(context.Background(), Notification{Body: "x"})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"x", "x"}, got)
}

func sub(endpoint string) Subscription {
	var s Subscription
	s.Endpoint = endpoint
	s.Keys.P256dh = "p256"
	s.Keys.Auth = "auth"
	return s
}

func newTestPush(t *testing.T, status map[string]int) (*WebPush, *[]string) {
	t.Helper()
	var sent []string
	w := NewWebPush(memory.New(), &VAPIDKeys{PublicKey: "pub", PrivateKey: "priv"}, "test")
	w.send = func(_ context.Context, payload []byte, s *webpush.Subscription, _ *webpush.Options) (*http.Response, error) {
		sent = append(sent, s.Endpoint)
		code := http.StatusCreated
		if c, ok := status[s.Endpoint]; ok {
			code = c
		}
		return &http.Response{StatusCode: code, Body: io.NopCloser(strings.NewReader(""))}, nil
	}
	return w, &sent
}

func TestWebPush_SubscribeDeduplicatesByEndpoint(t *testing.T) {
	ctx := context.Background()
	w, _ := newTestPush(t, nil)

	require.NoError(t, w.Subscribe(ctx, sub("https://push/a")))
	require.NoError(t, w.Subscribe(ctx, sub("https://push/a")))
	require.NoError(t, w.Subscribe(ctx, sub("https://push/b")))

	subs, err := w.Subscriptions(ctx)
	require.NoError(t, err)
	assert.Len(t, subs, 2)

	assert.ErrorIs(t, w.Subscribe(ctx, Subscription{Endpoint: "x"}), ErrInvalidSubscription)
}

func TestWebPush_DropsGoneSubscriptions(t *testing.T) {
	ctx := context.Background()
	w, sent := newTestPush(t, map[string]int{"https://push/gone": http.StatusGone})
	require.NoError(t, w.Subscribe(ctx, sub("https://push/ok")))
	require.NoError(t, w.Subscribe(ctx, sub("https://push/gone")))

	require.NoError(t, w.Notify(ctx, Notification{Kind: KindMessage, Title: "chat", ChatID: "c1"}))
	assert.ElementsMatch(t, []string{"https://push/ok", "https://push/gone"}, *sent)

	subs, err := w.Subscriptions(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "https://push/ok", subs[0].Endpoint)
}

func TestWebPush_IgnoresNonMessageKinds(t *testing.T) {
	ctx := context.Background()
	w, sent := newTestPush(t, nil)
	require.NoError(t, w.Subscribe(ctx, sub("https://push/a")))

	require.NoError(t, w.Notify(ctx, Notification{Kind: KindWarning, Body: "Connection lost"}))
	assert.Empty(t, *sent)
}

func TestEnsureVAPIDKeys_GeneratesOnceThenLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg", "vapid.json")

	first, err := EnsureVAPIDKeys(path)
	require.NoError(t, err)
	require.NotEmpty(t, first.PublicKey)
	require.NotEmpty(t, first.PrivateKey)

	second, err := EnsureVAPIDKeys(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

package transport

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/anonchat/internal/codec"
	"github.com/anonchat/internal/config"
	"github.com/anonchat/internal/model"
	"github.com/anonchat/internal/notify"
	"github.com/anonchat/internal/transport/relaytest"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wait = 3 * time.Second

type fakeTimer struct {
	clock   *fakeClock
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) pending() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

func (c *fakeClock) delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.timers))
	for i, t := range c.timers {
		out[i] = t.d
	}
	return out
}

// take помечает единственный ожидающий таймер сработавшим и возвращает его колбэк.
func (c *fakeClock) take(t *testing.T) func() {
	t.Helper()
	p := c.pending()
	require.Len(t, p, 1, "exactly one retry timer must be pending")
	c.mu.Lock()
	p[0].fired = true
	c.mu.Unlock()
	return p[0].f
}

// fire синхронно запускает ожидающий таймер; безопасно только при неудачном dial.
func (c *fakeClock) fire(t *testing.T) {
	t.Helper()
	c.take(t)()
}

type failingDialer struct{}

func (failingDialer) DialContext(context.Context, string, http.Header) (*websocket.Conn, *http.Response, error) {
	return nil, nil, errors.New("connection refused")
}

func TestBackoff_Delay(t *testing.T) {
	b := DefaultBackoff()
	for attempt := 1; attempt <= 10; attempt++ {
		assert.Equal(t, 15*time.Second, b.Delay(attempt), "attempt %d", attempt)
	}
	for attempt := 11; attempt <= 30; attempt++ {
		assert.Equal(t, 60*time.Second, b.Delay(attempt), "attempt %d", attempt)
	}
}

func TestReconnectSchedule_SingleTimerFlatTwoTier(t *testing.T) {
	clock := &fakeClock{}
	var toasts []string
	var toastMu sync.Mutex
	s := New(Options{
		URL:       "ws://relay.invalid/ws",
		Dialer:    failingDialer{},
		AfterFunc: clock.AfterFunc,
		Notifier: notify.Func(func(_ context.Context, n notify.Notification) error {
			toastMu.Lock()
			toasts = append(toasts, n.Body)
			toastMu.Unlock()
			return nil
		}),
	})
	defer s.Shutdown()

	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx))
	require.Eventually(t, func() bool { return len(clock.pending()) == 1 }, wait, 5*time.Millisecond)
	assert.Equal(t, ReconnectWait, s.State())

	// Повторное закрытие при ожидающем повторе не взводит второй таймер.
	s.handleClose(ctx, nil)
	assert.Len(t, clock.pending(), 1)

	for i := 0; i < 11; i++ {
		clock.fire(t)
	}

	delays := clock.delays()
	require.Len(t, delays, 12)
	for i := 0; i < 10; i++ {
		assert.Equal(t, 15*time.Second, delays[i], "attempt %d", i+1)
	}
	assert.Equal(t, 60*time.Second, delays[10])
	assert.Equal(t, 60*time.Second, delays[11])
	assert.Equal(t, 12, s.Attempts())

	toastMu.Lock()
	defer toastMu.Unlock()
	assert.Equal(t, "Connection lost. Reconnecting in 15 seconds...", toasts[0])
	assert.Equal(t, "Connection lost. Reconnecting in 60 seconds...", toasts[len(toasts)-1])
}

func TestShutdown_StopsPendingTimer(t *testing.T) {
	clock := &fakeClock{}
	s := New(Options{URL: "ws://relay.invalid/ws", Dialer: failingDialer{}, AfterFunc: clock.AfterFunc})
	require.NoError(t, s.Initialize(context.Background()))
	require.Eventually(t, func() bool { return len(clock.pending()) == 1 }, wait, 5*time.Millisecond)

	s.Subscribe("c1", func(Frame) {})
	s.Shutdown()

	assert.Empty(t, clock.pending())
	assert.Equal(t, Disconnected, s.State())
	assert.Zero(t, s.Subscribers("c1"))
	assert.ErrorIs(t, s.Initialize(context.Background()), ErrClosed)
}

func TestDispatch_TopicIsolation(t *testing.T) {
	s := New(Options{})
	var a, b, stats1, stats2 []Frame
	s.Subscribe("A", func(f Frame) { a = append(a, f) })
	s.Subscribe("B", func(f Frame) { b = append(b, f) })
	s.Subscribe(TopicStats, func(f Frame) { stats1 = append(stats1, f) })
	s.Subscribe(TopicStats, func(f Frame) { stats2 = append(stats2, f) })

	s.dispatch([]byte(`{"type":"message","chat_id":"B","message":"x","sender":"u"}`))
	s.dispatch([]byte(`{"type":"stats","data":{"connectedUsers":3,"totalMessages":9,"totalDataTransferred":"1 MB"}}`))
	s.dispatch([]byte(`{"type":"typing","chat_id":"A"}`))
	s.dispatch([]byte(`{"type":"message","chat_id":"stats","message":"x"}`))
	s.dispatch([]byte(`not json`))

	assert.Empty(t, a)
	require.Len(t, b, 1)
	assert.Equal(t, "B", b[0].ChatID)
	require.Len(t, stats1, 1)
	require.Len(t, stats2, 1)
	assert.Equal(t, model.Stats{ConnectedUsers: 3, TotalMessages: 9, TotalDataTransferred: "1 MB"}, *stats1[0].Data)
}

func TestSubscribe_FanOutOrderAndIdempotentUnsubscribe(t *testing.T) {
	s := New(Options{})
	var order []int
	first := s.Subscribe("c", func(Frame) { order = append(order, 1) })
	s.Subscribe("c", func(Frame) { order = append(order, 2) })
	s.Subscribe("c", func(Frame) { order = append(order, 3) })

	s.dispatch([]byte(`{"type":"message","chat_id":"c"}`))
	assert.Equal(t, []int{1, 2, 3}, order)

	s.Unsubscribe(first)
	s.Unsubscribe(first)
	assert.Equal(t, 2, s.Subscribers("c"))

	order = nil
	s.dispatch([]byte(`{"type":"message","chat_id":"c"}`))
	assert.Equal(t, []int{2, 3}, order)
}

func TestUnsubscribe_ReleasesTopic(t *testing.T) {
	s := New(Options{})
	sub := s.Subscribe("c", func(Frame) {})
	s.Unsubscribe(sub)

	s.topics.mu.Lock()
	_, ok := s.topics.byName["c"]
	s.topics.mu.Unlock()
	assert.False(t, ok)
}

func TestSend_FailsFastWhenNotOpen(t *testing.T) {
	s := New(Options{})
	err := s.Send(context.Background(), OutboundMessage{ChatID: "c"})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, s.NotifyNewChat(context.Background(), "c"), ErrNotConnected)
}

func openService(t *testing.T, r *relaytest.Relay, ids []string, clock *fakeClock) *Service {
	t.Helper()
	opts := Options{URL: r.URL(), ChatIDs: func() []string { return ids }}
	if clock != nil {
		opts.AfterFunc = clock.AfterFunc
	}
	s := New(opts)
	t.Cleanup(s.Shutdown)
	require.NoError(t, s.Initialize(context.Background()))
	require.Eventually(t, func() bool { return s.State() == Open }, wait, 5*time.Millisecond)
	return s
}

func TestOpen_RegistersChatsAndExchangesFrames(t *testing.T) {
	r := relaytest.New(t)
	s := openService(t, r, []string{"c1", "c2"}, nil)
	conn := r.WaitConn(wait)

	require.Eventually(t, func() bool { return len(r.Frames("register")) == 1 }, wait, 5*time.Millisecond)
	assert.ElementsMatch(t, []any{"c1", "c2"}, r.Frames("register")[0]["chat_ids"])

	got := make(chan Frame, 1)
	s.Subscribe("c1", func(f Frame) { got <- f })
	require.NoError(t, r.Write(conn, map[string]any{
		"type": "message", "chat_id": "c1", "message_id": "m1", "message": "env",
		"sender": "user_other00", "messageType": "text", "content": "", "timestamp": "2024-01-01T00:00:00.000Z",
	}))
	select {
	case f := <-got:
		assert.Equal(t, "m1", f.MessageID)
		assert.Equal(t, "env", f.Message)
		assert.Equal(t, "text", f.MessageType)
	case <-time.After(wait):
		t.Fatal("frame not delivered")
	}

	require.NoError(t, s.Send(context.Background(), OutboundMessage{
		ChatID: "c1", Message: "env2", Sender: "user_me00000", MessageType: "image", Content: "cap", Timestamp: "ts",
	}))
	require.NoError(t, s.NotifyNewChat(context.Background(), "c3"))
	require.Eventually(t, func() bool { return len(r.Frames("new_chat")) == 1 }, wait, 5*time.Millisecond)

	msgs := r.Frames("message")
	require.Len(t, msgs, 1)
	assert.Equal(t, "c1", msgs[0]["chat_id"])
	assert.Equal(t, "image", msgs[0]["messageType"])
	assert.Equal(t, "cap", msgs[0]["content"])
	assert.Equal(t, []any{"c3"}, r.Frames("new_chat")[0]["chat_ids"])
	assert.True(t, r.Registered("c3"))
}

func TestOpen_SkipsRegisterWithoutChats(t *testing.T) {
	r := relaytest.New(t)
	s := openService(t, r, nil, nil)
	r.WaitConn(wait)

	require.NoError(t, s.NotifyNewChat(context.Background(), "x"))
	require.Eventually(t, func() bool { return len(r.Frames("new_chat")) == 1 }, wait, 5*time.Millisecond)
	assert.Empty(t, r.Frames("register"))
}

func TestReconnect_ReregistersAfterDrop(t *testing.T) {
	r := relaytest.New(t)
	clock := &fakeClock{}
	s := openService(t, r, []string{"c1"}, clock)
	r.WaitConn(wait)
	require.Eventually(t, func() bool { return len(r.Frames("register")) == 1 }, wait, 5*time.Millisecond)

	r.DropAll()
	require.Eventually(t, func() bool { return len(clock.pending()) == 1 }, wait, 5*time.Millisecond)
	assert.Equal(t, ReconnectWait, s.State())
	assert.ErrorIs(t, s.Send(context.Background(), OutboundMessage{ChatID: "c1"}), ErrNotConnected)

	go clock.take(t)()
	require.Eventually(t, func() bool { return s.State() == Open }, wait, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(r.Frames("register")) == 2 }, wait, 5*time.Millisecond)
	assert.Zero(t, s.Attempts())
}

func TestOpen_DeliversLargestImageFrame(t *testing.T) {
	cfg := config.Default()
	img := make([]byte, cfg.Limits.MaxImageSize)
	copy(img, []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'})
	env, err := codec.Encrypt("data:image/png;base64,"+base64.StdEncoding.EncodeToString(img), "k")
	require.NoError(t, err)
	require.Greater(t, len(env), 8<<20)
	require.LessOrEqual(t, int64(len(env)), cfg.Limits.MaxFrameSize())

	r := relaytest.New(t)
	s := New(Options{URL: r.URL(), MaxMessageSize: cfg.WSMaxMessageSize})
	t.Cleanup(s.Shutdown)
	require.NoError(t, s.Initialize(context.Background()))
	require.Eventually(t, func() bool { return s.State() == Open }, wait, 5*time.Millisecond)
	conn := r.WaitConn(wait)

	got := make(chan Frame, 1)
	s.Subscribe("c1", func(f Frame) { got <- f })
	require.NoError(t, r.Write(conn, map[string]any{
		"type": "message", "chat_id": "c1", "message_id": "big", "message": env,
		"sender": "user_other00", "messageType": "image", "content": "", "timestamp": "2024-01-01T00:00:00.000Z",
	}))

	select {
	case f := <-got:
		assert.Equal(t, len(env), len(f.Message))
	case <-time.After(10 * time.Second):
		t.Fatal("largest image frame not delivered")
	}
	assert.Equal(t, Open, s.State())
}

func TestUnsubscribe_ForeignTopicDoesNotPanic(t *testing.T) {
	s := New(Options{})
	sub := s.Subscribe("c1", func(Frame) {})
	sub.Topic = "other"

	assert.NotPanics(t, func() { s.Unsubscribe(sub) })
	assert.Zero(t, s.Subscribers("c1"))
}

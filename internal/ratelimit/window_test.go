package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestWindow(max int, period time.Duration) (*Window, *clock) {
	c := &clock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	w := New(max, period)
	w.SetClock(c.now)
	return w, c
}

func TestAllow_TwentyFirstRejectedUntilWindowExpires(t *testing.T) {
	w, c := newTestWindow(20, time.Minute)

	for i := 0; i < 20; i++ {
		ok, _ := w.Allow("me")
		require.True(t, ok, "send %d", i+1)
		c.advance(time.Second)
	}

	ok, retry := w.Allow("me")
	assert.False(t, ok)
	assert.Equal(t, 40*time.Second, retry)
	assert.Equal(t, 40, Seconds(retry))

	c.advance(41 * time.Second) // 61 с после первой отправки
	ok, _ = w.Allow("me")
	assert.True(t, ok)
}

func TestAllow_KeysAreIndependent(t *testing.T) {
	w, _ := newTestWindow(1, time.Minute)

	ok, _ := w.Allow("a")
	require.True(t, ok)
	ok, _ = w.Allow("a")
	assert.False(t, ok)
	ok, _ = w.Allow("b")
	assert.True(t, ok)
}

func TestRejectedAttemptsAreNotRecorded(t *testing.T) {
	w, c := newTestWindow(2, 10*time.Second)

	w.Allow("k")
	w.Allow("k")
	for i := 0; i < 5; i++ {
		ok, _ := w.Allow("k")
		require.False(t, ok)
	}
	assert.Equal(t, 0, w.Remaining("k"))

	c.advance(10 * time.Second)
	assert.Equal(t, 2, w.Remaining("k"))
}

func TestReset(t *testing.T) {
	w, _ := newTestWindow(1, time.Hour)
	w.Allow("k")
	w.Reset("k")
	ok, _ := w.Allow("k")
	assert.True(t, ok)
}

func TestSeconds(t *testing.T) {
	assert.Equal(t, 0, Seconds(0))
	assert.Equal(t, 1, Seconds(time.Millisecond))
	assert.Equal(t, 1, Seconds(time.Second))
	assert.Equal(t, 2, Seconds(1500*time.Millisecond))
}

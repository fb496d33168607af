package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	c := Default()

	assert.Equal(t, StoreBolt, c.StoreBackend)
	assert.Equal(t, 15*time.Second, c.Reconnect.ShortDelay)
	assert.Equal(t, 60*time.Second, c.Reconnect.LongDelay)
	assert.Equal(t, 10, c.Reconnect.ShortAttempts)
	assert.Equal(t, 2000, c.Limits.MaxMessageLength)
	assert.Equal(t, 20, c.Limits.SendRateLimit)
	assert.Equal(t, time.Minute, c.Limits.SendRateWindow)
	assert.Equal(t, int64(4<<20), c.Limits.MaxImageSize)
	assert.Equal(t, 100, c.Limits.MaxChats)
	assert.Equal(t, filepath.Join("./data", "annonchat.db"), c.BoltPath())
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	dir := t.TempDir()
	path := filepath.Join(dir, "client.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
relay_url: wss://relay.example/ws
store_backend: memory
reconnect_short_delay_sec: 5
max_chats: 7
`), 0o600))

	t.Setenv("CONFIG_PATH", path)
	t.Setenv("MAX_CHATS", "9")

	c := Load()

	assert.Equal(t, "wss://relay.example/ws", c.RelayURL)
	assert.Equal(t, StoreMemory, c.StoreBackend)
	assert.Equal(t, 5*time.Second, c.Reconnect.ShortDelay)
	assert.Equal(t, 60*time.Second, c.Reconnect.LongDelay)
	assert.Equal(t, 9, c.Limits.MaxChats, "env wins over yaml")
}

func TestLoad_UnknownBackendFallsBackToBolt(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("STORE_BACKEND", "sqlite")

	c := Load()
	assert.Equal(t, StoreBolt, c.StoreBackend)
}

func TestEnvBool(t *testing.T) {
	t.Setenv("X_FLAG", "yes")
	assert.True(t, envBool("X_FLAG", false))
	t.Setenv("X_FLAG", "0")
	assert.False(t, envBool("X_FLAG", true))
	t.Setenv("X_FLAG", "")
	assert.True(t, envBool("X_FLAG", true))
}

func TestMaxFrameSize_FitsLargestImage(t *testing.T) {
	c := Default()
	// 4 МиБ картинки: data URL ~5.6 МБ, hex-конверт ~11.2 МБ.
	assert.Greater(t, c.Limits.MaxFrameSize(), int64(11184942))
	assert.GreaterOrEqual(t, c.WSMaxMessageSize, c.Limits.MaxFrameSize())
}

func TestLoad_RaisesTooSmallReadLimit(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("WS_MAX_MESSAGE_SIZE_MB", "8")

	c := Load()
	assert.Equal(t, c.Limits.MaxFrameSize(), c.WSMaxMessageSize)
}

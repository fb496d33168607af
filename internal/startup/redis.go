package startup

import (
	"context"
	"fmt"
	"time"

	"github.com/anonchat/internal/logger"
	redisstorage "github.com/anonchat/internal/storage/redis"
)

// ConnectRedisWithRetry подключается к Redis с повторами.
// logPrefix добавляется к сообщениям лога (например "client: ").
func ConnectRedisWithRetry(ctx context.Context, redisURL, keyPrefix string, maxWait time.Duration, logPrefix string) (*redisstorage.Store, error) {
	deadline := time.Now().Add(maxWait)
	backoff := 2 * time.Second
	for {
		connCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		store, err := redisstorage.New(connCtx, redisURL, keyPrefix)
		cancel()
		if err == nil {
			return store, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%sredis (gave up after %v): %w", logPrefix, maxWait, err)
		}
		logger.Errorf("%sredis connect failed, retry in %v: %v", logPrefix, backoff, err)
		if err := sleepCtx(ctx, backoff); err != nil {
			return nil, err
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

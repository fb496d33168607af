package startup

import (
	"context"
	"fmt"
	"time"

	"github.com/anonchat/internal/config"
	"github.com/anonchat/internal/logger"
	"github.com/anonchat/internal/storage"
	boltstorage "github.com/anonchat/internal/storage/bolt"
	"github.com/anonchat/internal/storage/memory"
	pgstorage "github.com/anonchat/internal/storage/postgres"
	"github.com/jackc/pgx/v5/pgxpool"
)

// connectWait — сколько ждать внешний бэкенд (redis/postgres) при старте.
const connectWait = 60 * time.Second

// OpenStore открывает локальное хранилище по cfg.StoreBackend.
func OpenStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.StoreBackend {
	case config.StoreMemory:
		logger.Info("store: memory (данные не сохраняются)")
		return memory.New(), nil
	case config.StoreRedis:
		s, err := ConnectRedisWithRetry(ctx, cfg.RedisURL, cfg.RedisPrefix, connectWait, "store: ")
		if err != nil {
			return nil, err
		}
		logger.Infof("store: redis prefix=%s", cfg.RedisPrefix)
		return s, nil
	case config.StorePostgres:
		poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("parse db config: %w", err)
		}
		poolCfg.MaxConns = 4
		pool, err := ConnectDBWithRetry(ctx, poolCfg, connectWait, "store: ")
		if err != nil {
			return nil, err
		}
		s := pgstorage.New(pool)
		migCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := s.Migrate(migCtx); err != nil {
			s.Close()
			return nil, err
		}
		logger.Info("store: postgres")
		return s, nil
	default:
		path := cfg.BoltPath()
		s, err := boltstorage.Open(path)
		if err != nil {
			return nil, err
		}
		logger.Infof("store: bolt %s", path)
		return s, nil
	}
}

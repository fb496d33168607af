package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"

	"github.com/anonchat/internal/chat"
	"github.com/anonchat/internal/config"
	"github.com/anonchat/internal/handler"
	"github.com/anonchat/internal/logger"
	"github.com/anonchat/internal/notify"
	"github.com/anonchat/internal/startup"
	"github.com/anonchat/internal/transport"
	"github.com/anonchat/internal/ws"
)

func main() {
	logger.SetPrefix("client")
	dev := flag.Bool("dev", false, "in-memory store, nothing is written to disk")
	devPostgres := flag.Bool("dev-postgres", false, "start embedded PostgreSQL and use it as the store")
	genVAPID := flag.Bool("gen-vapid", false, "generate VAPID keys for Web Push and exit")
	flag.Parse()

	cfg := config.Load()
	logger.SetLevel(cfg.LogLevel)
	defer logger.Flush()

	if *genVAPID {
		keys, err := notify.EnsureVAPIDKeys(cfg.Push.VAPIDKeysFile)
		if err != nil {
			logger.Errorf("vapid: %v", err)
			logger.Flush()
			os.Exit(1)
		}
		fmt.Println(keys.PublicKey)
		return
	}

	if *dev {
		cfg.StoreBackend = config.StoreMemory
	}
	if *devPostgres {
		db, err := startEmbeddedPostgres(cfg)
		if err != nil {
			logger.Errorf("embedded postgres: %v", err)
			logger.Flush()
			os.Exit(1)
		}
		defer func() {
			logger.Info("stopping embedded postgres...")
			if err := db.Stop(); err != nil {
				logger.Errorf("embedded postgres stop: %v", err)
			}
		}()
	}

	if err := run(cfg); err != nil {
		logger.Errorf("%v", err)
		logger.Flush()
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	logger.Infof("starting client relay=%s", cfg.RelayURL)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := startup.OpenStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Errorf("store close: %v", err)
		}
	}()

	var push *notify.WebPush
	if cfg.Push.Enabled {
		keys, err := notify.EnsureVAPIDKeys(cfg.Push.VAPIDKeysFile)
		if err != nil {
			return fmt.Errorf("vapid keys: %w", err)
		}
		push = notify.NewWebPush(store, keys, cfg.Push.Subscriber)
		logger.Info("web push enabled")
	}

	// Hub нужен движок, а нотификатору движка нужен hub.
	var hub *ws.Hub
	toasts := notify.Func(func(ctx context.Context, n notify.Notification) error {
		if hub == nil {
			return nil
		}
		return hub.Notify(ctx, n)
	})
	notifiers := notify.Multi{notify.Log{}, toasts}
	if push != nil {
		notifiers = append(notifiers, push)
	}

	var eng *chat.Engine
	tr := transport.New(transport.Options{
		URL:      cfg.RelayURL,
		ChatIDs:  func() []string { return eng.ChatIDs() },
		Notifier: notifiers,
		Backoff: transport.Backoff{
			Short:         cfg.Reconnect.ShortDelay,
			Long:          cfg.Reconnect.LongDelay,
			ShortAttempts: cfg.Reconnect.ShortAttempts,
		},
		WriteWait:      cfg.WSWriteTimeout,
		PongWait:       cfg.WSPongTimeout,
		MaxMessageSize: cfg.WSMaxMessageSize,
	})
	eng = chat.New(chat.Deps{
		Store:     store,
		Transport: tr,
		Notifier:  notifiers,
		Limits:    cfg.Limits,
	})
	hub = ws.NewHub(eng, 0)
	hub.SetStatus(func() string { return tr.State().String() })
	eng.Subscribe(hub.Publish)
	tr.OnStateChange(func(st transport.State) {
		eng.Publish(chat.Event{Type: chat.EventConnection, Payload: st.String()})
	})

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("engine start: %w", err)
	}
	defer eng.Stop()
	if err := tr.Initialize(ctx); err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	defer tr.Shutdown()

	hubCtx, hubCancel := context.WithCancel(context.Background())
	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: handler.NewRouter(handler.Deps{
			Config: cfg,
			Engine: eng,
			Status: tr,
			Hub:    hub,
			Push:   push,
		}),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("ui bridge listening on %s", cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			hubCancel()
			hubWg.Wait()
			return fmt.Errorf("server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	hubCancel()
	hubWg.Wait()
	logger.Info("hub stopped")
	return nil
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5433
		user     = "anonchat"
		password = "anonchat_local"
		database = "anonchat"
	)

	dataDir := filepath.Join(cfg.DataDir, "pgdata")
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "anonchat-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.StoreBackend = config.StorePostgres
	cfg.DatabaseURL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/argus-terminal/argus/internal/book"
	"github.com/argus-terminal/argus/internal/config"
	"github.com/argus-terminal/argus/internal/feed"
	"github.com/argus-terminal/argus/internal/quotes"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg.Log)
	log.WithField("env", cfg.Env).Info("argus feed engine starting")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// The single live connection for the process, owned here and handed to
	// consumers explicitly.
	mgr := feed.NewManager(feedConfig(cfg.Feed), log.WithField("component", "feed"))

	store := book.NewStore(log.WithField("component", "book"))
	store.SetDesyncHandler(func(assetID string) {
		mgr.Resubscribe([]string{assetID})
	})
	mgr.AddEventListener(store.OnEvent)

	monitor := feed.NewHealthMonitor(feed.DefaultHealthConfig(), mgr)
	mgr.AddEventListener(monitor.OnEvent)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	writer := quotes.NewWriter(quotes.NewRedisClient(rdb), log.WithField("component", "quotes"))
	mgr.AddEventListener(writer.OnEvent)
	go writer.Run(ctx)

	mgr.AddStateListener(func(s feed.State) {
		log.WithField("state", s.String()).Info("feed connection state")
	})

	if len(cfg.Feed.Assets) > 0 {
		unsubscribe, err := mgr.Subscribe(cfg.Feed.Assets)
		if err != nil {
			log.WithError(err).Fatal("initial subscribe failed")
		}
		defer unsubscribe()
		log.WithField("assets", cfg.Feed.Assets).Info("subscribed")
	}

	<-ctx.Done()

	mgr.Close()
	if err := rdb.Close(); err != nil {
		log.WithError(err).Warn("redis close failed")
	}
	log.Info("argus shutting down")
}

func feedConfig(fc config.FeedConfig) feed.Config {
	cfg := feed.DefaultConfig(fc.URL)
	cfg.HeartbeatInterval = fc.HeartbeatInterval
	cfg.HeartbeatTimeout = fc.HeartbeatTimeout
	cfg.BackoffInitial = fc.BackoffInitial
	cfg.BackoffMax = fc.BackoffMax
	cfg.BackoffFactor = fc.BackoffFactor
	cfg.MaxReconnectAttempts = fc.MaxReconnectAttempts
	cfg.StableWindow = fc.StableWindow
	return cfg
}

func newLogger(lc config.LogConfig) *logrus.Logger {
	log := logrus.New()
	if lvl, err := logrus.ParseLevel(lc.Level); err == nil {
		log.SetLevel(lvl)
	}
	if lc.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return log
}

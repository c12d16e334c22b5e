package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"meetupflow/internal/config"
	"meetupflow/internal/db"
	"meetupflow/internal/escrow"
	"meetupflow/internal/gateway"
	"meetupflow/internal/notify"
	"meetupflow/internal/store"
	"meetupflow/internal/worker"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetOutput(os.Stdout)

	if err := godotenv.Load(); err != nil {
		log.Debug("no .env file loaded")
	}

	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()

	st := store.New(pool)
	coordinator := &escrow.Coordinator{
		Pool:        pool,
		Repo:        st,
		Gateway:     gateway.NewClient(cfg.Gateway.BaseURL, cfg.Gateway.APIKey, cfg.GatewayTimeout()),
		MaxAttempts: cfg.Gateway.MaxAttempts,
		Backoff:     cfg.GatewayBackoff(),
		CallTimeout: cfg.GatewayTimeout(),
	}

	sweeper := &worker.Sweeper{
		Store:    st,
		Escrow:   coordinator,
		Interval: cfg.SweepInterval(),
		Batch:    cfg.Worker.OutboxBatch,
	}
	dispatcher := &notify.Dispatcher{
		Outbox:   st,
		Notifier: notify.LogNotifier{},
		Interval: cfg.NotifyInterval(),
		Batch:    cfg.Worker.OutboxBatch,
	}

	log.Info("worker started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sweeper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		dispatcher.Run(gctx)
		return nil
	})
	_ = g.Wait()
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"meetupflow/internal/config"
	"meetupflow/internal/db"
	"meetupflow/internal/escrow"
	"meetupflow/internal/gateway"
	internalhttp "meetupflow/internal/http"
	"meetupflow/internal/models"
	"meetupflow/internal/notify"
	"meetupflow/internal/services"
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

	meetupSvc := &services.MeetupService{
		Pool:       pool,
		Repo:       st,
		Escrow:     coordinator,
		SessionTTL: cfg.SessionTTL(),
	}
	locationSvc := &services.LocationService{
		Pool:            pool,
		Repo:            st,
		ThresholdMeters: cfg.Meetup.ArrivalThresholdMeters,
	}
	verificationSvc := &services.VerificationService{
		Pool:          pool,
		Repo:          st,
		Escrow:        coordinator,
		CodeTTL:       cfg.CodeTTL(),
		PINLength:     cfg.Meetup.PINLength,
		DefaultMethod: models.VerificationMethod(cfg.Meetup.DefaultMethod),
	}

	h := internalhttp.NewHandler(meetupSvc, locationSvc, verificationSvc)
	srv := internalhttp.NewServer(h, []byte(cfg.Server.JWTSecret))

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: srv.Router,
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

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("api listening on %s", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		sweeper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		dispatcher.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

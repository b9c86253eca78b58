// cmd/api/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"

	"github.com/mysitemetrics/sitemetrics/cache"
	"github.com/mysitemetrics/sitemetrics/internal/analytics"
	"github.com/mysitemetrics/sitemetrics/internal/auth"
	"github.com/mysitemetrics/sitemetrics/internal/config"
	"github.com/mysitemetrics/sitemetrics/internal/db"
	"github.com/mysitemetrics/sitemetrics/internal/ga4"
	"github.com/mysitemetrics/sitemetrics/internal/http/routes"
	"github.com/mysitemetrics/sitemetrics/internal/jobs"
	"github.com/mysitemetrics/sitemetrics/internal/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	// Logger
	logger := cfg.Logger()
	logger.Info().Str("port", cfg.Port).Msg("starting api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// DB
	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("db error")
	}
	defer conn.Close()
	if err := db.Migrate(ctx, conn); err != nil {
		logger.Fatal().Err(err).Msg("migrate")
	}

	// Metrics, fetcher, cache
	collector := metrics.NewCollector("sitemetrics")
	fetcher := ga4.Select(ctx, cfg.GA4.Credentials(), logger, cfg.GA4.FetcherOptions(collector)...)
	store := cache.NewSQLStore(conn,
		cache.WithQueryTimeout(cfg.Cache.QueryTimeout),
		cache.WithDefaultTTL(cfg.Cache.TTL),
	)
	svc := analytics.New(store, fetcher, logger,
		analytics.WithTTL(cfg.Cache.TTL),
		analytics.WithMetrics(collector),
	)

	// Queue (optional)
	var queue jobs.Enqueuer
	if cfg.HasQueue() {
		client := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
		defer func() {
			if err := client.Close(); err != nil {
				logger.Warn().Err(err).Msg("close asynq client")
			}
		}()
		queue = client
	} else {
		logger.Info().Msg("REDIS_ADDR not set, refreshes run inline")
	}

	// Router / server
	s := routes.New(routes.ServerOptions{
		Logger:    logger,
		Analytics: svc,
		Sites:     db.New(conn),
		Tokens:    auth.Tokens{Secret: []byte(cfg.JWTSecret), Issuer: cfg.JWTIssuer},
		Queue:     queue,
		Metrics:   collector,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown")
		}
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("listen")
	}
	logger.Info().Msg("api stopped")
}

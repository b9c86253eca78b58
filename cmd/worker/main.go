package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"

	"github.com/mysitemetrics/sitemetrics/cache"
	"github.com/mysitemetrics/sitemetrics/internal/analytics"
	"github.com/mysitemetrics/sitemetrics/internal/config"
	"github.com/mysitemetrics/sitemetrics/internal/db"
	"github.com/mysitemetrics/sitemetrics/internal/ga4"
	"github.com/mysitemetrics/sitemetrics/internal/jobs"
	"github.com/mysitemetrics/sitemetrics/internal/metrics"
)

func main() {
	purge := flag.Bool("purge-expired", false, "delete expired cache rows and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	logger := cfg.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("unable to connect to database")
	}
	defer conn.Close()
	if err := db.Migrate(ctx, conn); err != nil {
		logger.Fatal().Err(err).Msg("migrate")
	}

	store := cache.NewSQLStore(conn,
		cache.WithQueryTimeout(cfg.Cache.QueryTimeout),
		cache.WithDefaultTTL(cfg.Cache.TTL),
	)

	if *purge {
		n, err := store.Purge(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("purge expired rows")
		}
		logger.Info().Int64("rows", n).Msg("purged expired cache rows")
		return
	}

	if !cfg.HasQueue() {
		logger.Fatal().Msg("REDIS_ADDR is required for the worker")
	}
	redis := asynq.RedisClientOpt{Addr: cfg.RedisAddr}

	collector := metrics.NewCollector("sitemetrics_worker")
	fetcher := ga4.Select(ctx, cfg.GA4.Credentials(), logger, cfg.GA4.FetcherOptions(collector)...)
	svc := analytics.New(store, fetcher, logger,
		analytics.WithTTL(cfg.Cache.TTL),
		analytics.WithMetrics(collector),
	)

	if cfg.Worker.MetricsAddr != "" {
		metricsSrv := &http.Server{
			Addr:              cfg.Worker.MetricsAddr,
			Handler:           collector.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Str("addr", cfg.Worker.MetricsAddr).Msg("metrics server")
			}
		}()
		defer metricsSrv.Close()
	}

	client := asynq.NewClient(redis)
	defer client.Close()

	srv := asynq.NewServer(redis, asynq.Config{
		Concurrency:    cfg.Worker.Concurrency,
		StrictPriority: false,
		Queues: map[string]int{
			jobs.QueueWarm: 10, // higher priority
			"default":      5,  // default priority
		},
	})
	mux := asynq.NewServeMux()
	mux.Handle(jobs.TaskWarmCache, jobs.WarmCacheHandler(svc, logger))
	mux.Handle(jobs.TaskWarmAll, jobs.WarmAllHandler(db.New(conn), client, logger))

	if cfg.Worker.WarmSchedule != "" {
		scheduler := asynq.NewScheduler(redis, nil)
		if _, err := scheduler.Register(cfg.Worker.WarmSchedule, asynq.NewTask(jobs.TaskWarmAll, nil)); err != nil {
			logger.Fatal().Err(err).Str("schedule", cfg.Worker.WarmSchedule).Msg("register warm schedule")
		}
		if err := scheduler.Start(); err != nil {
			logger.Fatal().Err(err).Msg("start scheduler")
		}
		defer scheduler.Shutdown()
	}

	if err := srv.Start(mux); err != nil {
		logger.Fatal().Err(err).Msg("start worker")
	}
	logger.Info().Msg("worker running")
	<-ctx.Done()
	srv.Shutdown()
	logger.Info().Msg("worker stopped")
}

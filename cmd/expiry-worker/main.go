package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/training-booking/internal/booking"
	"github.com/hackgods/training-booking/internal/config"
	"github.com/hackgods/training-booking/internal/db"
	"github.com/hackgods/training-booking/internal/logging"
	"github.com/hackgods/training-booking/internal/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := zerolog.New(os.Stderr).With().Timestamp().Logger()
		boot.Fatal().Err(err).Msg("config load error")
	}

	logger := logging.New(cfg.Env, cfg.LogLevel).With().Str("component", "expiry_worker").Logger()
	logger.Info().
		Str("env", cfg.Env).
		Dur("interval", cfg.WorkerInterval).
		Int("batch_size", cfg.WorkerBatchSize).
		Msg("expiry-worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{MaxConns: 4})
	cancelPg()
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	logger.Info().Msg("connected to Postgres")

	// expiry never confirms anything, so no notifier
	engine := booking.NewEngine(booking.NewPgStore(pgPool, cfg.TxLockTimeout), nil, metrics.Nop(), logger, booking.EngineConfig{
		PendingHoldTTL: cfg.PendingHoldTTL,
		NotifyTimeout:  cfg.NotifyTimeout,
	})

	// Run once at startup
	runOnce(rootCtx, engine, cfg.WorkerBatchSize, logger)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			logger.Info().Msg("shutdown signal received, stopping expiry worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, engine, cfg.WorkerBatchSize, logger)
		}
	}
}

func runOnce(ctx context.Context, engine *booking.Engine, batch int, logger zerolog.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	res, err := engine.ExpireStale(runCtx, batch)
	if err != nil {
		logger.Error().Err(err).Msg("expiry run error")
		return
	}

	ev := logger.Info()
	if res.Failed > 0 {
		ev = logger.Warn()
	}
	ev.Int("bookings", res.Bookings).
		Int("bundles", res.Bundles).
		Int("skipped", res.Skipped).
		Int("failed", res.Failed).
		Dur("duration", time.Since(start)).
		Msg("expiry run complete")
}

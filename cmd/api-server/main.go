package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/training-booking/internal/api"
	"github.com/hackgods/training-booking/internal/booking"
	"github.com/hackgods/training-booking/internal/checkout"
	"github.com/hackgods/training-booking/internal/config"
	"github.com/hackgods/training-booking/internal/db"
	"github.com/hackgods/training-booking/internal/logging"
	"github.com/hackgods/training-booking/internal/metrics"
	"github.com/hackgods/training-booking/internal/notify"
	"github.com/hackgods/training-booking/internal/payment"
	redisclient "github.com/hackgods/training-booking/internal/redis"
)

var version = "dev"

type gateway interface {
	checkout.PaymentGateway
	payment.SessionExpirer
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := zerolog.New(os.Stderr).With().Timestamp().Logger()
		boot.Fatal().Err(err).Msg("config load error")
	}

	logger := logging.New(cfg.Env, cfg.LogLevel)
	logger.Info().Str("env", cfg.Env).Str("http_port", cfg.HTTPPort).Str("version", version).Msg("api-server starting up")

	if cfg.Stripe.WebhookSecret == "" {
		logger.Fatal().Msg("STRIPE_WEBHOOK_SECRET is required")
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{})
	cancelPg()
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	logger.Info().Msg("connected to Postgres")

	if cfg.RunMigrations {
		if err := db.Migrate(rootCtx, pgPool); err != nil {
			logger.Fatal().Err(err).Msg("migration error")
		}
		logger.Info().Msg("schema up to date")
	}

	// Connect Redis; without it locks and dedup fall back to the database ledger
	var (
		rdb    *redis.Client
		locker redisclient.OrderLocker
		dedup  redisclient.EventDeduper
	)
	rdb, err = redisclient.NewRedisClient(rootCtx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		logger.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unavailable, running without order locks and dedup cache")
		rdb = nil
	} else {
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Error().Err(err).Msg("error closing redis")
			}
		}()
		locker = redisclient.NewRedisOrderLocker(rdb, cfg.OrderLockTTL)
		dedup = redisclient.NewRedisEventDeduper(rdb, cfg.EventDedupTTL)
		logger.Info().Msg("connected to Redis")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	notifier, err := notify.NewKafkaNotifier(cfg.Kafka.Brokers, cfg.Kafka.ConfirmationTopic, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("kafka producer error")
	}
	defer func() {
		if err := notifier.Close(); err != nil {
			logger.Error().Err(err).Msg("error closing kafka producer")
		}
	}()

	store := booking.NewPgStore(pgPool, cfg.TxLockTimeout)
	engine := booking.NewEngine(store, notifier, m, logger, booking.EngineConfig{
		PendingHoldTTL: cfg.PendingHoldTTL,
		NotifyTimeout:  cfg.NotifyTimeout,
	})

	var gw gateway
	if cfg.Stripe.SecretKey == "" {
		logger.Warn().Msg("STRIPE_SECRET_KEY not set, using mock checkout sessions")
		gw = payment.NewMockGateway(logger)
	} else {
		gw = payment.NewStripeGateway(payment.GatewayConfig{
			SecretKey:  cfg.Stripe.SecretKey,
			SuccessURL: cfg.Stripe.SuccessURL,
			CancelURL:  cfg.Stripe.CancelURL,
			Currency:   cfg.Stripe.Currency,
		}, logger)
	}

	router := api.NewRouter(api.RouterConfig{
		Engine:         engine,
		Checkout:       checkout.NewCoordinator(engine, gw, checkout.CoordinatorConfig{
			Currency:   cfg.Stripe.Currency,
			SessionTTL: cfg.Stripe.SessionTTL,
		}, logger),
		Processor:      payment.NewProcessor(engine, locker, dedup, gw, logger),
		Verifier:       payment.NewVerifier(cfg.Stripe.WebhookSecret),
		Redis:          rdb,
		Gatherer:       reg,
		Logger:         logger,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		Env:            cfg.Env,
		Version:        version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server error")
		}
	}()

	<-rootCtx.Done()
	logger.Info().Msg("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown error")
	}

	// let queued confirmations finish before the producer closes
	engine.Wait()
	logger.Info().Msg("api-server stopped")
}

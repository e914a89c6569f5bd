package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qline/queue-engine/internal/config"
	"qline/queue-engine/internal/engine"
	"qline/queue-engine/internal/httpapi"
	"qline/queue-engine/internal/notify"
	"qline/queue-engine/internal/store/postgres"
	"qline/queue-engine/internal/sweeper"
	"qline/queue-engine/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := zerolog.New(os.Stderr)
		fallback.Fatal().Err(err).Msg("load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Str("service", "queue-engine").Logger()

	shutdownTracing := telemetry.Setup("queue-engine", logger)

	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("db connect")
	}
	defer pool.Close()

	st := postgres.NewStore(pool)

	var estimator engine.Estimator = engine.FixedEstimator{}
	if cfg.EstimatorURL != "" {
		estimator = engine.NewRemoteEstimator(cfg.EstimatorURL, cfg.EstimatorTimeout, engine.FixedEstimator{}, logger)
	}

	sink := notify.NewSink(notify.Config{
		Provider:     cfg.NotifyProvider,
		WebhookURL:   cfg.NotifyWebhookURL,
		WebhookToken: cfg.NotifyWebhookToken,
		Timeout:      cfg.NotifyTimeout,
	}, logger)

	eng := engine.New(st, estimator, sink, logger, engine.Options{NotifyTimeout: cfg.NotifyTimeout})

	handler := httpapi.NewHandler(eng)
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		PerMinute: cfg.RateLimitPerMinute,
		Burst:     cfg.RateLimitBurst,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(limiter.Middleware(httpapi.LoggingMiddleware(logger, handler.Routes())), "queue-engine"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	defer cancelSweep()
	go sweeper.Start(sweepCtx, cfg.SweepInterval, sweeper.New(st, sink, logger, sweeper.Config{
		Grace:     cfg.NoShowGrace,
		MaxWait:   cfg.MaxWait,
		BatchSize: cfg.SweepBatchSize,
	}))

	go func() {
		logger.Info().Str("addr", server.Addr).Msg("queue-engine listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancelSweep()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
	if err := shutdownTracing(ctx); err != nil {
		logger.Error().Err(err).Msg("tracing shutdown error")
	}
}

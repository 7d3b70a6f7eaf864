package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"conti/internal/amqp"
	"conti/internal/cache"
	"conti/internal/cli"
	apphttp "conti/internal/http"
	applog "conti/internal/log"
	"conti/internal/metrics"
	"conti/internal/report"
	"conti/internal/services"
)

func main() {
	cli.LoadEnvFile()
	cfg, logger := cli.LoadAndValidateConfig(applog.ComponentApp)

	m := metrics.New()

	// Cancelled once the HTTP server has drained.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := cli.OpenRepository(ctx, logger, cfg)
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close repository", applog.FieldError, err)
		}
	}()

	statsCache := cache.NewLRUCache[report.Stats](256, cfg.CacheTTL, cache.WithLookupHook(m.CacheLookup))
	go cache.NewJanitor(logger.WithComponent(applog.ComponentCache).Logger, statsCache).Run(ctx, time.Minute)

	opts := []services.Option{
		services.WithStatsCache(statsCache),
		services.WithMetrics(m),
		services.WithLogger(logger),
	}

	// Change events are optional for the server: without a broker the
	// worker only sees groups through its periodic sweep.
	if cfg.AMQPURL != "" {
		amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue,
			amqp.WithLogger(logger.WithComponent(applog.ComponentAMQP).Logger),
			amqp.WithMetrics(m))
		if err != nil {
			logger.Warn("AMQP unavailable, continuing without change events", applog.FieldError, err)
		} else {
			defer amqpClient.Close()
			opts = append(opts, services.WithPublisher(amqpClient))
			logger.Info("Publishing group changes", "exchange", cfg.AMQPExchange)
		}
	}

	svc := services.NewGroupService(store.Repository, opts...)

	srv := apphttp.NewServer(apphttp.ServerConfig{
		Addr:         ":" + cfg.Port,
		RateLimitRPM: cfg.RateLimitRPM,
	}, svc, m, logger)

	_, done := cli.GracefulShutdown(logger, 30*time.Second, func(shutdownCtx context.Context) {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", applog.FieldError, err)
		}
		cancel()
	})

	logger.Info("Starting conti server",
		applog.FieldOperation, applog.OpStartup,
		"port", cfg.Port,
		"backend", cfg.DataBackend,
		"rate_limit_rpm", cfg.RateLimitRPM)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server error", applog.FieldError, err, "port", cfg.Port)
		os.Exit(1)
	}

	<-done
	logger.Info("Server stopped gracefully", applog.FieldOperation, applog.OpShutdown)
}

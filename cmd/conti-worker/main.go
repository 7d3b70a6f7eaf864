package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"conti/internal/amqp"
	"conti/internal/backend"
	"conti/internal/cli"
	"conti/internal/export/sheets"
	applog "conti/internal/log"
	"conti/internal/metrics"
	"conti/internal/services"
	"conti/internal/worker"
)

func main() {
	cli.LoadEnvFile()
	cfg, logger := cli.LoadAndValidateConfig(applog.ComponentWorker)

	logger.Info("Starting conti-worker", applog.FieldOperation, applog.OpStartup)

	if cfg.AMQPURL == "" {
		logger.Error("AMQP_URL is required by the worker")
		os.Exit(1)
	}

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, nil)

	m := metrics.New()

	if cfg.DataBackend == string(backend.MemoryBackend) {
		logger.Warn("Memory backend is private to this process; the worker will not see the server's groups")
	}
	store := cli.OpenRepository(ctx, logger, cfg)
	defer store.Close()

	// Repairs go through the service so they are version checked like any
	// other save. The worker never publishes.
	svc := services.NewGroupService(store.Repository,
		services.WithMetrics(m),
		services.WithLogger(logger))

	// Google Sheets export is optional
	var exporter sheets.Exporter
	if cfg.SheetsExportEnabled() {
		client, err := sheets.New(ctx, sheets.Config{
			SpreadsheetID:   cfg.GoogleSpreadsheetID,
			CredentialsJSON: cfg.GoogleServiceAccountJSON,
			CredentialsFile: cfg.GoogleServiceAccountFile,
		}, logger.WithComponent(applog.ComponentSheets).Logger)
		if err != nil {
			logger.Error("Failed to initialize Google Sheets client", applog.FieldError, err)
			os.Exit(1)
		}
		exporter = client
		logger.Info("Google Sheets export enabled", "spreadsheet_id", cfg.GoogleSpreadsheetID)
	} else {
		logger.Info("Google Sheets export disabled - no GOOGLE_SPREADSHEET_ID provided")
	}

	amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue,
		amqp.WithLogger(logger.WithComponent(applog.ComponentAMQP).Logger),
		amqp.WithMetrics(m))
	if err != nil {
		logger.Error("Failed to initialize AMQP client", applog.FieldError, err)
		os.Exit(1)
	}
	defer amqpClient.Close()

	rec := worker.NewReconciler(svc, exporter, m, logger, worker.Config{
		Repair:      cfg.ReconcileRepair,
		Concurrency: cfg.ReconcileConcurrency,
		Interval:    cfg.ReconcileInterval,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return amqpClient.ConsumeGroupChanged(gctx, rec.HandleGroupChanged)
	})
	g.Go(func() error {
		return rec.Run(gctx)
	})
	if cfg.WorkerMetricsPort != "" {
		srv := metricsServer(":"+cfg.WorkerMetricsPort, m, svc, amqpClient)
		g.Go(func() error {
			logger.Info("Serving worker metrics", "port", cfg.WorkerMetricsPort)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	logger.Info("Worker running",
		"backend", cfg.DataBackend,
		"queue", cfg.AMQPQueue,
		"repair", cfg.ReconcileRepair,
		"interval", cfg.ReconcileInterval)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Worker stopped with error", applog.FieldError, err)
		os.Exit(1)
	}
	<-done
	logger.Info("Worker shutdown complete", applog.FieldOperation, applog.OpShutdown)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// metricsServer exposes /metrics and a /healthz that pings the repository
// and the broker.
func metricsServer(addr string, m *metrics.Metrics, deps ...pinger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", m.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		for _, d := range deps {
			if err := d.Ping(ctx); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.Write([]byte("ok"))
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

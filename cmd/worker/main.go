package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mafalana/geoproc/internal/config"
	"github.com/mafalana/geoproc/internal/pipeline"
	"github.com/mafalana/geoproc/internal/storage"
	"github.com/mafalana/geoproc/internal/store"
	"github.com/mafalana/geoproc/internal/telemetry"
	"github.com/mafalana/geoproc/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := log.New(os.Stdout, "[worker] ", log.LstdFlags|log.Lmsgprefix)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		Enabled:      cfg.Telemetry.Enabled,
		ServiceName:  cfg.Telemetry.ServiceName + "-worker",
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
	}, logger)
	if err != nil {
		logger.Fatalf("setup tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Printf("tracing shutdown error: %v", err)
		}
	}()

	db, err := store.Open(ctx, cfg.Database.DSN)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer db.Close()

	jobStore, err := store.NewPostgresJobStore(ctx, db)
	if err != nil {
		logger.Fatalf("initialize job store: %v", err)
	}
	projectStore, err := store.NewPostgresProjectStore(ctx, db)
	if err != nil {
		logger.Fatalf("initialize project store: %v", err)
	}

	blobs, err := storage.NewClient(storage.Config{
		Endpoint: cfg.Storage.Endpoint,
		Access:   cfg.Storage.AccessKey,
		Secret:   cfg.Storage.SecretKey,
		Bucket:   cfg.Storage.Bucket,
		UseSSL:   cfg.Storage.UseSSL,
	})
	if err != nil {
		logger.Fatalf("initialize object storage: %v", err)
	}
	if err := blobs.EnsureBucket(ctx); err != nil {
		logger.Fatalf("ensure bucket: %v", err)
	}

	processor := pipeline.NewProcessor(logger, jobStore, projectStore, blobs, nil, pipeline.ToolConfig{
		PotreeConverter: cfg.Tools.PotreeConverter,
		GDALInfo:        cfg.Tools.GDALInfo,
		GDALTranslate:   cfg.Tools.GDALTranslate,
		GDALTransform:   cfg.Tools.GDALTransform,
		ConvertTimeout:  cfg.Tools.ConvertTimeout,
		ValidateTimeout: cfg.Tools.ValidateTimeout,
		PreviewTimeout:  cfg.Tools.PreviewTimeout,
		WorkDir:         cfg.Worker.WorkDir,
		PreviewSize:     cfg.Tools.PreviewSize,
		SampleRate:      cfg.Tools.SampleRate,
		SignedURLTTL:    cfg.API.SignedURLTTL,
	})

	srv, err := worker.NewServer(logger, worker.Config{
		PollInterval:      cfg.Worker.PollInterval,
		RetentionAge:      cfg.Worker.RetentionAge,
		RetentionInterval: cfg.Worker.RetentionInterval,
	}, jobStore, processor)
	if err != nil {
		logger.Fatalf("initialize worker: %v", err)
	}

	// Metrics and liveness live on a side listener; the worker itself has no
	// request surface.
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", srv.MetricsHandler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	metricsServer := &http.Server{
		Addr:         cfg.Worker.Addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		logger.Printf("metrics listening on %s", cfg.Worker.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("metrics server failed: %v", err)
		}
	}()

	if err := srv.Run(ctx); err != nil {
		logger.Fatalf("worker failed: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("metrics shutdown failed: %v", err)
	}
}

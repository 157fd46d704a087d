package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mafalana/geoproc/internal/api"
	"github.com/mafalana/geoproc/internal/config"
	"github.com/mafalana/geoproc/internal/ratelimit"
	"github.com/mafalana/geoproc/internal/storage"
	"github.com/mafalana/geoproc/internal/store"
	"github.com/mafalana/geoproc/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logger := log.New(os.Stdout, "[api] ", log.LstdFlags|log.Lmsgprefix)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		Enabled:      cfg.Telemetry.Enabled,
		ServiceName:  cfg.Telemetry.ServiceName + "-api",
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

	var limiter api.RateLimiter
	if cfg.RateLimit.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RateLimit.RedisAddr,
			Password: cfg.RateLimit.RedisPassword,
			DB:       cfg.RateLimit.RedisDB,
		})
		defer rdb.Close()
		limiter, err = ratelimit.NewRedisTokenBucket(rdb, cfg.RateLimit.Rate, cfg.RateLimit.Burst, "geoproc:ratelimit")
		if err != nil {
			logger.Fatalf("initialize rate limiter: %v", err)
		}
	}

	app := api.NewServer(logger, jobStore, projectStore, blobs, limiter)

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Printf("listening on %s", cfg.API.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	logger.Println("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
}

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ecotile-bknd/internal/cache"
	"ecotile-bknd/internal/config"
	"ecotile-bknd/internal/database"
	"ecotile-bknd/internal/logger"
	"ecotile-bknd/internal/routes"
	"ecotile-bknd/internal/tasks"

	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()
	logr := logger.New(cfg)
	defer logr.Sync()

	db, err := database.New(cfg.DatabaseURL, cfg, database.ServerPool)
	if err != nil {
		logr.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if cfg.AutoMigrate {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		err := database.EnsureSchema(ctx, db, logr.Named("schema"))
		cancel()
		if err != nil {
			logr.Fatal("schema migration failed", zap.Error(err))
		}
	}

	rc, err := cache.OpenRedis(context.Background(), cfg.RedisURL)
	if err != nil {
		// the API still works without the response cache
		logr.Warn("redis unavailable, response cache disabled", zap.Error(err))
	}
	if rc != nil {
		defer rc.Close()
	}

	registry := tasks.NewRegistry(logr.Named("tasks"))
	r := routes.NewRouter(db, rc, registry, cfg, logr)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logr.Info("server started", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logr.Info("shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logr.Error("server forced to shutdown", zap.Error(err))
	}
	if err := registry.Shutdown(ctx); err != nil {
		logr.Warn("background runs did not stop in time", zap.Error(err))
	}

	logr.Info("server exited gracefully")
}

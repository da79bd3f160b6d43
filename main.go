// Package main provides the cascade delete engine's server process.
//
// The engine accepts cascade-delete requests against a world's
// hierarchical entity tree, drains them through a background scheduler,
// and exposes their progress over a narrow HTTP surface. Storage is
// pluggable: an in-memory backend for local development and tests, and a
// SQLite-backed durable store for production.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/libris-maleficarum/cascadedelete/api"
	"github.com/libris-maleficarum/cascadedelete/config"
	"github.com/libris-maleficarum/cascadedelete/logger"
	"github.com/libris-maleficarum/cascadedelete/models"
	"github.com/libris-maleficarum/cascadedelete/services"
	"github.com/libris-maleficarum/cascadedelete/storage/memory"
	"github.com/libris-maleficarum/cascadedelete/storage/sqlite"
)

// @title Cascade Delete Engine API
// @version 1.0.0
// @description Asynchronous, partitioned cascade soft-delete engine for a world's hierarchical entity tree.

func main() {
	logger.Configure()

	cfg := config.Load()
	if err := logger.SetLogLevel(cfg.LogLevel); err != nil {
		logger.Warn("main: invalid CASCADE_LOG_LEVEL %q, keeping default: %v", cfg.LogLevel, err)
	}

	entities, operations, closeStorage, err := buildStorage(cfg)
	if err != nil {
		logger.Fatal("main: failed to initialize storage backend %q: %v", cfg.StorageBackend, err)
	}
	defer closeStorage()

	operationService := services.NewOperationService(entities, operations, cfg)
	scheduler := services.NewScheduler(entities, operations, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := scheduler.Start(ctx); err != nil {
		logger.Fatal("main: failed to start scheduler: %v", err)
	}

	deleteHandler := api.NewDeleteHandler(operationService)
	router := api.NewRouter(deleteHandler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
		ErrorLog:     logger.SetHTTPServerErrorLog(),
	}

	logger.Info("main: starting cascade delete server on port %d (storage=%s)", cfg.Port, cfg.StorageBackend)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("main: HTTP server failed: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("main: received signal %v, initiating graceful shutdown", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("main: HTTP server shutdown error: %v", err)
	}
	if err := scheduler.Stop(); err != nil {
		logger.Error("main: scheduler shutdown error: %v", err)
	}

	logger.Info("main: cascade delete server shutdown complete")
}

// buildStorage selects and constructs the EntityRepository/OperationLog
// pair named by cfg.StorageBackend, plus a cleanup func to release any
// underlying resources.
func buildStorage(cfg *config.Config) (models.EntityRepository, models.OperationLog, func(), error) {
	switch cfg.StorageBackend {
	case "memory":
		return memory.NewEntityRepository(), memory.NewOperationLog(), func() {}, nil
	case "sqlite", "":
		db, err := sqlite.Open(cfg.DatabasePath())
		if err != nil {
			return nil, nil, nil, err
		}
		closeFn := func() {
			if closeErr := db.Close(); closeErr != nil {
				logger.Error("main: error closing sqlite database: %v", closeErr)
			}
		}
		return sqlite.NewEntityRepository(db), sqlite.NewOperationLog(db), closeFn, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

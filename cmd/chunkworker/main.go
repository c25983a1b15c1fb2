// Package main implements the chunk worker process entrypoint: load
// configuration, connect to Postgres, wire every collaborator behind
// phaseengine.Engine, and serve the public interface until an interrupt
// requests graceful shutdown.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/arke-institute/chunkocr/internal/callback"
	"github.com/arke-institute/chunkocr/internal/config"
	"github.com/arke-institute/chunkocr/internal/httpapi"
	"github.com/arke-institute/chunkocr/internal/metrics"
	"github.com/arke-institute/chunkocr/internal/ocrclient"
	"github.com/arke-institute/chunkocr/internal/phaseengine"
	"github.com/arke-institute/chunkocr/internal/store/postgres"
	"github.com/arke-institute/chunkocr/internal/storeclient"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if _, err := pool.Exec(ctx, postgres.Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	st := postgres.New(pool)
	m := metrics.New(prometheus.DefaultRegisterer)

	httpClient := &http.Client{Timeout: 30 * time.Second}
	ocrCli := ocrclient.New(cfg.OCRProviderEndpoint, cfg.OCRProviderAPIKey, cfg.OCRCallTimeout)
	storeCli := storeclient.New(httpClient, cfg.StoreEndpoint, cfg.StoreAPIKey)
	cbDispatcher := callback.New(httpClient, cfg.OrchestratorBaseURL, st, m, logger)

	engine := phaseengine.New(st, ocrCli, storeCli, cbDispatcher, m, logger, phaseengine.Config{
		MaxParallelOCR:   cfg.MaxParallelOCR,
		MaxRetriesPerRef: cfg.MaxRetriesPerRef,
		MaxGlobalRetries: cfg.MaxGlobalRetries,
		AlarmInterval:    cfg.AlarmInterval,
	})

	server := httpapi.New(engine, logger)
	httpSrv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("chunk worker listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("serve: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		return err
	}

	if err := httpapi.Shutdown(context.Background(), httpSrv); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

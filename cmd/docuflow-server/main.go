// Package main provides the docuflow HTTP server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docuflow/docuflow/internal/activity"
	"github.com/docuflow/docuflow/internal/batch"
	"github.com/docuflow/docuflow/internal/bus"
	"github.com/docuflow/docuflow/internal/config"
	"github.com/docuflow/docuflow/internal/format"
	"github.com/docuflow/docuflow/internal/metrics"
	"github.com/docuflow/docuflow/internal/pipeline"
	"github.com/docuflow/docuflow/internal/processor"
	"github.com/docuflow/docuflow/internal/server"
	"github.com/docuflow/docuflow/internal/store"
	"github.com/docuflow/docuflow/internal/webhook"
)

func main() {
	cfg := config.Load()

	logger, cleanup := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	defer func() { _ = cleanup() }()
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	graph, err := loadGraph(cfg)
	if err != nil {
		return err
	}

	st, closeStore, err := buildStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	proc, err := buildProcessor(cfg, logger)
	if err != nil {
		return err
	}

	collector := metrics.NewCollector()
	recorder := activity.NewSlog(logger)
	eventBus := bus.New()
	defer eventBus.Close()

	pipe := pipeline.New(st, proc, eventBus, recorder, logger,
		pipeline.WithTimeout(cfg.ProcessTimeout),
		pipeline.WithMetrics(collector))
	coordinator := batch.New(graph, st, pipe, recorder, logger,
		batch.WithConcurrency(cfg.Concurrency),
		batch.WithMetrics(collector))
	dispatcher := webhook.New(st, recorder, logger,
		webhook.WithTimeout(cfg.WebhookTimeout),
		webhook.WithMaxAttempts(cfg.WebhookMaxAttempts),
		webhook.WithDeactivateThreshold(cfg.DeactivateThreshold),
		webhook.WithMetrics(collector))
	defer dispatcher.Close()
	eventBus.Subscribe(bus.MatchAll, dispatcher.OnEvent)

	app := server.NewApp(logger, graph, st, coordinator, pipe, dispatcher, eventBus, collector)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      app.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting docuflow-server",
			"addr", cfg.ListenAddr,
			"store", cfg.StoreBackend,
			"processor", cfg.ProcessorBackend)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-quit:
	}

	slog.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

func loadGraph(cfg config.Config) (*format.Graph, error) {
	graph := format.Default()
	if cfg.FormatTablePath == "" {
		return graph, nil
	}
	f, err := os.Open(cfg.FormatTablePath)
	if err != nil {
		return nil, fmt.Errorf("open format table: %w", err)
	}
	defer f.Close()
	override, err := format.Load(f)
	if err != nil {
		return nil, err
	}
	return format.Merge(graph, override), nil
}

func buildStore(cfg config.Config) (store.Store, func(), error) {
	switch cfg.StoreBackend {
	case "memory":
		return store.NewMemory(), func() {}, nil
	case "redis":
		r, err := store.NewRedis(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		return r, func() { _ = r.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func buildProcessor(cfg config.Config, logger *slog.Logger) (pipeline.Processor, error) {
	switch cfg.ProcessorBackend {
	case "remote":
		return processor.NewRemote(cfg.ProcessorURL), nil
	case "llm":
		return processor.NewLLM(cfg.LLMModel, logger)
	default:
		return nil, fmt.Errorf("unknown processor backend %q", cfg.ProcessorBackend)
	}
}

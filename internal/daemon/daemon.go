package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"agentq/internal/config"
	"agentq/internal/db"
	"agentq/internal/health"
	"agentq/internal/llm"
	"agentq/internal/notify"
	"agentq/internal/worker"
)

// shutdownGrace is added to the worker's own shutdown timeout to form the
// hard deadline for the whole daemon.
const shutdownGrace = 5 * time.Second

var errShutdownTimeout = errors.New("shutdown timed out")

// Run starts the daemon: worker + notification dispatcher + sweeper +
// health server. Blocks until SIGINT/SIGTERM is received.
func Run(cfg *config.Config) error {
	if err := WritePID(cfg.PIDFile); err != nil {
		return err
	}
	defer RemovePID(cfg.PIDFile)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create db dir: %w", err)
	}
	store, err := db.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	executor := llm.NewCLIExecutor(cfg.Executor.Provider, cfg.Executor.MaxTurns, cfg.Executor.TranscriptsDir)

	// Force-exit on second signal.
	go func() {
		<-ctx.Done()
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Error("second signal received, forcing exit")
		os.Exit(1)
	}()

	err = Serve(ctx, cfg, store, executor)
	if errors.Is(err, errShutdownTimeout) {
		slog.Error("shutdown timed out, forcing exit")
		os.Exit(1)
	}
	return err
}

// Serve runs every daemon component against store until ctx is done, then
// shuts them down within the worker's shutdown timeout plus a grace period.
func Serve(ctx context.Context, cfg *config.Config, store *db.Store, executor llm.Executor) error {
	recovered, err := store.RecoverOrphanedJobs(ctx)
	if err != nil {
		return fmt.Errorf("crash recovery: %w", err)
	}
	if recovered > 0 {
		slog.Info("recovered orphaned jobs", "count", recovered)
	}

	w := worker.New(store, executor, notify.NewOutbox(store), worker.Config{
		PollInterval:        cfg.Worker.PollInterval,
		CancelCheckInterval: cfg.Worker.CancelCheckInterval,
		MaxConcurrent:       cfg.Worker.MaxConcurrent,
		ShutdownTimeout:     cfg.Worker.ShutdownTimeout,
		JobTimeout:          cfg.Worker.JobTimeout,
	})
	w.Start(ctx)

	var wg sync.WaitGroup

	dispatcher := notify.NewDispatcher(store, notify.Channels(cfg.Notifications, nil), cfg.Notifications.Events,
		notify.WithRetention(cfg.Retention.Events))
	wg.Add(1)
	go func() {
		defer wg.Done()
		dispatcher.Run(ctx)
	}()

	sweeper := NewSweeper(store, cfg.Retention.Jobs, cfg.Retention.SweepInterval)
	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()

	var healthSrv *health.Server
	if !cfg.Health.Disabled {
		healthSrv = health.NewServer(store, w, cfg.Health.Timeout)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthSrv.ListenAndServe(cfg.Health.Addr); err != nil {
				slog.Error("health server error", "err", err)
			}
		}()
	}

	slog.Info("daemon started",
		"executor", executor.Name(),
		"max_concurrent", cfg.Worker.MaxConcurrent,
		"health", !cfg.Health.Disabled,
	)

	<-ctx.Done()
	slog.Info("shutdown signal received, stopping...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout+shutdownGrace)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		if healthSrv != nil {
			if err := healthSrv.Shutdown(shutdownCtx); err != nil {
				slog.Warn("health server shutdown", "err", err)
			}
		}
		err := w.Shutdown(shutdownCtx)
		wg.Wait()
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			slog.Warn("worker did not stop cleanly", "err", err)
		}
		slog.Info("daemon stopped")
		return nil
	case <-shutdownCtx.Done():
		return errShutdownTimeout
	}
}

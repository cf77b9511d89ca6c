package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sandpolis/agent/agent"
	"github.com/sandpolis/agent/metric"
)

func newRunCmd(flags *rootFlags) *cobra.Command {
	var shutdownTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the agent and keep the server link up until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return run(ctx, flags, shutdownTimeout)
		},
	}
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout",
		getEnvDuration("SANDPOLIS_SHUTDOWN_TIMEOUT", 10*time.Second),
		"Graceful shutdown timeout (env: SANDPOLIS_SHUTDOWN_TIMEOUT)")
	return cmd
}

func run(ctx context.Context, flags *rootFlags, shutdownTimeout time.Duration) error {
	cfg, err := flags.loadConfig()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)
	slog.Info("Starting Sandpolis agent",
		"version", Version,
		"build_time", BuildTime,
		"config_path", flags.configFile(),
		"instance", cfg.Instance.UUID)

	registry := metric.NewMetricsRegistry()
	rt, err := agent.New(cfg,
		agent.WithLogger(logger),
		agent.WithMetricsRegistry(registry),
		agent.WithVersion(Version),
	)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("start agent: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Addr != "" {
		metricsServer := metric.NewServer(cfg.Metrics.Addr, "/metrics", registry).WithHealth(rt.Health)
		slog.Info("Serving metrics", "url", metricsServer.Address())
		g.Go(func() error {
			if err := metricsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer stopCancel()
			return metricsServer.Stop(stopCtx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	waitErr := g.Wait()
	if waitErr != nil {
		slog.Error("Agent stopping after failure", "error", waitErr)
	} else {
		slog.Info("Received shutdown signal")
	}

	if err := rt.Shutdown(shutdownTimeout); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	if waitErr != nil {
		return waitErr
	}

	slog.Info("Sandpolis agent shutdown complete")
	return nil
}

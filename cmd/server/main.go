package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"codeplay/internal/collab"
	"codeplay/internal/config"
	"codeplay/internal/executor"
	"codeplay/internal/realtime"
	"codeplay/internal/session"
	"codeplay/internal/shell"
	"codeplay/internal/tracing"
	"codeplay/internal/workspace"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:          "codeplay-server",
		Short:        "Collaborative coding playground backend",
		Long:         "codeplay-server hosts shared editing sessions over WebSocket and runs submitted code in a throwaway sandbox.",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			configFile, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(v, configFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	if err := config.BindFlags(v, cmd.Flags()); err != nil {
		cmd.RunE = func(*cobra.Command, []string) error { return err }
	}
	return cmd
}

func newLogger(cfg config.Log) *slog.Logger {
	level, _ := cfg.SlogLevel()
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	if cfg.Tracing.Enabled {
		if err := tracing.Init("codeplay", version, cfg.Tracing.Output); err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
	}

	store := session.NewStore(
		session.WithMaxSessions(cfg.Session.MaxSessions),
		session.WithActivityCapacity(cfg.Session.ActivityCapacity),
	)
	hub := collab.NewHub(store, logger)
	dispatcher := executor.New(cfg.ExecutorConfig(), logger)
	relay := shell.New(shell.Config{Enabled: cfg.Shell.Enabled, Timeout: cfg.Shell.Timeout}, logger)
	limits := workspace.Limits{
		MaxDepth:     cfg.Workspace.MaxDepth,
		MaxFiles:     cfg.Workspace.MaxFiles,
		MaxFileBytes: cfg.Workspace.MaxFileBytes,
	}

	// The watcher callback needs the server, which needs the watcher.
	var rtServer *realtime.Server
	fileWatch := workspace.NewWatcher(limits, func(sessionID string, prev, next *workspace.Tree) {
		if rtServer != nil {
			rtServer.OnDiskChange(sessionID, prev, next)
		}
	}, logger)

	rtServer = realtime.New(realtime.Deps{
		Store:    store,
		Hub:      hub,
		Executor: dispatcher,
		Shell:    relay,
		Watcher:  fileWatch,
	}, realtime.Options{
		ShareBaseURL:    cfg.Server.ShareBaseURL,
		StaticDir:       cfg.Server.StaticDir,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		OutboxSize:      cfg.Server.OutboxSize,
		WorkspaceRoot:   cfg.Workspace.Root,
		WorkspaceLimits: limits,
	}, logger)

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: rtServer.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("codeplay server listening",
			"addr", cfg.Server.Addr,
			"shell", cfg.Shell.Enabled,
			"workspace_root", cfg.Workspace.Root,
		)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	fileWatch.Shutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := rtServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("realtime shutdown", "error", err)
	}
	if err := relay.Close(); err != nil {
		logger.Warn("shell close", "error", err)
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown", "error", err)
	}
	return nil
}

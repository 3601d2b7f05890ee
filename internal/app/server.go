package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/erg0nix/notebookd/internal/config"
	"github.com/erg0nix/notebookd/internal/diagnostics"
	grpcsvc "github.com/erg0nix/notebookd/internal/grpc"
	"github.com/erg0nix/notebookd/internal/history"
	"github.com/erg0nix/notebookd/internal/pubsub"
	"github.com/erg0nix/notebookd/internal/sandbox"
	"github.com/erg0nix/notebookd/internal/server"
	"github.com/erg0nix/notebookd/internal/session"
)

const drainTimeout = 5 * time.Second

// RunServer serves sessions until SIGINT or SIGTERM, then closes every
// session and drains the listeners.
func RunServer(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	return Run(ctx, cfg, logger)
}

// Run is RunServer with the lifetime given by ctx.
func Run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	journal, err := history.OpenJournal(cfg.History.Backend, cfg.History.Path)
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}
	defer journal.Close()

	checker, closeChecker := newChecker(cfg.Diagnostics, logger)
	defer closeChecker()

	hub := pubsub.NewHub(logger.Named("pubsub"))
	manager := session.NewManager(session.Options{
		DataDir: cfg.DataDir,
		Sandbox: sandbox.Config{
			AllowedImports: cfg.Sandbox.AllowedImports,
			MaxRun:         cfg.Sandbox.MaxRun.Std(),
		},
		Checker:            checker,
		DiagnosticsTimeout: cfg.Diagnostics.Timeout.Std(),
		Journal:            journal,
		IdleTimeout:        cfg.Session.IdleTimeout.Std(),
	}, hub, logger.Named("manager"))

	listener, err := net.Listen("tcp", cfg.Bind)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", cfg.Bind, err)
	}

	health := grpcsvc.NewHealthServer()
	var healthListener net.Listener
	if cfg.HealthBind != "" {
		healthListener, err = net.Listen("tcp", cfg.HealthBind)
		if err != nil {
			listener.Close()
			return fmt.Errorf("server: listen %s: %w", cfg.HealthBind, err)
		}
	}

	pidFile := PIDFile(cfg.DataDir)
	if err := writePIDFile(pidFile); err != nil {
		logger.Warn("failed to write PID file", zap.Error(err))
	}
	defer os.Remove(pidFile)

	g, gctx := errgroup.WithContext(ctx)

	srv := server.New(gctx, manager, server.Options{
		Bind:      cfg.Bind,
		DataDir:   cfg.DataDir,
		SendQueue: cfg.Session.SendQueue,
	}, logger.Named("server"))
	httpServer := &http.Server{Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}

	g.Go(func() error {
		if err := httpServer.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: serve: %w", err)
		}
		return nil
	})
	if healthListener != nil {
		g.Go(func() error { return health.Serve(healthListener) })
	}
	g.Go(func() error { return manager.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		health.SetServing(false)
		manager.CloseAll("daemon shutting down")

		drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		if err := httpServer.Shutdown(drainCtx); err != nil {
			logger.Warn("drain timeout, forcing shutdown", zap.Error(err))
			httpServer.Close()
		}
		health.Stop()
		return nil
	})

	health.SetServing(true)
	logger.Info("server listening", zap.String("address", listener.Addr().String()), zap.String("health", cfg.HealthBind))

	return g.Wait()
}

// newChecker starts the configured external checker, or falls back to the
// built-in syntax checker when none is configured.
func newChecker(cfg config.DiagnosticsConfig, logger *zap.Logger) (diagnostics.Checker, func()) {
	if cfg.Command == "" {
		return diagnostics.SyntaxChecker{}, func() {}
	}

	checker := diagnostics.NewProcessChecker(cfg.Command, cfg.Args, logger.Named("diagnostics"))
	return checker, func() { checker.Close() }
}

package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/comms-dev/comms/internal/adapter"
	"github.com/comms-dev/comms/internal/config"
	"github.com/comms-dev/comms/internal/engine"
	"github.com/comms-dev/comms/internal/store"
)

// Run starts the daemon and blocks until SIGINT/SIGTERM or a server error.
// It owns the pidfile for its lifetime.
func Run(ctx context.Context, cfg *config.Config, svc *engine.Service, repo store.Repository, ad adapter.Adapter) error {
	if err := WritePid(cfg.PidFile); err != nil {
		return err
	}
	defer func() {
		if err := RemovePid(cfg.PidFile); err != nil {
			slog.Warn("pidfile cleanup failed", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	poller := NewPoller(svc, repo, ad, cfg.PollInterval, cfg.TriageLimit)
	poller.Start(ctx)

	server := NewServer(svc, repo, poller)
	httpSrv := server.HTTPServer(cfg.DaemonAddr)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("daemon listening", "addr", cfg.DaemonAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("daemon shutting down")
	case err := <-errCh:
		return fmt.Errorf("control api: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown control api: %w", err)
	}
	return nil
}

// Package billingsync hosts the billing reconciliation service: payment
// webhooks, the scheduled sweep and the dashboard's account billing API.
package billingsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/schedmate/schedmate/internal/logging"
	"github.com/schedmate/schedmate/internal/session"
)

const shutdownTimeout = 30 * time.Second

// InitLogging configures the global logger from cfg.
func InitLogging(cfg *Config, component string) {
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: component,
	})
}

// Run starts the billing HTTP service and background loops with graceful
// shutdown. It returns when ctx is cancelled, a signal arrives, or a
// component fails.
func Run(ctx context.Context, version string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	InitLogging(cfg, "billing-sync")
	if err := cfg.ValidateServe(); err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log.Info().
		Str("version", version).
		Str("store", cfg.StoreDriver).
		Bool("stripe", cfg.StripeWebhookSecret != "").
		Msg("Starting SchedMate billing sync")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := OpenServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	deps := &Deps{
		Config:     cfg,
		Store:      svc.Store,
		Reconciler: svc.Reconciler,
		Sweeper:    svc.Sweeper,
		Sessions:   session.NewManager(svc.Reconciler, session.ManagerConfig{}),
		Version:    version,
	}

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewHandler(deps),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("Billing sync listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		svc.Sweeper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		runStatusMetrics(gctx, svc.Store)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down billing sync...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
		return nil
	})

	err = g.Wait()
	log.Info().Msg("Billing sync stopped")
	return err
}

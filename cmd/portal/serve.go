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
	"time"

	"github.com/spf13/cobra"

	"github.com/MrEthical07/portalauth/metrics/export/prometheus"
)

var serveCmd = &cobra.Command{
	Use:               "serve",
	Short:             "Serve the sign-in flow and guarded portal pages",
	PersistentPreRunE: loadConfig,
	RunE: func(cmd *cobra.Command, _ []string) error {
		logger, err := cfg.Logger(os.Stderr)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		st, err := buildStack(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.orch.Start(ctx); err != nil {
			return fmt.Errorf("start orchestrator: %w", err)
		}

		tel, err := newTelemetry(st.orch)
		if err != nil {
			return err
		}
		defer func() { _ = tel.Close(context.Background()) }()

		srv := &http.Server{
			Addr: cfg.ListenAddr,
			Handler: newRouter(routerOptions{
				Orchestrator: st.orch,
				Limiter:      st.limiter,
				Logger:       logger,
				PendingWait:  cfg.PendingWait,
				Metrics:      prometheus.New(st.orch).Handler(),
				Telemetry:    tel.Handler(),
			}),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		serverErrors := make(chan error, 1)
		go func() {
			logger.Info("portal listening", slog.String("addr", cfg.ListenAddr), slog.Bool("dev_mode", cfg.DevMode))
			serverErrors <- srv.ListenAndServe()
		}()

		// SIGHUP re-resolves the session, e.g. after a profile edit.
		reload := make(chan os.Signal, 1)
		signal.Notify(reload, syscall.SIGHUP)
		defer signal.Stop(reload)

		for {
			select {
			case err := <-serverErrors:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return fmt.Errorf("server error: %w", err)

			case <-reload:
				logger.Info("reload requested, re-resolving session")
				rctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				st.orch.RefreshAuth(rctx)
				cancel()

			case <-ctx.Done():
				logger.Info("shutting down")
				sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := srv.Shutdown(sctx); err != nil {
					_ = srv.Close()
					return fmt.Errorf("graceful shutdown failed: %w", err)
				}
				return nil
			}
		}
	},
}

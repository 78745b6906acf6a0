package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"llm_fanout/internal/httpapi"
)

func serveCmd() *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the provider dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfg, migrate)
			if err != nil {
				return err
			}
			return a.serve(ctx)
		},
	}

	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply the postgres schema before serving")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	a.dispatcher.Start(ctx)

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	go a.runStatsJanitor(janitorCtx)

	server := &http.Server{
		Addr: ":" + a.cfg.HTTPPort,
		Handler: httpapi.NewRouter(httpapi.Dependencies{
			Service:        a.service,
			JWT:            a.cfg.JWT,
			CORSOrigins:    a.cfg.CORSOrigins,
			Metrics:        a.metrics,
			MetricsHandler: a.metrics.Handler(),
			Health:         a.health,
		}),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: writeTimeout(a.cfg.Gateway.RequestTimeout),
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		a.logger.Info("Fan-out gateway listening", "port", a.cfg.HTTPPort, "store", a.cfg.Store.Backend)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("Shutting down server...")
	case err, ok := <-serverErr:
		if ok {
			runErr = fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("Server forced to shutdown", "error", err)
	}
	if err := a.dispatcher.Stop(shutdownCtx); err != nil {
		a.logger.Warn("Dispatcher did not drain in time", "error", err)
	}
	if err := a.queue.Close(); err != nil {
		a.logger.Warn("Failed to close job queue", "error", err)
	}
	if err := a.sink.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("Failed to flush call log", "error", err)
	}
	a.close(shutdownCtx)

	a.logger.Info("Server exited")
	return runErr
}

// writeTimeout leaves room for a synchronous retry to wait out a full
// provider call and still write its response.
func writeTimeout(providerTimeout time.Duration) time.Duration {
	const floor, headroom = 30 * time.Second, 15 * time.Second
	if d := providerTimeout + headroom; d > floor {
		return d
	}
	return floor
}

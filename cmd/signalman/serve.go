package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaysignal/signalman/internal/app"
	"github.com/relaysignal/signalman/internal/httpapi"
	"github.com/relaysignal/signalman/internal/settings"
	"github.com/relaysignal/signalman/pkg/logging"
)

// newServeCmd builds the `serve` subcommand: the long-running realtime
// WebSocket/HTTP process. Wiring is two-phase because channel.Manager (built
// inside app.New) needs a Sender at construction, but the Sender here is
// the WebSocket hub, which itself needs the finished *app.Context to look
// up connections/channels/router/metrics — see internal/httpapi's package
// doc for the full rationale.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the realtime WebSocket/HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.NewLoggerWithService("signalman")

			cfg, err := settings.Load(logger)
			if err != nil {
				return fmt.Errorf("serve: loading configuration: %w", err)
			}

			srv := httpapi.NewServer(logger)
			ctx, err := app.New(cfg, logger, srv)
			if err != nil {
				return fmt.Errorf("serve: assembling context: %w", err)
			}
			srv.Attach(ctx)
			registerHandlers(ctx)
			registerTasks(ctx)

			httpServer := &http.Server{
				Addr:    cfg.HTTPAddr,
				Handler: srv.Engine(),
			}

			runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			go ctx.TaskExec.DrainDeferred(runCtx, func(key string, err error) {
				logger.WithError(err).WithField("job", key).Warn("deferred task failed")
			})

			errCh := make(chan error, 1)
			go func() {
				logger.WithField("addr", cfg.HTTPAddr).Info("signalman serving")
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			select {
			case <-runCtx.Done():
				logger.Info("shutdown signal received, draining connections")
			case err := <-errCh:
				return fmt.Errorf("serve: listen: %w", err)
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		},
	}
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaysignal/signalman/internal/app"
	"github.com/relaysignal/signalman/internal/conn"
	"github.com/relaysignal/signalman/internal/message"
	"github.com/relaysignal/signalman/internal/settings"
	"github.com/relaysignal/signalman/internal/supervisor"
	"github.com/relaysignal/signalman/internal/workerstore"
	"github.com/relaysignal/signalman/pkg/logging"
	redisclient "github.com/relaysignal/signalman/pkg/redis"
)

// droppingSender is the channel.Sender a consumer-only process wires in:
// this process never holds a live WebSocket connection, so Broadcast's
// subscriber lookup always finds zero subscribers and returns before
// Send is ever called — matching internal/channel.Manager.Broadcast's own
// "0 subscribers is a no-op" shortcut.
type droppingSender struct{}

func (droppingSender) Send(c *conn.Connection, msg *message.Message) error { return nil }

func newConsumeScaledCmd() *cobra.Command {
	var (
		handlerName   string
		driver        string
		workers       int
		batchSize     int
		batchTimeout  int
		timeoutMS     int
		maxMessages   int
		memoryLimitMB int
		gracefulS     int
	)

	cmd := &cobra.Command{
		Use:   "broker:consume-scaled",
		Short: "Start the consumer supervisor (single- or multi-worker)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if handlerName == "" {
				return fmt.Errorf("broker:consume-scaled: --handler is required")
			}

			logger := logging.NewLoggerWithService("signalman")
			cfg, err := settings.Load(logger)
			if err != nil {
				return fmt.Errorf("broker:consume-scaled: loading configuration: %w", err)
			}

			ctx, err := app.New(cfg, logger, droppingSender{})
			if err != nil {
				return fmt.Errorf("broker:consume-scaled: assembling context: %w", err)
			}
			registerHandlers(ctx)
			registerTasks(ctx)

			h, ok := ctx.Handlers.Lookup(handlerName)
			if !ok {
				return fmt.Errorf("broker:consume-scaled: unknown handler %q", handlerName)
			}

			scfg := supervisor.Config{
				HandlerName:      handlerName,
				WorkerCount:      workers,
				BatchSize:        batchSize,
				BatchTimeout:     time.Duration(batchTimeout) * time.Millisecond,
				MaxMessages:      int64(maxMessages),
				MemoryLimitBytes: int64(memoryLimitMB) * 1024 * 1024,
				GracefulTimeout:  time.Duration(gracefulS) * time.Second,
				PollTimeout:      time.Duration(timeoutMS) * time.Millisecond,
				DLQChannel:       cfg.Consumer.DLQChannel,
				Logger:           logger,
			}

			runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if workers <= 1 {
				sup := supervisor.New(ctx.Broker, h, scfg)
				return sup.RunSingleWorker(runCtx)
			}

			scfg.WorkerCommand = func(workerID string) *exec.Cmd {
				c := exec.Command(os.Args[0], "broker:consume-scaled",
					"--handler", handlerName,
					"--driver", driver,
					"--workers", "1",
					"--batch-size", fmt.Sprint(batchSize),
					"--batch-timeout", fmt.Sprint(batchTimeout),
					"--timeout", fmt.Sprint(timeoutMS),
					"--max-messages", fmt.Sprint(maxMessages),
					"--memory-limit", fmt.Sprint(memoryLimitMB),
					"--graceful-timeout", fmt.Sprint(gracefulS),
				)
				c.Env = append(os.Environ(), "SIGNALMAN_WORKER_ID="+workerID)
				c.Stdout = os.Stdout
				c.Stderr = os.Stderr
				return c
			}
			if recorder := newWorkerRecorder(cfg, logger); recorder != nil {
				scfg.Recorder = recorder
			}

			master := supervisor.NewMaster(scfg)
			return master.Run(runCtx)
		},
	}

	cmd.Flags().StringVar(&handlerName, "handler", "", "registered handler name to dispatch messages to")
	cmd.Flags().StringVar(&driver, "driver", "process", "worker driver: process|fork|sync")
	cmd.Flags().IntVar(&workers, "workers", 1, "number of worker processes (0 or 1 = single-worker mode)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 100, "messages per batch before flush")
	cmd.Flags().IntVar(&batchTimeout, "batch-timeout", 1000, "max batch age in milliseconds before flush")
	cmd.Flags().IntVar(&timeoutMS, "timeout", 500, "broker poll timeout in milliseconds")
	cmd.Flags().IntVar(&maxMessages, "max-messages", 0, "stop after this many messages (0 = unbounded)")
	cmd.Flags().IntVar(&memoryLimitMB, "memory-limit", 0, "stop if resident memory exceeds this many MB (0 = unbounded)")
	cmd.Flags().IntVar(&gracefulS, "graceful-timeout", 10, "seconds to wait for clean worker exit before SIGKILL")

	return cmd
}

// newWorkerRecorder builds the Redis-backed persistence hook for
// broker:consumer:status, or nil if Redis is unreachable — multi-worker
// supervision still runs without it, just without an external query
// surface.
func newWorkerRecorder(cfg *settings.Config, logger logging.Logger) func([]supervisor.WorkerRecord) {
	client, err := redisclient.NewUniversalClient(context.Background(), redisclient.Config{
		Mode:     redisclient.ModeSingle,
		Addrs:    cfg.RedisAddrs,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		logger.WithError(err).Warn("broker:consume-scaled: redis unavailable, worker status will not be queryable")
		return nil
	}
	store := workerstore.New(client)
	return store.Save
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/relaysignal/signalman/internal/settings"
	"github.com/relaysignal/signalman/internal/task"
	"github.com/relaysignal/signalman/pkg/logging"
)

// newTaskRunUnitCmd implements spec.md §6's `task:run-unit`, the out-of-process
// executor entrypoint a DriverProcess task.Executor re-execs itself into
// (see internal/task.Executor's exec.Cmd construction and RunFromEnv's doc
// comment). It never runs standalone against operator input: the job name,
// args, and HMAC signature all arrive through the SIGNALMAN_TASK_* env vars
// the parent process set on the child's environment.
func newTaskRunUnitCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "task:run-unit",
		Short:  "Run a single work unit from SIGNALMAN_TASK_* environment variables",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.NewLoggerWithService("signalman")
			cfg, err := settings.Load(logger)
			if err != nil {
				return fmt.Errorf("task:run-unit: loading configuration: %w", err)
			}

			registry := task.NewRegistry()
			registerJobs(registry)

			var signingKey []byte
			if cfg.TaskExecutor.SecretKey != "" {
				signingKey = []byte(cfg.TaskExecutor.SecretKey)
			}

			out, err := task.RunFromEnv(cmd.Context(), registry, signingKey)
			if err != nil {
				return fmt.Errorf("task:run-unit: %w", err)
			}
			if out != nil {
				os.Stdout.Write(out)
			}
			return nil
		},
	}
}

// registerJobs installs the same catalog registerTasks wires into a live
// app.Context's task.Registry, so a re-exec'd task:run-unit sees the exact
// set of runnable job names regardless of which process dispatched it.
func registerJobs(registry *task.Registry) {
	registry.Register("echo", echoJob)
	registry.Register("ping", pingJob)
}

package main

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/relaysignal/signalman/internal/settings"
	"github.com/relaysignal/signalman/internal/supervisor"
	"github.com/relaysignal/signalman/internal/workerstore"
	"github.com/relaysignal/signalman/pkg/logging"
	redisclient "github.com/relaysignal/signalman/pkg/redis"
)

// newConsumerStatusCmd implements spec.md §6's
// `broker:consumer:status [PROCESS_ID] [--stop|--kill|--cleanup|--clear-all]`.
// Reads the shared-KV worker snapshot a running broker:consume-scaled
// master persists via workerstore.Store. This process has no direct
// reference to the supervisor, so --stop and --kill signal the recorded PID
// (SIGTERM and SIGKILL) and the worker's own signal handling takes it from
// there; --cleanup only reports that a worker's record clears when the
// snapshot's TTL expires or the master records a new snapshot; --clear-all
// overwrites the snapshot with an empty one.
func newConsumerStatusCmd() *cobra.Command {
	var stop, kill, cleanup, clearAll bool

	cmd := &cobra.Command{
		Use:   "broker:consumer:status [PROCESS_ID]",
		Short: "Inspect or control supervised consumer workers",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.NewLoggerWithService("signalman")
			cfg, err := settings.Load(logger)
			if err != nil {
				return fmt.Errorf("broker:consumer:status: loading configuration: %w", err)
			}

			client, err := redisclient.NewUniversalClient(context.Background(), redisclient.Config{
				Mode:     redisclient.ModeSingle,
				Addrs:    cfg.RedisAddrs,
				Password: cfg.RedisPassword,
			})
			if err != nil {
				return fmt.Errorf("broker:consumer:status: connecting to shared state: %w", err)
			}
			store := workerstore.New(client)

			records, err := store.Load(cmd.Context())
			if err != nil {
				return fmt.Errorf("broker:consumer:status: loading worker records: %w", err)
			}

			if clearAll {
				store.Save(nil)
				fmt.Fprintln(cmd.OutOrStdout(), "cleared all recorded worker state")
				return nil
			}
			if len(args) == 1 {
				return controlWorker(cmd, records, args[0], stop, kill, cleanup)
			}

			printWorkers(cmd, records)
			return nil
		},
	}

	cmd.Flags().BoolVar(&stop, "stop", false, "gracefully stop the named worker")
	cmd.Flags().BoolVar(&kill, "kill", false, "forcefully kill the named worker")
	cmd.Flags().BoolVar(&cleanup, "cleanup", false, "report when the named worker's record clears (snapshot TTL); removes nothing")
	cmd.Flags().BoolVar(&clearAll, "clear-all", false, "clear every recorded worker")

	return cmd
}

func printWorkers(cmd *cobra.Command, records []supervisor.WorkerRecord) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPID\tHANDLER\tMESSAGES\tERRORS\tSTARTED")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%d\t%s\n",
			r.ID, r.Status, r.PID, r.HandlerName, r.MessageCount, r.ErrorCount, r.StartedAt.Format("15:04:05"))
	}
	w.Flush()
}

func controlWorker(cmd *cobra.Command, records []supervisor.WorkerRecord, id string, stop, kill, cleanup bool) error {
	var target *supervisor.WorkerRecord
	for i := range records {
		if records[i].ID == id {
			target = &records[i]
			break
		}
	}
	if target == nil {
		return fmt.Errorf("broker:consumer:status: no recorded worker %q", id)
	}

	switch {
	case stop:
		return signalPID(target.PID, syscall.SIGTERM)
	case kill:
		return signalPID(target.PID, syscall.SIGKILL)
	case cleanup:
		fmt.Fprintf(cmd.OutOrStdout(), "worker %s record will clear once its TTL expires or the master re-records its snapshot\n", id)
		return nil
	default:
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tpid=%d\thandler=%s\n", target.ID, target.Status, target.PID, target.HandlerName)
		return nil
	}
}

func signalPID(pid int, sig syscall.Signal) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(sig)
}

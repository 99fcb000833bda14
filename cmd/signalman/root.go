package main

import (
	"github.com/spf13/cobra"

	"github.com/relaysignal/signalman/pkg/version"
)

// newRootCmd wires every subcommand spec.md §6's CLI surface names onto one
// root, mirroring cli/cmd/root.go's NewRootCmd shape (persistent flags,
// cobra.OnInitialize-free here since internal/settings.Load already handles
// the env + optional YAML layering on every invocation).
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "signalman",
		Short:         "Realtime messaging subsystem operator tool",
		Long:          "signalman serves the realtime WebSocket/HTTP surface and hosts its consumer, task, and inspection subcommands.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.Version,
	}

	root.AddCommand(
		newServeCmd(),
		newConsumeScaledCmd(),
		newConsumerStatusCmd(),
		newBrokerMetricsCmd(),
		newChannelListCmd(),
		newTaskRunUnitCmd(),
	)
	return root
}

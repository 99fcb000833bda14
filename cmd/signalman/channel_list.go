package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/relaysignal/signalman/internal/app"
	"github.com/relaysignal/signalman/internal/channel"
	"github.com/relaysignal/signalman/internal/settings"
	"github.com/relaysignal/signalman/pkg/logging"
)

// newChannelListCmd implements spec.md §6's `channel:list`. A CLI invocation
// has no access to a live server's in-memory router, so it rebuilds one from
// the same Realtime.channels configuration app.New wires into every running
// process via app.RegisterConfiguredRoutes — the listing always reflects
// what a freshly started server would register, not a live snapshot of
// active subscriptions.
func newChannelListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "channel:list",
		Short: "List configured channel routes",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.NewLoggerWithService("signalman")
			cfg, err := settings.Load(logger)
			if err != nil {
				return fmt.Errorf("channel:list: loading configuration: %w", err)
			}

			router := channel.NewRouter()
			app.RegisterConfiguredRoutes(router, cfg.Realtime.Channels)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
			fmt.Fprintln(w, "PATTERN\tKIND\tGUARDS")
			for _, r := range router.Routes() {
				guards := strings.Join(r.Guards, ",")
				if guards == "" {
					guards = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", r.Pattern, r.Kind, guards)
			}
			return w.Flush()
		},
	}
}

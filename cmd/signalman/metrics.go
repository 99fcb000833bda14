package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/relaysignal/signalman/internal/settings"
	"github.com/relaysignal/signalman/pkg/logging"
)

const metricNamespace = "signalman_"

// newBrokerMetricsCmd implements spec.md §6's `broker:metrics`. The
// collector set (internal/observability.Metrics) only exposes a Prometheus
// HTTP handler, no in-process query API, so this scrapes the running
// process's own /metrics endpoint and decodes it with the already-wired
// prometheus/common/expfmt text parser rather than inventing a second
// export path alongside the one the server already serves.
func newBrokerMetricsCmd() *cobra.Command {
	var (
		format   string
		watch    bool
		interval int
	)

	cmd := &cobra.Command{
		Use:   "broker:metrics",
		Short: "Scrape and render signalman_* metrics from a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.NewLoggerWithService("signalman")
			cfg, err := settings.Load(logger)
			if err != nil {
				return fmt.Errorf("broker:metrics: loading configuration: %w", err)
			}
			url := scrapeURL(cfg.HTTPAddr)

			render := func() error {
				families, err := scrapeMetrics(url)
				if err != nil {
					return fmt.Errorf("broker:metrics: scraping %s: %w", url, err)
				}
				return renderMetrics(cmd, families, format)
			}

			if !watch {
				return render()
			}
			for {
				if err := render(); err != nil {
					return err
				}
				time.Sleep(time.Duration(interval) * time.Second)
			}
		},
	}

	cmd.Flags().StringVar(&format, "format", "table", "output format: table|json|prometheus")
	cmd.Flags().BoolVar(&watch, "watch", false, "repeat the scrape on an interval")
	cmd.Flags().IntVar(&interval, "interval", 5, "seconds between scrapes in --watch mode")

	return cmd
}

func scrapeURL(httpAddr string) string {
	host := httpAddr
	if strings.HasPrefix(host, ":") {
		host = "127.0.0.1" + host
	}
	return "http://" + host + "/metrics"
}

func scrapeMetrics(url string) (map[string]*dto.MetricFamily, error) {
	resp, err := http.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	var parser expfmt.TextParser
	all, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return nil, err
	}

	filtered := make(map[string]*dto.MetricFamily, len(all))
	for name, fam := range all {
		if strings.HasPrefix(name, metricNamespace) {
			filtered[name] = fam
		}
	}
	return filtered, nil
}

func renderMetrics(cmd *cobra.Command, families map[string]*dto.MetricFamily, format string) error {
	names := make([]string, 0, len(families))
	for name := range families {
		names = append(names, name)
	}
	sort.Strings(names)

	switch format {
	case "json":
		out := make(map[string]string, len(names))
		for _, name := range names {
			out[name] = families[name].GetType().String()
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	case "prometheus":
		encoder := expfmt.NewEncoder(cmd.OutOrStdout(), expfmt.FmtText)
		for _, name := range names {
			if err := encoder.Encode(families[name]); err != nil {
				return err
			}
		}
		return nil
	default:
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
		fmt.Fprintln(w, "METRIC\tTYPE\tSAMPLES")
		for _, name := range names {
			fam := families[name]
			fmt.Fprintf(w, "%s\t%s\t%d\n", name, fam.GetType(), len(fam.GetMetric()))
		}
		return w.Flush()
	}
}

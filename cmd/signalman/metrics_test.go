package main

import (
	"bytes"
	"encoding/json"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/spf13/cobra"
)

func TestScrapeURL(t *testing.T) {
	cases := []struct {
		name string
		addr string
		want string
	}{
		{name: "bare port", addr: ":8080", want: "http://127.0.0.1:8080/metrics"},
		{name: "host and port", addr: "0.0.0.0:9090", want: "http://0.0.0.0:9090/metrics"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := scrapeURL(tc.addr); got != tc.want {
				t.Fatalf("scrapeURL(%q) = %q, want %q", tc.addr, got, tc.want)
			}
		})
	}
}

func TestRenderMetricsTable(t *testing.T) {
	counter := dto.MetricType_COUNTER
	families := map[string]*dto.MetricFamily{
		"signalman_messages_total": {
			Type:   &counter,
			Metric: []*dto.Metric{{}, {}},
		},
	}

	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)

	if err := renderMetrics(cmd, families, "table"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Contains(buf.Bytes(), []byte("signalman_messages_total")) {
		t.Fatalf("expected metric name in table output, got %q", buf.String())
	}
}

func TestRenderMetricsJSON(t *testing.T) {
	gauge := dto.MetricType_GAUGE
	families := map[string]*dto.MetricFamily{
		"signalman_active_connections": {Type: &gauge},
	}

	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)

	if err := renderMetrics(cmd, families, "json"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var out map[string]string
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal rendered json: %v", err)
	}
	if out["signalman_active_connections"] != "GAUGE" {
		t.Fatalf("unexpected json output: %+v", out)
	}
}

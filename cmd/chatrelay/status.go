package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// EndpointStatus holds the probe result for one relay endpoint.
type EndpointStatus struct {
	Endpoint string `json:"endpoint"`
	URL      string `json:"url"`
	Healthy  bool   `json:"healthy"`
	Error    string `json:"error,omitempty"`
}

// statusConfig holds configuration for the status command.
type statusConfig struct {
	httpAddr    string
	metricsAddr string
	jsonOutput  bool
}

// newStatusCmd creates the status subcommand.
func newStatusCmd() *cobra.Command {
	cfg := &statusConfig{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show health of a running relay process",
		Long:  `Probe the health endpoints of a running relay process and report the results.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd, cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.httpAddr, "http-addr", defaultHTTPAddr, "history API address to probe")
	cmd.Flags().StringVar(&cfg.metricsAddr, "metrics-addr", defaultMetricsAddr, "metrics/health address to probe")
	cmd.Flags().BoolVar(&cfg.jsonOutput, "json", false, "output status as JSON")

	return cmd
}

// runStatus executes the status command.
func runStatus(cmd *cobra.Command, cfg *statusConfig) error {
	client := &http.Client{Timeout: 2 * time.Second}

	statuses := []EndpointStatus{
		probeEndpoint(client, "history", "http://"+cfg.httpAddr+"/healthz"),
		probeEndpoint(client, "readiness", "http://"+cfg.metricsAddr+"/healthz/readiness"),
	}

	var output string
	var err error

	if cfg.jsonOutput {
		output, err = formatStatusJSON(statuses)
		if err != nil {
			return fmt.Errorf("failed to format JSON: %w", err)
		}
	} else {
		output = formatStatusTable(statuses)
	}

	cmd.Println(output)
	return nil
}

// probeEndpoint issues a GET against a health URL and records the result.
func probeEndpoint(client *http.Client, name, url string) EndpointStatus {
	status := EndpointStatus{
		Endpoint: name,
		URL:      url,
	}

	resp, err := client.Get(url)
	if err != nil {
		status.Error = fmt.Sprintf("failed to connect: %v", err)
		return status
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		status.Error = fmt.Sprintf("unexpected status: %s", resp.Status)
		return status
	}

	status.Healthy = true
	return status
}

// formatStatusTable formats the statuses as a human-readable table.
func formatStatusTable(statuses []EndpointStatus) string {
	var buf []byte
	w := tabwriter.NewWriter((*byteWriter)(&buf), 0, 0, 2, ' ', 0)

	_, _ = fmt.Fprintln(w, "ENDPOINT\tSTATUS\tDETAIL")
	_, _ = fmt.Fprintln(w, "--------\t------\t------")

	for _, status := range statuses {
		if status.Healthy {
			_, _ = fmt.Fprintf(w, "%s\thealthy\t%s\n", status.Endpoint, status.URL)
		} else {
			_, _ = fmt.Fprintf(w, "%s\tunhealthy\t%s\n", status.Endpoint, status.Error)
		}
	}

	_ = w.Flush()
	return string(buf)
}

// formatStatusJSON formats the statuses as JSON.
func formatStatusJSON(statuses []EndpointStatus) (string, error) {
	data, err := json.MarshalIndent(statuses, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal status: %w", err)
	}
	return string(data), nil
}

// byteWriter is a simple writer that appends to a byte slice.
type byteWriter []byte

func (w *byteWriter) Write(p []byte) (int, error) {
	*w = append(*w, p...)
	return len(p), nil
}

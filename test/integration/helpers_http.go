package integration

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/common/expfmt"

	"Keyhold/internal/api"
)

func init() {
	// Reuse connections across polling loops so ephemeral ports are not
	// exhausted by sockets sitting in TIME_WAIT.
	http.DefaultTransport = &http.Transport{
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     120 * time.Second,
	}

	http.DefaultClient.Timeout = 30 * time.Second
}

// httpClient is a shared HTTP client with timeout.
var httpClient = &http.Client{Timeout: 5 * time.Second}

// drainClose fully reads and closes a response body so the connection
// can be reused.
func drainClose(body io.ReadCloser) {
	io.Copy(io.Discard, body)
	body.Close()
}

// QueryStatus queries GET /status and fails on error.
func QueryStatus(t *testing.T, addr string) *api.Status {
	t.Helper()

	status := QueryStatusSafe(addr)
	if status == nil {
		t.Fatalf("query status %s: failed", addr)
	}

	return status
}

// QueryStatusSafe queries GET /status and returns nil on any error.
func QueryStatusSafe(addr string) *api.Status {
	resp, err := httpClient.Get("http://" + addr + "/status")
	if err != nil {
		return nil
	}
	defer drainClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil
	}

	var status api.Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil
	}

	return &status
}

// QueryHealthSafe reports whether GET /health answers 200.
func QueryHealthSafe(addr string) bool {
	resp, err := httpClient.Get("http://" + addr + "/health")
	if err != nil {
		return false
	}
	defer drainClose(resp.Body)

	return resp.StatusCode == http.StatusOK
}

// QueryCounter scrapes /metrics and sums every series of a counter family.
func QueryCounter(t *testing.T, addr, name string) float64 {
	t.Helper()

	resp, err := httpClient.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatalf("scrape %s: %v", addr, err)
	}
	defer drainClose(resp.Body)

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		t.Fatalf("parse metrics from %s: %v", addr, err)
	}

	family, ok := families[name]
	if !ok {
		return 0
	}

	var total float64
	for _, m := range family.GetMetric() {
		total += m.GetCounter().GetValue()
	}

	return total
}

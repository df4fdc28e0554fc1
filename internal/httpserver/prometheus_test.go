package httpserver

import (
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestDeviceMetricsCollector(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{name: "fake", count: 1}
	backend.util.Store(42)
	manager := newTestManager(t, 5*time.Millisecond, backend)
	runManager(t, manager)
	waitFor(t, 2*time.Second, manager.Ready)

	registry := prometheus.NewRegistry()
	registry.MustRegister(newDeviceMetricsCollector(manager))

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, family := range families {
		byName[family.GetName()] = family
	}

	util, ok := byName["acceltop_device_utilization_percent"]
	if !ok {
		t.Fatalf("utilization metric missing; got %d families", len(families))
	}
	metric := util.GetMetric()[0]
	if metric.GetGauge().GetValue() != 42 {
		t.Fatalf("unexpected utilization %v", metric.GetGauge().GetValue())
	}
	labels := map[string]string{}
	for _, pair := range metric.GetLabel() {
		labels[pair.GetName()] = pair.GetValue()
	}
	if labels["device_id"] != "fake0" || labels["vendor"] != "fake" {
		t.Fatalf("unexpected labels %v", labels)
	}

	if power := byName["acceltop_device_power_watts"]; power == nil || power.GetMetric()[0].GetGauge().GetValue() != 75 {
		t.Fatalf("unexpected power metric %v", power)
	}
	if _, ok := byName["acceltop_device_temperature_celsius"]; ok {
		t.Fatalf("unreported temperature must not be exported")
	}
}

func TestBackendMetricsCollector(t *testing.T) {
	t.Parallel()

	healthy := &fakeBackend{name: "fake", count: 1}
	broken := &fakeBackend{name: "broken", initErr: io.EOF}
	manager := newTestManager(t, 5*time.Millisecond, healthy, broken)
	runManager(t, manager)
	waitFor(t, 2*time.Second, manager.Discovered)

	expected := `
# HELP acceltop_backend_up Whether the vendor backend initialised successfully.
# TYPE acceltop_backend_up gauge
acceltop_backend_up{vendor="broken"} 0
acceltop_backend_up{vendor="fake"} 1
`
	if err := testutil.CollectAndCompare(newBackendMetricsCollector(manager), strings.NewReader(expected), "acceltop_backend_up"); err != nil {
		t.Fatalf("unexpected backend metrics: %v", err)
	}
	if got := testutil.CollectAndCount(newBackendMetricsCollector(manager)); got != 4 {
		t.Fatalf("expected 4 backend samples, got %d", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{name: "fake", count: 1}
	manager := newTestManager(t, 5*time.Millisecond, backend)
	runManager(t, manager)
	waitFor(t, 2*time.Second, manager.Ready)

	cfg := defaultTestConfig()
	cfg.EnablePrometheus = true
	_, ts := newTestHTTPServer(t, cfg, manager)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}

	for _, name := range []string{
		"acceltop_ws_active_connections",
		"acceltop_ws_messages_dropped_total",
		`acceltop_device_memory_total_bytes{device_id="fake0",vendor="fake"}`,
		`acceltop_backend_devices{vendor="fake"} 1`,
	} {
		if !strings.Contains(string(body), name) {
			t.Fatalf("expected %s in metrics output", name)
		}
	}
}

func TestMetricsDisabled(t *testing.T) {
	t.Parallel()

	_, ts := newTestHTTPServer(t, defaultTestConfig(), nil)
	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 when prometheus disabled, got %d", resp.StatusCode)
	}
}

package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/skobkin/acceltop-web/internal/accel"
	"github.com/skobkin/acceltop-web/internal/config"
	"github.com/skobkin/acceltop-web/internal/sampler"
	"github.com/skobkin/acceltop-web/internal/version"
)

type fakeBackend struct {
	name    string
	count   int
	initErr error
	util    atomic.Uint32
	devices []accel.Device
}

func (b *fakeBackend) Name() string      { return b.name }
func (b *fakeBackend) Init() error       { return b.initErr }
func (b *fakeBackend) Shutdown()         {}
func (b *fakeBackend) LastError() string { return "fake error" }

func (b *fakeBackend) DeviceHandles(list *accel.DeviceList, mask *accel.Mask) (int, error) {
	b.devices = make([]accel.Device, b.count)
	n := 0
	for i := 0; i < b.count; i++ {
		if !mask.Take() {
			continue
		}
		b.devices[n] = accel.Device{ID: b.name + "0", Index: i, Backend: b}
		list.Append(&b.devices[n])
		n++
	}
	return n, nil
}

func (b *fakeBackend) PopulateStaticInfo(dev *accel.Device) {
	dev.Static.Name = "Fake Accelerator"
	dev.Static.Valid.Set(accel.StaticName)
	dev.Static.PCIBusID = "0000:01:00.0"
	dev.Static.Valid.Set(accel.StaticPCIBusID)
}

func (b *fakeBackend) RefreshDynamicInfo(dev *accel.Device) {
	dev.Dynamic.Valid.Reset()
	dev.Dynamic.GPUUtilPct = b.util.Load()
	dev.Dynamic.Valid.Set(accel.DynGPUUtil)
	dev.Dynamic.TotalMemory = 16 << 30
	dev.Dynamic.Valid.Set(accel.DynTotalMemory)
	dev.Dynamic.PowerDrawMW = 75000
	dev.Dynamic.Valid.Set(accel.DynPowerDraw)
}

func (b *fakeBackend) RefreshRunningProcesses(dev *accel.Device) {
	dev.ResetProcesses()
	dev.Processes = append(dev.Processes, accel.Process{PID: 4242, Type: accel.ProcessCompute})
}

func TestHealthzOK(t *testing.T) {
	t.Parallel()

	_, ts := newTestHTTPServer(t, config.Config{}, nil)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}

	if strings.TrimSpace(string(body)) != `{"status":"ok"}` {
		t.Fatalf("unexpected body %q", string(body))
	}

	if _, err := uuid.Parse(resp.Header.Get(requestIDHeader)); err != nil {
		t.Fatalf("expected uuid request id, got %q", resp.Header.Get(requestIDHeader))
	}

	respAPI, err := http.Get(ts.URL + "/api/healthz")
	if err != nil {
		t.Fatalf("GET /api/healthz failed: %v", err)
	}
	respAPI.Body.Close()
	if respAPI.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200 for /api/healthz, got %d", respAPI.StatusCode)
	}
}

func TestRequestIDPropagated(t *testing.T) {
	t.Parallel()

	_, ts := newTestHTTPServer(t, defaultTestConfig(), nil)

	id := uuid.NewString()
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set(requestIDHeader, id)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	resp.Body.Close()

	if got := resp.Header.Get(requestIDHeader); got != id {
		t.Fatalf("expected request id %q, got %q", id, got)
	}
}

func TestReadyzStates(t *testing.T) {
	t.Parallel()

	cfg := defaultTestConfig()

	// Sampler not configured -> degraded.
	_, ts := newTestHTTPServer(t, cfg, nil)

	assertReadyz(t, ts.URL+"/readyz", http.StatusServiceUnavailable, "degraded", "sampler_not_configured")
	assertReadyz(t, ts.URL+"/api/readyz", http.StatusServiceUnavailable, "degraded", "sampler_not_configured")

	// Sampler configured but not run yet -> initializing.
	backend := &fakeBackend{name: "fake", count: 1}
	manager := newTestManager(t, 10*time.Millisecond, backend)

	_, tsInit := newTestHTTPServer(t, cfg, manager)
	assertReadyz(t, tsInit.URL+"/readyz", http.StatusServiceUnavailable, "initializing", "discovering_devices")

	runManager(t, manager)
	waitFor(t, 2*time.Second, manager.Ready)
	assertReadyz(t, tsInit.URL+"/readyz", http.StatusOK, "ok", "")

	// Every backend failing -> degraded.
	broken := &fakeBackend{name: "broken", initErr: context.Canceled}
	brokenManager := newTestManager(t, 10*time.Millisecond, broken)
	runManager(t, brokenManager)
	waitFor(t, 2*time.Second, brokenManager.Discovered)

	_, tsBroken := newTestHTTPServer(t, cfg, brokenManager)
	assertReadyz(t, tsBroken.URL+"/readyz", http.StatusServiceUnavailable, "degraded", "no_active_backends")
}

func TestVersionEndpoint(t *testing.T) {
	t.Parallel()

	version.Set(version.Info{Version: "v0.0.1", Commit: "abc123", BuildTime: "now"})

	_, ts := newTestHTTPServer(t, defaultTestConfig(), nil)

	resp, err := http.Get(ts.URL + "/api/version")
	if err != nil {
		t.Fatalf("GET /api/version failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	var info version.Info
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if info.Version != "v0.0.1" || info.Commit != "abc123" || info.BuildTime != "now" {
		t.Fatalf("unexpected version payload %+v", info)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()

	_, ts := newTestHTTPServer(t, defaultTestConfig(), nil)

	resp, err := http.Post(ts.URL+"/api/devices", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("POST /api/devices failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Allow") != http.MethodGet {
		t.Fatalf("expected Allow header, got %q", resp.Header.Get("Allow"))
	}
}

func TestAPIDevicesAndMetrics(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{name: "fake", count: 1}
	backend.util.Store(9)
	manager := newTestManager(t, 5*time.Millisecond, backend)
	runManager(t, manager)
	waitFor(t, 2*time.Second, manager.Ready)

	_, ts := newTestHTTPServer(t, defaultTestConfig(), manager)

	var devices []sampler.DeviceInfo
	getJSON(t, ts.URL+"/api/devices", &devices)
	if len(devices) != 1 || devices[0].ID != "fake0" || devices[0].Vendor != "fake" {
		t.Fatalf("unexpected device payload %+v", devices)
	}
	if devices[0].PCI == nil || *devices[0].PCI != "0000:01:00.0" {
		t.Fatalf("unexpected pci %v", devices[0].PCI)
	}
	if devices[0].MaxPCIeGen != nil {
		t.Fatalf("unreported field should be null")
	}

	var info sampler.DeviceInfo
	getJSON(t, ts.URL+"/api/devices/fake0", &info)
	if info.ID != "fake0" || info.Name == nil {
		t.Fatalf("unexpected device info %+v", info)
	}

	var sample sampler.Sample
	getJSON(t, ts.URL+"/api/devices/fake0/metrics", &sample)
	if sample.DeviceID != "fake0" {
		t.Fatalf("unexpected device id %q", sample.DeviceID)
	}
	if sample.Metrics.GPUUtilPct == nil || *sample.Metrics.GPUUtilPct != 9 {
		t.Fatalf("expected gpu_util_pct in metrics, got %v", sample.Metrics.GPUUtilPct)
	}

	var procs procsResponse
	getJSON(t, ts.URL+"/api/devices/fake0/procs", &procs)
	if len(procs.Processes) != 1 || procs.Processes[0].PID != 4242 {
		t.Fatalf("unexpected procs %+v", procs)
	}

	var backends []sampler.BackendStatus
	getJSON(t, ts.URL+"/api/backends", &backends)
	if len(backends) != 1 || !backends[0].Active || backends[0].Devices != 1 {
		t.Fatalf("unexpected backends %+v", backends)
	}

	for _, path := range []string{"/api/devices/unknown/metrics", "/api/devices/fake0/other", "/api/devices/fake0/metrics/extra"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s failed: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("expected 404 for %s, got %d", path, resp.StatusCode)
		}
	}
}

func TestWebSocketHelloAndStats(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{name: "fake", count: 1}
	backend.util.Store(5)
	manager := newTestManager(t, 5*time.Millisecond, backend)
	runManager(t, manager)
	waitFor(t, 2*time.Second, manager.Ready)

	cfg := defaultTestConfig()
	cfg.SampleInterval = 5 * time.Millisecond
	_, ts := newTestHTTPServer(t, cfg, manager)

	wsURL := toWebsocketURL(ts.URL + "/ws")
	cctx, ccancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer ccancel()

	conn, _, err := websocket.Dial(cctx, wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	helloMsg := readWSMessage(t, cctx, conn)
	if helloMsg["type"] != "hello" {
		t.Fatalf("expected hello message, got %q", helloMsg["type"])
	}
	devices, ok := helloMsg["devices"].([]any)
	if !ok || len(devices) != 1 {
		t.Fatalf("unexpected hello devices %v", helloMsg["devices"])
	}

	statsMsg := readWSMessage(t, cctx, conn)
	if statsMsg["type"] != "stats" {
		t.Fatalf("expected stats message, got %q", statsMsg["type"])
	}
	if statsMsg["device_id"] != "fake0" {
		t.Fatalf("unexpected device id %v", statsMsg["device_id"])
	}
	metrics, ok := statsMsg["metrics"].(map[string]any)
	if !ok {
		t.Fatalf("metrics payload missing or wrong type")
	}
	if _, ok := metrics["gpu_util_pct"]; !ok {
		t.Fatalf("expected gpu_util_pct value in stats")
	}

	if err := conn.Write(cctx, websocket.MessageText, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	for {
		msg := readWSMessage(t, cctx, conn)
		if msg["type"] == "pong" {
			break
		}
	}

	if err := conn.Write(cctx, websocket.MessageText, []byte(`{"type":"subscribe","device_id":"missing"}`)); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	for {
		msg := readWSMessage(t, cctx, conn)
		if msg["type"] == "error" {
			if !strings.Contains(msg["message"].(string), "unknown device") {
				t.Fatalf("unexpected error message %v", msg["message"])
			}
			break
		}
	}
}

func TestWebSocketCapacity(t *testing.T) {
	t.Parallel()

	cfg := defaultTestConfig()
	cfg.WS.MaxClients = 1
	srv, ts := newTestHTTPServer(t, cfg, nil)

	if !srv.reserveWS() {
		t.Fatalf("first reservation should succeed")
	}
	defer srv.releaseWS()

	resp, err := http.Get(ts.URL + "/ws")
	if err != nil {
		t.Fatalf("GET /ws failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 at capacity, got %d", resp.StatusCode)
	}
	if srv.wsRejected.Load() != 1 {
		t.Fatalf("expected one rejection, got %d", srv.wsRejected.Load())
	}
}

func TestOutboundDropsOldest(t *testing.T) {
	var drops atomic.Uint64
	out := newWSOutbound(2, &drops)

	for _, msg := range []string{"a", "b", "c"} {
		if !out.enqueue([]byte(msg)) {
			t.Fatalf("enqueue %q failed", msg)
		}
	}
	if drops.Load() != 1 {
		t.Fatalf("expected one drop, got %d", drops.Load())
	}
	if got := string(<-out.channel()); got != "b" {
		t.Fatalf("expected oldest message dropped, got %q first", got)
	}

	out.close()
	if out.enqueue([]byte("d")) {
		t.Fatalf("enqueue after close should fail")
	}
}

func newTestManager(t *testing.T, interval time.Duration, backends ...accel.Backend) *sampler.Manager {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	manager, err := sampler.NewManager(interval, accel.NewRegistry(backends...), accel.AllDevices, nil, logger)
	if err != nil {
		t.Fatalf("NewManager error: %v", err)
	}
	return manager
}

func runManager(t *testing.T, manager *sampler.Manager) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = manager.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func newTestHTTPServer(t *testing.T, cfg config.Config, samplerManager *sampler.Manager) (*Server, *httptest.Server) {
	t.Helper()

	if cfg.ListenAddr == "" {
		cfg = defaultTestConfig()
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(cfg, logger, samplerManager)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func getJSON(t *testing.T, url string, dst any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200 for %s, got %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
}

func readWSMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) map[string]any {
	t.Helper()
	msgType, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read websocket message: %v", err)
	}
	if msgType != websocket.MessageText {
		t.Fatalf("unexpected message type %v", msgType)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode websocket message: %v", err)
	}
	return msg
}

func assertReadyz(t *testing.T, url string, expectedStatus int, expected string, reason string) {
	t.Helper()

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != expectedStatus {
		t.Fatalf("expected status %d for %s, got %d", expectedStatus, url, resp.StatusCode)
	}

	var payload readyResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode readyz response: %v", err)
	}

	if payload.Status != expected {
		t.Fatalf("expected status %q, got %q", expected, payload.Status)
	}
	if reason == "" {
		if payload.Reason != "" {
			t.Fatalf("expected empty reason, got %q", payload.Reason)
		}
	} else if payload.Reason != reason {
		t.Fatalf("expected reason %q, got %q", reason, payload.Reason)
	}
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not satisfied within %s", timeout)
}

func defaultTestConfig() config.Config {
	return config.Config{
		ListenAddr:     ":0",
		SampleInterval: 250 * time.Millisecond,
		AllowedOrigins: []string{"*"},
		DefaultDevice:  "auto",
		WS: config.WebsocketConfig{
			MaxClients:   1024,
			WriteTimeout: 3 * time.Second,
			ReadTimeout:  30 * time.Second,
		},
		Proc: config.ProcConfig{
			Enable:       true,
			ScanInterval: 2 * time.Second,
			MaxPIDs:      5000,
			MaxFDsPerPID: 64,
		},
	}
}

func toWebsocketURL(httpURL string) string {
	u, err := url.Parse(httpURL)
	if err != nil {
		return httpURL
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String()
}

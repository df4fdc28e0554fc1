package sampler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skobkin/acceltop-web/internal/accel"
)

type fakeBackend struct {
	name    string
	count   int
	initErr error

	util      atomic.Uint32
	shutdowns atomic.Int32
	devices   []accel.Device
}

func (b *fakeBackend) Name() string { return b.name }

func (b *fakeBackend) Init() error { return b.initErr }

func (b *fakeBackend) Shutdown() { b.shutdowns.Add(1) }

func (b *fakeBackend) LastError() string {
	if b.initErr != nil {
		return b.initErr.Error()
	}
	return "no error"
}

func (b *fakeBackend) DeviceHandles(list *accel.DeviceList, mask *accel.Mask) (int, error) {
	b.devices = make([]accel.Device, b.count)
	n := 0
	for i := 0; i < b.count; i++ {
		if !mask.Take() {
			continue
		}
		b.devices[n] = accel.Device{ID: b.name + string(rune('0'+i)), Index: i, Backend: b}
		list.Append(&b.devices[n])
		n++
	}
	return n, nil
}

func (b *fakeBackend) PopulateStaticInfo(dev *accel.Device) {
	dev.Static.Name = "Fake " + dev.ID
	dev.Static.Valid.Set(accel.StaticName)
	dev.Static.DevicePath = "/dev/" + dev.ID
}

func (b *fakeBackend) RefreshDynamicInfo(dev *accel.Device) {
	dev.Dynamic.Valid.Reset()
	dev.Dynamic.GPUUtilPct = b.util.Load()
	dev.Dynamic.Valid.Set(accel.DynGPUUtil)
}

func (b *fakeBackend) RefreshRunningProcesses(dev *accel.Device) {
	dev.ResetProcesses()
	p := accel.Process{PID: 42, Type: accel.ProcessCompute, GPUMemoryBytes: 1 << 20}
	p.Valid.Set(accel.ProcGPUMemory)
	dev.Processes = append(dev.Processes, p)
}

type fakeResolver struct {
	mu      sync.Mutex
	holders map[string][]int
}

func (r *fakeResolver) Annotate(procs []accel.Process) {
	for i := range procs {
		procs[i].Name = "worker"
	}
}

func (r *fakeResolver) Holders(path string) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.holders[path]
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startManager(t *testing.T, interval time.Duration, mask accel.Mask, resolver ProcessResolver, backends ...accel.Backend) *Manager {
	t.Helper()

	manager, err := NewManager(interval, accel.NewRegistry(backends...), mask, resolver, discardLogger())
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}

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
	return manager
}

func TestManagerSubscribeAndReady(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{name: "fake", count: 1}
	backend.util.Store(10)
	resolver := &fakeResolver{holders: map[string][]int{"/dev/fake0": {7, 9}}}

	manager := startManager(t, 15*time.Millisecond, accel.AllDevices, resolver, backend)
	waitFor(t, 500*time.Millisecond, manager.Ready)

	ch, unsubscribe, err := manager.Subscribe("fake0")
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	defer unsubscribe()

	first := awaitSample(t, ch)
	assertUintEqual(t, first.Metrics.GPUUtilPct, 10)
	if first.Metrics.TempC != nil {
		t.Fatalf("invalid field should be nil, got %v", *first.Metrics.TempC)
	}
	if first.Vendor != "fake" {
		t.Fatalf("unexpected vendor %q", first.Vendor)
	}
	if len(first.Processes) != 1 || first.Processes[0].Name != "worker" || first.Processes[0].Type != "compute" {
		t.Fatalf("unexpected processes %+v", first.Processes)
	}
	if first.Processes[0].GPUUsagePct != nil {
		t.Fatalf("unreported process usage should be nil")
	}
	if len(first.Holders) != 2 {
		t.Fatalf("unexpected holders %v", first.Holders)
	}

	backend.util.Store(25)
	waitFor(t, 500*time.Millisecond, func() bool {
		sample := awaitSample(t, ch)
		return sample.Metrics.GPUUtilPct != nil && *sample.Metrics.GPUUtilPct == 25
	})

	if latest, ok := manager.Latest("fake0"); !ok || latest.Metrics.GPUUtilPct == nil || *latest.Metrics.GPUUtilPct != 25 {
		t.Fatalf("Latest did not return expected sample: %+v", latest)
	}

	ids := manager.DeviceIDs()
	if len(ids) != 1 || ids[0] != "fake0" {
		t.Fatalf("DeviceIDs returned %v", ids)
	}
	info, ok := manager.Device("fake0")
	if !ok || info.Name == nil || *info.Name != "Fake fake0" || info.PCI != nil {
		t.Fatalf("unexpected device info %+v", info)
	}

	if _, _, err := manager.Subscribe("unknown"); err == nil {
		t.Fatalf("Subscribe should fail for unknown device id")
	}
}

func TestManagerDropsOldestOnBackpressure(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{name: "fake", count: 1}
	backend.util.Store(5)

	manager := startManager(t, 10*time.Millisecond, accel.AllDevices, nil, backend)
	waitFor(t, 500*time.Millisecond, manager.Ready)

	ch, unsubscribe, err := manager.Subscribe("fake0")
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	defer unsubscribe()

	// Consume initial sample.
	_ = awaitSample(t, ch)

	backend.util.Store(15)
	time.Sleep(25 * time.Millisecond)
	backend.util.Store(35)
	time.Sleep(40 * time.Millisecond)

	latest := awaitSample(t, ch)
	assertUintEqual(t, latest.Metrics.GPUUtilPct, 35)
}

func TestManagerMaskSpansBackends(t *testing.T) {
	t.Parallel()

	first := &fakeBackend{name: "a", count: 2}
	second := &fakeBackend{name: "b", count: 2}

	manager := startManager(t, 10*time.Millisecond, accel.Mask(0b0110), nil, first, second)
	waitFor(t, 500*time.Millisecond, manager.Ready)

	ids := manager.DeviceIDs()
	if len(ids) != 2 || ids[0] != "a1" || ids[1] != "b0" {
		t.Fatalf("unexpected device ids %v", ids)
	}
}

func TestManagerSkipsFailedBackend(t *testing.T) {
	t.Parallel()

	broken := &fakeBackend{name: "broken", count: 1, initErr: errors.New("library not found")}
	healthy := &fakeBackend{name: "fake", count: 1}

	manager := startManager(t, 10*time.Millisecond, accel.AllDevices, nil, broken, healthy)
	waitFor(t, 500*time.Millisecond, manager.Ready)

	statuses := manager.Backends()
	if len(statuses) != 2 {
		t.Fatalf("unexpected statuses %+v", statuses)
	}
	if statuses[0].Active || statuses[0].Error != "library not found" {
		t.Fatalf("unexpected broken status %+v", statuses[0])
	}
	if !statuses[1].Active || statuses[1].Devices != 1 {
		t.Fatalf("unexpected healthy status %+v", statuses[1])
	}
	if ids := manager.DeviceIDs(); len(ids) != 1 || ids[0] != "fake0" {
		t.Fatalf("unexpected device ids %v", ids)
	}
}

func TestManagerCloseShutsDownBackends(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{name: "fake", count: 1}
	manager, err := NewManager(10*time.Millisecond, accel.NewRegistry(backend), accel.AllDevices, nil, discardLogger())
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- manager.Run(ctx) }()

	waitFor(t, 500*time.Millisecond, manager.Ready)
	ch, _, err := manager.Subscribe("fake0")
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if got := backend.shutdowns.Load(); got != 1 {
		t.Fatalf("expected one shutdown, got %d", got)
	}
	if err := manager.Close(); err != nil {
		t.Fatalf("second Close returned error: %v", err)
	}
	if got := backend.shutdowns.Load(); got != 1 {
		t.Fatalf("Close must be idempotent, got %d shutdowns", got)
	}

	for range ch {
	}
}

func TestNewManagerValidation(t *testing.T) {
	if _, err := NewManager(0, accel.NewRegistry(), accel.AllDevices, nil, nil); err == nil {
		t.Fatalf("expected error for zero interval")
	}
	if _, err := NewManager(time.Second, nil, accel.AllDevices, nil, nil); err == nil {
		t.Fatalf("expected error for nil registry")
	}
}

func assertUintEqual(t *testing.T, got *uint32, want uint32) {
	t.Helper()
	if got == nil {
		t.Fatalf("expected %d, got nil", want)
	}
	if *got != want {
		t.Fatalf("expected %d, got %d", want, *got)
	}
}

func awaitSample(t *testing.T, ch <-chan Sample) Sample {
	t.Helper()
	select {
	case sample, ok := <-ch:
		if !ok {
			t.Fatal("subscription channel closed unexpectedly")
		}
		return sample
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timed out waiting for sample")
		return Sample{}
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
	t.Fatalf("condition not met within %s", timeout)
}

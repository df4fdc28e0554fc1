package sampler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/skobkin/acceltop-web/internal/accel"
)

// ProcessResolver enriches vendor-reported processes with host details.
type ProcessResolver interface {
	Annotate(procs []accel.Process)
	Holders(devicePath string) []int
}

// BackendStatus summarises how a backend fared during discovery.
type BackendStatus struct {
	Name    string `json:"name"`
	Active  bool   `json:"active"`
	Devices int    `json:"devices"`
	Error   string `json:"error,omitempty"`
}

// Manager drives every registered backend on a fixed cadence, caches the
// latest snapshot per device, and fan-outs updates to subscribers.
type Manager struct {
	interval time.Duration
	registry *accel.Registry
	mask     accel.Mask
	resolver ProcessResolver
	logger   *slog.Logger
	now      func() time.Time

	// runMu serialises backend calls with Close.
	runMu   sync.Mutex
	devices []*accel.Device
	stopped bool

	mu          sync.RWMutex
	discovered  bool
	infos       []DeviceInfo
	statuses    []BackendStatus
	latest      map[string]Sample
	subscribers map[string]map[*subscriber]struct{}
	closeOnce   sync.Once
}

// NewManager builds a Manager over the backends of registry. mask selects
// devices across all backends in registry order; resolver may be nil.
func NewManager(interval time.Duration, registry *accel.Registry, mask accel.Mask, resolver ProcessResolver, logger *slog.Logger) (*Manager, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be > 0")
	}
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	manager := &Manager{
		interval:    interval,
		registry:    registry,
		mask:        mask,
		resolver:    resolver,
		logger:      logger.With("component", "sampler_manager"),
		now:         time.Now,
		latest:      make(map[string]Sample),
		subscribers: make(map[string]map[*subscriber]struct{}),
	}
	return manager, nil
}

// Run initialises the backends, enumerates their devices and refreshes them
// every interval until the context is canceled. Every backend is shut down
// before Run returns.
func (m *Manager) Run(ctx context.Context) error {
	m.discover()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.refresh()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("sampler stopping", "reason", ctx.Err())
			return m.Close()
		case <-ticker.C:
			m.refresh()
		}
	}
}

func (m *Manager) discover() {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.stopped {
		return
	}

	var (
		list     accel.DeviceList
		statuses []BackendStatus
	)
	mask := m.mask
	for _, backend := range m.registry.Backends() {
		status := BackendStatus{Name: backend.Name()}
		logger := m.logger.With("backend", backend.Name())

		if err := backend.Init(); err != nil {
			status.Error = backend.LastError()
			logger.Warn("backend init failed", "err", err, "detail", status.Error)
			statuses = append(statuses, status)
			continue
		}

		n, err := backend.DeviceHandles(&list, &mask)
		if err != nil {
			status.Error = backend.LastError()
			logger.Warn("device enumeration failed", "err", err, "detail", status.Error)
			statuses = append(statuses, status)
			continue
		}
		if n == 0 {
			logger.Info("backend reported no devices", "detail", backend.LastError())
		}
		status.Active = true
		status.Devices = n
		statuses = append(statuses, status)
	}

	m.devices = list.Devices()
	for _, dev := range m.devices {
		dev.Backend.PopulateStaticInfo(dev)
		m.logger.Info("device discovered", "device_id", dev.ID, "name", dev.Static.Name)
	}

	m.mu.Lock()
	m.statuses = statuses
	m.infos = deviceInfos(m.devices)
	m.discovered = true
	m.mu.Unlock()
}

func (m *Manager) refresh() {
	m.runMu.Lock()
	if m.stopped {
		m.runMu.Unlock()
		return
	}

	ts := m.now()
	samples := make([]Sample, 0, len(m.devices))
	for _, dev := range m.devices {
		dev.Backend.RefreshDynamicInfo(dev)
		dev.Backend.RefreshRunningProcesses(dev)
		if m.resolver != nil {
			m.resolver.Annotate(dev.Processes)
		}
		sample := NewSample(dev, ts)
		if m.resolver != nil && dev.Static.DevicePath != "" {
			sample.Holders = m.resolver.Holders(dev.Static.DevicePath)
		}
		samples = append(samples, sample)
	}
	// Backends may refine static details once data arrives.
	infos := deviceInfos(m.devices)
	m.runMu.Unlock()

	m.mu.Lock()
	m.infos = infos
	m.mu.Unlock()

	for _, sample := range samples {
		m.storeSample(sample)
	}
}

func deviceInfos(devices []*accel.Device) []DeviceInfo {
	infos := make([]DeviceInfo, 0, len(devices))
	for _, dev := range devices {
		infos = append(infos, NewDeviceInfo(dev))
	}
	return infos
}

// Latest returns the most recent sample for the given device.
func (m *Manager) Latest(deviceID string) (Sample, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sample, ok := m.latest[deviceID]
	return sample, ok
}

// Subscribe registers a listener for updates on the given device. The channel
// is closed when the listener unsubscribes or the manager closes.
func (m *Manager) Subscribe(deviceID string) (<-chan Sample, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.knownLocked(deviceID) {
		return nil, nil, fmt.Errorf("unknown device %q", deviceID)
	}

	sub := newSubscriber()
	if _, ok := m.subscribers[deviceID]; !ok {
		m.subscribers[deviceID] = make(map[*subscriber]struct{})
	}
	m.subscribers[deviceID][sub] = struct{}{}

	if sample, ok := m.latest[deviceID]; ok {
		sub.send(sample)
	}

	unsubscribe := func() {
		m.removeSubscriber(deviceID, sub)
	}

	return sub.channel(), unsubscribe, nil
}

func (m *Manager) knownLocked(deviceID string) bool {
	for _, info := range m.infos {
		if info.ID == deviceID {
			return true
		}
	}
	return false
}

// Devices returns the static description of every enumerated device.
func (m *Manager) Devices() []DeviceInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]DeviceInfo, len(m.infos))
	copy(out, m.infos)
	return out
}

// Device returns the static description of one device.
func (m *Manager) Device(deviceID string) (DeviceInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, info := range m.infos {
		if info.ID == deviceID {
			return info, true
		}
	}
	return DeviceInfo{}, false
}

// DeviceIDs returns the ids of the enumerated devices in discovery order.
func (m *Manager) DeviceIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.infos))
	for _, info := range m.infos {
		ids = append(ids, info.ID)
	}
	return ids
}

// Backends reports the discovery outcome of every backend.
func (m *Manager) Backends() []BackendStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]BackendStatus, len(m.statuses))
	copy(out, m.statuses)
	return out
}

// Discovered reports whether backend initialisation and device enumeration
// have completed.
func (m *Manager) Discovered() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.discovered
}

// Ready reports whether discovery finished and every device has published at
// least one sample.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.discovered {
		return false
	}
	for _, info := range m.infos {
		if _, ok := m.latest[info.ID]; !ok {
			return false
		}
	}
	return true
}

func (m *Manager) storeSample(sample Sample) {
	m.mu.Lock()
	m.latest[sample.DeviceID] = sample

	targetSubs := make([]*subscriber, 0, len(m.subscribers[sample.DeviceID]))
	for sub := range m.subscribers[sample.DeviceID] {
		targetSubs = append(targetSubs, sub)
	}
	m.mu.Unlock()

	for _, sub := range targetSubs {
		sub.send(sample)
	}
}

func (m *Manager) removeSubscriber(deviceID string, sub *subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if subs, ok := m.subscribers[deviceID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(m.subscribers, deviceID)
		}
	}
	sub.close()
}

// Close shuts down every backend and closes all subscriptions. Safe for
// repeated use.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.runMu.Lock()
		m.stopped = true
		m.devices = nil
		for _, backend := range m.registry.Backends() {
			backend.Shutdown()
		}
		m.runMu.Unlock()

		m.mu.Lock()
		for id, subs := range m.subscribers {
			for sub := range subs {
				sub.close()
			}
			delete(m.subscribers, id)
		}
		m.mu.Unlock()
	})
	return nil
}

type subscriber struct {
	ch     chan Sample
	mu     sync.Mutex
	closed bool
}

func newSubscriber() *subscriber {
	return &subscriber{
		ch: make(chan Sample, 1),
	}
}

func (s *subscriber) channel() <-chan Sample {
	return s.ch
}

func (s *subscriber) send(sample Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- sample:
		return
	default:
		// Drop oldest to make room for new sample.
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- sample:
		default:
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	close(s.ch)
	s.closed = true
}

package accel

import (
	"errors"
	"sync"
)

var (
	// ErrUnavailable reports that a backend's vendor library or tool could not be bound.
	ErrUnavailable = errors.New("backend unavailable")
	// ErrNotInitialized reports a call made before a successful Init.
	ErrNotInitialized = errors.New("backend not initialized")
	// ErrProtocol reports malformed or out-of-order output from an external tool.
	ErrProtocol = errors.New("protocol violation")
	// ErrToolMissing reports that an external vendor tool is not installed.
	ErrToolMissing = errors.New("vendor tool missing")
)

// Backend is the capability set every vendor implementation exposes to the host.
//
// Init must succeed before any other method is called; a failed Init leaves the
// backend unusable and LastError describes why. Shutdown is safe to call at any
// time, including repeatedly. DeviceHandles consumes one mask bit per device
// index it enumerates, so a single mask spans every backend in registry order.
// The per-device methods are best effort: a failing vendor query only clears
// the validity bit of the affected field.
type Backend interface {
	Name() string
	Init() error
	Shutdown()
	LastError() string
	DeviceHandles(list *DeviceList, mask *Mask) (int, error)
	PopulateStaticInfo(dev *Device)
	RefreshDynamicInfo(dev *Device)
	RefreshRunningProcesses(dev *Device)
}

// DeviceList is an append-only-at-tail device container that tolerates removal
// while iterating.
type DeviceList struct {
	mu      sync.RWMutex
	devices []*Device
}

// Append adds dev at the tail.
func (l *DeviceList) Append(dev *Device) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.devices = append(l.devices, dev)
}

// Len returns the number of devices.
func (l *DeviceList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.devices)
}

// Devices returns a snapshot copy of the list.
func (l *DeviceList) Devices() []*Device {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Device, len(l.devices))
	copy(out, l.devices)
	return out
}

// RemoveFunc drops every device for which remove returns true and reports how
// many were removed.
func (l *DeviceList) RemoveFunc(remove func(*Device) bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.devices[:0]
	removed := 0
	for _, dev := range l.devices {
		if remove(dev) {
			removed++
			continue
		}
		kept = append(kept, dev)
	}
	for i := len(kept); i < len(l.devices); i++ {
		l.devices[i] = nil
	}
	l.devices = kept
	return removed
}

// Registry is the fixed, append-only list of vendor backends built at startup.
type Registry struct {
	mu       sync.RWMutex
	backends []Backend
}

// NewRegistry returns a registry holding the given backends in order.
func NewRegistry(backends ...Backend) *Registry {
	r := &Registry{}
	for _, b := range backends {
		r.Register(b)
	}
	return r
}

// Register appends b. Nil backends are ignored.
func (r *Registry) Register(b Backend) {
	if b == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends = append(r.backends, b)
}

// Backends returns the registered backends in registration order.
func (r *Registry) Backends() []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Backend, len(r.backends))
	copy(out, r.backends)
	return out
}

// Lookup returns the backend registered under name.
func (r *Registry) Lookup(name string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.backends {
		if b.Name() == name {
			return b, true
		}
	}
	return nil, false
}

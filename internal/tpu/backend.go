package tpu

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"

	"github.com/skobkin/acceltop-web/internal/accel"
	"github.com/skobkin/acceltop-web/internal/devnode"
)

// Name identifies the backend in configuration and device IDs.
const Name = "tpu"

const (
	uninitialized = -1

	errNotInitialized = "TPU backend has not been initialized"
	errNoError        = "no TPU error recorded"
	errToolMissing    = "tpu_info python package is not installed"
)

// Config configures the TPU backend.
type Config struct {
	// DevicePattern globs the chip device nodes; "" uses devnode.DefaultPattern.
	DevicePattern string
	// SysfsRoot enables PCI enrichment of the discovered nodes.
	SysfsRoot string
	Poller    PollerConfig
}

// Backend exposes the chips polled by a Poller as accel devices.
type Backend struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	chipCount int
	nodes     []devnode.Node
	buf       *Buffer
	poller    *Poller
	devices   []accel.Device
	lastErr   string
	// missing outlives Shutdown: the tool is not probed again.
	missing bool
}

var _ accel.Backend = (*Backend)(nil)

// NewBackend returns an uninitialised backend.
func NewBackend(cfg Config, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Backend{
		cfg:       cfg,
		logger:    logger.With("component", "tpu"),
		chipCount: uninitialized,
		lastErr:   errNotInitialized,
	}
}

func (b *Backend) Name() string { return Name }

// Init counts the chip device nodes and allocates the snapshot buffer. The
// poller is started lazily by DeviceHandles.
func (b *Backend) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.chipCount != uninitialized {
		return nil
	}

	count := min(devnode.Count(b.cfg.DevicePattern), MaxChips)
	if count > 0 {
		nodes, err := devnode.Discover(b.cfg.DevicePattern, b.cfg.SysfsRoot, b.logger)
		if err != nil {
			b.logger.Debug("tpu node enrichment failed", "err", err)
		}
		b.nodes = nodes
	}

	b.chipCount = count
	b.buf = NewBuffer(count)
	b.poller = NewPoller(b.buf, b.cfg.Poller, b.logger)
	b.lastErr = ""
	b.logger.Info("tpu backend initialised", "chips", count)
	return nil
}

// Shutdown stops and joins the poller and releases the buffer. It is safe to
// call repeatedly.
func (b *Backend) Shutdown() {
	b.mu.Lock()
	poller, buf := b.poller, b.buf
	b.poller, b.buf = nil, nil
	b.chipCount = uninitialized
	b.devices = nil
	b.nodes = nil
	b.lastErr = errNotInitialized
	b.mu.Unlock()

	if poller != nil {
		poller.Stop()
		if poller.Missing() {
			b.mu.Lock()
			b.missing = true
			b.mu.Unlock()
		}
	}
	if buf != nil {
		buf.Release()
	}
}

// disabledLocked reports whether polling stopped for good, either because
// the tool is missing or because of a strict protocol failure.
func (b *Backend) disabledLocked() bool {
	if b.poller != nil && b.poller.Missing() {
		b.missing = true
	}
	if b.missing {
		return true
	}
	return b.poller != nil && b.poller.Err() != nil
}

// LastError describes the most recent failure. It never returns "".
func (b *Backend) LastError() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.disabledLocked() {
		if b.missing {
			return errToolMissing
		}
		return b.poller.Err().Error()
	}
	if b.lastErr != "" {
		return b.lastErr
	}
	if b.chipCount == 0 {
		return "no TPU device nodes found"
	}
	return errNoError
}

// Chips returns the discovered chip count, or -1 when uninitialised.
func (b *Backend) Chips() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.chipCount
}

// Poller exposes the background poller, nil when uninitialised.
func (b *Backend) Poller() *Poller {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.poller
}

// DeviceHandles starts the poller and appends one device per selected chip.
func (b *Backend) DeviceHandles(list *accel.DeviceList, mask *accel.Mask) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.chipCount == uninitialized {
		return 0, accel.ErrNotInitialized
	}
	if b.chipCount == 0 || b.disabledLocked() {
		return 0, nil
	}

	b.poller.Start()

	b.devices = make([]accel.Device, b.chipCount)
	n := 0
	for i := 0; i < b.chipCount; i++ {
		if !mask.Take() {
			continue
		}
		dev := &b.devices[n]
		*dev = accel.Device{
			ID:      fmt.Sprintf("%s%d", Name, i),
			Index:   i,
			Backend: b,
			Handle:  i,
		}
		list.Append(dev)
		n++
	}
	return n, nil
}

func (b *Backend) chip(dev *accel.Device) (int, bool) {
	idx, ok := dev.Handle.(int)
	return idx, ok && b.buf != nil && idx >= 0 && idx < b.chipCount
}

// PopulateStaticInfo names the chip "TPU<index>-<chip type>".
func (b *Backend) PopulateStaticInfo(dev *accel.Device) {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx, ok := b.chip(dev)
	if !ok {
		return
	}
	info := &dev.Static
	info.IntegratedGraphics = false
	info.EncodeDecodeShared = false
	info.Valid.Reset()
	if b.disabledLocked() {
		return
	}

	rec, _ := b.buf.Load(idx)
	info.Name = chipName(idx, rec.Name)
	info.Valid.Set(accel.StaticName)

	if idx < len(b.nodes) {
		info.DevicePath = b.nodes[idx].Path
		if b.nodes[idx].PCI != "" {
			info.PCIBusID = b.nodes[idx].PCI
			info.Valid.Set(accel.StaticPCIBusID)
		}
	}
}

func chipName(idx int, chipType string) string {
	if chipType == "" {
		return fmt.Sprintf("TPU%d", idx)
	}
	return fmt.Sprintf("TPU%d-%s", idx, chipType)
}

// RefreshDynamicInfo copies the latest record for the chip.
func (b *Backend) RefreshDynamicInfo(dev *accel.Device) {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx, ok := b.chip(dev)
	if !ok {
		return
	}
	if b.disabledLocked() {
		dev.Dynamic.Valid.Reset()
		return
	}
	rec, _ := b.buf.Load(idx)

	// The chip type is only known after the first poll.
	if rec.Name != "" && dev.Static.Name != chipName(idx, rec.Name) {
		dev.Static.Name = chipName(idx, rec.Name)
		dev.Static.Valid.Set(accel.StaticName)
	}

	info := &dev.Dynamic
	info.Valid.Reset()

	info.GPUUtilPct = roundPct(rec.DutyCyclePct)
	info.Valid.Set(accel.DynGPUUtil)

	info.MemUtilPct = roundPct(100 * float64(rec.MemoryUsage) / float64(max(rec.TotalMemory, 1)))
	info.Valid.Set(accel.DynMemUtil)

	info.TotalMemory = rec.TotalMemory
	info.Valid.Set(accel.DynTotalMemory)
	info.UsedMemory = rec.MemoryUsage
	info.Valid.Set(accel.DynUsedMemory)
	info.FreeMemory = rec.TotalMemory - min(rec.MemoryUsage, rec.TotalMemory)
	info.Valid.Set(accel.DynFreeMemory)
}

func roundPct(v float64) uint32 {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	return uint32(math.Round(v))
}

// RefreshRunningProcesses is a no-op: tpu_info does not report processes.
func (b *Backend) RefreshRunningProcesses(dev *accel.Device) {
	dev.ResetProcesses()
}

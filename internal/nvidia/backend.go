package nvidia

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/skobkin/acceltop-web/internal/accel"
)

const (
	// Name identifies the backend in configuration and device IDs.
	Name = "nvidia"

	processBufferIncrement = 64
	processBufferCeiling   = 64 * 1024

	errNotInitialized = "NVIDIA extraction has not been initialized"
	errUnanticipated  = "unanticipated error while accessing NVIDIA GPU information"
)

// Loader opens and binds the vendor library.
type Loader func() (Library, error)

// DefaultLoader loads NVML from the given sonames.
func DefaultLoader(sonames []string) Loader {
	return func() (Library, error) {
		return OpenLibrary(sonames)
	}
}

type deviceState struct {
	dev     accel.Device
	handle  DeviceHandle
	cursor  uint64
	samples []ProcessUtilizationSample
}

// Backend collects NVIDIA telemetry synchronously on the caller's goroutine.
type Backend struct {
	load   Loader
	logger *slog.Logger

	mu          sync.Mutex
	lib         Library
	lastStatus  Return
	localErr    string
	allocations [][]deviceState
	procBuf     []ProcessInfo
}

var _ accel.Backend = (*Backend)(nil)

// NewBackend returns an uninitialised backend that loads NVML through load.
func NewBackend(load Loader, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Backend{
		load:     load,
		logger:   logger.With("component", "nvidia"),
		localErr: errNotInitialized,
	}
}

func (b *Backend) Name() string { return Name }

// Init loads and initialises NVML. It is a no-op once it has succeeded.
func (b *Backend) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.lib != nil {
		return nil
	}

	lib, err := b.load()
	if err != nil {
		b.localErr = err.Error()
		b.logger.Warn("nvml unavailable", "err", err)
		return fmt.Errorf("%w: %v", accel.ErrUnavailable, err)
	}

	if ret := lib.Init(); ret != Success {
		b.lastStatus = ret
		b.localErr = describe(lib, ret)
		if cerr := lib.Close(); cerr != nil {
			b.logger.Debug("close nvml failed", "err", cerr)
		}
		b.logger.Warn("nvml init failed", "status", int(ret), "err", b.localErr)
		return fmt.Errorf("%w: nvmlInit: %s", accel.ErrUnavailable, b.localErr)
	}

	b.lib = lib
	b.localErr = ""
	b.lastStatus = Success
	b.logger.Info("nvml initialised", "process_utilization", lib.HasProcessUtilization())
	return nil
}

// Shutdown releases NVML and every device block handed out. It is safe to
// call repeatedly.
func (b *Backend) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.lib != nil {
		b.lib.Shutdown()
		if err := b.lib.Close(); err != nil {
			b.logger.Debug("close nvml failed", "err", err)
		}
		b.lib = nil
		b.localErr = errNotInitialized
	}
	b.allocations = nil
}

// LastError describes the most recent failure. It never returns "".
func (b *Backend) LastError() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.localErr != "" {
		return b.localErr
	}
	if b.lib != nil {
		return describe(b.lib, b.lastStatus)
	}
	return errUnanticipated
}

func describe(lib Library, ret Return) string {
	if s := lib.ErrorString(ret); s != "" {
		return s
	}
	return errUnanticipated
}

func (b *Backend) ok(ret Return) bool {
	b.lastStatus = ret
	return ret == Success
}

// DeviceHandles appends one device per NVML index selected by mask. All
// devices of one call share a single allocation.
func (b *Backend) DeviceHandles(list *accel.DeviceList, mask *accel.Mask) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.lib == nil {
		return 0, accel.ErrNotInitialized
	}

	count, ret := b.lib.DeviceGetCount()
	if !b.ok(ret) {
		return 0, fmt.Errorf("nvmlDeviceGetCount: %s", describe(b.lib, ret))
	}

	block := make([]deviceState, count)
	n := 0
	for i := 0; i < int(count); i++ {
		if !mask.Take() {
			continue
		}
		handle, ret := b.lib.DeviceGetHandleByIndex(uint32(i))
		if !b.ok(ret) {
			b.logger.Debug("device handle unavailable", "index", i, "status", int(ret))
			continue
		}
		st := &block[n]
		st.handle = handle
		st.dev = accel.Device{
			ID:      fmt.Sprintf("%s%d", Name, i),
			Index:   i,
			Backend: b,
			Handle:  st,
		}
		list.Append(&st.dev)
		n++
	}

	b.allocations = append(b.allocations, block[:n])
	return n, nil
}

func (b *Backend) state(dev *accel.Device) (*deviceState, bool) {
	st, ok := dev.Handle.(*deviceState)
	return st, ok && b.lib != nil
}

// PopulateStaticInfo queries the one-shot device properties.
func (b *Backend) PopulateStaticInfo(dev *accel.Device) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.state(dev)
	if !ok {
		return
	}
	info := &dev.Static
	info.IntegratedGraphics = false
	info.Valid.Reset()

	if name, ret := b.lib.DeviceGetName(st.handle); b.ok(ret) {
		info.Name = name
		info.Valid.Set(accel.StaticName)
	}
	if v, ret := b.lib.DeviceGetMaxPcieLinkGeneration(st.handle); b.ok(ret) {
		info.MaxPCIeGen = v
		info.Valid.Set(accel.StaticMaxPCIeGen)
	}
	if v, ret := b.lib.DeviceGetMaxPcieLinkWidth(st.handle); b.ok(ret) {
		info.MaxPCIeLinkWidth = v
		info.Valid.Set(accel.StaticMaxPCIeLinkWidth)
	}
	if v, ret := b.lib.DeviceGetTemperatureThreshold(st.handle, TemperatureThresholdShutdown); b.ok(ret) {
		info.TempShutdownC = v
		info.Valid.Set(accel.StaticTempShutdown)
	}
	if v, ret := b.lib.DeviceGetTemperatureThreshold(st.handle, TemperatureThresholdSlowdown); b.ok(ret) {
		info.TempSlowdownC = v
		info.Valid.Set(accel.StaticTempSlowdown)
	}
}

// RefreshDynamicInfo queries every per-tick metric. Each failing query only
// clears its own validity bit.
func (b *Backend) RefreshDynamicInfo(dev *accel.Device) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.state(dev)
	if !ok {
		return
	}
	h := st.handle
	info := &dev.Dynamic
	info.Valid.Reset()
	info.EncodeDecodeShared = false

	graphics, ret := b.lib.DeviceGetClockInfo(h, ClockGraphics)
	graphicsValid := b.ok(ret)
	sm, ret := b.lib.DeviceGetClockInfo(h, ClockSM)
	smValid := b.ok(ret)

	maxFrom := ClockGraphics
	if smValid && (!graphicsValid || graphics < sm) {
		maxFrom = ClockSM
	}
	switch {
	case maxFrom == ClockGraphics && graphicsValid:
		info.GPUClockMHz = graphics
		info.Valid.Set(accel.DynGPUClock)
	case maxFrom == ClockSM:
		info.GPUClockMHz = sm
		info.Valid.Set(accel.DynGPUClock)
	}

	if v, ret := b.lib.DeviceGetMaxClockInfo(h, maxFrom); b.ok(ret) {
		info.GPUClockMaxMHz = v
		info.Valid.Set(accel.DynGPUClockMax)
	}
	if v, ret := b.lib.DeviceGetClockInfo(h, ClockMem); b.ok(ret) {
		info.MemClockMHz = v
		info.Valid.Set(accel.DynMemClock)
	}
	if v, ret := b.lib.DeviceGetMaxClockInfo(h, ClockMem); b.ok(ret) {
		info.MemClockMaxMHz = v
		info.Valid.Set(accel.DynMemClockMax)
	}
	if u, ret := b.lib.DeviceGetUtilizationRates(h); b.ok(ret) {
		info.GPUUtilPct = u.GPU
		info.Valid.Set(accel.DynGPUUtil)
	}
	if v, ret := b.lib.DeviceGetEncoderUtilization(h); b.ok(ret) {
		info.EncoderPct = v
		info.Valid.Set(accel.DynEncoder)
	}
	if v, ret := b.lib.DeviceGetDecoderUtilization(h); b.ok(ret) {
		info.DecoderPct = v
		info.Valid.Set(accel.DynDecoder)
	}
	if m, ret := b.lib.DeviceGetMemoryInfo(h); b.ok(ret) {
		info.TotalMemory = m.Total
		info.UsedMemory = m.Used
		info.FreeMemory = m.Free
		info.MemUtilPct = accel.MemUtilPercent(m.Used, m.Total)
		info.Valid.Set(accel.DynTotalMemory)
		info.Valid.Set(accel.DynUsedMemory)
		info.Valid.Set(accel.DynFreeMemory)
		info.Valid.Set(accel.DynMemUtil)
	}
	if v, ret := b.lib.DeviceGetCurrPcieLinkGeneration(h); b.ok(ret) {
		info.PCIeLinkGen = v
		info.Valid.Set(accel.DynPCIeLinkGen)
	}
	if v, ret := b.lib.DeviceGetCurrPcieLinkWidth(h); b.ok(ret) {
		info.PCIeLinkWidth = v
		info.Valid.Set(accel.DynPCIeLinkWidth)
	}
	if v, ret := b.lib.DeviceGetPcieThroughput(h, PcieUtilRxBytes); b.ok(ret) {
		info.PCIeRxKBps = v
		info.Valid.Set(accel.DynPCIeRx)
	}
	if v, ret := b.lib.DeviceGetPcieThroughput(h, PcieUtilTxBytes); b.ok(ret) {
		info.PCIeTxKBps = v
		info.Valid.Set(accel.DynPCIeTx)
	}
	if v, ret := b.lib.DeviceGetFanSpeed(h); b.ok(ret) {
		info.FanSpeedPct = v
		info.Valid.Set(accel.DynFanSpeed)
	}
	if v, ret := b.lib.DeviceGetTemperature(h, TemperatureGPU); b.ok(ret) {
		info.TempC = v
		info.Valid.Set(accel.DynTemp)
	}
	if v, ret := b.lib.DeviceGetPowerUsage(h); b.ok(ret) {
		info.PowerDrawMW = v
		info.Valid.Set(accel.DynPowerDraw)
	}
	if v, ret := b.lib.DeviceGetEnforcedPowerLimit(h); b.ok(ret) {
		info.PowerDrawMaxMW = v
		info.Valid.Set(accel.DynPowerDrawMax)
	}
}

// RefreshRunningProcesses lists graphical then compute processes and merges
// the per-process utilization samples newer than the device cursor.
func (b *Backend) RefreshRunningProcesses(dev *accel.Device) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.state(dev)
	if !ok {
		return
	}
	dev.ResetProcesses()

	graphical := b.queryProcesses(b.lib.DeviceGetGraphicsRunningProcesses, st.handle, 0)
	compute := b.queryProcesses(b.lib.DeviceGetComputeRunningProcesses, st.handle, graphical)

	for i, info := range b.procBuf[:graphical+compute] {
		kind := accel.ProcessCompute
		if i < graphical {
			kind = accel.ProcessGraphical
		}
		p := accel.Process{
			PID:            int(info.PID),
			Type:           kind,
			GPUMemoryBytes: info.UsedGPUMemory,
		}
		p.Valid.Set(accel.ProcGPUMemory)
		dev.Processes = append(dev.Processes, p)
	}

	b.reconcile(st, dev.Processes)
}

type processQuery func(DeviceHandle, []ProcessInfo) (int, Return)

// queryProcesses fills procBuf from offset, growing it by a fixed increment
// while the driver reports it too small. It returns the number of entries
// written.
func (b *Backend) queryProcesses(query processQuery, h DeviceHandle, offset int) int {
	for {
		n, ret := query(h, b.procBuf[offset:])
		if ret == ErrorInsufficientSize {
			b.lastStatus = ret
			if len(b.procBuf)+processBufferIncrement > processBufferCeiling {
				b.logger.Warn("process buffer ceiling reached", "entries", len(b.procBuf))
				return 0
			}
			b.procBuf = append(b.procBuf, make([]ProcessInfo, processBufferIncrement)...)
			continue
		}
		if !b.ok(ret) {
			return 0
		}
		return min(n, len(b.procBuf)-offset)
	}
}

func (b *Backend) reconcile(st *deviceState, processes []accel.Process) {
	if len(processes) == 0 || !b.lib.HasProcessUtilization() {
		return
	}

	n, ret := b.lib.DeviceGetProcessUtilization(st.handle, nil, st.cursor)
	if ret != ErrorInsufficientSize || n == 0 {
		return
	}
	if cap(st.samples) < n {
		st.samples = make([]ProcessUtilizationSample, n)
	}
	samples := st.samples[:n]
	n, ret = b.lib.DeviceGetProcessUtilization(st.handle, samples, st.cursor)
	if ret != Success {
		return
	}
	st.cursor = Reconcile(samples[:min(n, len(samples))], processes, st.cursor)
}

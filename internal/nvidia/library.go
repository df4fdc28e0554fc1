// Package nvidia collects NVIDIA GPU telemetry through NVML, which is loaded
// at runtime so the binary runs on hosts without the driver installed.
package nvidia

// Return is an NVML status code.
type Return int32

const (
	Success               Return = 0
	ErrorUninitialized    Return = 1
	ErrorNotSupported     Return = 3
	ErrorInsufficientSize Return = 7
)

// DeviceHandle is an opaque NVML device reference.
type DeviceHandle uintptr

// ClockType selects a clock domain.
type ClockType uint32

const (
	ClockGraphics ClockType = 0
	ClockSM       ClockType = 1
	ClockMem      ClockType = 2
)

// TemperatureThreshold selects a thermal threshold.
type TemperatureThreshold uint32

const (
	TemperatureThresholdShutdown TemperatureThreshold = 0
	TemperatureThresholdSlowdown TemperatureThreshold = 1
)

// TemperatureSensor selects a thermal sensor.
type TemperatureSensor uint32

const TemperatureGPU TemperatureSensor = 0

// PcieUtilCounter selects a PCIe throughput direction.
type PcieUtilCounter uint32

const (
	PcieUtilTxBytes PcieUtilCounter = 0
	PcieUtilRxBytes PcieUtilCounter = 1
)

// Utilization mirrors nvmlUtilization_t.
type Utilization struct {
	GPU    uint32
	Memory uint32
}

// Memory mirrors nvmlMemory_t.
type Memory struct {
	Total uint64
	Free  uint64
	Used  uint64
}

// ProcessInfo mirrors the v1 nvmlProcessInfo_t layout.
type ProcessInfo struct {
	PID           uint32
	UsedGPUMemory uint64
}

// ProcessUtilizationSample mirrors nvmlProcessUtilizationSample_t.
type ProcessUtilizationSample struct {
	PID       uint32
	TimeStamp uint64
	SmUtil    uint32
	MemUtil   uint32
	EncUtil   uint32
	DecUtil   uint32
}

// Library is the set of NVML entry points the backend uses.
//
// The running-process and process-utilization queries follow the NVML buffer
// protocol: the slice length is the capacity offered, and the returned count
// is the number of entries written on Success or the number required on
// ErrorInsufficientSize. A nil sample slice probes for the required size.
type Library interface {
	Init() Return
	Shutdown() Return
	ErrorString(ret Return) string

	DeviceGetCount() (uint32, Return)
	DeviceGetHandleByIndex(index uint32) (DeviceHandle, Return)

	DeviceGetName(dev DeviceHandle) (string, Return)
	DeviceGetMaxPcieLinkGeneration(dev DeviceHandle) (uint32, Return)
	DeviceGetMaxPcieLinkWidth(dev DeviceHandle) (uint32, Return)
	DeviceGetTemperatureThreshold(dev DeviceHandle, kind TemperatureThreshold) (uint32, Return)

	DeviceGetClockInfo(dev DeviceHandle, clock ClockType) (uint32, Return)
	DeviceGetMaxClockInfo(dev DeviceHandle, clock ClockType) (uint32, Return)
	DeviceGetUtilizationRates(dev DeviceHandle) (Utilization, Return)
	DeviceGetMemoryInfo(dev DeviceHandle) (Memory, Return)
	DeviceGetCurrPcieLinkGeneration(dev DeviceHandle) (uint32, Return)
	DeviceGetCurrPcieLinkWidth(dev DeviceHandle) (uint32, Return)
	DeviceGetPcieThroughput(dev DeviceHandle, counter PcieUtilCounter) (uint32, Return)
	DeviceGetFanSpeed(dev DeviceHandle) (uint32, Return)
	DeviceGetTemperature(dev DeviceHandle, sensor TemperatureSensor) (uint32, Return)
	DeviceGetPowerUsage(dev DeviceHandle) (uint32, Return)
	DeviceGetEnforcedPowerLimit(dev DeviceHandle) (uint32, Return)
	DeviceGetEncoderUtilization(dev DeviceHandle) (uint32, Return)
	DeviceGetDecoderUtilization(dev DeviceHandle) (uint32, Return)

	DeviceGetGraphicsRunningProcesses(dev DeviceHandle, infos []ProcessInfo) (int, Return)
	DeviceGetComputeRunningProcesses(dev DeviceHandle, infos []ProcessInfo) (int, Return)

	// HasProcessUtilization reports whether the optional per-process
	// utilization entry point is present in the loaded driver.
	HasProcessUtilization() bool
	DeviceGetProcessUtilization(dev DeviceHandle, samples []ProcessUtilizationSample, lastSeen uint64) (int, Return)

	Close() error
}

// DefaultLibraries are the sonames tried when none are configured.
var DefaultLibraries = []string{"libnvidia-ml.so", "libnvidia-ml.so.1"}

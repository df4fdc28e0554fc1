//go:build linux || darwin

package nvidia

import (
	"bytes"

	"github.com/ebitengine/purego"

	"github.com/skobkin/acceltop-web/internal/accel/dlbind"
)

const maxDeviceName = 96

type dynamicLibrary struct {
	lib dlbind.Library

	init        func() Return
	shutdown    func() Return
	errorString func(Return) string

	deviceGetCount         func(*uint32) Return
	deviceGetHandleByIndex func(uint32, *DeviceHandle) Return

	deviceGetName                     func(DeviceHandle, *byte, uint32) Return
	deviceGetMaxPcieLinkGeneration    func(DeviceHandle, *uint32) Return
	deviceGetMaxPcieLinkWidth         func(DeviceHandle, *uint32) Return
	deviceGetTemperatureThreshold     func(DeviceHandle, TemperatureThreshold, *uint32) Return
	deviceGetClockInfo                func(DeviceHandle, ClockType, *uint32) Return
	deviceGetMaxClockInfo             func(DeviceHandle, ClockType, *uint32) Return
	deviceGetUtilizationRates         func(DeviceHandle, *Utilization) Return
	deviceGetMemoryInfo               func(DeviceHandle, *Memory) Return
	deviceGetCurrPcieLinkGeneration   func(DeviceHandle, *uint32) Return
	deviceGetCurrPcieLinkWidth        func(DeviceHandle, *uint32) Return
	deviceGetPcieThroughput           func(DeviceHandle, PcieUtilCounter, *uint32) Return
	deviceGetFanSpeed                 func(DeviceHandle, *uint32) Return
	deviceGetTemperature              func(DeviceHandle, TemperatureSensor, *uint32) Return
	deviceGetPowerUsage               func(DeviceHandle, *uint32) Return
	deviceGetEnforcedPowerLimit       func(DeviceHandle, *uint32) Return
	deviceGetEncoderUtilization       func(DeviceHandle, *uint32, *uint32) Return
	deviceGetDecoderUtilization       func(DeviceHandle, *uint32, *uint32) Return
	deviceGetGraphicsRunningProcesses func(DeviceHandle, *uint32, *ProcessInfo) Return
	deviceGetComputeRunningProcesses  func(DeviceHandle, *uint32, *ProcessInfo) Return
	deviceGetProcessUtilization       func(DeviceHandle, *ProcessUtilizationSample, *uint32, uint64) Return
	hasProcessUtilization             bool
}

type binding struct {
	name     string
	fallback string
	optional bool
	fn       any
}

func (l *dynamicLibrary) bindings() []binding {
	return []binding{
		{name: "nvmlInit_v2", fallback: "nvmlInit", fn: &l.init},
		{name: "nvmlShutdown", fn: &l.shutdown},
		{name: "nvmlDeviceGetCount_v2", fallback: "nvmlDeviceGetCount", fn: &l.deviceGetCount},
		{name: "nvmlDeviceGetHandleByIndex_v2", fallback: "nvmlDeviceGetHandleByIndex", fn: &l.deviceGetHandleByIndex},
		{name: "nvmlErrorString", fn: &l.errorString},
		{name: "nvmlDeviceGetName", fn: &l.deviceGetName},
		{name: "nvmlDeviceGetMaxPcieLinkGeneration", fn: &l.deviceGetMaxPcieLinkGeneration},
		{name: "nvmlDeviceGetMaxPcieLinkWidth", fn: &l.deviceGetMaxPcieLinkWidth},
		{name: "nvmlDeviceGetTemperatureThreshold", fn: &l.deviceGetTemperatureThreshold},
		{name: "nvmlDeviceGetClockInfo", fn: &l.deviceGetClockInfo},
		{name: "nvmlDeviceGetMaxClockInfo", fn: &l.deviceGetMaxClockInfo},
		{name: "nvmlDeviceGetUtilizationRates", fn: &l.deviceGetUtilizationRates},
		{name: "nvmlDeviceGetMemoryInfo", fn: &l.deviceGetMemoryInfo},
		{name: "nvmlDeviceGetCurrPcieLinkGeneration", fn: &l.deviceGetCurrPcieLinkGeneration},
		{name: "nvmlDeviceGetCurrPcieLinkWidth", fn: &l.deviceGetCurrPcieLinkWidth},
		{name: "nvmlDeviceGetPcieThroughput", fn: &l.deviceGetPcieThroughput},
		{name: "nvmlDeviceGetFanSpeed", fn: &l.deviceGetFanSpeed},
		{name: "nvmlDeviceGetTemperature", fn: &l.deviceGetTemperature},
		{name: "nvmlDeviceGetPowerUsage", fn: &l.deviceGetPowerUsage},
		{name: "nvmlDeviceGetEnforcedPowerLimit", fn: &l.deviceGetEnforcedPowerLimit},
		{name: "nvmlDeviceGetEncoderUtilization", fn: &l.deviceGetEncoderUtilization},
		{name: "nvmlDeviceGetDecoderUtilization", fn: &l.deviceGetDecoderUtilization},
		{name: "nvmlDeviceGetGraphicsRunningProcesses", fn: &l.deviceGetGraphicsRunningProcesses},
		{name: "nvmlDeviceGetComputeRunningProcesses", fn: &l.deviceGetComputeRunningProcesses},
		{name: "nvmlDeviceGetProcessUtilization", optional: true, fn: &l.deviceGetProcessUtilization},
	}
}

// OpenLibrary loads NVML from the first soname that opens and binds every
// entry point. A nil or empty list uses DefaultLibraries.
func OpenLibrary(sonames []string) (Library, error) {
	if len(sonames) == 0 {
		sonames = DefaultLibraries
	}

	l := &dynamicLibrary{}
	bindings := l.bindings()
	addrs := make([]uintptr, len(bindings))
	table := make([]dlbind.Symbol, len(bindings))
	for i, b := range bindings {
		table[i] = dlbind.Symbol{Name: b.name, Fallback: b.fallback, Optional: b.optional, Addr: &addrs[i]}
	}

	lib, err := dlbind.Load(dlbind.System, table, sonames...)
	if err != nil {
		return nil, err
	}
	for i, b := range bindings {
		if addrs[i] == 0 {
			continue
		}
		purego.RegisterFunc(b.fn, addrs[i])
	}
	l.lib = lib
	l.hasProcessUtilization = l.deviceGetProcessUtilization != nil
	return l, nil
}

func (l *dynamicLibrary) Init() Return     { return l.init() }
func (l *dynamicLibrary) Shutdown() Return { return l.shutdown() }

func (l *dynamicLibrary) ErrorString(ret Return) string { return l.errorString(ret) }

func (l *dynamicLibrary) DeviceGetCount() (uint32, Return) {
	var n uint32
	ret := l.deviceGetCount(&n)
	return n, ret
}

func (l *dynamicLibrary) DeviceGetHandleByIndex(index uint32) (DeviceHandle, Return) {
	var h DeviceHandle
	ret := l.deviceGetHandleByIndex(index, &h)
	return h, ret
}

func (l *dynamicLibrary) DeviceGetName(dev DeviceHandle) (string, Return) {
	buf := make([]byte, maxDeviceName)
	ret := l.deviceGetName(dev, &buf[0], uint32(len(buf)))
	if ret != Success {
		return "", ret
	}
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return string(buf), ret
}

func (l *dynamicLibrary) u32(fn func(DeviceHandle, *uint32) Return, dev DeviceHandle) (uint32, Return) {
	var v uint32
	ret := fn(dev, &v)
	return v, ret
}

func (l *dynamicLibrary) DeviceGetMaxPcieLinkGeneration(dev DeviceHandle) (uint32, Return) {
	return l.u32(l.deviceGetMaxPcieLinkGeneration, dev)
}

func (l *dynamicLibrary) DeviceGetMaxPcieLinkWidth(dev DeviceHandle) (uint32, Return) {
	return l.u32(l.deviceGetMaxPcieLinkWidth, dev)
}

func (l *dynamicLibrary) DeviceGetTemperatureThreshold(dev DeviceHandle, kind TemperatureThreshold) (uint32, Return) {
	var v uint32
	ret := l.deviceGetTemperatureThreshold(dev, kind, &v)
	return v, ret
}

func (l *dynamicLibrary) DeviceGetClockInfo(dev DeviceHandle, clock ClockType) (uint32, Return) {
	var v uint32
	ret := l.deviceGetClockInfo(dev, clock, &v)
	return v, ret
}

func (l *dynamicLibrary) DeviceGetMaxClockInfo(dev DeviceHandle, clock ClockType) (uint32, Return) {
	var v uint32
	ret := l.deviceGetMaxClockInfo(dev, clock, &v)
	return v, ret
}

func (l *dynamicLibrary) DeviceGetUtilizationRates(dev DeviceHandle) (Utilization, Return) {
	var u Utilization
	ret := l.deviceGetUtilizationRates(dev, &u)
	return u, ret
}

func (l *dynamicLibrary) DeviceGetMemoryInfo(dev DeviceHandle) (Memory, Return) {
	var m Memory
	ret := l.deviceGetMemoryInfo(dev, &m)
	return m, ret
}

func (l *dynamicLibrary) DeviceGetCurrPcieLinkGeneration(dev DeviceHandle) (uint32, Return) {
	return l.u32(l.deviceGetCurrPcieLinkGeneration, dev)
}

func (l *dynamicLibrary) DeviceGetCurrPcieLinkWidth(dev DeviceHandle) (uint32, Return) {
	return l.u32(l.deviceGetCurrPcieLinkWidth, dev)
}

func (l *dynamicLibrary) DeviceGetPcieThroughput(dev DeviceHandle, counter PcieUtilCounter) (uint32, Return) {
	var v uint32
	ret := l.deviceGetPcieThroughput(dev, counter, &v)
	return v, ret
}

func (l *dynamicLibrary) DeviceGetFanSpeed(dev DeviceHandle) (uint32, Return) {
	return l.u32(l.deviceGetFanSpeed, dev)
}

func (l *dynamicLibrary) DeviceGetTemperature(dev DeviceHandle, sensor TemperatureSensor) (uint32, Return) {
	var v uint32
	ret := l.deviceGetTemperature(dev, sensor, &v)
	return v, ret
}

func (l *dynamicLibrary) DeviceGetPowerUsage(dev DeviceHandle) (uint32, Return) {
	return l.u32(l.deviceGetPowerUsage, dev)
}

func (l *dynamicLibrary) DeviceGetEnforcedPowerLimit(dev DeviceHandle) (uint32, Return) {
	return l.u32(l.deviceGetEnforcedPowerLimit, dev)
}

func (l *dynamicLibrary) DeviceGetEncoderUtilization(dev DeviceHandle) (uint32, Return) {
	var v, period uint32
	ret := l.deviceGetEncoderUtilization(dev, &v, &period)
	return v, ret
}

func (l *dynamicLibrary) DeviceGetDecoderUtilization(dev DeviceHandle) (uint32, Return) {
	var v, period uint32
	ret := l.deviceGetDecoderUtilization(dev, &v, &period)
	return v, ret
}

func (l *dynamicLibrary) processes(fn func(DeviceHandle, *uint32, *ProcessInfo) Return, dev DeviceHandle, infos []ProcessInfo) (int, Return) {
	n := uint32(len(infos))
	var first *ProcessInfo
	if len(infos) > 0 {
		first = &infos[0]
	}
	ret := fn(dev, &n, first)
	return int(n), ret
}

func (l *dynamicLibrary) DeviceGetGraphicsRunningProcesses(dev DeviceHandle, infos []ProcessInfo) (int, Return) {
	return l.processes(l.deviceGetGraphicsRunningProcesses, dev, infos)
}

func (l *dynamicLibrary) DeviceGetComputeRunningProcesses(dev DeviceHandle, infos []ProcessInfo) (int, Return) {
	return l.processes(l.deviceGetComputeRunningProcesses, dev, infos)
}

func (l *dynamicLibrary) HasProcessUtilization() bool { return l.hasProcessUtilization }

func (l *dynamicLibrary) DeviceGetProcessUtilization(dev DeviceHandle, samples []ProcessUtilizationSample, lastSeen uint64) (int, Return) {
	if !l.hasProcessUtilization {
		return 0, ErrorNotSupported
	}
	n := uint32(len(samples))
	var first *ProcessUtilizationSample
	if len(samples) > 0 {
		first = &samples[0]
	}
	ret := l.deviceGetProcessUtilization(dev, first, &n, lastSeen)
	return int(n), ret
}

func (l *dynamicLibrary) Close() error {
	if l.lib == nil {
		return nil
	}
	err := l.lib.Close()
	l.lib = nil
	return err
}

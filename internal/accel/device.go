// Package accel defines the vendor-neutral accelerator model shared by every
// telemetry backend and the host refresh loop.
package accel

// StaticInfo holds properties queried once per device.
type StaticInfo struct {
	Name               string
	PCIBusID           string
	MaxPCIeGen         uint32
	MaxPCIeLinkWidth   uint32
	TempShutdownC      uint32
	TempSlowdownC      uint32
	IntegratedGraphics bool
	EncodeDecodeShared bool
	Valid              FieldMask[StaticField]

	// DevicePath is the character device node, when the backend knows it.
	DevicePath string
}

// DynamicInfo is the per-tick snapshot of a device.
type DynamicInfo struct {
	GPUClockMHz        uint32
	GPUClockMaxMHz     uint32
	MemClockMHz        uint32
	MemClockMaxMHz     uint32
	GPUUtilPct         uint32
	MemUtilPct         uint32
	EncoderPct         uint32
	DecoderPct         uint32
	TotalMemory        uint64
	UsedMemory         uint64
	FreeMemory         uint64
	PCIeLinkGen        uint32
	PCIeLinkWidth      uint32
	PCIeRxKBps         uint32
	PCIeTxKBps         uint32
	FanSpeedPct        uint32
	TempC              uint32
	PowerDrawMW        uint32
	PowerDrawMaxMW     uint32
	EncodeDecodeShared bool
	Valid              FieldMask[DynamicField]
}

// ProcessType tells which vendor category reported a process.
type ProcessType uint8

const (
	ProcessGraphical ProcessType = iota + 1
	ProcessCompute
)

func (t ProcessType) String() string {
	switch t {
	case ProcessGraphical:
		return "graphical"
	case ProcessCompute:
		return "compute"
	default:
		return "unknown"
	}
}

// Process is a process running on a device.
type Process struct {
	PID            int
	Type           ProcessType
	GPUMemoryBytes uint64
	GPUUsagePct    uint32
	EncodePct      uint32
	DecodePct      uint32
	Valid          FieldMask[ProcessField]

	// Filled by the host from /proc, not by backends.
	Name    string
	Command string
	User    string
}

// Device is one physical accelerator chip. It is created by a backend's
// DeviceHandles call and stays owned by that backend until Shutdown.
type Device struct {
	ID      string
	Index   int
	Backend Backend
	// Handle is the backend's opaque reference to the device.
	Handle any

	Static    StaticInfo
	Dynamic   DynamicInfo
	Processes []Process
}

// ResetProcesses truncates the process list while keeping its capacity, so
// the list only ever grows across refreshes.
func (d *Device) ResetProcesses() {
	d.Processes = d.Processes[:0]
}

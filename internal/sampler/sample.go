package sampler

import (
	"time"

	"github.com/skobkin/acceltop-web/internal/accel"
)

// DeviceInfo is the static description of a device. Pointer fields serialize
// as null when the backend could not obtain them.
type DeviceInfo struct {
	ID                 string  `json:"id"`
	Index              int     `json:"index"`
	Vendor             string  `json:"vendor"`
	Name               *string `json:"name"`
	PCI                *string `json:"pci"`
	DevicePath         string  `json:"device_path,omitempty"`
	MaxPCIeGen         *uint32 `json:"max_pcie_gen"`
	MaxPCIeLinkWidth   *uint32 `json:"max_pcie_link_width"`
	TempShutdownC      *uint32 `json:"temp_shutdown_c"`
	TempSlowdownC      *uint32 `json:"temp_slowdown_c"`
	IntegratedGraphics bool    `json:"integrated_graphics"`
}

// Sample represents a single telemetry snapshot for a device.
type Sample struct {
	DeviceID  string    `json:"device_id"`
	Vendor    string    `json:"vendor"`
	Timestamp time.Time `json:"ts"`
	Metrics   Metrics   `json:"metrics"`
	Processes []Process `json:"procs"`
	// Holders lists PIDs with the device node open.
	Holders []int `json:"holders,omitempty"`
}

// Metrics contains device telemetry values. Pointer fields serialize as null when unavailable.
type Metrics struct {
	GPUClockMHz        *uint32  `json:"gpu_clock_mhz"`
	GPUClockMaxMHz     *uint32  `json:"gpu_clock_max_mhz"`
	MemClockMHz        *uint32  `json:"mem_clock_mhz"`
	MemClockMaxMHz     *uint32  `json:"mem_clock_max_mhz"`
	GPUUtilPct         *uint32  `json:"gpu_util_pct"`
	MemUtilPct         *uint32  `json:"mem_util_pct"`
	EncoderPct         *uint32  `json:"encoder_pct"`
	DecoderPct         *uint32  `json:"decoder_pct"`
	EncodeDecodeShared bool     `json:"encode_decode_shared"`
	MemTotalBytes      *uint64  `json:"mem_total_bytes"`
	MemUsedBytes       *uint64  `json:"mem_used_bytes"`
	MemFreeBytes       *uint64  `json:"mem_free_bytes"`
	PCIeLinkGen        *uint32  `json:"pcie_link_gen"`
	PCIeLinkWidth      *uint32  `json:"pcie_link_width"`
	PCIeRxKBps         *uint32  `json:"pcie_rx_kbps"`
	PCIeTxKBps         *uint32  `json:"pcie_tx_kbps"`
	FanSpeedPct        *uint32  `json:"fan_speed_pct"`
	TempC              *uint32  `json:"temp_c"`
	PowerW             *float64 `json:"power_w"`
	PowerMaxW          *float64 `json:"power_max_w"`
}

// Process is a process running on a device.
type Process struct {
	PID            int     `json:"pid"`
	Type           string  `json:"type"`
	Name           string  `json:"name,omitempty"`
	Command        string  `json:"cmd,omitempty"`
	User           string  `json:"user,omitempty"`
	GPUMemoryBytes *uint64 `json:"gpu_mem_bytes"`
	GPUUsagePct    *uint32 `json:"gpu_usage_pct"`
	EncodePct      *uint32 `json:"encode_pct"`
	DecodePct      *uint32 `json:"decode_pct"`
}

func valid[F ~uint8, T any](mask accel.FieldMask[F], field F, value T) *T {
	if !mask.Has(field) {
		return nil
	}
	return &value
}

func milliwattsToWatts(mw uint32) float64 {
	return float64(mw) / 1000
}

// NewDeviceInfo converts the static part of dev.
func NewDeviceInfo(dev *accel.Device) DeviceInfo {
	s := dev.Static
	info := DeviceInfo{
		ID:                 dev.ID,
		Index:              dev.Index,
		Name:               valid(s.Valid, accel.StaticName, s.Name),
		PCI:                valid(s.Valid, accel.StaticPCIBusID, s.PCIBusID),
		DevicePath:         s.DevicePath,
		MaxPCIeGen:         valid(s.Valid, accel.StaticMaxPCIeGen, s.MaxPCIeGen),
		MaxPCIeLinkWidth:   valid(s.Valid, accel.StaticMaxPCIeLinkWidth, s.MaxPCIeLinkWidth),
		TempShutdownC:      valid(s.Valid, accel.StaticTempShutdown, s.TempShutdownC),
		TempSlowdownC:      valid(s.Valid, accel.StaticTempSlowdown, s.TempSlowdownC),
		IntegratedGraphics: s.IntegratedGraphics,
	}
	if dev.Backend != nil {
		info.Vendor = dev.Backend.Name()
	}
	return info
}

// NewSample converts the dynamic part and the process list of dev.
func NewSample(dev *accel.Device, ts time.Time) Sample {
	d := dev.Dynamic
	sample := Sample{
		DeviceID:  dev.ID,
		Timestamp: ts,
		Metrics: Metrics{
			GPUClockMHz:        valid(d.Valid, accel.DynGPUClock, d.GPUClockMHz),
			GPUClockMaxMHz:     valid(d.Valid, accel.DynGPUClockMax, d.GPUClockMaxMHz),
			MemClockMHz:        valid(d.Valid, accel.DynMemClock, d.MemClockMHz),
			MemClockMaxMHz:     valid(d.Valid, accel.DynMemClockMax, d.MemClockMaxMHz),
			GPUUtilPct:         valid(d.Valid, accel.DynGPUUtil, d.GPUUtilPct),
			MemUtilPct:         valid(d.Valid, accel.DynMemUtil, d.MemUtilPct),
			EncoderPct:         valid(d.Valid, accel.DynEncoder, d.EncoderPct),
			DecoderPct:         valid(d.Valid, accel.DynDecoder, d.DecoderPct),
			EncodeDecodeShared: d.EncodeDecodeShared,
			MemTotalBytes:      valid(d.Valid, accel.DynTotalMemory, d.TotalMemory),
			MemUsedBytes:       valid(d.Valid, accel.DynUsedMemory, d.UsedMemory),
			MemFreeBytes:       valid(d.Valid, accel.DynFreeMemory, d.FreeMemory),
			PCIeLinkGen:        valid(d.Valid, accel.DynPCIeLinkGen, d.PCIeLinkGen),
			PCIeLinkWidth:      valid(d.Valid, accel.DynPCIeLinkWidth, d.PCIeLinkWidth),
			PCIeRxKBps:         valid(d.Valid, accel.DynPCIeRx, d.PCIeRxKBps),
			PCIeTxKBps:         valid(d.Valid, accel.DynPCIeTx, d.PCIeTxKBps),
			FanSpeedPct:        valid(d.Valid, accel.DynFanSpeed, d.FanSpeedPct),
			TempC:              valid(d.Valid, accel.DynTemp, d.TempC),
			PowerW:             valid(d.Valid, accel.DynPowerDraw, milliwattsToWatts(d.PowerDrawMW)),
			PowerMaxW:          valid(d.Valid, accel.DynPowerDrawMax, milliwattsToWatts(d.PowerDrawMaxMW)),
		},
		Processes: make([]Process, 0, len(dev.Processes)),
	}
	if dev.Backend != nil {
		sample.Vendor = dev.Backend.Name()
	}
	for _, p := range dev.Processes {
		sample.Processes = append(sample.Processes, Process{
			PID:            p.PID,
			Type:           p.Type.String(),
			Name:           p.Name,
			Command:        p.Command,
			User:           p.User,
			GPUMemoryBytes: valid(p.Valid, accel.ProcGPUMemory, p.GPUMemoryBytes),
			GPUUsagePct:    valid(p.Valid, accel.ProcGPUUsage, p.GPUUsagePct),
			EncodePct:      valid(p.Valid, accel.ProcEncode, p.EncodePct),
			DecodePct:      valid(p.Valid, accel.ProcDecode, p.DecodePct),
		})
	}
	return sample
}

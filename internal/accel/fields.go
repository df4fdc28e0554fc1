package accel

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

// FieldMask records which fields of an info struct hold a value obtained
// during the latest query. Each field is tracked independently.
type FieldMask[F ~uint8] uint64

// Set marks f as valid.
func (m *FieldMask[F]) Set(f F) { *m |= 1 << f }

// Clear marks f as invalid.
func (m *FieldMask[F]) Clear(f F) { *m &^= 1 << f }

// Has reports whether f is valid.
func (m FieldMask[F]) Has(f F) bool { return m&(1<<f) != 0 }

// Reset marks every field invalid.
func (m *FieldMask[F]) Reset() { *m = 0 }

// StaticField enumerates StaticInfo fields.
type StaticField uint8

const (
	StaticName StaticField = iota
	StaticMaxPCIeGen
	StaticMaxPCIeLinkWidth
	StaticTempShutdown
	StaticTempSlowdown
	StaticPCIBusID
)

// DynamicField enumerates DynamicInfo fields.
type DynamicField uint8

const (
	DynGPUClock DynamicField = iota
	DynGPUClockMax
	DynMemClock
	DynMemClockMax
	DynGPUUtil
	DynMemUtil
	DynEncoder
	DynDecoder
	DynTotalMemory
	DynUsedMemory
	DynFreeMemory
	DynPCIeLinkGen
	DynPCIeLinkWidth
	DynPCIeRx
	DynPCIeTx
	DynFanSpeed
	DynTemp
	DynPowerDraw
	DynPowerDrawMax
)

// ProcessField enumerates Process fields.
type ProcessField uint8

const (
	ProcGPUMemory ProcessField = iota
	ProcGPUUsage
	ProcEncode
	ProcDecode
)

// Mask selects devices by index: bit i set includes device i.
type Mask uint64

// AllDevices includes every device a backend reports.
const AllDevices Mask = ^Mask(0)

// Includes reports whether device index i is selected.
func (m Mask) Includes(i int) bool {
	if i < 0 || i >= 64 {
		return m == AllDevices
	}
	return m&(1<<uint(i)) != 0
}

// Take consumes the lowest bit and reports whether it was set. The shift is
// arithmetic, so AllDevices keeps selecting every device across backends.
func (m *Mask) Take() bool {
	include := *m&1 != 0
	*m = Mask(int64(*m) >> 1)
	return include
}

// Count returns the number of selected indices.
func (m Mask) Count() int { return bits.OnesCount64(uint64(m)) }

// ParseMask parses a decimal or 0x-prefixed hexadecimal device mask.
// An empty value or "all" selects every device.
func ParseMask(value string) (Mask, error) {
	value = strings.TrimSpace(value)
	if value == "" || strings.EqualFold(value, "all") {
		return AllDevices, nil
	}
	parsed, err := strconv.ParseUint(value, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("parse device mask %q: %w", value, err)
	}
	return Mask(parsed), nil
}

// MemUtilPercent returns used*100/total with the denominator clamped to 1.
func MemUtilPercent(used, total uint64) uint32 {
	if total == 0 {
		total = 1
	}
	return uint32(used * 100 / total)
}

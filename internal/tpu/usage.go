// Package tpu collects Cloud TPU telemetry by polling the tpu_info Python
// package in a background subprocess.
package tpu

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/skobkin/acceltop-web/internal/accel"
)

const (
	// MaxChips bounds the chips tracked per host.
	MaxChips = 64
	// MaxNameLen is the longest chip type name kept from the tool output.
	MaxNameLen = 7

	missingSentinel = "tpu_info missing"
)

// ChipUsage is the latest reading for one chip.
type ChipUsage struct {
	Name         string
	DeviceID     int64
	MemoryUsage  uint64
	TotalMemory  uint64
	DutyCyclePct float64
}

// ParseLine parses "<id> <memory_usage> <total_memory> <duty_cycle_pct> <name>".
// The name is the remainder of the line truncated to MaxNameLen characters.
func ParseLine(line string) (ChipUsage, error) {
	rest := strings.TrimRight(line, "\r\n")
	var fields [4]string
	for i := range fields {
		rest = strings.TrimLeft(rest, " \t")
		end := strings.IndexAny(rest, " \t")
		if end < 0 {
			return ChipUsage{}, fmt.Errorf("%w: short line %q", accel.ErrProtocol, line)
		}
		fields[i], rest = rest[:end], rest[end:]
	}
	name := strings.TrimSpace(rest)
	if name == "" {
		return ChipUsage{}, fmt.Errorf("%w: missing chip name in %q", accel.ErrProtocol, line)
	}

	var (
		usage ChipUsage
		err   error
	)
	if usage.DeviceID, err = strconv.ParseInt(fields[0], 10, 64); err != nil {
		return ChipUsage{}, fmt.Errorf("%w: device id: %v", accel.ErrProtocol, err)
	}
	if usage.MemoryUsage, err = strconv.ParseUint(fields[1], 10, 64); err != nil {
		return ChipUsage{}, fmt.Errorf("%w: memory usage: %v", accel.ErrProtocol, err)
	}
	if usage.TotalMemory, err = strconv.ParseUint(fields[2], 10, 64); err != nil {
		return ChipUsage{}, fmt.Errorf("%w: total memory: %v", accel.ErrProtocol, err)
	}
	if usage.DutyCyclePct, err = strconv.ParseFloat(fields[3], 64); err != nil {
		return ChipUsage{}, fmt.Errorf("%w: duty cycle: %v", accel.ErrProtocol, err)
	}
	usage.Name = truncateName(name)
	return usage, nil
}

// IsMissingSentinel reports whether line is the marker the query script
// prints when tpu_info cannot be imported.
func IsMissingSentinel(line string) bool {
	return strings.TrimSpace(line) == missingSentinel
}

func truncateName(name string) string {
	if utf8.RuneCountInString(name) <= MaxNameLen {
		return name
	}
	n := 0
	for i := range name {
		if n == MaxNameLen {
			return name[:i]
		}
		n++
	}
	return name
}

package tpu

import "sync"

// Buffer holds the latest ChipUsage per chip index. The poller writes one
// record at a time; readers copy one record at a time.
type Buffer struct {
	mu      sync.Mutex
	records []ChipUsage
}

// NewBuffer allocates a buffer for n chips, capped at MaxChips.
func NewBuffer(n int) *Buffer {
	n = max(0, min(n, MaxChips))
	return &Buffer{records: make([]ChipUsage, n)}
}

// Len returns the capacity fixed at allocation.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// Store replaces record i. It reports false when i is out of range.
func (b *Buffer) Store(i int, rec ChipUsage) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i < 0 || i >= len(b.records) {
		return false
	}
	b.records[i] = rec
	return true
}

// Load returns a copy of record i.
func (b *Buffer) Load(i int) (ChipUsage, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i < 0 || i >= len(b.records) {
		return ChipUsage{}, false
	}
	return b.records[i], true
}

// Reset zeroes the metrics of every record. Unless full is set the identity
// fields Name, DeviceID and TotalMemory are kept.
func (b *Buffer) Reset(full bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.records {
		if full {
			b.records[i] = ChipUsage{}
			continue
		}
		b.records[i].MemoryUsage = 0
		b.records[i].DutyCyclePct = 0
	}
}

// Release drops the records. Later calls see an empty buffer.
func (b *Buffer) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = nil
}

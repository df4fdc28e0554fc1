package tpu

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferBounds(t *testing.T) {
	b := NewBuffer(2)
	assert.Equal(t, 2, b.Len())
	assert.False(t, b.Store(2, ChipUsage{}))
	assert.False(t, b.Store(-1, ChipUsage{}))
	_, ok := b.Load(5)
	assert.False(t, ok)

	assert.Equal(t, MaxChips, NewBuffer(1000).Len())
	assert.Equal(t, 0, NewBuffer(-3).Len())
}

func TestBufferReset(t *testing.T) {
	rec := ChipUsage{Name: "v4", DeviceID: 1, MemoryUsage: 10, TotalMemory: 40, DutyCyclePct: 12.5}

	b := NewBuffer(2)
	b.Store(1, rec)
	b.Reset(false)
	got, _ := b.Load(1)
	assert.Equal(t, ChipUsage{Name: "v4", DeviceID: 1, TotalMemory: 40}, got)

	b.Store(1, rec)
	b.Reset(true)
	got, _ = b.Load(1)
	assert.Zero(t, got)
}

func TestBufferRelease(t *testing.T) {
	b := NewBuffer(4)
	b.Release()
	assert.Equal(t, 0, b.Len())
	assert.False(t, b.Store(0, ChipUsage{}))
}

func TestBufferReadersNeverSeeTornRecords(t *testing.T) {
	prior := ChipUsage{Name: "old", DeviceID: 3, MemoryUsage: 1, TotalMemory: 2, DutyCyclePct: 3}
	next := ChipUsage{Name: "tpu", DeviceID: 3, MemoryUsage: 100, TotalMemory: 400, DutyCyclePct: 57.2}

	b := NewBuffer(4)
	b.Store(3, prior)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 2000; i++ {
			if i%2 == 0 {
				b.Store(3, next)
			} else {
				b.Store(3, prior)
			}
		}
	}()

	for i := 0; i < 2000; i++ {
		got, ok := b.Load(3)
		require.True(t, ok)
		if got != prior && got != next {
			t.Fatalf("observed mixed record %+v", got)
		}
	}
	wg.Wait()
}

package helpers

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"
)

// NewTestAllocator creates a CheckedAllocator that tracks allocations.
// Call AssertNoLeaks at the end of the test to verify all memory was released.
func NewTestAllocator(t testing.TB) *memory.CheckedAllocator {
	return memory.NewCheckedAllocator(memory.DefaultAllocator)
}

// AssertNoLeaks verifies that all Arrow memory has been properly released.
func AssertNoLeaks(t testing.TB, alloc *memory.CheckedAllocator) {
	t.Helper()
	if alloc.CurrentAlloc() > 0 {
		t.Fatalf("Arrow memory leak detected: %d bytes still allocated", alloc.CurrentAlloc())
	}
}

// TrackingAllocator wraps an allocator and records current and peak usage.
// It is safe for concurrent use by the partitions of a scan.
type TrackingAllocator struct {
	inner     memory.Allocator
	allocated atomic.Int64
	freed     atomic.Int64
	current   atomic.Int64
	peak      atomic.Int64
}

// NewTrackingAllocator creates a new tracking allocator wrapping the given allocator.
func NewTrackingAllocator(inner memory.Allocator) *TrackingAllocator {
	return &TrackingAllocator{inner: inner}
}

// Allocate allocates memory and tracks it.
func (ta *TrackingAllocator) Allocate(size int) []byte {
	ta.allocated.Add(int64(size))
	ta.grow(int64(size))
	return ta.inner.Allocate(size)
}

// Reallocate reallocates memory and tracks the size change.
func (ta *TrackingAllocator) Reallocate(size int, b []byte) []byte {
	ta.grow(int64(size) - int64(len(b)))
	return ta.inner.Reallocate(size, b)
}

// Free frees memory and tracks it.
func (ta *TrackingAllocator) Free(b []byte) {
	ta.freed.Add(int64(len(b)))
	ta.current.Add(-int64(len(b)))
	ta.inner.Free(b)
}

func (ta *TrackingAllocator) grow(delta int64) {
	cur := ta.current.Add(delta)
	for {
		peak := ta.peak.Load()
		if cur <= peak || ta.peak.CompareAndSwap(peak, cur) {
			return
		}
	}
}

// CurrentUsed returns the number of bytes currently allocated and not freed.
func (ta *TrackingAllocator) CurrentUsed() int64 { return ta.current.Load() }

// Peak returns the highest number of bytes in use at any point.
func (ta *TrackingAllocator) Peak() int64 { return ta.peak.Load() }

// CheckReleased returns an error if memory is still in use.
func (ta *TrackingAllocator) CheckReleased() error {
	if cur := ta.current.Load(); cur != 0 {
		return fmt.Errorf("memory leak: %d bytes allocated, %d bytes freed, %d bytes still in use",
			ta.allocated.Load(), ta.freed.Load(), cur)
	}
	return nil
}

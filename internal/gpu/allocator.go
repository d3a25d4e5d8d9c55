// Package gpu hands out GPU context indices to workers that share a device.
//
// Each physical device has its own counter. Next is a single atomic
// increment, so workers starting concurrently on the same device never
// receive the same index unless the device is explicitly Reset.
package gpu

import (
	"sync"
	"sync/atomic"
)

// CPU is the device index of workers that do not bind to a GPU.
const CPU = -1

// Allocator is owned by a pipeline and shared by its stages.
type Allocator struct {
	counters sync.Map // device int -> *atomic.Int64
}

// NewAllocator creates an empty allocator.
func NewAllocator() *Allocator {
	return &Allocator{}
}

func (a *Allocator) counter(device int) *atomic.Int64 {
	if c, ok := a.counters.Load(device); ok {
		return c.(*atomic.Int64)
	}
	c, _ := a.counters.LoadOrStore(device, new(atomic.Int64))
	return c.(*atomic.Int64)
}

// Next returns the next context index for device, starting at 0.
func (a *Allocator) Next(device int) int {
	return int(a.counter(device).Add(1) - 1)
}

// Issued returns how many indices device has handed out.
func (a *Allocator) Issued(device int) int {
	return int(a.counter(device).Load())
}

// Reset restarts the counter of device at 0.
func (a *Allocator) Reset(device int) {
	a.counter(device).Store(0)
}

package icp

import (
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DefaultChunkSize is the number of points handed to one kernel invocation.
const DefaultChunkSize = 1024

// Span is one partition of an index range [Lo, Hi). Index is the partition's
// position, so per-partition results can be combined in a fixed order.
type Span struct {
	Index int
	Lo    int
	Hi    int
}

// Kernel processes every element of a span. Kernels launched together may
// run concurrently and must only write to storage owned by their span.
type Kernel func(s Span) error

// Device runs data-parallel kernels. Launch blocks until every span has
// finished, which acts as the synchronization barrier between stages.
type Device interface {
	Launch(n int, kernel Kernel) error
	Partitions(n int) []Span
	Close() error
}

// CPUDevice runs kernels on a bounded pool of goroutines.
type CPUDevice struct {
	workers   int
	chunkSize int

	mu     sync.RWMutex
	closed bool
}

// NewCPUDevice creates a device with the given concurrency and chunk size.
// Non-positive values select GOMAXPROCS and DefaultChunkSize.
func NewCPUDevice(workers, chunkSize int) *CPUDevice {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &CPUDevice{workers: workers, chunkSize: chunkSize}
}

// Workers returns the maximum number of concurrently running kernels
func (d *CPUDevice) Workers() int { return d.workers }

// Partitions splits [0, n) into contiguous chunks. The split depends only on
// n and the chunk size.
func (d *CPUDevice) Partitions(n int) []Span {
	if n <= 0 {
		return nil
	}
	spans := make([]Span, 0, (n+d.chunkSize-1)/d.chunkSize)
	for lo := 0; lo < n; lo += d.chunkSize {
		hi := min(lo+d.chunkSize, n)
		spans = append(spans, Span{Index: len(spans), Lo: lo, Hi: hi})
	}
	return spans
}

// Launch runs kernel over every partition of [0, n) and waits for all of
// them. The first kernel error is returned; a panicking kernel is reported
// as ErrDevice. Running kernels are never interrupted.
func (d *CPUDevice) Launch(n int, kernel Kernel) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return fmt.Errorf("%w: device closed", ErrDevice)
	}

	var g errgroup.Group
	g.SetLimit(d.workers)
	for _, s := range d.Partitions(n) {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: kernel panic on [%d,%d): %v", ErrDevice, s.Lo, s.Hi, r)
				}
			}()
			return kernel(s)
		})
	}
	return g.Wait()
}

// Close releases the device. Further launches fail.
func (d *CPUDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

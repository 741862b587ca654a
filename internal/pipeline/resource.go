package pipeline

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tphakala/dspfirmware/internal/logging"
)

// ResourceKind names what a tracked allocation backs.
type ResourceKind string

const (
	ResourceBuffer   ResourceKind = "buffer"
	ResourceDPQueue  ResourceKind = "dp_queue"
	ResourceScratch  ResourceKind = "scratch"
	ResourceTraceBuf ResourceKind = "trace_buffer"
)

// TrackedResource is one allocation made during a component's Prepare,
// outside the real-time copy path per spec §5's memory model.
type TrackedResource struct {
	ID          string
	Kind        ResourceKind
	Component   string
	AllocatedAt time.Time
	Bytes       int
	released    atomic.Bool
}

// ResourceTracker records per-prepare allocations so the "copy passes must
// not allocate" invariant (spec §5) can be asserted in tests instead of
// merely hoped for, grounded on the teacher's leak-detecting
// audiocore.ResourceTracker, simplified to bookkeeping (no finalizer/leak
// goroutine, since the pipeline's prepare/reset lifecycle is explicit and
// short-lived compared to the teacher's long-running audio sources).
type ResourceTracker struct {
	mu        sync.Mutex
	resources map[string]*TrackedResource
	logger    *slog.Logger

	totalAllocated atomic.Int64
	totalReleased  atomic.Int64
	totalBytes     atomic.Int64
}

// NewResourceTracker returns an empty tracker.
func NewResourceTracker() *ResourceTracker {
	return &ResourceTracker{
		resources: make(map[string]*TrackedResource),
		logger:    logging.ForService("pipeline.resource"),
	}
}

// Track registers an allocation made outside the copy path.
func (rt *ResourceTracker) Track(id string, kind ResourceKind, component string, bytes int) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.resources[id] = &TrackedResource{
		ID:          id,
		Kind:        kind,
		Component:   component,
		AllocatedAt: time.Now(),
		Bytes:       bytes,
	}
	rt.totalAllocated.Add(1)
	rt.totalBytes.Add(int64(bytes))
}

// Release marks a tracked resource as freed and stops tracking it. It
// returns an error if id is not currently tracked, which includes an id
// that has already been released.
func (rt *ResourceTracker) Release(id string) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	r, ok := rt.resources[id]
	if !ok {
		return fmt.Errorf("resource %s not tracked", id)
	}
	if !r.released.CompareAndSwap(false, true) {
		return nil
	}
	rt.totalReleased.Add(1)
	rt.totalBytes.Add(-int64(r.Bytes))
	delete(rt.resources, id)
	return nil
}

// Stats summarises outstanding allocations for diagnostics and tests.
type ResourceStats struct {
	Allocated int64
	Released  int64
	Active    int
	Bytes     int64
}

func (rt *ResourceTracker) Stats() ResourceStats {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return ResourceStats{
		Allocated: rt.totalAllocated.Load(),
		Released:  rt.totalReleased.Load(),
		Active:    len(rt.resources),
		Bytes:     rt.totalBytes.Load(),
	}
}

// AssertNoAllocations runs fn and returns the number of heap allocations
// the Go runtime performed during the call (zero if none) together with
// fn's error, making the
// real-time copy path's "never allocate" invariant directly observable.
// It is intended for tests; it is not itself allocation-free, so callers
// must not invoke it from production code.
func AssertNoAllocations(fn func() error) (allocated uint64, err error) {
	runtime.GC()
	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	err = fn()
	runtime.ReadMemStats(&after)
	if after.Mallocs > before.Mallocs {
		allocated = after.Mallocs - before.Mallocs
	}
	return allocated, err
}

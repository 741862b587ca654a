package pipeline

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/tphakala/dspfirmware/internal/logging"
)

// DPQueueMode selects whether a DP queue's two buffers live on the same
// core as both sides (LOCAL) or must cross a cache domain (SHARED), which
// requires explicit invalidate/writeback on every swap.
type DPQueueMode int

const (
	DPQueueLocal DPQueueMode = iota
	DPQueueShared
)

// DPQueueState reports how much of the currently producer-facing buffer has
// been filled.
type DPQueueState int

const (
	DPQueueEmpty DPQueueState = iota
	DPQueuePartial
	DPQueueFull
)

func (s DPQueueState) String() string {
	switch s {
	case DPQueueEmpty:
		return "EMPTY"
	case DPQueuePartial:
		return "PARTIAL"
	case DPQueueFull:
		return "FULL"
	default:
		return "UNKNOWN"
	}
}

// DPQueue is the cross-domain variant of Buffer described in spec §4.2: two
// swappable buffers, one exposed to the producer and one to the consumer,
// exchanged atomically once the consumer's side has drained and the
// producer's side has filled past minFree. It presents the same
// source/sink contract as Buffer so a module adapter can treat either
// uniformly.
type DPQueue struct {
	ID      uuid.UUID
	idTag   string // ID.String(), precomputed so TrySwap never allocates
	Format  SampleFormat
	mode    DPQueueMode
	minFree int

	mu         sync.Mutex
	slots      [2]*Buffer
	producerIx int // index into slots currently exposed to the producer
	cache      cacheOps
}

// NewDPQueue allocates a DP queue of two buffers, each of the given per-slot
// capacity, with swap threshold minFree bytes.
func NewDPQueue(format SampleFormat, slotCapacity, minFree int, mode DPQueueMode) (*DPQueue, error) {
	if minFree <= 0 || minFree > slotCapacity {
		return nil, fmt.Errorf("new dp queue: minFree %d must be in (0, %d]", minFree, slotCapacity)
	}

	cacheAttr := CacheCoherent
	if mode == DPQueueShared {
		cacheAttr = CacheNonCoherent
	}

	a, err := AllocateBuffer(format, slotCapacity, format.FrameSize(), cacheAttr)
	if err != nil {
		return nil, fmt.Errorf("new dp queue: %w", err)
	}
	b, err := AllocateBuffer(format, slotCapacity, format.FrameSize(), cacheAttr)
	if err != nil {
		return nil, fmt.Errorf("new dp queue: %w", err)
	}

	ops := coherentCacheOps()
	if mode == DPQueueShared {
		ops = nonCoherentCacheOps(logging.ForService("pipeline.dpqueue"))
	}

	id := uuid.New()
	return &DPQueue{
		ID:      id,
		idTag:   id.String(),
		Format:  format,
		mode:    mode,
		minFree: minFree,
		slots:   [2]*Buffer{a, b},
		cache:   ops,
	}, nil
}

// GetSource returns the buffer currently exposed to the producer.
func (q *DPQueue) GetSource() *Buffer {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.slots[q.producerIx]
}

// GetSink returns the buffer currently exposed to the consumer.
func (q *DPQueue) GetSink() *Buffer {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.slots[1-q.producerIx]
}

// State reports the fill state of the producer-facing slot.
func (q *DPQueue) State() DPQueueState {
	q.mu.Lock()
	defer q.mu.Unlock()
	avail := q.slots[q.producerIx].Available()
	switch {
	case avail == 0:
		return DPQueueEmpty
	case avail >= q.minFree:
		return DPQueueFull
	default:
		return DPQueuePartial
	}
}

// TrySwap exchanges the producer and consumer slots if the consumer side
// has fully drained and the producer side has filled past minFree. It
// returns true if a swap occurred. The swap itself is an atomic flag flip
// under a mutex: no observer can see a torn buffer mid-exchange, and on
// SHARED mode the filled producer slot is written back before the flip and
// invalidated again once it faces the consumer.
func (q *DPQueue) TrySwap() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	producer := q.slots[q.producerIx]
	consumer := q.slots[1-q.producerIx]

	if consumer.Available() != 0 {
		return false
	}
	if producer.Available() < q.minFree {
		return false
	}

	q.cache.writeback(q.idTag, producer.Available())
	q.producerIx = 1 - q.producerIx
	q.cache.invalidate(q.idTag, q.slots[1-q.producerIx].Available())

	return true
}

// Free releases both backing buffers. It performs no real deallocation in
// this host simulation but exists to mirror the explicit free() of spec
// §4.2 for symmetry with Buffer's lifecycle.
func (q *DPQueue) Free() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.slots[0] = nil
	q.slots[1] = nil
}

// AppendToList appends q to a DP task's queue list, rejecting a duplicate
// append of the same queue.
func AppendToList(list []*DPQueue, q *DPQueue) ([]*DPQueue, error) {
	for _, existing := range list {
		if existing.ID == q.ID {
			return list, fmt.Errorf("dp queue %s already appended", q.ID)
		}
	}
	return append(list, q), nil
}

package pipeline

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/tphakala/dspfirmware/internal/logging"
)

// CacheAttr selects whether a buffer's backing memory is coherent with
// every core that touches it, or requires explicit maintenance.
type CacheAttr int

const (
	CacheCoherent CacheAttr = iota
	CacheNonCoherent
)

// cacheOps is the Memory::invalidate / Memory::writeback hook pair. On
// coherent targets both are no-ops; non-coherent targets would bind these
// to platform cache-maintenance primitives. In this host simulation the
// non-coherent path still runs through here so tests can observe it fire.
type cacheOps struct {
	invalidate func(tag string, n int)
	writeback  func(tag string, n int)
}

func coherentCacheOps() cacheOps {
	return cacheOps{
		invalidate: func(string, int) {},
		writeback:  func(string, int) {},
	}
}

func nonCoherentCacheOps(logger *slog.Logger) cacheOps {
	if logger == nil {
		logger = slog.Default()
	}
	return cacheOps{
		invalidate: func(tag string, n int) {
			logger.Debug("cache invalidate", "range", tag, "bytes", n)
		},
		writeback: func(tag string, n int) {
			logger.Debug("cache writeback", "range", tag, "bytes", n)
		},
	}
}

// AttachDirection names which side of a buffer a component occupies.
type AttachDirection int

const (
	// AttachSource is the producer side: the component writes into the buffer.
	AttachSource AttachDirection = iota
	// AttachSink is the consumer side: the component reads from the buffer.
	AttachSink
)

func (d AttachDirection) String() string {
	if d == AttachSource {
		return "source"
	}
	return "sink"
}

// AttachRecord is the explicit attachment record this runtime uses instead
// of the intrusive list / container-of pattern: a buffer knows at most one
// producer and one consumer, each referenced by ID rather than raw pointer.
type AttachRecord struct {
	ComponentID uuid.UUID
	Direction   AttachDirection
	Pin         int
}

// Buffer is a fixed-size circular byte buffer with an associated sample
// format: the Audio Stream abstraction of spec §4.1. It is single-producer,
// single-consumer: fan-out/fan-in across many components is modelled by
// cloning a buffer, not by attaching many readers or writers to one.
type Buffer struct {
	ID       uuid.UUID
	idTag    string // ID.String(), precomputed so the copy path never allocates
	Format   SampleFormat
	capacity int
	data     []byte

	// readPtr/writePtr advance monotonically modulo capacity. They are
	// accessed atomically even though there is exactly one writer and one
	// reader, standing in for the explicit memory barriers spec §5 calls
	// for on a lock-free SPSC buffer.
	readPtr  atomic.Int64
	writePtr atomic.Int64

	cacheAttr CacheAttr
	cache     cacheOps

	source *AttachRecord
	sink   *AttachRecord

	logger *slog.Logger
}

// AllocateBuffer allocates a Buffer. capacity must be a multiple of the
// format's frame size; alignment must divide capacity.
func AllocateBuffer(format SampleFormat, capacity, alignment int, cacheAttr CacheAttr) (*Buffer, error) {
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("allocate buffer: %w", err)
	}
	frameSize := format.FrameSize()
	if capacity <= 0 || capacity%frameSize != 0 {
		return nil, fmt.Errorf("allocate buffer: capacity %d must be a positive multiple of frame size %d", capacity, frameSize)
	}
	if alignment <= 0 || capacity%alignment != 0 {
		return nil, fmt.Errorf("allocate buffer: capacity %d not divisible by alignment %d", capacity, alignment)
	}

	logger := logging.ForService("pipeline.buffer")

	ops := coherentCacheOps()
	if cacheAttr == CacheNonCoherent {
		ops = nonCoherentCacheOps(logger)
	}

	id := uuid.New()
	return &Buffer{
		ID:        id,
		idTag:     id.String(),
		Format:    format,
		capacity:  capacity,
		data:      make([]byte, capacity),
		cacheAttr: cacheAttr,
		cache:     ops,
		logger:    logger,
	}, nil
}

// Capacity returns the buffer's total byte capacity.
func (b *Buffer) Capacity() int { return b.capacity }

// Available returns the number of unread bytes.
func (b *Buffer) Available() int {
	return int(b.writePtr.Load() - b.readPtr.Load())
}

// Free returns the number of bytes that may still be produced.
func (b *Buffer) Free() int {
	return b.capacity - b.Available()
}

// Attach registers a component on one of the buffer's two sides. It fails
// if that side is already occupied.
func (b *Buffer) Attach(componentID uuid.UUID, direction AttachDirection, pin int) error {
	rec := &AttachRecord{ComponentID: componentID, Direction: direction, Pin: pin}
	switch direction {
	case AttachSource:
		if b.source != nil {
			return fmt.Errorf("%w: buffer %s already has a source attachment", ErrAttachOccupied, b.ID)
		}
		b.source = rec
	case AttachSink:
		if b.sink != nil {
			return fmt.Errorf("%w: buffer %s already has a sink attachment", ErrAttachOccupied, b.ID)
		}
		b.sink = rec
	default:
		return fmt.Errorf("unknown attach direction %d", direction)
	}
	return nil
}

// Detach removes whichever attachment (if any) belongs to direction.
func (b *Buffer) Detach(direction AttachDirection) {
	switch direction {
	case AttachSource:
		b.source = nil
	case AttachSink:
		b.sink = nil
	}
}

// Source returns the producer-side attachment, or nil.
func (b *Buffer) Source() *AttachRecord { return b.source }

// Sink returns the consumer-side attachment, or nil.
func (b *Buffer) Sink() *AttachRecord { return b.sink }

// Produce advances the write pointer by n bytes. It must not exceed the
// buffer's free space.
func (b *Buffer) Produce(n int) error {
	if n < 0 {
		return fmt.Errorf("produce: negative length %d", n)
	}
	if n > b.Free() {
		return fmt.Errorf("produce: %d exceeds free space %d", n, b.Free())
	}
	b.writePtr.Add(int64(n))
	return nil
}

// Consume advances the read pointer by n bytes. It must not exceed the
// buffer's available data.
func (b *Buffer) Consume(n int) error {
	if n < 0 {
		return fmt.Errorf("consume: negative length %d", n)
	}
	if n > b.Available() {
		return fmt.Errorf("consume: %d exceeds available data %d", n, b.Available())
	}
	b.readPtr.Add(int64(n))
	return nil
}

// wrapOffset returns the physical offset into data for a logical pointer.
func (b *Buffer) wrapOffset(ptr int64) int {
	return int(ptr % int64(b.capacity))
}

// peekRead returns up to n unread bytes without advancing the read pointer,
// split at the ring wrap when necessary (head/tail split).
func (b *Buffer) peekRead(n int) [][]byte {
	n = min(n, b.Available())
	if n == 0 {
		return nil
	}
	start := b.wrapOffset(b.readPtr.Load())
	if start+n <= b.capacity {
		return [][]byte{b.data[start : start+n]}
	}
	head := b.data[start:b.capacity]
	tail := b.data[0 : n-len(head)]
	return [][]byte{head, tail}
}

// peekWrite returns up to n writable byte slices without advancing the
// write pointer, split at the ring wrap when necessary.
func (b *Buffer) peekWrite(n int) [][]byte {
	n = min(n, b.Free())
	if n == 0 {
		return nil
	}
	start := b.wrapOffset(b.writePtr.Load())
	if start+n <= b.capacity {
		return [][]byte{b.data[start : start+n]}
	}
	head := b.data[start:b.capacity]
	tail := b.data[0 : n-len(head)]
	return [][]byte{head, tail}
}

// CopyWithWrap copies up to nFrames frames from src to dst, honoring both
// ring wraps and splitting into up to two linear copies. On non-coherent
// buffers src is invalidated before read and dst is written back after
// write. It returns the number of frames actually copied, which is
// min(src.available frames, dst.free frames, nFrames); it never advances
// beyond that limit.
func CopyWithWrap(src, dst *Buffer, nFrames int) (int, error) {
	if !src.Format.CompatibleWith(dst.Format) {
		return 0, fmt.Errorf("%w: copy-with-wrap requires matching formats", ErrFormatMismatch)
	}
	frameSize := src.Format.FrameSize()
	limitFrames := AvailFramesAligned(src, dst, 1)
	if nFrames < limitFrames {
		limitFrames = nFrames
	}
	nBytes := limitFrames * frameSize
	if nBytes == 0 {
		return 0, nil
	}

	srcParts := src.peekRead(nBytes)
	for _, p := range srcParts {
		src.cache.invalidate(src.idTag, len(p))
	}

	dstParts := dst.peekWrite(nBytes)

	copied := 0
	si, so := 0, 0 // src part index, offset within part
	for _, dp := range dstParts {
		remaining := len(dp)
		off := 0
		for remaining > 0 && si < len(srcParts) {
			sp := srcParts[si]
			avail := len(sp) - so
			n := min(avail, remaining)
			copy(dp[off:off+n], sp[so:so+n])
			off += n
			remaining -= n
			copied += n
			so += n
			if so == len(sp) {
				si++
				so = 0
			}
		}
	}

	for _, p := range dstParts {
		dst.cache.writeback(dst.idTag, len(p))
	}

	if err := src.Consume(copied); err != nil {
		return 0, err
	}
	if err := dst.Produce(copied); err != nil {
		return 0, err
	}

	return copied / frameSize, nil
}

// AvailFramesAligned returns min(src.available, dst.free) as a frame count,
// rounded down to a multiple of alignment frames (1 for scalar kernels, more
// for SIMD kernels that require multi-frame alignment).
func AvailFramesAligned(src, dst *Buffer, alignment int) int {
	frameSize := src.Format.FrameSize()
	if alignment < 1 {
		alignment = 1
	}
	availFrames := src.Available() / frameSize
	freeFrames := dst.Free() / frameSize
	n := min(availFrames, freeFrames)
	return (n / alignment) * alignment
}

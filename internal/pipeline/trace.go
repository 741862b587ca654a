package pipeline

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smallnest/ringbuffer"

	"github.com/tphakala/dspfirmware/internal/logging"
)

// PanicStatusBase is OR'd with a fatal error's code to form the 32-bit
// status register value, per spec §6 "Panics / traces".
const PanicStatusBase uint32 = 0x0DEAD000

// HostPageSize sizes the circular trace buffer to at least one host page,
// per spec §6.
const HostPageSize = 4096

// DefaultTraceDrainInterval is the spec's "drained at ≈500 ms intervals".
const DefaultTraceDrainInterval = 500 * time.Millisecond

// TraceEvent is one call-site trace point, tagged the way the status
// register's trace-point register carries a call-site tag.
type TraceEvent struct {
	Tag       string
	Timestamp time.Time
	Data      [8]byte
}

func (e TraceEvent) encode() []byte {
	buf := make([]byte, 24+len(e.Tag))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(e.Timestamp.UnixNano()))
	copy(buf[8:16], e.Data[:])
	binary.LittleEndian.PutUint64(buf[16:24], uint64(len(e.Tag)))
	copy(buf[24:], e.Tag)
	return buf
}

// TraceRecorder holds the process's panic status register and a circular
// DMA trace buffer, drained periodically; a drain empties the buffer and
// logs only the number of bytes drained, not their contents. The
// circular buffer is a pure produce/drain byte stream, a direct fit for
// smallnest/ringbuffer's Read/Write API (unlike pipeline.Buffer, which
// needs peek-without-consume — see DESIGN.md).
type TraceRecorder struct {
	status atomic.Uint32

	mu  sync.Mutex
	buf *ringbuffer.RingBuffer

	logger *slog.Logger

	stop chan struct{}
	done chan struct{}
}

// NewTraceRecorder allocates a recorder with at least one host page of
// circular trace storage.
func NewTraceRecorder() *TraceRecorder {
	logger := logging.ForService("pipeline.trace")
	if logger == nil {
		logger = slog.Default()
	}
	return &TraceRecorder{
		buf:    ringbuffer.New(HostPageSize),
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Panic sets the status register to 0x0DEAD000 | code. It does not itself
// terminate the process; callers translate a Fatal-category error into
// this call before propagating the panic upward.
func (t *TraceRecorder) Panic(code uint32) {
	t.status.Store(PanicStatusBase | code)
	t.logger.Error("fatal status set", "status", fmt.Sprintf("0x%08X", t.status.Load()))
}

// Status reads the current 32-bit status register value.
func (t *TraceRecorder) Status() uint32 {
	return t.status.Load()
}

// ClearStatus resets the status register after a fault has been reported
// and handled.
func (t *TraceRecorder) ClearStatus() {
	t.status.Store(0)
}

// Trace appends a call-site trace point to the circular buffer. If the
// buffer is full, the oldest bytes are read out and silently discarded to
// make room — tracing must never apply backpressure to the
// real-time path.
func (t *TraceRecorder) Trace(tag string, data [8]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	encoded := TraceEvent{Tag: tag, Timestamp: time.Now(), Data: data}.encode()
	if len(encoded) > t.buf.Free() {
		drained := make([]byte, len(encoded)-t.buf.Free())
		_, _ = t.buf.Read(drained)
	}
	_, _ = t.buf.Write(encoded)
}

// StartDraining launches the periodic drain goroutine; stop it with Stop.
func (t *TraceRecorder) StartDraining(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultTraceDrainInterval
	}
	go func() {
		defer close(t.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-t.stop:
				t.drainOnce()
				return
			case <-ticker.C:
				t.drainOnce()
			}
		}
	}()
}

func (t *TraceRecorder) drainOnce() {
	t.mu.Lock()
	n := t.buf.Length()
	if n == 0 {
		t.mu.Unlock()
		return
	}
	chunk := make([]byte, n)
	read, _ := t.buf.Read(chunk)
	t.mu.Unlock()

	t.logger.Debug("trace buffer drained", "bytes", read)
}

// Stop halts the drain goroutine, running one final drain first.
func (t *TraceRecorder) Stop() {
	close(t.stop)
	<-t.done
}

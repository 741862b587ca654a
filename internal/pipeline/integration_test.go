package pipeline

import (
	"encoding/binary"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// This file exercises the end-to-end scenarios against the smallest graph
// that demonstrates each one. Xrun recovery with no allocation is covered
// separately by TestSchedulerXrunRecoveryPerformsNoAllocation in
// scheduler_test.go; the other five live here.

// Scenario 1: host-gain-mixin playback. Build host -> gain -> (mixin
// buffer); after repeated ticks the downstream buffer must have received a
// writeback on every single tick.
func TestIntegrationHostGainChainWritesBackEveryTick(t *testing.T) {
	t.Parallel()
	f := testFormat()
	hostBuf, err := AllocateBuffer(f, 64, 2, CacheCoherent)
	require.NoError(t, err)
	mixinBuf, err := AllocateBuffer(f, 64, 2, CacheCoherent)
	require.NoError(t, err)

	host := newTestComponent(t, TypeHost, &HostDriver{})
	require.NoError(t, host.AttachBuffer(hostBuf, AttachSink, 0))
	require.NoError(t, host.Prepare())
	require.NoError(t, host.Trigger(TriggerStart))

	gain := newAdapterComponent(t, TypeGain, func() (Module, error) { return NewGainModule(0.75), nil })
	require.NoError(t, gain.AttachBuffer(hostBuf, AttachSource, 0))
	require.NoError(t, gain.AttachBuffer(mixinBuf, AttachSink, 0))
	require.NoError(t, gain.Params(f))
	require.NoError(t, gain.Prepare())
	require.NoError(t, gain.Trigger(TriggerStart))

	frameSize := f.FrameSize()
	const ticks = 5
	for i := 0; i < ticks; i++ {
		before := mixinBuf.Available()
		require.NoError(t, host.Copy())
		require.NoError(t, gain.Copy())
		after := mixinBuf.Available()
		assert.Greater(t, after, before, "tick %d must write back into the mixin buffer", i)

		// Drain the mixin buffer so the next tick has room, mirroring a
		// downstream consumer reading every tick.
		require.NoError(t, mixinBuf.Consume(after))
	}
}

// mixerModule sums two LL sources into one sink, weighted by per-source
// coefficients. If the second source has no data for the current tick, the
// first source's samples pass through scaled alone rather than mixing a
// partial frame, so a single Copy() pass never produces a torn tick.
type mixerModule struct {
	BaseModule
	coeffA, coeffB float64
}

func newMixerModule(coeffA, coeffB float64) *mixerModule {
	return &mixerModule{
		BaseModule: BaseModule{ModeValue: ModeSinkSource, DomainValue: DomainLL},
		coeffA:     coeffA,
		coeffB:     coeffB,
	}
}

func (m *mixerModule) ProcessSinkSource(sources, sinks []*Buffer) error {
	a, b := sources[0], sources[1]
	sink := sinks[0]
	frameSize := sink.Format.FrameSize()

	framesA := a.Available() / frameSize
	if framesA == 0 {
		return PathStop
	}
	framesB := b.Available() / frameSize
	mixB := framesB >= framesA

	nBytes := framesA * frameSize
	flatA := flattenParts(a.peekRead(nBytes))
	var flatB []byte
	if mixB {
		flatB = flattenParts(b.peekRead(nBytes))
	}

	out := make([]byte, nBytes)
	for i := 0; i+1 < nBytes; i += 2 {
		sampleA := int16(binary.LittleEndian.Uint16(flatA[i : i+2]))
		mixed := float64(sampleA) * m.coeffA
		if mixB {
			sampleB := int16(binary.LittleEndian.Uint16(flatB[i : i+2]))
			mixed += float64(sampleB) * m.coeffB
		}
		mixed = clampInt16(mixed)
		binary.LittleEndian.PutUint16(out[i:i+2], uint16(int16(mixed)))
	}

	if err := a.Consume(nBytes); err != nil {
		return err
	}
	if mixB {
		if err := b.Consume(nBytes); err != nil {
			return err
		}
	}

	off := 0
	for _, p := range sink.peekWrite(nBytes) {
		off += copy(p, out[off:])
	}
	return sink.Produce(nBytes)
}

func flattenParts(parts [][]byte) []byte {
	var total int
	for _, p := range parts {
		total += len(p)
	}
	flat := make([]byte, 0, total)
	for _, p := range parts {
		flat = append(flat, p...)
	}
	return flat
}

func clampInt16(v float64) float64 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return v
}

func writeSample(buf *Buffer, value int16) {
	parts := buf.peekWrite(2)
	binary.LittleEndian.PutUint16(parts[0][0:2], uint16(value))
}

func readSample(buf *Buffer) int16 {
	parts := buf.peekRead(2)
	return int16(binary.LittleEndian.Uint16(parts[0][0:2]))
}

// Scenario 2: two-input mixer. Input A is active alone for one tick; B
// starts producing data only after that tick completes. The next tick must
// mix both, never a partial blend of the two.
func TestIntegrationTwoInputMixerNeverTornTick(t *testing.T) {
	t.Parallel()
	f := testFormat()
	bufA, err := AllocateBuffer(f, 16, 2, CacheCoherent)
	require.NoError(t, err)
	bufB, err := AllocateBuffer(f, 16, 2, CacheCoherent)
	require.NoError(t, err)
	sink, err := AllocateBuffer(f, 16, 2, CacheCoherent)
	require.NoError(t, err)

	mixer := newAdapterComponent(t, TypeMixer, func() (Module, error) { return newMixerModule(1.0, 0.5), nil })
	require.NoError(t, mixer.AttachBuffer(bufA, AttachSource, 0))
	require.NoError(t, mixer.AttachBuffer(bufB, AttachSource, 1))
	require.NoError(t, mixer.AttachBuffer(sink, AttachSink, 0))
	require.NoError(t, mixer.Params(f))
	require.NoError(t, mixer.Prepare())
	require.NoError(t, mixer.Trigger(TriggerStart))

	// Tick 1: only A has data (B is still in PREPARE, producing nothing).
	writeSample(bufA, 1000)
	require.NoError(t, bufA.Produce(2))
	require.NoError(t, mixer.Copy())
	assert.Equal(t, int16(1000), readSample(sink), "with no B data the mix must pass A through unscaled-by-B")
	require.NoError(t, sink.Consume(2))

	// B transitions to ACTIVE and produces data before the next tick.
	writeSample(bufA, 2000)
	require.NoError(t, bufA.Produce(2))
	writeSample(bufB, 4000)
	require.NoError(t, bufB.Produce(2))
	require.NoError(t, mixer.Copy())
	assert.Equal(t, int16(2000+2000), readSample(sink), "once B is active the very next tick must mix both inputs, not a torn partial blend")
}

// warmupRawModule is a RAW_DATA module that writes a distinguishable
// non-zero byte pattern, so a test can tell "real" output from the
// warm-up zeros emitted while the source holds fewer than deepBuffBytes, and records
// the input it was handed so a test can confirm nothing queued during
// warm-up was dropped.
type warmupRawModule struct {
	BaseModule
	periodBytes int
	calls       int
	lastInput   []byte
}

func newWarmupRawModule(periodBytes int) *warmupRawModule {
	return &warmupRawModule{
		periodBytes: periodBytes,
		BaseModule: BaseModule{
			ModeValue: ModeRawData, DomainValue: DomainLL,
			Cfg: ModuleConfig{PeriodBytes: periodBytes},
		},
	}
}

// ProcessRawData emits exactly one period's worth of real output per call,
// the way a per-tick real-time transform does even once the deep buffer has
// accumulated several periods' worth of input; it is the full accumulated
// input that matters for lastInput, not the output size.
func (m *warmupRawModule) ProcessRawData(inputs [][]byte, outputs [][]byte) ([]int, error) {
	m.calls++
	m.lastInput = append([]byte(nil), inputs[0]...)
	n := m.periodBytes
	if n > len(outputs[0]) {
		n = len(outputs[0])
	}
	for i := 0; i < n; i++ {
		outputs[0][i] = 0xAB
	}
	return []int{n}, nil
}

// Scenario 4: DP-style module warm-up. With the deep-buffer threshold set
// to four periods' worth of input, the first three ticks must emit exactly
// period_bytes of zeros to the sink and the fourth tick must begin emitting
// the module's real (non-zero) output, with no gap in between.
func TestIntegrationRawDataWarmUpThenRealOutputNoGap(t *testing.T) {
	t.Parallel()
	const periodBytes = 4
	f := testFormat()
	src, err := AllocateBuffer(f, periodBytes*4, 2, CacheCoherent)
	require.NoError(t, err)
	sink, err := AllocateBuffer(f, periodBytes*4, 2, CacheCoherent)
	require.NoError(t, err)

	module := newWarmupRawModule(periodBytes)
	c := newAdapterComponent(t, TypeSRC, func() (Module, error) { return module, nil })
	require.NoError(t, c.AttachBuffer(src, AttachSource, 0))
	require.NoError(t, c.AttachBuffer(sink, AttachSink, 0))
	require.NoError(t, c.Params(f))
	require.NoError(t, c.Prepare())
	require.NoError(t, c.Trigger(TriggerStart))

	isAllZero := func(b []byte) bool {
		for _, v := range b {
			if v != 0 {
				return false
			}
		}
		return true
	}

	var queued []byte
	for tick := 1; tick <= 4; tick++ {
		tickBytes := make([]byte, periodBytes)
		for i := range tickBytes {
			tickBytes[i] = byte(0x10 * tick)
		}
		for _, p := range src.peekWrite(periodBytes) {
			copy(p, tickBytes)
		}
		queued = append(queued, tickBytes...)
		require.NoError(t, src.Produce(periodBytes))
		require.NoError(t, c.Copy())

		n := sink.Available()
		require.Equal(t, periodBytes, n, "tick %d must emit exactly period_bytes downstream with no gap", tick)
		data := flattenParts(sink.peekRead(n))
		require.NoError(t, sink.Consume(n))

		if tick <= 3 {
			assert.True(t, isAllZero(data), "tick %d is inside warm-up and must be all zero", tick)
			assert.Equal(t, 0, module.calls, "the module must not be invoked during warm-up")
		} else {
			assert.False(t, isAllZero(data), "tick %d must carry real module output", tick)
			assert.Equal(t, 1, module.calls, "the module must be invoked exactly once the threshold is crossed")
			assert.Equal(t, queued, module.lastInput,
				"every byte queued across the warm-up ticks must reach the module, none dropped")
		}
	}
}

// Scenario 5: a topology with mixer -> gain -> mixer must be rejected as a
// cycle at complete_pipeline, and must leave no component or buffer
// registered in the handler afterward.
func TestIntegrationGraphCycleRejectedLeavesNoComponentAllocated(t *testing.T) {
	t.Parallel()
	r := NewDriverRegistry()
	driverID := uuid.New()
	registerNoopDrivers(t, r, driverID)
	h := NewHandler(r)

	f := testFormat()
	pipelineID, mixerID, gainID, buf1ID, buf2ID := uuid.New(), uuid.New(), uuid.New(), uuid.New(), uuid.New()

	doc := &TopologyDocument{
		Pipelines: []TopologyPipeline{{
			ID: pipelineID, DeadlineUs: 1000, PeriodUs: 1000,
			TimeDomain: "timer", Direction: "playback", EndpointID: mixerID,
		}},
		Components: []TopologyComponent{
			{ID: mixerID, Pipeline: pipelineID, DriverID: driverID, Type: TypeMixer},
			{ID: gainID, Pipeline: pipelineID, DriverID: driverID, Type: TypeGain},
		},
		Buffers: []TopologyBuffer{
			{ID: buf1ID, Pipeline: pipelineID, CapacityBytes: 16, Alignment: 2,
				Rate: f.Rate, Channels: f.Channels, Container: f.ContainerBytes,
				ValidBits: f.ValidBits, SampleType: f.SampleType},
			{ID: buf2ID, Pipeline: pipelineID, CapacityBytes: 16, Alignment: 2,
				Rate: f.Rate, Channels: f.Channels, Container: f.ContainerBytes,
				ValidBits: f.ValidBits, SampleType: f.SampleType},
		},
		Routes: []TopologyRoute{
			// mixer writes into buf1.
			{ConnID: uuid.New(), Source: RouteEnd{ComponentID: mixerID}, Sink: RouteEnd{BufferID: buf1ID}},
			// gain reads from buf1.
			{ConnID: uuid.New(), Source: RouteEnd{BufferID: buf1ID}, Sink: RouteEnd{ComponentID: gainID}},
			// gain writes into buf2.
			{ConnID: uuid.New(), Source: RouteEnd{ComponentID: gainID}, Sink: RouteEnd{BufferID: buf2ID}},
			// mixer reads from buf2, closing the cycle.
			{ConnID: uuid.New(), Source: RouteEnd{BufferID: buf2ID}, Sink: RouteEnd{ComponentID: mixerID}},
		},
	}

	err := h.LoadTopology(doc)
	require.ErrorIs(t, err, ErrGraphCycle)

	assert.Empty(t, h.components, "a rejected topology must leave no component registered")
	assert.Empty(t, h.buffers, "a rejected topology must leave no buffer registered")
	assert.Empty(t, h.pipelines, "a rejected topology must leave no pipeline registered")
}

// strictFormatModule only accepts 32-bit containers, standing in for a
// downstream stage that requires a specific bit depth.
type strictFormatModule struct {
	BaseModule
}

func (m *strictFormatModule) Prepare(format SampleFormat) error {
	if format.ContainerBytes != 4 {
		return ErrFormatMismatch
	}
	return nil
}

// Scenario 6: format mismatch rejected at prepare. A component requiring a
// 32-bit container accepts a matching format and rejects a narrower one.
func TestIntegrationFormatMismatchRejectedAtPrepare(t *testing.T) {
	t.Parallel()

	accepted := SampleFormat{Rate: 48000, Channels: 2, ContainerBytes: 4, ValidBits: 32, SampleType: SampleTypeInt}
	c := newAdapterComponent(t, TypeGain, func() (Module, error) {
		return &strictFormatModule{BaseModule: BaseModule{ModeValue: ModeAudioStream, DomainValue: DomainLL}}, nil
	})
	src, err := AllocateBuffer(accepted, 32, 4, CacheCoherent)
	require.NoError(t, err)
	sink, err := AllocateBuffer(accepted, 32, 4, CacheCoherent)
	require.NoError(t, err)
	require.NoError(t, c.AttachBuffer(src, AttachSource, 0))
	require.NoError(t, c.AttachBuffer(sink, AttachSink, 0))
	require.NoError(t, c.Params(accepted))
	require.NoError(t, c.Prepare())

	rejected := SampleFormat{Rate: 48000, Channels: 2, ContainerBytes: 2, ValidBits: 16, SampleType: SampleTypeInt}
	c2 := newAdapterComponent(t, TypeGain, func() (Module, error) {
		return &strictFormatModule{BaseModule: BaseModule{ModeValue: ModeAudioStream, DomainValue: DomainLL}}, nil
	})
	src2, err := AllocateBuffer(rejected, 32, 2, CacheCoherent)
	require.NoError(t, err)
	sink2, err := AllocateBuffer(rejected, 32, 2, CacheCoherent)
	require.NoError(t, err)
	require.NoError(t, c2.AttachBuffer(src2, AttachSource, 0))
	require.NoError(t, c2.AttachBuffer(sink2, AttachSink, 0))
	require.NoError(t, c2.Params(rejected))

	err = c2.Prepare()
	require.ErrorIs(t, err, ErrFormatMismatch)
	assert.Equal(t, StateReady, c2.State(), "a failed prepare must leave the component in READY, not PREPARE")
}

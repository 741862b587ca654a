package pipeline

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scaleAudioModule doubles every int16 sample, enough to prove
// ProcessAudioStream actually gets driven with the adapter's chosen frame
// count rather than to exercise real DSP.
type scaleAudioModule struct {
	BaseModule
	calls int
}

func newScaleAudioModule() *scaleAudioModule {
	return &scaleAudioModule{BaseModule: BaseModule{ModeValue: ModeAudioStream, DomainValue: DomainLL}}
}

func (m *scaleAudioModule) ProcessAudioStream(src, sink *Buffer, frames int) error {
	m.calls++
	n := frames * src.Format.FrameSize()
	parts := src.peekRead(n)
	flat := make([]byte, 0, n)
	for _, p := range parts {
		flat = append(flat, p...)
	}
	if err := src.Consume(n); err != nil {
		return err
	}
	sinkParts := sink.peekWrite(n)
	off := 0
	for _, p := range sinkParts {
		off += copy(p, flat[off:])
	}
	return sink.Produce(n)
}

// countingRawDataModule records every ProcessRawData call, and a copy of
// the input it was handed, so tests can assert deep-buffer warm-up gating
// and that no samples queued during warm-up were dropped.
type countingRawDataModule struct {
	BaseModule
	calls     int
	lastInput []byte
}

func newCountingRawDataModule(deepBuffBytes, periodBytes int) *countingRawDataModule {
	return &countingRawDataModule{
		BaseModule: BaseModule{
			ModeValue: ModeRawData, DomainValue: DomainLL,
			Cfg: ModuleConfig{DeepBuffBytes: deepBuffBytes, PeriodBytes: periodBytes},
		},
	}
}

func (m *countingRawDataModule) ProcessRawData(inputs [][]byte, outputs [][]byte) ([]int, error) {
	m.calls++
	m.lastInput = append([]byte(nil), inputs[0]...)
	n := copy(outputs[0], inputs[0])
	return []int{n}, nil
}

// llSinkSourceModule shuttles bytes straight from sources to sinks via the
// Buffer API, standing in for a real SINK_SOURCE/LL module.
type llSinkSourceModule struct {
	BaseModule
	calls int
}

func newLLSinkSourceModule() *llSinkSourceModule {
	return &llSinkSourceModule{BaseModule: BaseModule{ModeValue: ModeSinkSource, DomainValue: DomainLL}}
}

func (m *llSinkSourceModule) ProcessSinkSource(sources, sinks []*Buffer) error {
	m.calls++
	for i, src := range sources {
		if i >= len(sinks) {
			break
		}
		frames := AvailFramesAligned(src, sinks[i], 1)
		if frames == 0 {
			continue
		}
		if _, err := CopyWithWrap(src, sinks[i], frames); err != nil {
			return err
		}
	}
	return nil
}

func newAdapterComponent(t *testing.T, typ Type, newModule func() (Module, error)) *Component {
	t.Helper()
	adapter := &ModuleAdapter{NewModule: newModule}
	c, err := NewComponent(uuid.New(), typ, adapter, nil)
	require.NoError(t, err)
	return c
}

func TestModuleAdapterAudioStreamSingleSourceSink(t *testing.T) {
	t.Parallel()
	f := testFormat()
	module := newScaleAudioModule()
	c := newAdapterComponent(t, TypeGain, func() (Module, error) { return module, nil })

	src, err := AllocateBuffer(f, 16, 2, CacheCoherent)
	require.NoError(t, err)
	sink, err := AllocateBuffer(f, 16, 2, CacheCoherent)
	require.NoError(t, err)
	require.NoError(t, c.AttachBuffer(src, AttachSource, 0))
	require.NoError(t, c.AttachBuffer(sink, AttachSink, 0))

	require.NoError(t, c.Params(f))
	require.NoError(t, c.Prepare())
	require.NoError(t, c.Trigger(TriggerStart))

	require.NoError(t, src.Produce(8))
	require.NoError(t, c.Copy())
	assert.Equal(t, 1, module.calls)
	assert.Equal(t, 8, sink.Available())
}

func TestModuleAdapterAudioStreamReturnsPathStopWhenEmpty(t *testing.T) {
	t.Parallel()
	f := testFormat()
	module := newScaleAudioModule()
	c := newAdapterComponent(t, TypeGain, func() (Module, error) { return module, nil })

	src, err := AllocateBuffer(f, 16, 2, CacheCoherent)
	require.NoError(t, err)
	sink, err := AllocateBuffer(f, 16, 2, CacheCoherent)
	require.NoError(t, err)
	require.NoError(t, c.AttachBuffer(src, AttachSource, 0))
	require.NoError(t, c.AttachBuffer(sink, AttachSink, 0))

	require.NoError(t, c.Params(f))
	require.NoError(t, c.Prepare())
	require.NoError(t, c.Trigger(TriggerStart))

	err = c.Copy()
	require.ErrorIs(t, err, PathStop)
	assert.Equal(t, 0, module.calls)
}

// TestModuleAdapterRawDataWarmUpEmitsZerosUntilDeepBuffThreshold exercises
// spec's RAW_DATA deep-buffer warm-up: the adapter must emit exactly
// periodBytes zeros downstream on every tick until the source buffer holds
// deepBuffBytes, then switch to draining the module's real output.
func TestModuleAdapterRawDataWarmUpEmitsZerosUntilDeepBuffThreshold(t *testing.T) {
	t.Parallel()
	f := testFormat()
	const periodBytes = 4
	const deepBuffBytes = 8
	module := newCountingRawDataModule(deepBuffBytes, periodBytes)
	c := newAdapterComponent(t, TypeModule, func() (Module, error) { return module, nil })

	src, err := AllocateBuffer(f, 16, 2, CacheCoherent)
	require.NoError(t, err)
	sink, err := AllocateBuffer(f, 32, 2, CacheCoherent)
	require.NoError(t, err)
	require.NoError(t, c.AttachBuffer(src, AttachSource, 0))
	require.NoError(t, c.AttachBuffer(sink, AttachSink, 0))

	require.NoError(t, c.Params(f))
	require.NoError(t, c.Prepare())
	require.NoError(t, c.Trigger(TriggerStart))

	// Tick 1: periodBytes of real (non-zero) input arrives, still below
	// deepBuffBytes (4 < 8).
	firstTickBytes := []byte{0xAA, 0xAA, 0xAA, 0xAA}
	for _, p := range src.peekWrite(periodBytes) {
		copy(p, firstTickBytes)
	}
	require.NoError(t, src.Produce(periodBytes))
	require.NoError(t, c.Copy())
	assert.Equal(t, 0, module.calls, "module must not be invoked during warm-up")
	assert.Equal(t, periodBytes, sink.Available(), "warm-up tick emits periodBytes of zeros")

	require.NoError(t, sink.Consume(periodBytes))

	// Tick 2: accumulated input now reaches deepBuffBytes; module runs for
	// real and must see both ticks' worth of bytes, not just this tick's.
	secondTickBytes := []byte{0xBB, 0xBB, 0xBB, 0xBB}
	for _, p := range src.peekWrite(periodBytes) {
		copy(p, secondTickBytes)
	}
	require.NoError(t, src.Produce(periodBytes))
	require.NoError(t, c.Copy())
	assert.Equal(t, 1, module.calls, "module must run once the deep buffer has filled")
	assert.Equal(t, append(append([]byte{}, firstTickBytes...), secondTickBytes...), module.lastInput,
		"the real samples queued during warm-up must reach the module, not be discarded")
}

func newDPSinkSourceModule() *llSinkSourceModule {
	return &llSinkSourceModule{BaseModule: BaseModule{ModeValue: ModeSinkSource, DomainValue: DomainDP}}
}

// TestModuleAdapterDPQueuesAppendedOnPrepareAndFreedOnReset proves Prepare
// builds st.dpIn/st.dpOut via AppendToList (spec §4.2's append_to_list) and
// Reset releases them via DPQueue.Free, rather than leaving those ops
// exercised only by their own isolated unit tests.
func TestModuleAdapterDPQueuesAppendedOnPrepareAndFreedOnReset(t *testing.T) {
	t.Parallel()
	f := testFormat()
	module := newDPSinkSourceModule()
	c := newAdapterComponent(t, TypeModule, func() (Module, error) { return module, nil })

	src, err := AllocateBuffer(f, 16, 2, CacheCoherent)
	require.NoError(t, err)
	sink, err := AllocateBuffer(f, 16, 2, CacheCoherent)
	require.NoError(t, err)
	require.NoError(t, c.AttachBuffer(src, AttachSource, 0))
	require.NoError(t, c.AttachBuffer(sink, AttachSink, 0))

	require.NoError(t, c.Params(f))
	require.NoError(t, c.Prepare())

	st := c.Private.(*adapterState)
	require.Len(t, st.dpIn, 1, "prepare must append one dp queue per source via AppendToList")
	require.Len(t, st.dpOut, 1, "prepare must append one dp queue per sink via AppendToList")

	require.NoError(t, c.Reset())
	assert.Nil(t, st.dpIn, "reset must free and clear the dp queues")
	assert.Nil(t, st.dpOut, "reset must free and clear the dp queues")
}

func TestModuleAdapterSinkSourceLLShuttlesBytes(t *testing.T) {
	t.Parallel()
	f := testFormat()
	module := newLLSinkSourceModule()
	c := newAdapterComponent(t, TypeModule, func() (Module, error) { return module, nil })

	src, err := AllocateBuffer(f, 16, 2, CacheCoherent)
	require.NoError(t, err)
	sink, err := AllocateBuffer(f, 16, 2, CacheCoherent)
	require.NoError(t, err)
	require.NoError(t, c.AttachBuffer(src, AttachSource, 0))
	require.NoError(t, c.AttachBuffer(sink, AttachSink, 0))

	require.NoError(t, c.Params(f))
	require.NoError(t, c.Prepare())
	require.NoError(t, c.Trigger(TriggerStart))

	require.NoError(t, src.Produce(8))
	require.NoError(t, c.Copy())
	assert.Equal(t, 1, module.calls)
	assert.Equal(t, 8, sink.Available())
}

func TestModuleAdapterClassifyProcessErrorMapsToXrunExceptPathStop(t *testing.T) {
	t.Parallel()
	a := &ModuleAdapter{}

	err := a.classifyProcessError(PathStop)
	assert.ErrorIs(t, err, PathStop)

	other := a.classifyProcessError(assertErr{})
	assert.False(t, IsPathStop(other))
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

package pipeline

import (
	"fmt"
	"log/slog"

	"github.com/tphakala/dspfirmware/internal/logging"
	"github.com/tphakala/dspfirmware/internal/perrors"
)

// adapterState is the ModuleAdapter's per-component private state (spec
// §4.3's "private" field on Component).
type adapterState struct {
	module Module
	format SampleFormat

	// RAW_DATA scratch buffers, sized by the deep-buffer heuristic.
	inputScratch   []byte
	outputScratch  []byte
	zeroScratch    []byte // pre-sized silence emitted while warming up
	sinkBufferList []*Buffer
	deepBuffBytes  int
	periodBytes    int

	// SINK_SOURCE / DP: queues interposed between the LL buffers and the
	// module's own process_sink_src call.
	dpIn  []*DPQueue
	dpOut []*DPQueue

	periodUs int
	logger   *slog.Logger
}

// ModuleAdapter is the Driver implementation that hosts a plug-in Module,
// bridging the graph's buffers to whichever of the three module-ABI shapes
// the module presents (spec §4.3).
type ModuleAdapter struct {
	NewModule func() (Module, error)
}

func (a *ModuleAdapter) Init(c *Component) error {
	module, err := a.NewModule()
	if err != nil {
		return fmt.Errorf("module adapter init: %w", err)
	}
	if err := module.Init(); err != nil {
		return fmt.Errorf("module adapter init: %w", err)
	}
	c.Private = &adapterState{
		module: module,
		logger: logging.ForComponent("pipeline.moduleadapter", c.ID.String(), nil),
	}
	return nil
}

func (a *ModuleAdapter) Params(c *Component, format SampleFormat) error {
	st := c.Private.(*adapterState)
	st.format = format
	return nil
}

// Prepare implements spec §4.3's per-mode prepare logic.
func (a *ModuleAdapter) Prepare(c *Component) error {
	st := c.Private.(*adapterState)
	module := st.module
	cfg := module.Config()

	if err := module.Prepare(st.format); err != nil {
		return fmt.Errorf("module prepare: %w", err)
	}

	switch module.Mode() {
	case ModeAudioStream:
		// No scratch buffers; the module reads/writes the attached buffers directly.

	case ModeRawData:
		if len(c.Sources) == 0 || len(c.Sinks) == 0 {
			return fmt.Errorf("%w: raw-data module requires at least one source and one sink", ErrInvalidTransition)
		}
		inBuffSize := c.Sources[0].Capacity()
		outBuffSize := c.Sinks[0].Capacity()
		periodBytes := cfg.PeriodBytes
		if periodBytes <= 0 {
			periodBytes = st.format.FrameSize()
		}

		r := float64(inBuffSize) / float64(periodBytes)
		if r < 1 {
			r = float64(periodBytes) / float64(inBuffSize)
		}
		buffPeriods := int(r)
		if float64(buffPeriods) < r {
			buffPeriods++
		}
		if buffPeriods < 1 {
			buffPeriods = 1
		}

		minIn := inBuffSize
		if periodBytes < minIn {
			minIn = periodBytes
		}
		st.deepBuffBytes = minIn * buffPeriods
		if cfg.DeepBuffBytes > 0 {
			st.deepBuffBytes = cfg.DeepBuffBytes
		}

		maxOut := outBuffSize
		if periodBytes > maxOut {
			maxOut = periodBytes
		}
		outLocalSize := maxOut * buffPeriods

		st.inputScratch = make([]byte, inBuffSize)
		st.outputScratch = make([]byte, outLocalSize)
		st.zeroScratch = make([]byte, periodBytes)
		st.periodBytes = periodBytes

		st.sinkBufferList = nil
		for _, sink := range c.Sinks {
			intermediate, err := AllocateBuffer(sink.Format, outLocalSize, sink.Format.FrameSize(), CacheCoherent)
			if err != nil {
				return fmt.Errorf("allocate intermediate sink buffer: %w", err)
			}
			st.sinkBufferList = append(st.sinkBufferList, intermediate)
		}

	case ModeSinkSource:
		switch module.Domain() {
		case DomainLL:
			// Snapshot source/sink endpoint pointers; Component.Sources/Sinks
			// already hold them, nothing further to allocate.
		case DomainDP:
			a.freeDPQueues(st)
			var minPeriodUs int64 = -1
			for _, src := range c.Sources {
				slot := src.Capacity()
				minFree := slot / 2
				if minFree < src.Format.FrameSize() {
					minFree = src.Format.FrameSize()
				}
				q, err := NewDPQueue(src.Format, slot, minFree, DPQueueShared)
				if err != nil {
					return fmt.Errorf("prepare sink-source dp queue: %w", err)
				}
				st.dpIn, err = AppendToList(st.dpIn, q)
				if err != nil {
					return fmt.Errorf("prepare sink-source dp queue: %w", err)
				}
			}
			for _, sink := range c.Sinks {
				slot := sink.Capacity()
				minFree := slot / 2
				if minFree < sink.Format.FrameSize() {
					minFree = sink.Format.FrameSize()
				}
				q, err := NewDPQueue(sink.Format, slot, minFree, DPQueueShared)
				if err != nil {
					return fmt.Errorf("prepare sink-source dp queue: %w", err)
				}
				st.dpOut, err = AppendToList(st.dpOut, q)
				if err != nil {
					return fmt.Errorf("prepare sink-source dp queue: %w", err)
				}
				frameSize := sink.Format.FrameSize()
				periodUs := int64(1_000_000) * int64(minFree) / int64(frameSize*sink.Format.Rate)
				if minPeriodUs < 0 || periodUs < minPeriodUs {
					minPeriodUs = periodUs
				}
			}
			if cfg.PeriodBytes == 0 && minPeriodUs > 0 {
				st.periodUs = int(minPeriodUs)
			}
		}
	}

	return nil
}

func (a *ModuleAdapter) Trigger(c *Component, t Trigger) error {
	st := c.Private.(*adapterState)
	if t == TriggerPause && st.module.Config().NoPause {
		return PathStop
	}
	return nil
}

// Copy implements spec §4.3's per-mode copy logic.
func (a *ModuleAdapter) Copy(c *Component) error {
	st := c.Private.(*adapterState)
	module := st.module

	switch module.Mode() {
	case ModeAudioStream:
		return a.copyAudioStream(c, st)
	case ModeRawData:
		return a.copyRawData(c, st)
	case ModeSinkSource:
		if module.Domain() == DomainLL {
			return module.ProcessSinkSource(c.Sources, c.Sinks)
		}
		return a.copySinkSourceDP(c, st)
	default:
		return fmt.Errorf("unknown module mode %v", module.Mode())
	}
}

func (a *ModuleAdapter) copyAudioStream(c *Component, st *adapterState) error {
	module := st.module

	if len(c.Sources) == 1 && len(c.Sinks) == 1 {
		src, sink := c.Sources[0], c.Sinks[0]
		frames := AvailFramesAligned(src, sink, 1)
		if frames == 0 {
			return PathStop
		}
		nBytes := frames * src.Format.FrameSize()
		src.cache.invalidate(src.idTag, nBytes)
		if err := module.ProcessAudioStream(src, sink, frames); err != nil {
			return a.classifyProcessError(err)
		}
		sink.cache.writeback(sink.idTag, nBytes)
		return nil
	}

	if len(c.Sinks) > 1 {
		// Fan-out: a single source drives the minimum across all sinks.
		src := c.Sources[0]
		minFrames := -1
		for _, sink := range c.Sinks {
			if sink.Source() == nil {
				continue // not attached yet, skip
			}
			frames := AvailFramesAligned(src, sink, 1)
			if minFrames < 0 || frames < minFrames {
				minFrames = frames
			}
		}
		if minFrames <= 0 {
			return PathStop
		}
		for _, sink := range c.Sinks {
			if err := module.ProcessAudioStream(src, sink, minFrames); err != nil {
				return a.classifyProcessError(err)
			}
		}
		return nil
	}

	if len(c.Sources) > 1 {
		// Fan-in: common sink driven by the minimum across active sources.
		sink := c.Sinks[0]
		minFrames := -1
		for _, src := range c.Sources {
			frames := AvailFramesAligned(src, sink, 1)
			if minFrames < 0 || frames < minFrames {
				minFrames = frames
			}
		}
		if minFrames <= 0 {
			return PathStop
		}
		for _, src := range c.Sources {
			if err := module.ProcessAudioStream(src, sink, minFrames); err != nil {
				return a.classifyProcessError(err)
			}
		}
		return nil
	}

	return PathStop
}

func (a *ModuleAdapter) copyRawData(c *Component, st *adapterState) error {
	module := st.module
	src := c.Sources[0]

	if st.deepBuffBytes > 0 {
		if src.Available() < st.deepBuffBytes {
			// Warm-up: leave the real samples queued in src untouched (no
			// Consume) so nothing already produced is lost; only the
			// silence placeholder advances downstream this tick.
			for i, sink := range c.Sinks {
				if err := a.emitToSink(sink, st.sinkBufferList[i], st.zeroScratch); err != nil {
					return err
				}
			}
			return nil
		}
		st.deepBuffBytes = 0
	}

	n := min(src.Available(), len(st.inputScratch))
	input := st.inputScratch[:0:n]
	for _, p := range src.peekRead(n) {
		src.cache.invalidate(src.idTag, len(p))
		input = append(input, p...)
	}
	if err := src.Consume(n); err != nil {
		return err
	}

	output := st.outputScratch
	produced, err := module.ProcessRawData([][]byte{input}, [][]byte{output})
	if err != nil {
		return a.classifyProcessError(err)
	}
	n = len(output)
	if len(produced) > 0 && produced[0] < n {
		n = produced[0]
	}

	for i, sink := range c.Sinks {
		if err := a.emitToSink(sink, st.sinkBufferList[i], output[:n]); err != nil {
			return err
		}
	}
	return nil
}

// emitToSink copies data into the intermediate sink buffer (with wrap),
// then drains as much of it as fits into the downstream attached buffer.
func (a *ModuleAdapter) emitToSink(downstream, intermediate *Buffer, data []byte) error {
	if len(data) > intermediate.Free() {
		return fmt.Errorf("%w: intermediate sink buffer overrun", ErrBufferTooSmall)
	}
	parts := intermediate.peekWrite(len(data))
	off := 0
	for _, p := range parts {
		n := copy(p, data[off:])
		off += n
	}
	if err := intermediate.Produce(len(data)); err != nil {
		return err
	}

	frames := AvailFramesAligned(intermediate, downstream, 1)
	if frames == 0 {
		return nil
	}
	_, err := CopyWithWrap(intermediate, downstream, frames)
	return err
}

func (a *ModuleAdapter) copySinkSourceDP(c *Component, st *adapterState) error {
	// The LL tick shuttles bytes between attached buffers and the DP
	// queues; it performs no DSP itself.
	for i, src := range c.Sources {
		if i >= len(st.dpIn) {
			break
		}
		q := st.dpIn[i]
		dst := q.GetSource()
		frames := AvailFramesAligned(src, dst, 1)
		if frames > 0 {
			if _, err := CopyWithWrap(src, dst, frames); err != nil {
				return err
			}
		}
		q.TrySwap()
	}
	for i, sink := range c.Sinks {
		if i >= len(st.dpOut) {
			break
		}
		q := st.dpOut[i]
		q.TrySwap()
		src := q.GetSink()
		frames := AvailFramesAligned(src, sink, 1)
		if frames > 0 {
			if _, err := CopyWithWrap(src, sink, frames); err != nil {
				return err
			}
		}
	}
	return nil
}

// RunDPTask invokes the module's ProcessSinkSource against the DP queue
// endpoints. It is scheduled separately from the LL tick by the DP pool.
func (a *ModuleAdapter) RunDPTask(c *Component) error {
	st := c.Private.(*adapterState)
	sources := make([]*Buffer, len(st.dpIn))
	for i, q := range st.dpIn {
		sources[i] = q.GetSink()
	}
	sinks := make([]*Buffer, len(st.dpOut))
	for i, q := range st.dpOut {
		sinks[i] = q.GetSource()
	}
	return st.module.ProcessSinkSource(sources, sinks)
}

// freeDPQueues releases any DP queues held from a prior Prepare, mirroring
// spec §4.2's explicit free() before a SINK_SOURCE/DP component re-prepares
// or tears down.
func (a *ModuleAdapter) freeDPQueues(st *adapterState) {
	for _, q := range st.dpIn {
		q.Free()
	}
	for _, q := range st.dpOut {
		q.Free()
	}
	st.dpIn = nil
	st.dpOut = nil
}

func (a *ModuleAdapter) Reset(c *Component) error {
	st := c.Private.(*adapterState)
	st.inputScratch = nil
	st.outputScratch = nil
	st.zeroScratch = nil
	st.sinkBufferList = nil
	a.freeDPQueues(st)
	st.deepBuffBytes = 0
	st.periodUs = 0
	return st.module.Reset()
}

func (a *ModuleAdapter) Cmd(c *Component, op CmdOp, key string, value any) (any, error) {
	st := c.Private.(*adapterState)
	switch op {
	case CmdGetData, CmdGetValue:
		return st.module.GetConfig(key)
	case CmdSetData, CmdSetValue:
		return nil, st.module.SetConfig(key, value)
	default:
		return nil, fmt.Errorf("unknown cmd op %v", op)
	}
}

func (a *ModuleAdapter) Free(c *Component) error {
	st := c.Private.(*adapterState)
	return st.module.Free()
}

// classifyProcessError maps a module's process() return into spec §7's
// taxonomy: PATH_STOP for flow control, everything else marks an xrun.
func (a *ModuleAdapter) classifyProcessError(err error) error {
	if IsPathStop(err) {
		return PathStop
	}
	return perrors.New(err).
		Component(ComponentPipeline).
		Category(perrors.CategoryXrun).
		Build()
}

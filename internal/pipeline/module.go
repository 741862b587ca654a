package pipeline

// ModuleMode names the module-ABI shape a processing module presents to its
// adapter, per spec §3/§4.3. Exactly one of the three Process* methods on
// Module is ever invoked for a given module, selected by Mode(); this is
// the tagged-variant dispatch spec §9 calls for in place of raw
// polymorphism.
type ModuleMode int

const (
	ModeAudioStream ModuleMode = iota
	ModeRawData
	ModeSinkSource
)

func (m ModuleMode) String() string {
	switch m {
	case ModeAudioStream:
		return "AUDIO_STREAM"
	case ModeRawData:
		return "RAW_DATA"
	case ModeSinkSource:
		return "SINK_SOURCE"
	default:
		return "UNKNOWN"
	}
}

// Domain names the scheduling domain a module runs in.
type Domain int

const (
	DomainLL Domain = iota
	DomainDP
)

func (d Domain) String() string {
	if d == DomainDP {
		return "DP"
	}
	return "LL"
}

// ModuleConfig carries the static parameters of a processing module that
// the adapter needs to size buffers and compute periodicity.
type ModuleConfig struct {
	// DeepBuffBytes, when non-zero, is the warm-up threshold a RAW_DATA
	// module wants absorbed in zeros before real samples reach the sink.
	DeepBuffBytes int
	// PeriodBytes is the module's natural processing quantum. For
	// SINK_SOURCE/DP modules with PeriodBytes == 0 the adapter derives a
	// scheduling period in microseconds during Prepare: the shortest time,
	// across the sinks' DP queues, to fill one queue's swap threshold (half
	// its capacity) at the sink's rate.
	PeriodBytes int
	MaxSources  int
	MaxSinks    int
	// NoPause marks a module that cannot honour PAUSE; Trigger(PAUSE)
	// leaves it ACTIVE and returns PathStop.
	NoPause bool
	// Core constrains which logical core a DP-domain module's task may run on.
	// -1 means any core.
	Core int
}

// Module is the plug-in processing algorithm a ModuleAdapter hosts. It is
// the external collaborator spec §1 calls out as out of scope for this
// runtime's own logic; built-in modules (gain, mixer, tone, passthrough
// SRC) implement it in the teacher's idiom so the runtime is exercised
// end-to-end without a real DSP kernel.
type Module interface {
	Mode() ModuleMode
	Domain() Domain
	Config() ModuleConfig

	Init() error
	// Prepare is called once the adapter has computed scratch sizing and
	// period; a module may adjust its own config in response (e.g. after
	// seeing the negotiated sample format).
	Prepare(format SampleFormat) error

	// ProcessAudioStream is called for ModeAudioStream modules: src and
	// sink are the attached ring buffers directly, frames is the aligned
	// frame count available on both sides.
	ProcessAudioStream(src, sink *Buffer, frames int) error

	// ProcessRawData is called for ModeRawData modules against the
	// adapter's scratch buffers. It returns the number of bytes produced
	// into each output slice.
	ProcessRawData(inputs [][]byte, outputs [][]byte) ([]int, error)

	// ProcessSinkSource is called for ModeSinkSource modules: the module
	// moves its own bytes via the Buffer source/sink API on sources/sinks
	// (which, in the DP case, are the module's own DP queue endpoints).
	ProcessSinkSource(sources, sinks []*Buffer) error

	Reset() error
	Free() error

	GetConfig(key string) (any, error)
	SetConfig(key string, value any) error
}

// BaseModule implements the parts of Module that most built-in modules
// share so concrete modules only need to override what differs, following
// the teacher's embed-and-override pattern for its processor implementations.
type BaseModule struct {
	ModeValue   ModuleMode
	DomainValue Domain
	Cfg         ModuleConfig
}

func (b *BaseModule) Mode() ModuleMode     { return b.ModeValue }
func (b *BaseModule) Domain() Domain       { return b.DomainValue }
func (b *BaseModule) Config() ModuleConfig { return b.Cfg }

func (b *BaseModule) Init() error                       { return nil }
func (b *BaseModule) Prepare(SampleFormat) error         { return nil }
func (b *BaseModule) Reset() error                       { return nil }
func (b *BaseModule) Free() error                        { return nil }
func (b *BaseModule) GetConfig(string) (any, error)      { return nil, nil }
func (b *BaseModule) SetConfig(string, any) error        { return nil }

func (b *BaseModule) ProcessAudioStream(*Buffer, *Buffer, int) error {
	return errUnsupportedMode(ModeAudioStream, b.ModeValue)
}

func (b *BaseModule) ProcessRawData([][]byte, [][]byte) ([]int, error) {
	return nil, errUnsupportedMode(ModeRawData, b.ModeValue)
}

func (b *BaseModule) ProcessSinkSource([]*Buffer, []*Buffer) error {
	return errUnsupportedMode(ModeSinkSource, b.ModeValue)
}

func errUnsupportedMode(called, actual ModuleMode) error {
	return &unsupportedModeError{called: called, actual: actual}
}

type unsupportedModeError struct {
	called, actual ModuleMode
}

func (e *unsupportedModeError) Error() string {
	return "module mode mismatch: " + e.called.String() + " called on a " + e.actual.String() + " module"
}

package pipeline

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/tphakala/dspfirmware/internal/logging"
)

// TopologyDocument is the declarative document spec §6 describes: a set of
// pipelines, component/buffer class-instances, and routes between them.
type TopologyDocument struct {
	Pipelines  []TopologyPipeline  `yaml:"pipelines"`
	Components []TopologyComponent `yaml:"components"`
	Buffers    []TopologyBuffer    `yaml:"buffers"`
	Routes     []TopologyRoute     `yaml:"routes"`
}

// TopologyPipeline describes one pipeline's scheduling metadata.
type TopologyPipeline struct {
	ID              uuid.UUID `yaml:"id"`
	Core            int       `yaml:"core"`
	Priority        int       `yaml:"priority"`
	DeadlineUs      int64     `yaml:"deadline_us"`
	PeriodUs        int64     `yaml:"period_us"`
	TimeDomain      string    `yaml:"time_domain"` // "timer" | "dma"
	ChannelsMin     int       `yaml:"channels_min"`
	ChannelsMax     int       `yaml:"channels_max"`
	RateMin         int       `yaml:"rate_min"`
	RateMax         int       `yaml:"rate_max"`
	LPMode          bool      `yaml:"lp_mode"`
	Direction       string    `yaml:"direction"` // "playback" | "capture"
	DynamicPipeline bool      `yaml:"dynamic_pipeline"`
	EndpointID      uuid.UUID `yaml:"endpoint_id"`
}

// TopologyComponent describes one component class-instance.
type TopologyComponent struct {
	ID       uuid.UUID      `yaml:"id"`
	Pipeline uuid.UUID      `yaml:"pipeline"`
	DriverID uuid.UUID      `yaml:"driver_id"`
	Type     Type           `yaml:"type"`
	Config   map[string]any `yaml:"config"`
}

// TopologyBuffer describes one buffer instance.
type TopologyBuffer struct {
	ID            uuid.UUID  `yaml:"id"`
	Pipeline      uuid.UUID  `yaml:"pipeline"`
	CapacityBytes int        `yaml:"capacity_bytes"`
	Alignment     int        `yaml:"alignment"`
	Rate          int        `yaml:"rate"`
	Channels      int        `yaml:"channels"`
	Container     int        `yaml:"container_bytes"`
	ValidBits     int        `yaml:"valid_bits"`
	SampleType    SampleType `yaml:"sample_type"`
	CacheAttr     CacheAttr  `yaml:"cache_attr"`
}

// TopologyRoute connects source.<id>.<pin> to sink.<id>.<pin>, where one
// side names a component and the other a buffer (spec §6).
type TopologyRoute struct {
	ConnID uuid.UUID `yaml:"conn_id"`
	Source RouteEnd  `yaml:"source"`
	Sink   RouteEnd  `yaml:"sink"`
}

// RouteEnd names a component or buffer endpoint of a route, plus pin.
type RouteEnd struct {
	ComponentID uuid.UUID `yaml:"component_id"`
	BufferID    uuid.UUID `yaml:"buffer_id"`
	Pin         int       `yaml:"pin"`
}

// ParseTopology decodes a topology document from YAML.
func ParseTopology(data []byte) (*TopologyDocument, error) {
	var doc TopologyDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse topology: %w", err)
	}
	return &doc, nil
}

// Handler implements spec §6's IPC message surface against an in-memory
// graph: new_pipeline/new_component/new_buffer/connect/complete_pipeline/
// trigger/params/set_data/get_data. It is the external-collaborator
// boundary spec §1 calls out as "not core" — this is a minimal in-process
// stand-in exercised by cmd/pipelinesim and the test suite, not a wire
// protocol implementation.
type Handler struct {
	registry *DriverRegistry
	logger   *slog.Logger

	mu         sync.Mutex
	pipelines  map[uuid.UUID]*Pipeline
	components map[uuid.UUID]*Component
	buffers    map[uuid.UUID]*Buffer
	connIDs    map[uuid.UUID]map[uuid.UUID]bool // pipeline -> conn_id -> seen

	// created tracks allocation order per in-flight topology load so a
	// configuration/resource error can unwind in reverse-order destruction,
	// per spec §7's propagation rule.
	created []func()
}

// NewHandler builds an IPC handler bound to a driver registry.
func NewHandler(registry *DriverRegistry) *Handler {
	return &Handler{
		registry:   registry,
		logger:     logging.ForService("pipeline.ipc"),
		pipelines:  make(map[uuid.UUID]*Pipeline),
		components: make(map[uuid.UUID]*Component),
		buffers:    make(map[uuid.UUID]*Buffer),
		connIDs:    make(map[uuid.UUID]map[uuid.UUID]bool),
	}
}

// Pipeline returns a previously created pipeline by ID, for callers (e.g.
// cmd/pipelinesim) that need to hand it to a Scheduler after loading a
// topology through this handler.
func (h *Handler) Pipeline(id uuid.UUID) (*Pipeline, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.pipelines[id]
	if !ok {
		return nil, fmt.Errorf("%w: pipeline %s", ErrComponentNotFound, id)
	}
	return p, nil
}

// NewPipeline implements new_pipeline(id, core, priority, deadline_us).
func (h *Handler) NewPipeline(id uuid.UUID, core, priority int, deadlineUs, periodUs int64, domain TimeDomain, dir Direction) (*Pipeline, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.pipelines[id]; exists {
		return nil, fmt.Errorf("%w: pipeline %s", ErrDriverAlreadyRegistered, id)
	}
	p := NewPipeline(id, core, priority, deadlineUs, periodUs, domain, dir)
	h.pipelines[id] = p
	h.connIDs[id] = make(map[uuid.UUID]bool)
	return p, nil
}

// NewComponent implements new_component(driver_id, id, config, spec).
func (h *Handler) NewComponent(pipelineID, driverID, id uuid.UUID, typ Type, config map[string]any) (*Component, error) {
	h.mu.Lock()
	p, ok := h.pipelines[pipelineID]
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: pipeline %s", ErrComponentNotFound, pipelineID)
	}

	c, err := h.registry.New(driverID, id, typ, config)
	if err != nil {
		return nil, err
	}
	if err := p.AddComponent(c); err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.components[id] = c
	h.mu.Unlock()
	return c, nil
}

// NewBuffer implements new_buffer(id, capacity).
func (h *Handler) NewBuffer(pipelineID, id uuid.UUID, format SampleFormat, capacity, alignment int, cacheAttr CacheAttr) (*Buffer, error) {
	h.mu.Lock()
	p, ok := h.pipelines[pipelineID]
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: pipeline %s", ErrComponentNotFound, pipelineID)
	}

	buf, err := AllocateBuffer(format, capacity, alignment, cacheAttr)
	if err != nil {
		return nil, err
	}
	buf.ID = id
	if err := p.AddBuffer(buf); err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.buffers[id] = buf
	h.mu.Unlock()
	return buf, nil
}

// Connect implements connect(src_comp, src_buf) / connect(buf, sink_comp),
// tracking the connection's ID against the Open Question resolution in
// spec §9: duplicate connection IDs within a pipeline, or routes naming an
// undefined component/buffer, are rejected outright rather than guessed at.
func (h *Handler) Connect(pipelineID, connID uuid.UUID, srcComp, srcBuf, sinkBuf, sinkComp uuid.UUID, pin int) error {
	h.mu.Lock()
	seen, ok := h.connIDs[pipelineID]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("%w: pipeline %s", ErrComponentNotFound, pipelineID)
	}
	if seen[connID] {
		h.mu.Unlock()
		return fmt.Errorf("%w: connection %s already used in pipeline %s", ErrDuplicateConnectionID, connID, pipelineID)
	}

	var buf *Buffer
	var comp *Component
	var direction AttachDirection
	switch {
	case srcComp != uuid.Nil && sinkBuf != uuid.Nil:
		// Route names a component as source, a buffer as sink: the
		// component writes into buf, i.e. buf is the component's sink.
		comp, ok = h.components[srcComp]
		if !ok {
			h.mu.Unlock()
			return fmt.Errorf("%w: component %s", ErrUndefinedRouteReference, srcComp)
		}
		buf, ok = h.buffers[sinkBuf]
		if !ok {
			h.mu.Unlock()
			return fmt.Errorf("%w: buffer %s", ErrUndefinedRouteReference, sinkBuf)
		}
		direction = AttachSink
	case srcBuf != uuid.Nil && sinkComp != uuid.Nil:
		// Route names a buffer as source, a component as sink: the
		// component reads from buf, i.e. buf is the component's source.
		buf, ok = h.buffers[srcBuf]
		if !ok {
			h.mu.Unlock()
			return fmt.Errorf("%w: buffer %s", ErrUndefinedRouteReference, srcBuf)
		}
		comp, ok = h.components[sinkComp]
		if !ok {
			h.mu.Unlock()
			return fmt.Errorf("%w: component %s", ErrUndefinedRouteReference, sinkComp)
		}
		direction = AttachSource
	default:
		h.mu.Unlock()
		return fmt.Errorf("%w: connect requires either (src_comp,sink_buf) or (src_buf,sink_comp)", ErrUndefinedRouteReference)
	}
	seen[connID] = true
	h.mu.Unlock()

	return comp.AttachBuffer(buf, direction, pin)
}

// CompletePipeline implements complete_pipeline(id): finalises the graph,
// rejecting disconnected or cyclic topologies (spec §4.4, §8 scenario 5).
func (h *Handler) CompletePipeline(pipelineID, endpointID uuid.UUID) error {
	h.mu.Lock()
	p, ok := h.pipelines[pipelineID]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: pipeline %s", ErrComponentNotFound, pipelineID)
	}
	return p.Complete(endpointID)
}

// Trigger implements trigger(pipeline_id, {PREPARE|START|STOP|PAUSE|RELEASE|RESET}).
// PREPARE and RESET act on every component in build order; the remaining
// triggers act on the pipeline's resolved topological order so that, e.g.,
// START activates producers before consumers within the same call.
func (h *Handler) Trigger(pipelineID uuid.UUID, cmd string) error {
	h.mu.Lock()
	p, ok := h.pipelines[pipelineID]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: pipeline %s", ErrComponentNotFound, pipelineID)
	}

	switch cmd {
	case "PREPARE":
		for _, c := range p.Components() {
			if err := c.Prepare(); err != nil {
				return err
			}
		}
		return nil
	case "RESET":
		for _, c := range p.Components() {
			if err := c.Reset(); err != nil {
				return err
			}
		}
		p.SetState(PipelineReady)
		return nil
	case "START":
		for _, c := range p.Order() {
			if err := c.Trigger(TriggerStart); err != nil && !IsPathStop(err) {
				return err
			}
		}
		p.SetState(PipelineActive)
		return nil
	case "STOP":
		for _, c := range p.Order() {
			if err := c.Trigger(TriggerStop); err != nil && !IsPathStop(err) {
				return err
			}
		}
		p.SetState(PipelineReady)
		return nil
	case "PAUSE":
		for _, c := range p.Order() {
			if err := c.Trigger(TriggerPause); err != nil && !IsPathStop(err) {
				return err
			}
		}
		p.SetState(PipelinePaused)
		return nil
	case "RELEASE":
		for _, c := range p.Order() {
			if err := c.Trigger(TriggerRelease); err != nil && !IsPathStop(err) {
				return err
			}
		}
		p.SetState(PipelineActive)
		return nil
	default:
		return fmt.Errorf("unknown trigger command %q", cmd)
	}
}

// Params implements params(comp_id, stream_params).
func (h *Handler) Params(componentID uuid.UUID, format SampleFormat) error {
	h.mu.Lock()
	c, ok := h.components[componentID]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: component %s", ErrComponentNotFound, componentID)
	}
	return c.Params(format)
}

// ConfigFragment frames an opaque set_data/get_data blob, per spec §6:
// {first, middle, last, single} with a consistent declared total size on
// the first fragment.
type ConfigFragment struct {
	First     bool
	Middle    bool
	Last      bool
	Single    bool
	TotalSize int
	Data      []byte
}

// fragmentAssembly accumulates fragments for one in-flight set_data call.
type fragmentAssembly struct {
	totalSize int
	buf       []byte
}

var fragmentAssemblies sync.Map // componentID+key -> *fragmentAssembly

// SetData implements set_data(comp_id, fragment). Multi-fragment payloads
// are assembled before being forwarded to the driver's Cmd(CmdSetData, ...).
func (h *Handler) SetData(componentID uuid.UUID, key string, frag ConfigFragment) error {
	h.mu.Lock()
	c, ok := h.components[componentID]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: component %s", ErrComponentNotFound, componentID)
	}

	if frag.Single {
		_, err := c.Cmd(CmdSetData, key, frag.Data)
		return err
	}

	assemblyKey := componentID.String() + ":" + key
	if frag.First {
		if frag.TotalSize <= 0 {
			return fmt.Errorf("set_data: first fragment must declare a positive total size")
		}
		fragmentAssemblies.Store(assemblyKey, &fragmentAssembly{totalSize: frag.TotalSize})
	}

	v, ok := fragmentAssemblies.Load(assemblyKey)
	if !ok {
		return fmt.Errorf("set_data: fragment received for %s before a first fragment", assemblyKey)
	}
	asm := v.(*fragmentAssembly)
	asm.buf = append(asm.buf, frag.Data...)

	if !frag.Last {
		return nil
	}
	fragmentAssemblies.Delete(assemblyKey)
	if len(asm.buf) != asm.totalSize {
		return fmt.Errorf("set_data: assembled %d bytes, declared total was %d", len(asm.buf), asm.totalSize)
	}
	_, err := c.Cmd(CmdSetData, key, asm.buf)
	return err
}

// GetData implements get_data(comp_id, fragment) for the single-fragment
// case; larger blobs are the driver's responsibility to chunk via repeated
// calls with an offset encoded in key, mirroring how set_data's framing is
// a transport concern layered over Cmd.
func (h *Handler) GetData(componentID uuid.UUID, key string) ([]byte, error) {
	h.mu.Lock()
	c, ok := h.components[componentID]
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: component %s", ErrComponentNotFound, componentID)
	}
	v, err := c.Cmd(CmdGetData, key, nil)
	if err != nil {
		return nil, err
	}
	data, _ := v.([]byte)
	return data, nil
}

// timeDomainFromString maps the topology document's "timer"/"dma" string
// onto TimeDomain, defaulting to timer on anything else.
func timeDomainFromString(s string) TimeDomain {
	if s == "dma" {
		return TimeDomainDMA
	}
	return TimeDomainTimer
}

func directionFromString(s string) Direction {
	if s == "capture" {
		return DirectionCapture
	}
	return DirectionPlayback
}

// LoadTopology builds the complete graph described by doc: pipelines, then
// components, then buffers, then routes, finally completing each pipeline.
// On any configuration or resource error it unwinds everything it has
// allocated so far in reverse order (spec §7's "abort the enclosing IPC and
// unwind any partially created objects" rule) and returns the error.
func (h *Handler) LoadTopology(doc *TopologyDocument) (err error) {
	h.mu.Lock()
	h.created = nil
	h.mu.Unlock()

	defer func() {
		if err != nil {
			h.unwind()
		}
	}()

	for _, tp := range doc.Pipelines {
		p, perr := h.NewPipeline(tp.ID, tp.Core, tp.Priority, tp.DeadlineUs, tp.PeriodUs,
			timeDomainFromString(tp.TimeDomain), directionFromString(tp.Direction))
		if perr != nil {
			return perr
		}
		id := tp.ID
		h.pushUndo(func() {
			h.mu.Lock()
			delete(h.pipelines, id)
			delete(h.connIDs, id)
			h.mu.Unlock()
		})
		_ = p
	}

	for _, tc := range doc.Components {
		c, cerr := h.NewComponent(tc.Pipeline, tc.DriverID, tc.ID, tc.Type, tc.Config)
		if cerr != nil {
			return cerr
		}
		id := tc.ID
		h.pushUndo(func() {
			_ = c.Free()
			h.mu.Lock()
			delete(h.components, id)
			h.mu.Unlock()
		})
	}

	for _, tb := range doc.Buffers {
		format := SampleFormat{
			Rate:           tb.Rate,
			Channels:       tb.Channels,
			ContainerBytes: tb.Container,
			ValidBits:      tb.ValidBits,
			SampleType:     tb.SampleType,
		}
		alignment := tb.Alignment
		if alignment <= 0 {
			alignment = format.FrameSize()
		}
		_, berr := h.NewBuffer(tb.Pipeline, tb.ID, format, tb.CapacityBytes, alignment, tb.CacheAttr)
		if berr != nil {
			return berr
		}
		id := tb.ID
		h.pushUndo(func() {
			h.mu.Lock()
			delete(h.buffers, id)
			h.mu.Unlock()
		})
	}

	for _, tr := range doc.Routes {
		var pipelineID uuid.UUID
		switch {
		case tr.Source.ComponentID != uuid.Nil:
			pipelineID = h.pipelineOf(tr.Source.ComponentID)
		case tr.Sink.ComponentID != uuid.Nil:
			pipelineID = h.pipelineOf(tr.Sink.ComponentID)
		}
		if rerr := h.Connect(pipelineID, tr.ConnID, tr.Source.ComponentID, tr.Source.BufferID,
			tr.Sink.BufferID, tr.Sink.ComponentID, tr.Source.Pin); rerr != nil {
			return rerr
		}
	}

	for _, tp := range doc.Pipelines {
		if tp.EndpointID == uuid.Nil {
			continue
		}
		if cerr := h.CompletePipeline(tp.ID, tp.EndpointID); cerr != nil {
			return cerr
		}
	}

	return nil
}

func (h *Handler) pushUndo(fn func()) {
	h.mu.Lock()
	h.created = append(h.created, fn)
	h.mu.Unlock()
}

// unwind runs every undo recorded by LoadTopology in reverse order.
func (h *Handler) unwind() {
	h.mu.Lock()
	undo := h.created
	h.created = nil
	h.mu.Unlock()

	for i := len(undo) - 1; i >= 0; i-- {
		undo[i]()
	}
}

// pipelineOf finds which pipeline a component belongs to by scanning its
// recorded components; used when a route names only a component endpoint.
func (h *Handler) pipelineOf(componentID uuid.UUID) uuid.UUID {
	h.mu.Lock()
	defer h.mu.Unlock()
	for pid, p := range h.pipelines {
		for _, c := range p.Components() {
			if c.ID == componentID {
				return pid
			}
		}
	}
	return uuid.Nil
}

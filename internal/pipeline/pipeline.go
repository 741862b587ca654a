package pipeline

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// TimeDomain names what drives a pipeline's period.
type TimeDomain int

const (
	TimeDomainTimer TimeDomain = iota
	TimeDomainDMA
)

// Direction names the data-flow direction of a pipeline.
type Direction int

const (
	DirectionPlayback Direction = iota
	DirectionCapture
)

// PipelineState mirrors the component state machine at the pipeline
// granularity; a pipeline's state tracks its scheduling component.
type PipelineState int

const (
	PipelineBuilding PipelineState = iota // components/buffers still being added
	PipelineReady
	PipelineActive
	PipelinePaused
)

func (s PipelineState) String() string {
	switch s {
	case PipelineBuilding:
		return "BUILDING"
	case PipelineReady:
		return "READY"
	case PipelineActive:
		return "ACTIVE"
	case PipelinePaused:
		return "PAUSED"
	default:
		return "UNKNOWN"
	}
}

// Pipeline is a connected subgraph of components plus scheduling metadata,
// per spec §4.4.
type Pipeline struct {
	ID         uuid.UUID
	Core       int
	Priority   int
	DeadlineUs int64
	PeriodUs   int64
	TimeDomain TimeDomain
	Direction  Direction

	mu sync.Mutex

	components []*Component
	buffers    []*Buffer

	// resolved by Complete()
	schedulingComponent *Component
	sourceComponent     *Component
	sinkComponent       *Component
	order               []*Component // strict topological order for the LL tick

	state   PipelineState
	xrunRun int // consecutive xrun count, reset on a clean tick
}

// NewPipeline allocates an empty pipeline shell; components and buffers are
// added via AddComponent/AddBuffer before Complete resolves the graph.
func NewPipeline(id uuid.UUID, core, priority int, deadlineUs, periodUs int64, domain TimeDomain, dir Direction) *Pipeline {
	return &Pipeline{
		ID:         id,
		Core:       core,
		Priority:   priority,
		DeadlineUs: deadlineUs,
		PeriodUs:   periodUs,
		TimeDomain: domain,
		Direction:  dir,
		state:      PipelineBuilding,
	}
}

// AddComponent registers a component as belonging to this pipeline's graph.
func (p *Pipeline) AddComponent(c *Component) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != PipelineBuilding {
		return fmt.Errorf("%w: pipeline %s is no longer building", ErrInvalidTransition, p.ID)
	}
	p.components = append(p.components, c)
	return nil
}

// AddBuffer registers a buffer as belonging to this pipeline's graph.
func (p *Pipeline) AddBuffer(b *Buffer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != PipelineBuilding {
		return fmt.Errorf("%w: pipeline %s is no longer building", ErrInvalidTransition, p.ID)
	}
	p.buffers = append(p.buffers, b)
	return nil
}

// State returns the pipeline's current lifecycle state.
func (p *Pipeline) State() PipelineState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Order returns the resolved strict topological order computed by Complete.
func (p *Pipeline) Order() []*Component {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Component(nil), p.order...)
}

// Complete resolves the scheduling/source/sink components by traversing the
// connected graph from an endpoint, rejecting cycles and disconnected
// subgraphs, per spec §4.4. endpointID names the producer component the
// traversal starts from and follows sink-buffer attachments downstream:
// HOST for a playback pipeline, DAI for a capture pipeline.
func (p *Pipeline) Complete(endpointID uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != PipelineBuilding {
		return fmt.Errorf("%w: pipeline %s already completed", ErrInvalidTransition, p.ID)
	}

	byID := make(map[uuid.UUID]*Component, len(p.components))
	for _, c := range p.components {
		byID[c.ID] = c
	}
	endpoint, ok := byID[endpointID]
	if !ok {
		return fmt.Errorf("%w: endpoint %s not in pipeline %s", ErrUndefinedRouteReference, endpointID, p.ID)
	}

	order, err := topologicalOrder(p.components, endpoint)
	if err != nil {
		return err
	}
	if len(order) != len(p.components) {
		return fmt.Errorf("%w: pipeline %s has %d unreachable component(s)", ErrGraphDisconnected, p.ID, len(p.components)-len(order))
	}

	p.order = order
	p.sourceComponent = order[0]
	p.sinkComponent = order[len(order)-1]
	p.schedulingComponent = endpoint
	p.state = PipelineReady
	return nil
}

// topologicalOrder walks the graph from start, following sink buffer
// attachments downstream, and returns components in strict dependency
// order. An edge back to an already-visited-and-closed component signals a
// cycle.
func topologicalOrder(components []*Component, start *Component) ([]*Component, error) {
	const (
		white = iota // unvisited
		grey         // on the current DFS stack
		black        // fully processed
	)
	color := make(map[uuid.UUID]int, len(components))
	for _, c := range components {
		color[c.ID] = white
	}

	var order []*Component
	var visit func(c *Component) error
	visit = func(c *Component) error {
		if color[c.ID] == black {
			return nil
		}
		if color[c.ID] == grey {
			return fmt.Errorf("%w: cycle detected at component %s", ErrGraphCycle, c.ID)
		}
		color[c.ID] = grey

		for _, sink := range c.Sinks {
			next := componentConsumingBuffer(components, sink)
			if next == nil {
				continue
			}
			if err := visit(next); err != nil {
				return err
			}
		}

		color[c.ID] = black
		order = append(order, c)
		return nil
	}

	if err := visit(start); err != nil {
		return nil, err
	}

	// visit() builds order in post-order (sink-to-source); reverse it to get
	// source-to-sink topological order.
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order, nil
}

// componentConsumingBuffer finds the component attached to buf as a source
// (i.e. the component reading from it downstream of its producer).
func componentConsumingBuffer(components []*Component, buf *Buffer) *Component {
	sink := buf.Sink()
	if sink == nil {
		return nil
	}
	for _, c := range components {
		if c.ID == sink.ComponentID {
			return c
		}
	}
	return nil
}

// RecordXrun increments the pipeline's consecutive xrun counter and reports
// whether the configured recovery threshold has now been exceeded.
func (p *Pipeline) RecordXrun(limit int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.xrunRun++
	return p.xrunRun > limit
}

// ClearXrun resets the consecutive xrun counter after a clean tick.
func (p *Pipeline) ClearXrun() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.xrunRun = 0
}

// SetState is used by the scheduler to reflect a lifecycle trigger applied
// to the pipeline's scheduling component.
func (p *Pipeline) SetState(s PipelineState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = s
}

// Components returns the pipeline's component set in build order (not the
// resolved topological order; use Order for that).
func (p *Pipeline) Components() []*Component {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Component(nil), p.components...)
}

package pipeline

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// State is a component lifecycle state, per spec §3's state machine.
type State int

const (
	StateInit State = iota
	StateReady
	StatePrepare
	StateActive
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateReady:
		return "READY"
	case StatePrepare:
		return "PREPARE"
	case StateActive:
		return "ACTIVE"
	case StatePaused:
		return "PAUSED"
	default:
		return "UNKNOWN"
	}
}

// Trigger is a lifecycle command posted to a component.
type Trigger int

const (
	TriggerStart Trigger = iota
	TriggerPause
	TriggerStop
	TriggerRelease
)

func (t Trigger) String() string {
	switch t {
	case TriggerStart:
		return "START"
	case TriggerPause:
		return "PAUSE"
	case TriggerStop:
		return "STOP"
	case TriggerRelease:
		return "RELEASE"
	default:
		return "UNKNOWN"
	}
}

// Type names the built-in component kinds. Adapter-hosted plug-in modules
// use TypeModule plus a driver-specific subtype carried in Config.
type Type string

const (
	TypeHost   Type = "HOST"
	TypeDAI    Type = "DAI"
	TypeMixer  Type = "MIXER"
	TypeMixin  Type = "MIXIN"
	TypeMixout Type = "MIXOUT"
	TypeGain   Type = "GAIN"
	TypeEQ     Type = "EQ"
	TypeSRC    Type = "SRC"
	TypeTone   Type = "TONE"
	TypeModule Type = "MODULE"
)

// Driver is the capability set a component type implements: exactly one
// driver instance per component, dispatched by the component registry.
// Drivers that host plug-in processing modules (ModuleAdapter) further
// narrow Copy to one of the three process_* variants described in spec §4.3;
// this interface only carries the generic lifecycle surface every component
// type shares.
type Driver interface {
	// Init performs driver-specific allocation; called once from new().
	Init(c *Component) error
	// Params propagates/verifies stream parameters. Precondition: READY.
	Params(c *Component, format SampleFormat) error
	// Prepare allocates I/O resources and computes periodicity. Precondition: READY.
	Prepare(c *Component) error
	// Trigger handles a lifecycle command after the generic FSM has
	// validated the transition is legal. It may return PathStop (e.g. a
	// no_pause module asked to PAUSE).
	Trigger(c *Component, t Trigger) error
	// Copy performs one processing pass. Precondition: ACTIVE.
	Copy(c *Component) error
	// Reset releases per-prepare resources. Precondition: any state past READY.
	Reset(c *Component) error
	// Cmd forwards an opaque GET/SET DATA or VALUE request to the driver's
	// config handler. Legal in any state.
	Cmd(c *Component, op CmdOp, key string, value any) (any, error)
	// Free releases all driver resources. Precondition: READY.
	Free(c *Component) error
}

// CmdOp names a component configuration command.
type CmdOp int

const (
	CmdGetData CmdOp = iota
	CmdSetData
	CmdGetValue
	CmdSetValue
)

// Component is a graph node: a stateful processing unit with source/sink
// buffer attachments and a lifecycle state, per spec §3/§4.3.
type Component struct {
	ID     uuid.UUID
	Type   Type
	Driver Driver
	Config map[string]any

	mu    sync.Mutex
	state State

	Sources []*Buffer
	Sinks   []*Buffer

	// Private is driver-owned scratch state (e.g. *moduleAdapterState).
	Private any
}

// NewComponent allocates a component and runs the driver's Init hook,
// landing it in READY.
func NewComponent(id uuid.UUID, typ Type, driver Driver, config map[string]any) (*Component, error) {
	c := &Component{
		ID:     id,
		Type:   typ,
		Driver: driver,
		Config: config,
		state:  StateInit,
	}
	if err := driver.Init(c); err != nil {
		return nil, fmt.Errorf("init component %s: %w", id, err)
	}
	c.state = StateReady
	return c, nil
}

// State returns the component's current lifecycle state.
func (c *Component) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Params propagates stream parameters. Legal only in READY.
func (c *Component) Params(format SampleFormat) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady {
		return fmt.Errorf("%w: params requires READY, component %s is %s", ErrInvalidTransition, c.ID, c.state)
	}
	return c.Driver.Params(c, format)
}

// Prepare allocates I/O resources and transitions READY -> PREPARE.
func (c *Component) Prepare() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady {
		return fmt.Errorf("%w: prepare requires READY, component %s is %s", ErrInvalidTransition, c.ID, c.state)
	}
	if err := c.Driver.Prepare(c); err != nil {
		return err
	}
	c.state = StatePrepare
	return nil
}

// Trigger posts a lifecycle command, validating the transition table from
// spec §4.3 before delegating the driver-specific effect.
func (c *Component) Trigger(t Trigger) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch t {
	case TriggerStart:
		if c.state != StatePrepare && c.state != StatePaused {
			return fmt.Errorf("%w: START requires PREPARE or PAUSED, component %s is %s", ErrInvalidTransition, c.ID, c.state)
		}
		if err := c.Driver.Trigger(c, t); err != nil && !IsPathStop(err) {
			return err
		}
		c.state = StateActive
		return nil

	case TriggerRelease:
		if c.state != StatePaused {
			return fmt.Errorf("%w: RELEASE requires PAUSED, component %s is %s", ErrInvalidTransition, c.ID, c.state)
		}
		if err := c.Driver.Trigger(c, t); err != nil && !IsPathStop(err) {
			return err
		}
		c.state = StateActive
		return nil

	case TriggerPause:
		if c.state != StateActive {
			return fmt.Errorf("%w: PAUSE requires ACTIVE, component %s is %s", ErrInvalidTransition, c.ID, c.state)
		}
		err := c.Driver.Trigger(c, t)
		if err != nil && IsPathStop(err) {
			// no_pause: component remains ACTIVE, caller sees PATH_STOP.
			return err
		}
		if err != nil {
			return err
		}
		c.state = StatePaused
		return nil

	case TriggerStop:
		if c.state != StateActive && c.state != StatePaused {
			return fmt.Errorf("%w: STOP requires ACTIVE or PAUSED, component %s is %s", ErrInvalidTransition, c.ID, c.state)
		}
		if err := c.Driver.Trigger(c, t); err != nil && !IsPathStop(err) {
			return err
		}
		c.state = StatePrepare
		return nil

	default:
		return fmt.Errorf("unknown trigger %v", t)
	}
}

// Copy performs one processing pass. Legal only in ACTIVE.
func (c *Component) Copy() error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	if state != StateActive {
		return fmt.Errorf("%w: copy requires ACTIVE, component %s is %s", ErrInvalidTransition, c.ID, state)
	}
	return c.Driver.Copy(c)
}

// Reset releases per-prepare resources and returns the component to READY.
// Legal from any state past READY; idempotent from READY itself (returns
// nil without invoking the driver, matching the "already set" contract of
// spec §8).
func (c *Component) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateReady {
		return nil
	}
	if err := c.Driver.Reset(c); err != nil {
		return err
	}
	c.state = StateReady
	return nil
}

// Cmd forwards a GET/SET DATA or VALUE request. Legal in any state.
func (c *Component) Cmd(op CmdOp, key string, value any) (any, error) {
	return c.Driver.Cmd(c, op, key, value)
}

// Free releases all driver resources. Legal only in READY.
func (c *Component) Free() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady {
		return fmt.Errorf("%w: free requires READY, component %s is %s", ErrInvalidTransition, c.ID, c.state)
	}
	return c.Driver.Free(c)
}

// AttachBuffer attaches buf to the component's source or sink list. A
// second attachment on a side that already holds one buffer is only legal
// for fan components (MIXER and MIXIN on sources, MIXOUT on sinks), and an
// attach that would make both sides simultaneously multi-buffer fails with
// ErrFanBothSides, which spec §4.3's copy logic forbids ("at most one side
// may be multi-buffer").
func (c *Component) AttachBuffer(buf *Buffer, direction AttachDirection, pin int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch direction {
	case AttachSource:
		if len(c.Sources) >= 1 && len(c.Sinks) > 1 {
			return fmt.Errorf("%w: component %s already fans out on sinks", ErrFanBothSides, c.ID)
		}
		if len(c.Sources) >= 1 && c.Type != TypeMixer && c.Type != TypeMixin {
			return fmt.Errorf("%w: component %s (%s) already has a source attachment", ErrAttachOccupied, c.ID, c.Type)
		}
		if err := buf.Attach(c.ID, AttachSink, pin); err != nil {
			return err
		}
		c.Sources = append(c.Sources, buf)
	case AttachSink:
		if len(c.Sinks) >= 1 && len(c.Sources) > 1 {
			return fmt.Errorf("%w: component %s already fans in on sources", ErrFanBothSides, c.ID)
		}
		if len(c.Sinks) >= 1 && c.Type != TypeMixout {
			return fmt.Errorf("%w: component %s (%s) already has a sink attachment", ErrAttachOccupied, c.ID, c.Type)
		}
		if err := buf.Attach(c.ID, AttachSource, pin); err != nil {
			return err
		}
		c.Sinks = append(c.Sinks, buf)
	}
	return nil
}

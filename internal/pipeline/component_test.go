package pipeline

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noopDriver is a minimal Driver used to exercise Component's lifecycle FSM
// in isolation from any concrete processing logic.
type noopDriver struct {
	pauseReturnsPathStop bool
	initErr              error
}

func (d *noopDriver) Init(c *Component) error                   { return d.initErr }
func (d *noopDriver) Params(c *Component, f SampleFormat) error { return nil }
func (d *noopDriver) Prepare(c *Component) error                { return nil }
func (d *noopDriver) Trigger(c *Component, t Trigger) error {
	if t == TriggerPause && d.pauseReturnsPathStop {
		return PathStop
	}
	return nil
}
func (d *noopDriver) Copy(c *Component) error                                      { return nil }
func (d *noopDriver) Reset(c *Component) error                                     { return nil }
func (d *noopDriver) Cmd(c *Component, op CmdOp, key string, value any) (any, error) { return nil, nil }
func (d *noopDriver) Free(c *Component) error                                      { return nil }

func newTestComponent(t *testing.T, typ Type, d Driver) *Component {
	t.Helper()
	c, err := NewComponent(uuid.New(), typ, d, nil)
	require.NoError(t, err)
	return c
}

func TestComponentLifecycleHappyPath(t *testing.T) {
	t.Parallel()
	c := newTestComponent(t, TypeHost, &noopDriver{})

	assert.Equal(t, StateReady, c.State())

	require.NoError(t, c.Prepare())
	assert.Equal(t, StatePrepare, c.State())

	require.NoError(t, c.Trigger(TriggerStart))
	assert.Equal(t, StateActive, c.State())

	require.NoError(t, c.Copy())

	require.NoError(t, c.Trigger(TriggerPause))
	assert.Equal(t, StatePaused, c.State())

	require.NoError(t, c.Trigger(TriggerRelease))
	assert.Equal(t, StateActive, c.State())

	require.NoError(t, c.Trigger(TriggerStop))
	assert.Equal(t, StatePrepare, c.State())

	require.NoError(t, c.Reset())
	assert.Equal(t, StateReady, c.State())

	require.NoError(t, c.Free())
}

func TestComponentResetIsIdempotentFromReady(t *testing.T) {
	t.Parallel()
	c := newTestComponent(t, TypeHost, &noopDriver{})
	assert.Equal(t, StateReady, c.State())
	require.NoError(t, c.Reset())
	assert.Equal(t, StateReady, c.State())
}

func TestComponentCopyRequiresActive(t *testing.T) {
	t.Parallel()
	c := newTestComponent(t, TypeHost, &noopDriver{})
	err := c.Copy()
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestComponentStartRequiresPrepareOrPaused(t *testing.T) {
	t.Parallel()
	c := newTestComponent(t, TypeHost, &noopDriver{})
	err := c.Trigger(TriggerStart)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestComponentNoPausePathStopLeavesComponentActive(t *testing.T) {
	t.Parallel()
	c := newTestComponent(t, TypeHost, &noopDriver{pauseReturnsPathStop: true})
	require.NoError(t, c.Prepare())
	require.NoError(t, c.Trigger(TriggerStart))

	err := c.Trigger(TriggerPause)
	require.ErrorIs(t, err, PathStop)
	assert.Equal(t, StateActive, c.State(), "no_pause component must remain ACTIVE on PATH_STOP")
}

func TestAttachBufferRejectsSecondSourceOnNonFanComponent(t *testing.T) {
	t.Parallel()
	c := newTestComponent(t, TypeGain, &noopDriver{})
	f := testFormat()
	b1, err := AllocateBuffer(f, 16, 2, CacheCoherent)
	require.NoError(t, err)
	b2, err := AllocateBuffer(f, 16, 2, CacheCoherent)
	require.NoError(t, err)

	require.NoError(t, c.AttachBuffer(b1, AttachSource, 0))
	err = c.AttachBuffer(b2, AttachSource, 0)
	require.ErrorIs(t, err, ErrAttachOccupied)
}

func TestAttachBufferAllowsFanInOnMixer(t *testing.T) {
	t.Parallel()
	c := newTestComponent(t, TypeMixer, &noopDriver{})
	f := testFormat()
	b1, err := AllocateBuffer(f, 16, 2, CacheCoherent)
	require.NoError(t, err)
	b2, err := AllocateBuffer(f, 16, 2, CacheCoherent)
	require.NoError(t, err)

	require.NoError(t, c.AttachBuffer(b1, AttachSource, 0))
	require.NoError(t, c.AttachBuffer(b2, AttachSource, 1))
	assert.Len(t, c.Sources, 2)
}

func TestAttachBufferRejectsBothSidesFanning(t *testing.T) {
	t.Parallel()
	c := newTestComponent(t, TypeMixer, &noopDriver{})
	f := testFormat()
	b1, err := AllocateBuffer(f, 16, 2, CacheCoherent)
	require.NoError(t, err)
	b2, err := AllocateBuffer(f, 16, 2, CacheCoherent)
	require.NoError(t, err)
	sink1, err := AllocateBuffer(f, 16, 2, CacheCoherent)
	require.NoError(t, err)
	sink2, err := AllocateBuffer(f, 16, 2, CacheCoherent)
	require.NoError(t, err)

	require.NoError(t, c.AttachBuffer(b1, AttachSource, 0))
	require.NoError(t, c.AttachBuffer(b2, AttachSource, 1))

	// The component already fans in on two sources; its single sink is
	// legal, but a second sink would make both sides simultaneously
	// multi-buffer, which spec §4.3 forbids.
	require.NoError(t, c.AttachBuffer(sink1, AttachSink, 0))
	err = c.AttachBuffer(sink2, AttachSink, 1)
	require.ErrorIs(t, err, ErrFanBothSides)
}

func TestNewComponentPropagatesInitError(t *testing.T) {
	t.Parallel()
	_, err := NewComponent(uuid.New(), TypeHost, &noopDriver{initErr: ErrInvalidTransition}, nil)
	require.Error(t, err)
}

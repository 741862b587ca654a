package pipeline

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDriverRegistryRegisterRejectsDuplicate(t *testing.T) {
	t.Parallel()
	r := NewDriverRegistry()
	id := uuid.New()
	factory := func() (Driver, error) { return &noopDriver{}, nil }

	require.NoError(t, r.Register(id, factory))
	err := r.Register(id, factory)
	require.ErrorIs(t, err, ErrDriverAlreadyRegistered)
}

func TestDriverRegistryUnregisterThenReregister(t *testing.T) {
	t.Parallel()
	r := NewDriverRegistry()
	id := uuid.New()
	factory := func() (Driver, error) { return &noopDriver{}, nil }

	require.NoError(t, r.Register(id, factory))
	require.NoError(t, r.Unregister(id))
	assert.False(t, r.Registered(id))

	err := r.Unregister(id)
	require.ErrorIs(t, err, ErrDriverNotFound)

	require.NoError(t, r.Register(id, factory))
	assert.True(t, r.Registered(id))
}

func TestDriverRegistryNewWiresThroughToComponent(t *testing.T) {
	t.Parallel()
	r := NewDriverRegistry()
	driverID := uuid.New()
	componentID := uuid.New()
	require.NoError(t, r.Register(driverID, func() (Driver, error) { return &noopDriver{}, nil }))

	c, err := r.New(driverID, componentID, TypeGain, nil)
	require.NoError(t, err)
	assert.Equal(t, componentID, c.ID)
	assert.Equal(t, StateReady, c.State())
}

func TestDriverRegistryNewRejectsUnknownDriver(t *testing.T) {
	t.Parallel()
	r := NewDriverRegistry()
	_, err := r.New(uuid.New(), uuid.New(), TypeGain, nil)
	require.ErrorIs(t, err, ErrDriverNotFound)
}

func TestDriverRegistryNewPropagatesFactoryError(t *testing.T) {
	t.Parallel()
	r := NewDriverRegistry()
	driverID := uuid.New()
	factoryErr := errors.New("boom")
	require.NoError(t, r.Register(driverID, func() (Driver, error) { return nil, factoryErr }))

	_, err := r.New(driverID, uuid.New(), TypeGain, nil)
	require.ErrorIs(t, err, factoryErr)
}

func TestDriverRegistryIDsPreservesOrder(t *testing.T) {
	t.Parallel()
	r := NewDriverRegistry()
	factory := func() (Driver, error) { return &noopDriver{}, nil }
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, id := range ids {
		require.NoError(t, r.Register(id, factory))
	}
	assert.Equal(t, ids, r.IDs())

	require.NoError(t, r.Unregister(ids[1]))
	assert.Equal(t, []uuid.UUID{ids[0], ids[2]}, r.IDs())
}

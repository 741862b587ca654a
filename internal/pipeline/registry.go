package pipeline

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// DriverFactory constructs a new Driver instance for a component. Drivers
// are stateless templates; NewComponent calls the factory once per
// component instance via the registry's New method.
type DriverFactory func() (Driver, error)

// DriverRegistry is the process-wide ordered set of driver factories keyed
// by UUID, per spec §4.5. register/unregister are serialised by a single
// mutex standing in for the spec's spin lock, held only for the O(1)
// registry mutation itself.
type DriverRegistry struct {
	mu      sync.Mutex
	drivers map[uuid.UUID]DriverFactory
	order   []uuid.UUID // preserves registration order
}

// NewDriverRegistry returns an empty registry.
func NewDriverRegistry() *DriverRegistry {
	return &DriverRegistry{
		drivers: make(map[uuid.UUID]DriverFactory),
	}
}

// Register adds a driver factory under driverID. It fails if the ID is
// already registered.
func (r *DriverRegistry) Register(driverID uuid.UUID, factory DriverFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.drivers[driverID]; exists {
		return fmt.Errorf("%w: driver %s", ErrDriverAlreadyRegistered, driverID)
	}
	r.drivers[driverID] = factory
	r.order = append(r.order, driverID)
	return nil
}

// Unregister removes a driver factory. It does not affect components
// already constructed from it: driver lifetime is independent of the
// component instances it creates.
func (r *DriverRegistry) Unregister(driverID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.drivers[driverID]; !exists {
		return fmt.Errorf("%w: driver %s", ErrDriverNotFound, driverID)
	}
	delete(r.drivers, driverID)
	for i, id := range r.order {
		if id == driverID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// New dispatches to the driver factory registered under driverID, then
// constructs a component from the resulting driver instance.
func (r *DriverRegistry) New(driverID uuid.UUID, componentID uuid.UUID, typ Type, config map[string]any) (*Component, error) {
	r.mu.Lock()
	factory, exists := r.drivers[driverID]
	r.mu.Unlock()
	if !exists {
		return nil, fmt.Errorf("%w: driver %s", ErrDriverNotFound, driverID)
	}

	driver, err := factory()
	if err != nil {
		return nil, fmt.Errorf("driver %s factory: %w", driverID, err)
	}
	return NewComponent(componentID, typ, driver, config)
}

// Registered reports whether driverID currently has a factory.
func (r *DriverRegistry) Registered(driverID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.drivers[driverID]
	return exists
}

// IDs returns the currently registered driver IDs in registration order.
func (r *DriverRegistry) IDs() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uuid.UUID(nil), r.order...)
}

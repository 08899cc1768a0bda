package deferdel

import (
	"context"
	"fmt"
	"sync"
)

// StaticResolver is a DriverResolver backed by an in-memory map of already
// constructed drivers, keyed by service_uuid. It is the resolver used by
// single-node deployments and tests; a deployment backed by a real service
// registry/database would supply its own DriverResolver instead.
type StaticResolver struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}

// NewStaticResolver builds a StaticResolver, optionally pre-populated.
func NewStaticResolver(drivers map[string]Driver) *StaticResolver {
	r := &StaticResolver{drivers: make(map[string]Driver)}
	for k, v := range drivers {
		r.drivers[k] = v
	}
	return r
}

// Register adds or replaces the driver for serviceUUID.
func (r *StaticResolver) Register(serviceUUID string, driver Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[serviceUUID] = driver
}

// Unregister removes serviceUUID, simulating the service having been deleted
// from the owning DB so its pending items become orphaned.
func (r *StaticResolver) Unregister(serviceUUID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.drivers, serviceUUID)
}

// Resolve implements DriverResolver.
func (r *StaticResolver) Resolve(_ context.Context, serviceUUID string) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	drv, ok := r.drivers[serviceUUID]
	if !ok {
		return nil, fmt.Errorf("no driver registered for service %s", serviceUUID)
	}
	return drv, nil
}

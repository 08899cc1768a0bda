package engine

import (
	"context"
	"time"

	core "github.com/R3E-Network/service_layer/internal/app/core/service"
	"github.com/R3E-Network/service_layer/internal/app/domain/deferdel"
)

// resolveRetryPolicy absorbs a single transient hiccup in driver resolution
// (e.g. a momentarily unreachable service registry) before the item is
// dropped as orphaned.
var resolveRetryPolicy = core.RetryPolicy{
	Attempts:       2,
	InitialBackoff: 10 * time.Millisecond,
}

// driverCache resolves and caches one driver per service_uuid for the
// duration of a single phase's batch, so a service backing many pending
// items is only resolved once per acquire-batch call.
type driverCache struct {
	ctx      context.Context
	resolver deferdel.DriverResolver
	drivers  map[string]deferdel.Driver
	failed   map[string]bool
}

func newDriverCache(ctx context.Context, resolver deferdel.DriverResolver) *driverCache {
	return &driverCache{
		ctx:      ctx,
		resolver: resolver,
		drivers:  make(map[string]deferdel.Driver),
		failed:   make(map[string]bool),
	}
}

// resolvable is passed to Store.AcquireBatch as the per-item resolution
// check; a false return causes the item to be dropped as orphaned.
func (c *driverCache) resolvable(serviceUUID string) bool {
	if _, ok := c.drivers[serviceUUID]; ok {
		return true
	}
	if c.failed[serviceUUID] {
		return false
	}

	var drv deferdel.Driver
	err := core.Retry(c.ctx, resolveRetryPolicy, func() error {
		d, err := c.resolver.Resolve(c.ctx, serviceUUID)
		if err != nil {
			return err
		}
		drv = d
		return nil
	})
	if err != nil {
		c.failed[serviceUUID] = true
		return false
	}
	c.drivers[serviceUUID] = drv
	return true
}

// get returns the cached driver for serviceUUID, resolved by a prior
// resolvable call. It is nil if resolution failed or was never attempted.
func (c *driverCache) get(serviceUUID string) deferdel.Driver {
	return c.drivers[serviceUUID]
}

package deferdel

import "context"

// DriverIdentity is the minimal identity a driver exposes for logging and
// keying, mirroring the original worker's db_obj() accessor.
type DriverIdentity struct {
	UUID string
	Name string
}

// Driver is the capability contract the engine requires from any hypervisor
// service adapter. Implementations are resolved once per service_uuid per
// phase of a tick and must be safe to call repeatedly; they are not required to be
// goroutine-safe across concurrent ticks, since the engine runs
// single-threaded per process.
type Driver interface {
	// MustStopBeforeDeletion reports whether the VM needs to be powered off
	// before it can be deleted.
	MustStopBeforeDeletion() bool
	// ShouldTrySoftShutdown reports whether a graceful shutdown should be
	// attempted before a hard stop.
	ShouldTrySoftShutdown() bool

	IsRunning(ctx context.Context, vmid string) (bool, error)
	Shutdown(ctx context.Context, vmid string) error
	Stop(ctx context.Context, vmid string) error
	ExecuteDelete(ctx context.Context, vmid string) error
	IsDeleted(ctx context.Context, vmid string) (bool, error)

	Identity() DriverIdentity
}

// DriverResolver resolves the driver owning a service_uuid. A resolution
// failure (e.g. the service no longer exists) causes the engine to drop the
// associated item as orphaned.
type DriverResolver interface {
	Resolve(ctx context.Context, serviceUUID string) (Driver, error)
}

// DriverResolverFunc adapts a plain function to a DriverResolver.
type DriverResolverFunc func(ctx context.Context, serviceUUID string) (Driver, error)

func (f DriverResolverFunc) Resolve(ctx context.Context, serviceUUID string) (Driver, error) {
	return f(ctx, serviceUUID)
}

// Package engine implements the deferred deletion worker: a periodic job
// that drains the TO_STOP, STOPPING, TO_DELETE, and DELETING groups in turn,
// advancing each pending item through its lifecycle while absorbing
// transient backend errors and adapting its pace to observed latency.
package engine

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	infraerrors "github.com/R3E-Network/service_layer/infrastructure/errors"
	"github.com/R3E-Network/service_layer/infrastructure/ratelimit"
	"github.com/R3E-Network/service_layer/infrastructure/resilience"
	core "github.com/R3E-Network/service_layer/internal/app/core/service"
	"github.com/R3E-Network/service_layer/internal/app/domain/deferdel"
	"github.com/R3E-Network/service_layer/internal/app/metrics"
	"github.com/R3E-Network/service_layer/internal/app/storage/deferred"
	"github.com/R3E-Network/service_layer/pkg/logger"
	"github.com/google/uuid"
)

// Store is the deferred storage contract the engine needs; see
// internal/app/storage/deferred.Store for the full acquire-batch semantics.
type Store = deferred.Store

// Config builds an Engine.
type Config struct {
	Store    Store
	Resolver deferdel.DriverResolver
	Tunables deferdel.Tunables
	Logger   *logger.Logger
	Clock    deferdel.Clock
}

// Engine is the deferred deletion worker: a durable state machine persisted
// across restarts, with per-backend driver polymorphism, independent retry
// budgets, and adaptive scheduling.
type Engine struct {
	store    Store
	resolver deferdel.DriverResolver
	tunables deferdel.Tunables
	logger   *logger.Logger
	clock    deferdel.Clock

	breakers sync.Map // service_uuid -> *resilience.CircuitBreaker
	limiters sync.Map // service_uuid -> *ratelimit.RateLimiter

	driverHooks core.ObservationHooks

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds an Engine. A nil Logger falls back to logger.NewDefault, and a
// nil Clock falls back to deferdel.SystemClock.
func New(cfg Config) *Engine {
	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("deferdel-engine")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = deferdel.SystemClock{}
	}
	return &Engine{
		store:      cfg.Store,
		resolver:   cfg.Resolver,
		tunables:   cfg.Tunables,
		logger:     log,
		clock:      clock,
		stopCh:     make(chan struct{}),
		driverHooks: metrics.EngineHooks(),
	}
}

func (e *Engine) now() time.Time { return e.clock.Now() }

// Name implements system.Service.
func (e *Engine) Name() string { return "deferdel-engine" }

// Descriptor implements system.DescriptorProvider.
func (e *Engine) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         e.Name(),
		Domain:       "deferdel",
		Layer:        core.LayerEngine,
		Capabilities: []string{"deferred-deletion", "adaptive-pacing"},
	}
}

// Start implements system.Service: it launches the periodic tick loop and
// returns immediately.
func (e *Engine) Start(ctx context.Context) error {
	e.wg.Add(1)
	go e.loop(ctx)
	return nil
}

// Stop implements system.Service: it signals the tick loop to exit and waits
// for the in-flight tick (if any) to finish, bounded by ctx.
func (e *Engine) Stop(ctx context.Context) error {
	e.stopOnce.Do(func() { close(e.stopCh) })

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()

	interval := e.tunables.CheckInterval
	if interval <= 0 {
		interval = 7 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			if err := e.Run(ctx); err != nil {
				e.logger.WithField("worker", "deferdel").WithField("error", err.Error()).Warn("deferred deletion tick failed")
			}
		}
	}
}

// Run executes a single tick: process_to_stop, process_stopping,
// process_to_delete, process_deleting, in that order. An item that
// transitions in an earlier phase this tick may be picked up again by a
// later phase of the same tick if its next_check has already elapsed; this
// is intentional and reduces mean latency.
func (e *Engine) Run(ctx context.Context) error {
	start := e.now()
	tickID := uuid.NewString()
	log := e.logger.WithField("tick_id", tickID)

	phases := []struct {
		group   deferdel.Group
		process func(context.Context, *deferdel.DeletionInfo, deferdel.Driver)
	}{
		{deferdel.GroupToStop, e.processToStop},
		{deferdel.GroupStopping, e.processStopping},
		{deferdel.GroupToDelete, e.processToDelete},
		{deferdel.GroupDeleting, e.processDeleting},
	}

	log.Debug("tick started")

	for _, p := range phases {
		if err := e.runPhase(ctx, p.group, p.process); err != nil {
			return err
		}
	}

	e.updateDepthGauges(ctx)
	duration := e.now().Sub(start)
	metrics.RecordTick(duration)
	log.WithField("duration", duration.String()).Debug("tick completed")
	return nil
}

// runPhase acquires the due batch for group atomically, releases the lock,
// then processes each item outside of it -- backend calls are potentially
// slow I/O and must never happen while the group's storage lock is held.
func (e *Engine) runPhase(ctx context.Context, group deferdel.Group, process func(context.Context, *deferdel.DeletionInfo, deferdel.Driver)) error {
	now := e.now()
	cache := newDriverCache(ctx, e.resolver)
	maxBatch := core.ClampLimit(e.tunables.MaxDeletionsAtOnce, core.DefaultListLimit, core.MaxListLimit)

	batch, dropped, err := e.store.AcquireBatch(ctx, group, now, e.tunables.MaxRetryableErrorRetries, maxBatch, cache.resolvable)
	if err != nil {
		return fmt.Errorf("acquire batch for %s: %w", group, err)
	}

	for _, d := range dropped {
		metrics.RecordDrop(string(d.Reason))
		e.logger.WithField("key", d.Key).WithField("reason", string(d.Reason)).WithField("group", string(group)).Error("dropped deferred deletion item")
	}

	for _, item := range batch {
		drv := cache.get(item.ServiceUUID)
		process(ctx, item, drv)
	}
	return nil
}

func (e *Engine) updateDepthGauges(ctx context.Context) {
	for _, g := range deferdel.Groups {
		n, err := e.store.Count(ctx, g)
		if err != nil {
			continue
		}
		metrics.SetGroupDepth(string(g), n)
	}
}

// breakerFor returns the per-service_uuid circuit breaker, creating one on
// first use so a single misbehaving hypervisor backend cannot starve polling
// of healthy ones.
func (e *Engine) breakerFor(serviceUUID string) *resilience.CircuitBreaker {
	if v, ok := e.breakers.Load(serviceUUID); ok {
		return v.(*resilience.CircuitBreaker)
	}
	cb := resilience.New(resilience.DefaultConfig())
	actual, _ := e.breakers.LoadOrStore(serviceUUID, cb)
	return actual.(*resilience.CircuitBreaker)
}

// limiterFor returns the per-service_uuid rate limiter, throttling the rate
// of outbound driver calls the engine issues per tick against one backend.
func (e *Engine) limiterFor(serviceUUID string) *ratelimit.RateLimiter {
	if v, ok := e.limiters.Load(serviceUUID); ok {
		return v.(*ratelimit.RateLimiter)
	}
	rl := ratelimit.New(ratelimit.DefaultConfig())
	actual, _ := e.limiters.LoadOrStore(serviceUUID, rl)
	return actual.(*ratelimit.RateLimiter)
}

// callDriver runs fn, a single driver operation, through the per-service
// rate limiter and circuit breaker, and records its duration and in-flight
// count via the shared observation-hooks machinery.
func (e *Engine) callDriver(ctx context.Context, serviceUUID, operation string, fn func() error) error {
	if err := e.limiterFor(serviceUUID).Wait(ctx); err != nil {
		return err
	}
	meta := map[string]string{"service_uuid": serviceUUID, "operation": operation}
	complete := core.StartObservation(ctx, e.driverHooks, meta)
	start := e.now()
	err := e.breakerFor(serviceUUID).Execute(ctx, fn)
	duration := e.now().Sub(start)
	complete(err)
	metrics.RecordDriverCall(operation, duration)
	return err
}

// Add enqueues vmid owned by drv for deferred deletion, mirroring
// add(service, vmid, execute_later) of the lifecycle worker this engine
// generalizes.
//
// When executeLater is false, the engine makes an eager first attempt
// (timed, so a slow first call already stretches the next_check of an item
// landing in DELETING or TO_DELETE; an item landing in STOPPING keeps
// next_check at now) before persisting. When executeLater is true, no
// backend call is made: the item is persisted straight into TO_STOP or
// TO_DELETE depending on the driver's MustStopBeforeDeletion policy.
func (e *Engine) Add(ctx context.Context, drv deferdel.Driver, vmid string, executeLater bool) error {
	identity := drv.Identity()
	now := e.now()

	if executeLater {
		group := deferdel.GroupToDelete
		if drv.MustStopBeforeDeletion() {
			group = deferdel.GroupToStop
		}
		e.logger.WithField("vmid", vmid).WithField("service_uuid", identity.UUID).Debug("deferring deletion")
		return e.store.Put(ctx, group, deferdel.NewDeletionInfo(identity.UUID, vmid, now))
	}

	timer := deferdel.NewExecutionTimer(e.tunables, now)
	stopping := false

	err := func() error {
		if drv.MustStopBeforeDeletion() {
			var running bool
			if err := e.callDriver(ctx, identity.UUID, "is_running", func() error {
				r, err := drv.IsRunning(ctx, vmid)
				running = r
				return err
			}); err != nil {
				return err
			}
			if running {
				stopping = true
				if drv.ShouldTrySoftShutdown() {
					return e.callDriver(ctx, identity.UUID, "shutdown", func() error { return drv.Shutdown(ctx, vmid) })
				}
				return e.callDriver(ctx, identity.UUID, "stop", func() error { return drv.Stop(ctx, vmid) })
			}
		}
		return e.callDriver(ctx, identity.UUID, "execute_delete", func() error { return drv.ExecuteDelete(ctx, vmid) })
	}()

	delayRate := timer.Stop(e.now())
	metrics.RecordDelayRate(delayRate)

	if err == nil {
		if stopping {
			return e.store.Put(ctx, deferdel.GroupStopping, deferdel.NewDeletionInfo(identity.UUID, vmid, now))
		}
		info := deferdel.NewDeletionInfo(identity.UUID, vmid, now)
		info.NextCheck = deferdel.NextExecution(now, e.tunables, false, delayRate)
		return e.store.Put(ctx, deferdel.GroupDeleting, info)
	}

	if infraerrors.IsNotFound(err) {
		return nil
	}

	e.logger.WithField("vmid", vmid).WithField("service_uuid", identity.UUID).WithField("error", err.Error()).Warn("could not delete, retrying later")
	info := deferdel.NewDeletionInfo(identity.UUID, vmid, now)
	info.NextCheck = deferdel.NextExecution(now, e.tunables, false, delayRate)
	return e.store.Put(ctx, deferdel.GroupToDelete, info)
}

// Report writes a CSV diagnostics dump: a header line, then each group's
// items (sorted by next_check for determinism), with a blank line
// separating groups. It is strictly read-only and never touches a group's
// atomic write lock.
func (e *Engine) Report(ctx context.Context, out io.Writer) error {
	items := make(map[deferdel.Group][]*deferdel.DeletionInfo, len(deferdel.Groups))
	for _, g := range deferdel.Groups {
		list, err := e.store.List(ctx, g)
		if err != nil {
			return fmt.Errorf("list %s: %w", g, err)
		}
		sort.SliceStable(list, func(i, j int) bool {
			return list[i].NextCheck.Before(list[j].NextCheck)
		})
		items[g] = list
	}
	return deferdel.WriteReport(out, deferdel.Groups, items)
}

package engine

import (
	"context"

	infraerrors "github.com/R3E-Network/service_layer/infrastructure/errors"
	"github.com/R3E-Network/service_layer/internal/app/domain/deferdel"
	"github.com/R3E-Network/service_layer/internal/app/metrics"
)

func (e *Engine) isRunning(ctx context.Context, drv deferdel.Driver, info *deferdel.DeletionInfo) (bool, error) {
	var running bool
	err := e.callDriver(ctx, info.ServiceUUID, "is_running", func() error {
		r, err := drv.IsRunning(ctx, info.VMID)
		running = r
		return err
	})
	return running, err
}

func (e *Engine) isDeleted(ctx context.Context, drv deferdel.Driver, info *deferdel.DeletionInfo) (bool, error) {
	var deleted bool
	err := e.callDriver(ctx, info.ServiceUUID, "is_deleted", func() error {
		r, err := drv.IsDeleted(ctx, info.VMID)
		deleted = r
		return err
	})
	return deleted, err
}

// handleItemError classifies err per the three-kind taxonomy and, if the
// item survives, updates its retry bookkeeping and next_check in place. It
// reports whether the caller should re-persist info into the phase's
// current group (failures never advance an item to the next group).
//
// NotFound is terminal success (the VM is already gone): dropped silently.
// Retryable bumps total_retries with the plain backoff. Anything else is
// fatal: it bumps both fatal_retries and total_retries and gets the longer,
// multiplied backoff. Either budget exhausting drops the item.
func (e *Engine) handleItemError(info *deferdel.DeletionInfo, delayRate float64, err error) bool {
	if infraerrors.IsNotFound(err) {
		metrics.RecordDrop("not_found")
		e.logger.WithField("vmid", info.VMID).WithField("service_uuid", info.ServiceUUID).Debug("vm already gone")
		return false
	}

	now := e.now()

	if infraerrors.IsRetryable(err) {
		info.TotalRetries++
		if info.TotalRetries >= e.tunables.MaxRetryableErrorRetries {
			metrics.RecordDrop("retry_budget")
			e.logger.WithField("vmid", info.VMID).WithField("service_uuid", info.ServiceUUID).Error("too many retries, giving up")
			return false
		}
		info.NextCheck = deferdel.NextExecution(now, e.tunables, false, delayRate)
		e.logger.WithField("vmid", info.VMID).WithField("service_uuid", info.ServiceUUID).WithField("error", err.Error()).Warn("retryable error, will retry")
		return true
	}

	info.FatalRetries++
	if info.FatalRetries >= e.tunables.MaxFatalErrorRetries {
		metrics.RecordDrop("fatal_budget")
		e.logger.WithField("vmid", info.VMID).WithField("service_uuid", info.ServiceUUID).Error("fatal error budget exhausted, giving up")
		return false
	}
	info.TotalRetries++
	if info.TotalRetries >= e.tunables.MaxRetryableErrorRetries {
		metrics.RecordDrop("retry_budget")
		e.logger.WithField("vmid", info.VMID).WithField("service_uuid", info.ServiceUUID).Error("too many retries, giving up")
		return false
	}
	info.NextCheck = deferdel.NextExecution(now, e.tunables, true, delayRate)
	e.logger.WithField("vmid", info.VMID).WithField("service_uuid", info.ServiceUUID).WithField("error", err.Error()).Error("fatal error deleting")
	return true
}

func (e *Engine) put(ctx context.Context, group deferdel.Group, info *deferdel.DeletionInfo) {
	if err := e.store.Put(ctx, group, info); err != nil {
		e.logger.WithField("vmid", info.VMID).WithField("service_uuid", info.ServiceUUID).WithField("group", string(group)).WithField("error", err.Error()).Error("failed to persist deferred deletion item")
	}
}

// processToStop implements TO_STOP -> STOPPING | TO_DELETE. If the VM is
// still running, it issues a soft shutdown or hard stop depending on policy
// and how many times this item has already waited here, then moves to
// STOPPING. If it is already stopped, the item moves straight to TO_DELETE
// without delaying next_check, so it is picked up promptly.
func (e *Engine) processToStop(ctx context.Context, info *deferdel.DeletionInfo, drv deferdel.Driver) {
	if drv == nil {
		return
	}
	timer := deferdel.NewExecutionTimer(e.tunables, e.now())

	running, err := e.isRunning(ctx, drv, info)
	if err == nil && running {
		if info.Retries < e.tunables.RetriesToRetry {
			if drv.ShouldTrySoftShutdown() {
				err = e.callDriver(ctx, info.ServiceUUID, "shutdown", func() error { return drv.Shutdown(ctx, info.VMID) })
			} else {
				err = e.callDriver(ctx, info.ServiceUUID, "stop", func() error { return drv.Stop(ctx, info.VMID) })
			}
			if err == nil {
				info.FatalRetries = 0
				info.TotalRetries = 0
			}
		} else {
			info.TotalRetries++
			info.Retries = 0
			err = e.callDriver(ctx, info.ServiceUUID, "stop", func() error { return drv.Stop(ctx, info.VMID) })
		}
	}

	delayRate := timer.Stop(e.now())

	if err != nil {
		if e.handleItemError(info, delayRate, err) {
			e.put(ctx, deferdel.GroupToStop, info)
		}
		return
	}

	if running {
		info.NextCheck = deferdel.NextExecution(e.now(), e.tunables, false, delayRate)
		e.put(ctx, deferdel.GroupStopping, info)
		return
	}

	e.put(ctx, deferdel.GroupToDelete, info)
}

// processStopping implements STOPPING -> TO_STOP | TO_DELETE | STOPPING.
// After RETRIES_TO_RETRY polls with no progress, the item escalates back to
// TO_STOP so the next visit there re-issues a (now forced) stop.
func (e *Engine) processStopping(ctx context.Context, info *deferdel.DeletionInfo, drv deferdel.Driver) {
	if drv == nil {
		return
	}
	info.Retries++
	if info.Retries > e.tunables.RetriesToRetry {
		info.NextCheck = deferdel.NextExecution(e.now(), e.tunables, false, 1.0)
		info.TotalRetries++
		e.put(ctx, deferdel.GroupToStop, info)
		return
	}

	timer := deferdel.NewExecutionTimer(e.tunables, e.now())
	running, err := e.isRunning(ctx, drv, info)
	delayRate := timer.Stop(e.now())

	if err != nil {
		if e.handleItemError(info, delayRate, err) {
			e.put(ctx, deferdel.GroupStopping, info)
		}
		return
	}

	if running {
		info.NextCheck = deferdel.NextExecution(e.now(), e.tunables, false, delayRate)
		info.TotalRetries++
		e.put(ctx, deferdel.GroupStopping, info)
		return
	}

	info.NextCheck = deferdel.NextExecution(e.now(), e.tunables, false, delayRate)
	info.FatalRetries = 0
	info.TotalRetries = 0
	e.put(ctx, deferdel.GroupToDelete, info)
}

// processToDelete implements TO_DELETE -> TO_STOP | DELETING. If the
// backend requires a stop first and the VM came back up (lost the race with
// a power-on), the item returns to TO_STOP untouched rather than attempting
// a delete against a running VM.
func (e *Engine) processToDelete(ctx context.Context, info *deferdel.DeletionInfo, drv deferdel.Driver) {
	if drv == nil {
		return
	}
	timer := deferdel.NewExecutionTimer(e.tunables, e.now())

	mustStop := drv.MustStopBeforeDeletion()
	var running bool
	var err error
	if mustStop {
		running, err = e.isRunning(ctx, drv, info)
	}
	if err == nil && mustStop && running {
		e.put(ctx, deferdel.GroupToStop, info)
		return
	}
	if err == nil {
		err = e.callDriver(ctx, info.ServiceUUID, "execute_delete", func() error { return drv.ExecuteDelete(ctx, info.VMID) })
	}

	delayRate := timer.Stop(e.now())

	if err != nil {
		if e.handleItemError(info, delayRate, err) {
			e.put(ctx, deferdel.GroupToDelete, info)
		}
		return
	}

	info.NextCheck = deferdel.NextExecution(e.now(), e.tunables, false, delayRate)
	info.Retries = 0
	info.TotalRetries++
	e.put(ctx, deferdel.GroupDeleting, info)
}

// processDeleting implements DELETING -> TO_DELETE | (dropped) | DELETING.
// Success (is_deleted) drops the item silently; stalling past
// RETRIES_TO_RETRY re-issues the delete by escalating back to TO_DELETE.
func (e *Engine) processDeleting(ctx context.Context, info *deferdel.DeletionInfo, drv deferdel.Driver) {
	if drv == nil {
		return
	}
	info.Retries++
	if info.Retries > e.tunables.RetriesToRetry {
		info.NextCheck = deferdel.NextExecution(e.now(), e.tunables, false, 1.0)
		info.TotalRetries++
		e.put(ctx, deferdel.GroupToDelete, info)
		return
	}

	timer := deferdel.NewExecutionTimer(e.tunables, e.now())
	deleted, err := e.isDeleted(ctx, drv, info)
	delayRate := timer.Stop(e.now())

	if err != nil {
		if e.handleItemError(info, delayRate, err) {
			e.put(ctx, deferdel.GroupDeleting, info)
		}
		return
	}

	if deleted {
		return
	}

	info.NextCheck = deferdel.NextExecution(e.now(), e.tunables, false, delayRate)
	info.TotalRetries++
	e.put(ctx, deferdel.GroupDeleting, info)
}

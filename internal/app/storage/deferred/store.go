// Package deferred implements the keyed, group-partitioned storage the
// deletion engine uses to persist pending work across restarts.
package deferred

import (
	"context"
	"time"

	"github.com/R3E-Network/service_layer/internal/app/domain/deferdel"
)

// DropReason explains why an item was removed from storage during an
// acquire-batch pass, for metrics and logging.
type DropReason string

const (
	DropReasonRetryBudget     DropReason = "retry_budget"
	DropReasonOrphanedService DropReason = "orphaned_service"
)

// Dropped describes one item removed during an acquire-batch pass.
type Dropped struct {
	Key    string
	Reason DropReason
}

// Store is the deferred deletion storage contract: a keyed map partitioned
// into four groups, with atomic "acquire a batch" semantics.
//
// AcquireBatch is the only operation that must be atomic across its full
// read-sort-filter-remove sequence; Put and Remove act on a single item and
// need only be safe for concurrent use, not mutually atomic with
// AcquireBatch beyond that guarantee.
type Store interface {
	// AcquireBatch scans group sorted by NextCheck ascending, drops items
	// whose TotalRetries has reached maxRetryableRetries (recording a
	// DropReasonRetryBudget), skips items not yet due, resolves each
	// candidate's owning service via resolvable (dropping with
	// DropReasonOrphanedService on failure), and removes up to maxBatch due
	// items from the group, returning them for processing. An item whose
	// inclusion would exceed maxBatch is left untouched for the next tick.
	AcquireBatch(ctx context.Context, group deferdel.Group, now time.Time, maxRetryableRetries, maxBatch int, resolvable func(serviceUUID string) bool) (batch []*deferdel.DeletionInfo, dropped []Dropped, err error)

	// Put persists item into group, overwriting any existing entry with the
	// same key.
	Put(ctx context.Context, group deferdel.Group, item *deferdel.DeletionInfo) error

	// Remove deletes key from group. Removing a missing key is not an error.
	Remove(ctx context.Context, group deferdel.Group, key string) error

	// List returns a non-atomic snapshot of every item in group, for
	// diagnostics (the CSV report). Order is unspecified.
	List(ctx context.Context, group deferdel.Group) ([]*deferdel.DeletionInfo, error)

	// Count returns the current size of group without materializing items.
	Count(ctx context.Context, group deferdel.Group) (int, error)

	Close(ctx context.Context) error
}

// SelectBatch applies the acquire-batch rules to an already-loaded,
// NextCheck-sorted slice of items, shared by every Store implementation so
// the acceptance logic cannot drift between them. It returns the items to
// hand to the engine for processing, the items dropped along with their
// reason, and the full set of keys that must be removed from storage
// (dropped keys plus accepted batch keys) — items not appearing in either
// list are left untouched in the group.
func SelectBatch(items []*deferdel.DeletionInfo, now time.Time, maxRetryableRetries, maxBatch int, resolvable func(serviceUUID string) bool) (batch []*deferdel.DeletionInfo, dropped []Dropped, remove []string) {
	resolved := make(map[string]bool)
	count := 0

	for _, item := range items {
		if item.TotalRetries >= maxRetryableRetries {
			dropped = append(dropped, Dropped{Key: item.Key(), Reason: DropReasonRetryBudget})
			remove = append(remove, item.Key())
			continue
		}
		if item.NextCheck.After(now) {
			continue
		}

		ok, cached := resolved[item.ServiceUUID]
		if !cached {
			ok = resolvable(item.ServiceUUID)
			resolved[item.ServiceUUID] = ok
		}
		if !ok {
			dropped = append(dropped, Dropped{Key: item.Key(), Reason: DropReasonOrphanedService})
			remove = append(remove, item.Key())
			continue
		}

		if count+1 > maxBatch {
			break
		}
		count++
		batch = append(batch, item)
		remove = append(remove, item.Key())
	}

	return batch, dropped, remove
}

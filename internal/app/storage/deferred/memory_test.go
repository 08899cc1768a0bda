package deferred

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/service_layer/internal/app/domain/deferdel"
)

func alwaysResolvable(string) bool { return true }

func TestMemoryStorePutAcquireRoundTrip(t *testing.T) {
	store, err := NewMemoryStore()
	require.NoError(t, err)
	defer store.Close(context.Background())

	now := time.Now()
	item := deferdel.NewDeletionInfo("svc-1", "vm-1", now)

	require.NoError(t, store.Put(context.Background(), deferdel.GroupToStop, item))

	batch, dropped, err := store.AcquireBatch(context.Background(), deferdel.GroupToStop, now.Add(time.Second), 10, 5, alwaysResolvable)
	require.NoError(t, err)
	assert.Empty(t, dropped)
	require.Len(t, batch, 1)
	assert.Equal(t, "vm-1", batch[0].VMID)

	count, err := store.Count(context.Background(), deferdel.GroupToStop)
	require.NoError(t, err)
	assert.Zero(t, count, "expected group empty after acquire")
}

func TestMemoryStoreNotDueIsLeftInPlace(t *testing.T) {
	store, err := NewMemoryStore()
	require.NoError(t, err)
	defer store.Close(context.Background())

	now := time.Now()
	item := deferdel.NewDeletionInfo("svc-1", "vm-1", now)
	item.NextCheck = now.Add(time.Hour)
	require.NoError(t, store.Put(context.Background(), deferdel.GroupToDelete, item))

	batch, _, err := store.AcquireBatch(context.Background(), deferdel.GroupToDelete, now, 10, 5, alwaysResolvable)
	require.NoError(t, err)
	assert.Empty(t, batch, "expected item not due")

	count, _ := store.Count(context.Background(), deferdel.GroupToDelete)
	assert.Equal(t, 1, count, "expected item to remain in group")
}

func TestMemoryStoreDropsRetryBudgetExceeded(t *testing.T) {
	store, err := NewMemoryStore()
	require.NoError(t, err)
	defer store.Close(context.Background())

	now := time.Now()
	item := deferdel.NewDeletionInfo("svc-1", "vm-1", now)
	item.TotalRetries = 20
	require.NoError(t, store.Put(context.Background(), deferdel.GroupDeleting, item))

	batch, dropped, err := store.AcquireBatch(context.Background(), deferdel.GroupDeleting, now, 10, 5, alwaysResolvable)
	require.NoError(t, err)
	assert.Empty(t, batch)
	require.Len(t, dropped, 1)
	assert.Equal(t, DropReasonRetryBudget, dropped[0].Reason)
}

func TestMemoryStoreDropsOrphanedService(t *testing.T) {
	store, err := NewMemoryStore()
	require.NoError(t, err)
	defer store.Close(context.Background())

	now := time.Now()
	item := deferdel.NewDeletionInfo("svc-missing", "vm-1", now)
	require.NoError(t, store.Put(context.Background(), deferdel.GroupStopping, item))

	batch, dropped, err := store.AcquireBatch(context.Background(), deferdel.GroupStopping, now, 10, 5, func(string) bool { return false })
	require.NoError(t, err)
	assert.Empty(t, batch)
	require.Len(t, dropped, 1)
	assert.Equal(t, DropReasonOrphanedService, dropped[0].Reason)
}

func TestMemoryStoreBatchCapLeavesTippingItem(t *testing.T) {
	store, err := NewMemoryStore()
	require.NoError(t, err)
	defer store.Close(context.Background())

	now := time.Now()
	for i := 0; i < 3; i++ {
		item := deferdel.NewDeletionInfo("svc-1", string(rune('a'+i)), now.Add(time.Duration(i)*time.Millisecond))
		require.NoError(t, store.Put(context.Background(), deferdel.GroupToStop, item))
	}

	batch, dropped, err := store.AcquireBatch(context.Background(), deferdel.GroupToStop, now.Add(time.Second), 10, 2, alwaysResolvable)
	require.NoError(t, err)
	assert.Len(t, batch, 2, "expected batch capped at 2")
	assert.Empty(t, dropped)

	count, _ := store.Count(context.Background(), deferdel.GroupToStop)
	assert.Equal(t, 1, count, "expected tipping item left in group")
}

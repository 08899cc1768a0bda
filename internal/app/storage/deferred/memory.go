package deferred

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/R3E-Network/service_layer/infrastructure/state"
	"github.com/R3E-Network/service_layer/internal/app/domain/deferdel"
)

// MemoryStore implements Store on top of infrastructure/state's
// PersistentState, one namespace per group. PersistentState's own mutex only
// guards single-key operations, so MemoryStore adds an outer mutex around
// the multi-key read-sort-filter-remove sequence AcquireBatch performs.
type MemoryStore struct {
	mu       sync.Mutex
	groups   map[deferdel.Group]*state.PersistentState
	prefixes map[deferdel.Group]string
}

// NewMemoryStore builds a MemoryStore with one in-memory namespace per group.
func NewMemoryStore() (*MemoryStore, error) {
	groups := make(map[deferdel.Group]*state.PersistentState, len(deferdel.Groups))
	prefixes := make(map[deferdel.Group]string, len(deferdel.Groups))
	for _, g := range deferdel.Groups {
		prefix := fmt.Sprintf("deferdel:%s:", g)
		cfg := state.DefaultConfig()
		cfg.KeyPrefix = prefix
		ps, err := state.NewPersistentState(cfg)
		if err != nil {
			return nil, fmt.Errorf("init group %s: %w", g, err)
		}
		groups[g] = ps
		prefixes[g] = prefix
	}
	return &MemoryStore{groups: groups, prefixes: prefixes}, nil
}

func (m *MemoryStore) ns(group deferdel.Group) (*state.PersistentState, string, error) {
	ps, ok := m.groups[group]
	if !ok {
		return nil, "", fmt.Errorf("unknown group %q", group)
	}
	return ps, m.prefixes[group], nil
}

// items lists and decodes every item currently in group. Keys returned by
// PersistentState.List are backend-absolute (prefix included), so they are
// stripped back to the relative key PersistentState.Load/Delete expect.
func (m *MemoryStore) items(ctx context.Context, ps *state.PersistentState, prefix string) ([]*deferdel.DeletionInfo, error) {
	keys, err := ps.List(ctx, "")
	if err != nil {
		return nil, err
	}
	out := make([]*deferdel.DeletionInfo, 0, len(keys))
	for _, full := range keys {
		rel := strings.TrimPrefix(full, prefix)
		raw, err := ps.Load(ctx, rel)
		if err != nil {
			continue
		}
		var item deferdel.DeletionInfo
		if err := json.Unmarshal(raw, &item); err != nil {
			continue
		}
		out = append(out, &item)
	}
	return out, nil
}

func (m *MemoryStore) AcquireBatch(ctx context.Context, group deferdel.Group, now time.Time, maxRetryableRetries, maxBatch int, resolvable func(serviceUUID string) bool) ([]*deferdel.DeletionInfo, []Dropped, error) {
	ps, prefix, err := m.ns(group)
	if err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	items, err := m.items(ctx, ps, prefix)
	if err != nil {
		return nil, nil, err
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].NextCheck.Before(items[j].NextCheck)
	})

	batch, dropped, remove := SelectBatch(items, now, maxRetryableRetries, maxBatch, resolvable)
	for _, key := range remove {
		_ = ps.Delete(ctx, key)
	}

	return batch, dropped, nil
}

func (m *MemoryStore) Put(ctx context.Context, group deferdel.Group, item *deferdel.DeletionInfo) error {
	ps, _, err := m.ns(group)
	if err != nil {
		return err
	}
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return ps.Save(ctx, item.Key(), data)
}

func (m *MemoryStore) Remove(ctx context.Context, group deferdel.Group, key string) error {
	ps, _, err := m.ns(group)
	if err != nil {
		return err
	}
	return ps.Delete(ctx, key)
}

func (m *MemoryStore) List(ctx context.Context, group deferdel.Group) ([]*deferdel.DeletionInfo, error) {
	ps, prefix, err := m.ns(group)
	if err != nil {
		return nil, err
	}
	return m.items(ctx, ps, prefix)
}

func (m *MemoryStore) Count(ctx context.Context, group deferdel.Group) (int, error) {
	ps, _, err := m.ns(group)
	if err != nil {
		return 0, err
	}
	keys, err := ps.List(ctx, "")
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (m *MemoryStore) Close(ctx context.Context) error {
	for _, ps := range m.groups {
		if err := ps.Close(ctx); err != nil {
			return err
		}
	}
	return nil
}

package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBackend_SaveLoad(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend(0)

	require.NoError(t, backend.Save(ctx, "key1", []byte("value1")))

	data, err := backend.Load(ctx, "key1")
	require.NoError(t, err)
	assert.Equal(t, "value1", string(data))
}

func TestMemoryBackend_Delete(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend(0)

	_ = backend.Save(ctx, "key1", []byte("value1"))
	require.NoError(t, backend.Delete(ctx, "key1"))

	_, err := backend.Load(ctx, "key1")
	assert.Error(t, err)
}

func TestMemoryBackend_List(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend(0)

	_ = backend.Save(ctx, "prefix:key1", []byte("value1"))
	_ = backend.Save(ctx, "prefix:key2", []byte("value2"))
	_ = backend.Save(ctx, "other:key3", []byte("value3"))

	keys, err := backend.List(ctx, "prefix:")
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestMemoryBackend_Close(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend(time.Hour)

	assert.NoError(t, backend.Close(ctx))
}

func TestPersistentState_SaveLoad(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend(0)
	cfg := Config{
		Backend:   backend,
		KeyPrefix: "test:",
		MaxSize:   1024,
	}

	state, err := NewPersistentState(cfg)
	require.NoError(t, err)

	require.NoError(t, state.Save(ctx, "mykey", []byte("myvalue")))

	data, err := state.Load(ctx, "mykey")
	require.NoError(t, err)
	assert.Equal(t, "myvalue", string(data))
}

func TestPersistentState_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend(0)
	cfg := Config{
		Backend:   backend,
		KeyPrefix: "test:",
	}

	state, err := NewPersistentState(cfg)
	require.NoError(t, err)
	_ = state.Save(ctx, "key", []byte("old"))

	swapped, err := state.CompareAndSwap(ctx, "key", []byte("old"), []byte("new"))
	require.NoError(t, err)
	assert.True(t, swapped, "CompareAndSwap should have succeeded")

	data, _ := state.Load(ctx, "key")
	assert.Equal(t, "new", string(data))
}

func TestPersistentState_SaveIfAbsent(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend(0)
	cfg := Config{
		Backend:   backend,
		KeyPrefix: "test:",
	}

	state, err := NewPersistentState(cfg)
	require.NoError(t, err)

	inserted, err := state.SaveIfAbsent(ctx, "key", []byte("value1"))
	require.NoError(t, err)
	assert.True(t, inserted, "first SaveIfAbsent should return true")

	inserted, err = state.SaveIfAbsent(ctx, "key", []byte("value2"))
	require.NoError(t, err)
	assert.False(t, inserted, "second SaveIfAbsent should return false")

	data, _ := state.Load(ctx, "key")
	assert.Equal(t, "value1", string(data))
}

func TestPersistentState_Snapshot(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend(0)
	cfg := Config{
		Backend:   backend,
		KeyPrefix: "test:",
	}

	state, err := NewPersistentState(cfg)
	require.NoError(t, err)
	_ = state.Save(ctx, "key1", []byte("value1"))
	_ = state.Save(ctx, "key2", []byte("value2"))

	snapshot, err := state.Snapshot(ctx)
	require.NoError(t, err)

	assert.Len(t, snapshot.Data, 2)
	assert.False(t, snapshot.Timestamp.IsZero(), "snapshot timestamp should not be zero")
}

func TestPersistentState_OnChange(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend(0)
	cfg := Config{
		Backend:   backend,
		KeyPrefix: "test:",
	}

	state, err := NewPersistentState(cfg)
	require.NoError(t, err)

	called := make(chan bool, 1)
	state.OnChange(func(key string, oldValue, newValue []byte) {
		called <- true
	})

	_ = state.Save(ctx, "key", []byte("value"))

	select {
	case <-called:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("OnChange hook was not called within timeout")
	}
}

func TestPersistentState_Close(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend(0)
	cfg := Config{
		Backend:   backend,
		KeyPrefix: "test:",
	}

	state, err := NewPersistentState(cfg)
	require.NoError(t, err)
	assert.NoError(t, state.Close(ctx))
}

func TestPersistentState_MaxSize(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend(0)
	cfg := Config{
		Backend:   backend,
		KeyPrefix: "test:",
		MaxSize:   10,
	}

	state, err := NewPersistentState(cfg)
	require.NoError(t, err)

	err = state.Save(ctx, "key", []byte("12345678901"))
	assert.Error(t, err, "expected error for oversized data")
}

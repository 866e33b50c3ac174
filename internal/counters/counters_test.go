package counters

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heimdex/heimdex-labeler/internal/db"
)

func TestRegistry_AdvanceAndReload(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	r := NewRegistry(store)
	require.NoError(t, r.Load(ctx))
	assert.Equal(t, 0, r.Get("Welding"))

	require.NoError(t, r.Advance(ctx, map[string]int{"Welding": 2, "Lifting": 1}))
	require.NoError(t, r.Advance(ctx, map[string]int{"Welding": 3}))
	assert.Equal(t, 5, r.Get("Welding"))

	reloaded := NewRegistry(store)
	require.NoError(t, reloaded.Load(ctx))
	assert.Equal(t, map[string]int{"Welding": 5, "Lifting": 1}, reloaded.Snapshot())
	assert.Equal(t, []string{"Lifting", "Welding"}, reloaded.Labels())
}

func TestRegistry_RejectsNegative(t *testing.T) {
	r := NewRegistry(NewMemoryStore())
	err := r.Advance(context.Background(), map[string]int{"Welding": -1})
	assert.Error(t, err)
	assert.Equal(t, 0, r.Get("Welding"))
}

type failingStore struct{ *MemoryStore }

func (f *failingStore) SetConfig(context.Context, string, string) error {
	return errors.New("disk full")
}

func TestRegistry_PersistFailureLeavesMemory(t *testing.T) {
	r := NewRegistry(&failingStore{MemoryStore: NewMemoryStore()})
	err := r.Advance(context.Background(), map[string]int{"Welding": 1})
	assert.Error(t, err)
	assert.Equal(t, 0, r.Get("Welding"))
}

func TestRegistry_Reset(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	r := NewRegistry(store)
	require.NoError(t, r.Advance(ctx, map[string]int{"Welding": 4}))
	require.NoError(t, r.Reset(ctx))
	assert.Empty(t, r.Snapshot())

	raw, _ := store.GetConfig(ctx, Key)
	assert.Equal(t, "{}", raw)
}

func TestRegistry_LoadCorrupt(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.SetConfig(ctx, Key, "not json"))
	assert.Error(t, NewRegistry(store).Load(ctx))
}

func TestSQLStore(t *testing.T) {
	ctx := context.Background()
	database, err := db.New(filepath.Join(t.TempDir(), "labeler.db"), nil)
	require.NoError(t, err)
	defer database.Close()

	store := NewSQLStore(database.Conn())
	v, err := store.GetConfig(ctx, Key)
	require.NoError(t, err)
	assert.Empty(t, v)

	r := NewRegistry(store)
	require.NoError(t, r.Load(ctx))
	require.NoError(t, r.Advance(ctx, map[string]int{"Welding": 2}))
	require.NoError(t, r.Advance(ctx, map[string]int{"Welding": 1}))

	again := NewRegistry(store)
	require.NoError(t, again.Load(ctx))
	assert.Equal(t, 3, again.Get("Welding"))
}

// Package counters keeps the per-label clip ordinal registry. Each export
// numbers its clip folders from counter+1 so repeated exports of the same
// label never collide.
package counters

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Key is the config entry holding the registry as a JSON object.
const Key = "label_clip_counters"

// Store is the key-value persistence the registry writes through.
type Store interface {
	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
}

type Registry struct {
	store Store

	mu     sync.RWMutex
	counts map[string]int
}

func NewRegistry(store Store) *Registry {
	return &Registry{store: store, counts: make(map[string]int)}
}

// Load reads the persisted registry. A missing entry is an empty registry.
func (r *Registry) Load(ctx context.Context) error {
	raw, err := r.store.GetConfig(ctx, Key)
	if err != nil {
		return fmt.Errorf("load clip counters: %w", err)
	}
	counts := make(map[string]int)
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &counts); err != nil {
			return fmt.Errorf("parse clip counters: %w", err)
		}
	}
	r.mu.Lock()
	r.counts = counts
	r.mu.Unlock()
	return nil
}

// Get returns the highest ordinal used for label, 0 if none.
func (r *Registry) Get(label string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counts[label]
}

// Snapshot returns a copy of every counter.
func (r *Registry) Snapshot() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int, len(r.counts))
	for k, v := range r.counts {
		out[k] = v
	}
	return out
}

// Labels returns the labels with a counter, sorted.
func (r *Registry) Labels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.counts))
	for k := range r.counts {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Advance adds increments to the counters and persists the result. Memory is
// only updated once the write succeeds.
func (r *Registry) Advance(ctx context.Context, increments map[string]int) error {
	for label, n := range increments {
		if n < 0 {
			return fmt.Errorf("negative increment %d for %q", n, label)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]int, len(r.counts)+len(increments))
	for k, v := range r.counts {
		next[k] = v
	}
	for k, n := range increments {
		if n == 0 {
			continue
		}
		next[k] += n
	}

	if err := r.persist(ctx, next); err != nil {
		return err
	}
	r.counts = next
	return nil
}

// Reset clears every counter, e.g. when starting a new project.
func (r *Registry) Reset(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	empty := make(map[string]int)
	if err := r.persist(ctx, empty); err != nil {
		return err
	}
	r.counts = empty
	return nil
}

func (r *Registry) persist(ctx context.Context, counts map[string]int) error {
	data, err := json.Marshal(counts)
	if err != nil {
		return fmt.Errorf("encode clip counters: %w", err)
	}
	if err := r.store.SetConfig(ctx, Key, string(data)); err != nil {
		return fmt.Errorf("save clip counters: %w", err)
	}
	return nil
}

// SQLStore keeps config entries in the sqlite config table.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

func (s *SQLStore) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO config (key, value, updated_at) VALUES (?, ?, datetime('now'))
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value)
	return err
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]string)}
}

func (m *MemoryStore) GetConfig(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[key], nil
}

func (m *MemoryStore) SetConfig(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = value
	return nil
}

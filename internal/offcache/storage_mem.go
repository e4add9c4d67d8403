package offcache

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memGeneration struct {
	created int64
	entries map[string]Entry
}

// MemStorage keeps generations in process memory.
type MemStorage struct {
	mu   sync.RWMutex
	gens map[string]*memGeneration
	seq  int64
}

func NewMemStorage() *MemStorage {
	return &MemStorage{gens: map[string]*memGeneration{}}
}

func (m *MemStorage) openLocked(generation string) *memGeneration {
	g, ok := m.gens[generation]
	if !ok {
		// seq keeps creation order strict even when the clock does not move.
		m.seq++
		created := time.Now().UnixNano()
		if created < m.seq {
			created = m.seq
		} else {
			m.seq = created
		}
		g = &memGeneration{created: created, entries: map[string]Entry{}}
		m.gens[generation] = g
	}
	return g
}

func (m *MemStorage) Put(ctx context.Context, generation, key string, ent Entry) error {
	if generation == "" {
		return ErrEmptyGeneration
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openLocked(generation).entries[key] = ent.clone()
	return nil
}

func (m *MemStorage) PutAll(ctx context.Context, generation string, entries map[string]Entry) error {
	if generation == "" {
		return ErrEmptyGeneration
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	g := m.openLocked(generation)
	for k, ent := range entries {
		g.entries[k] = ent.clone()
	}
	return nil
}

func (m *MemStorage) Match(ctx context.Context, key, prefer string) (Entry, bool, error) {
	gens, err := m.Generations(ctx)
	if err != nil {
		return Entry{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, name := range matchOrder(gens, prefer) {
		g, ok := m.gens[name]
		if !ok {
			continue
		}
		if ent, ok := g.entries[key]; ok {
			return ent.clone(), true, nil
		}
	}
	return Entry{}, false, nil
}

func (m *MemStorage) Generations(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.gens))
	for name := range m.gens {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool {
		return m.gens[out[i]].created > m.gens[out[j]].created
	})
	return out, nil
}

func (m *MemStorage) DeleteGeneration(ctx context.Context, generation string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.gens[generation]
	delete(m.gens, generation)
	return ok, nil
}

func (m *MemStorage) Count(ctx context.Context, generation string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.gens[generation]
	if !ok {
		return 0, nil
	}
	return len(g.entries), nil
}

func (m *MemStorage) Close() error { return nil }

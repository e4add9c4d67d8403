package offcache

import (
	"context"
	"errors"
)

// ErrEmptyGeneration is returned by storages when asked to write into a
// generation without a name.
var ErrEmptyGeneration = errors.New("empty generation name")

// Storage is the process-wide cache capability handed to the Controller.
// Implementations must be safe for concurrent use; concurrent writes to the
// same key are last-write-wins.
type Storage interface {
	// Put stores ent under key in generation, creating the generation if needed.
	Put(ctx context.Context, generation, key string, ent Entry) error
	// PutAll stores all entries in generation atomically: either every entry
	// is written or none is.
	PutAll(ctx context.Context, generation string, entries map[string]Entry) error
	// Match looks key up in every generation, starting with prefer (if it
	// exists) and continuing newest first.
	Match(ctx context.Context, key, prefer string) (Entry, bool, error)
	// Generations lists generation names, newest first.
	Generations(ctx context.Context) ([]string, error)
	// DeleteGeneration drops a generation and all its entries. It reports
	// whether the generation existed.
	DeleteGeneration(ctx context.Context, generation string) (bool, error)
	// Count returns the number of entries in generation.
	Count(ctx context.Context, generation string) (int, error)
	Close() error
}

// matchOrder returns gens reordered so that prefer comes first.
func matchOrder(gens []string, prefer string) []string {
	if prefer == "" {
		return gens
	}
	out := make([]string, 0, len(gens))
	found := false
	for _, g := range gens {
		if g == prefer {
			found = true
			continue
		}
		out = append(out, g)
	}
	if !found {
		return gens
	}
	return append([]string{prefer}, out...)
}

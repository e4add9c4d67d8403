package offcache

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

func storages(t *testing.T) map[string]func() Storage {
	return map[string]func() Storage{
		"memory": func() Storage { return NewMemStorage() },
		"leveldb": func() Storage {
			st, err := OpenLevelStorage(filepath.Join(t.TempDir(), "db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = st.Close() })
			return st
		},
	}
}

func entry(body string) Entry {
	return newEntry(http.StatusOK, "OK", http.Header{"Content-Type": {"text/plain"}}, []byte(body))
}

func TestStoragePutOverwrites(t *testing.T) {
	ctx := context.Background()
	for name, open := range storages(t) {
		t.Run(name, func(t *testing.T) {
			st := open()
			require.NoError(t, st.Put(ctx, "v1", "GET http://app.test/a", entry("one")))
			require.NoError(t, st.Put(ctx, "v1", "GET http://app.test/a", entry("two")))

			ent, ok, err := st.Match(ctx, "GET http://app.test/a", "")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "two", string(ent.Body))
			assert.Equal(t, "text/plain", ent.Header.Get("Content-Type"))

			n, err := st.Count(ctx, "v1")
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			_, ok, err = st.Match(ctx, "GET http://app.test/b", "")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStorageGenerationsNewestFirst(t *testing.T) {
	ctx := context.Background()
	for name, open := range storages(t) {
		t.Run(name, func(t *testing.T) {
			st := open()
			for _, g := range []string{"v5", "v6", "v7"} {
				require.NoError(t, st.PutAll(ctx, g, nil))
				// leveldb stamps generations with the wall clock
				time.Sleep(2 * time.Millisecond)
			}
			gens, err := st.Generations(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"v7", "v6", "v5"}, gens)
		})
	}
}

func TestStorageMatchPrefersGeneration(t *testing.T) {
	ctx := context.Background()
	for name, open := range storages(t) {
		t.Run(name, func(t *testing.T) {
			st := open()
			require.NoError(t, st.Put(ctx, "v6", "k", entry("six")))
			time.Sleep(2 * time.Millisecond)
			require.NoError(t, st.Put(ctx, "v7", "k", entry("seven")))

			ent, ok, err := st.Match(ctx, "k", "")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "seven", string(ent.Body))

			ent, ok, err = st.Match(ctx, "k", "v6")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "six", string(ent.Body))

			ent, ok, err = st.Match(ctx, "k", "unknown")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "seven", string(ent.Body))
		})
	}
}

func TestStorageDeleteGeneration(t *testing.T) {
	ctx := context.Background()
	for name, open := range storages(t) {
		t.Run(name, func(t *testing.T) {
			st := open()
			require.NoError(t, st.PutAll(ctx, "v6", map[string]Entry{"a": entry("a"), "b": entry("b")}))
			require.NoError(t, st.PutAll(ctx, "v7", map[string]Entry{"a": entry("A")}))

			ok, err := st.DeleteGeneration(ctx, "v6")
			require.NoError(t, err)
			assert.True(t, ok)

			n, err := st.Count(ctx, "v6")
			require.NoError(t, err)
			assert.Zero(t, n)
			gens, err := st.Generations(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"v7"}, gens)

			_, ok, err = st.Match(ctx, "b", "")
			require.NoError(t, err)
			assert.False(t, ok)
			ent, ok, err := st.Match(ctx, "a", "")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "A", string(ent.Body))

			ok, err = st.DeleteGeneration(ctx, "v6")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStorageRejectsEmptyGeneration(t *testing.T) {
	ctx := context.Background()
	for name, open := range storages(t) {
		t.Run(name, func(t *testing.T) {
			st := open()
			assert.ErrorIs(t, st.Put(ctx, "", "k", entry("x")), ErrEmptyGeneration)
			assert.ErrorIs(t, st.PutAll(ctx, "", nil), ErrEmptyGeneration)
		})
	}
}

func TestLevelStorageSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "db")

	st, err := OpenLevelStorage(path)
	require.NoError(t, err)
	require.NoError(t, st.Put(ctx, "v7", "GET http://app.test/index.html", entry("home")))
	require.NoError(t, st.Close())

	st, err = OpenLevelStorage(path)
	require.NoError(t, err)
	defer st.Close()
	gens, err := st.Generations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v7"}, gens)
	ent, ok, err := st.Match(ctx, "GET http://app.test/index.html", "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "home", string(ent.Body))
}

func TestLevelStorageKeysDoNotLeakAcrossGenerations(t *testing.T) {
	ctx := context.Background()
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	require.NoError(t, err)
	st := NewLevelStorage(db)
	defer st.Close()

	// "v1" is a prefix of "v10"; counting and deleting v1 must not touch v10.
	require.NoError(t, st.Put(ctx, "v1", "k", entry("1")))
	require.NoError(t, st.Put(ctx, "v10", "k", entry("10")))

	n, err := st.Count(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = st.DeleteGeneration(ctx, "v1")
	require.NoError(t, err)
	n, err = st.Count(ctx, "v10")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Error(t, st.Put(ctx, "bad\x00name", "k", entry("x")))
}

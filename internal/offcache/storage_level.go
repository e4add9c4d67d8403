package offcache

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	g:<generation>             -> gob(created unix nanos)
//	e:<generation>\x00<key>    -> gob(Entry)
const (
	genPrefix   = "g:"
	entryPrefix = "e:"
	keySep      = "\x00"
)

// LevelStorage persists generations in a leveldb database.
type LevelStorage struct {
	db *leveldb.DB

	// serializes generation creation so two writers never stamp the same
	// generation twice
	mu sync.Mutex
}

func OpenLevelStorage(path string) (*LevelStorage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &LevelStorage{db: db}, nil
}

// NewLevelStorage wraps an already opened database.
func NewLevelStorage(db *leveldb.DB) *LevelStorage {
	return &LevelStorage{db: db}
}

func genKey(generation string) []byte { return []byte(genPrefix + generation) }

func entryKeyPrefix(generation string) []byte {
	return []byte(entryPrefix + generation + keySep)
}

func entryKey(generation, key string) []byte {
	return append(entryKeyPrefix(generation), key...)
}

func validGeneration(generation string) error {
	if generation == "" {
		return ErrEmptyGeneration
	}
	if strings.Contains(generation, keySep) {
		return fmt.Errorf("generation %q contains a NUL byte", generation)
	}
	return nil
}

// ensureGeneration adds the generation marker to batch if it does not exist.
func (s *LevelStorage) ensureGeneration(batch *leveldb.Batch, generation string) error {
	ok, err := s.db.Has(genKey(generation), nil)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	b, err := encodeGob(time.Now().UnixNano())
	if err != nil {
		return err
	}
	batch.Put(genKey(generation), b)
	return nil
}

func (s *LevelStorage) Put(ctx context.Context, generation, key string, ent Entry) error {
	return s.PutAll(ctx, generation, map[string]Entry{key: ent})
}

func (s *LevelStorage) PutAll(ctx context.Context, generation string, entries map[string]Entry) error {
	if err := validGeneration(generation); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	for k, ent := range entries {
		b, err := encodeGob(ent)
		if err != nil {
			return fmt.Errorf("encode %q: %w", k, err)
		}
		batch.Put(entryKey(generation, k), b)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureGeneration(batch, generation); err != nil {
		return err
	}
	return s.db.Write(batch, nil)
}

func (s *LevelStorage) Match(ctx context.Context, key, prefer string) (Entry, bool, error) {
	gens, err := s.Generations(ctx)
	if err != nil {
		return Entry{}, false, err
	}
	for _, g := range matchOrder(gens, prefer) {
		if err := ctx.Err(); err != nil {
			return Entry{}, false, err
		}
		b, err := s.db.Get(entryKey(g, key), nil)
		if errors.Is(err, leveldb.ErrNotFound) {
			continue
		}
		if err != nil {
			return Entry{}, false, err
		}
		var ent Entry
		if err := decodeGob(b, &ent); err != nil {
			return Entry{}, false, fmt.Errorf("decode %q in %s: %w", key, g, err)
		}
		return ent, true, nil
	}
	return Entry{}, false, nil
}

func (s *LevelStorage) Generations(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	it := s.db.NewIterator(util.BytesPrefix([]byte(genPrefix)), nil)
	defer it.Release()

	type gen struct {
		name    string
		created int64
	}
	var gens []gen
	for it.Next() {
		var created int64
		if err := decodeGob(it.Value(), &created); err != nil {
			continue
		}
		name := string(bytes.TrimPrefix(it.Key(), []byte(genPrefix)))
		gens = append(gens, gen{name: name, created: created})
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.SliceStable(gens, func(i, j int) bool { return gens[i].created > gens[j].created })
	out := make([]string, len(gens))
	for i, g := range gens {
		out[i] = g.name
	}
	return out, nil
}

func (s *LevelStorage) DeleteGeneration(ctx context.Context, generation string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existed, err := s.db.Has(genKey(generation), nil)
	if err != nil {
		return false, err
	}

	batch := new(leveldb.Batch)
	it := s.db.NewIterator(util.BytesPrefix(entryKeyPrefix(generation)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	batch.Delete(genKey(generation))
	if err := s.db.Write(batch, nil); err != nil {
		return false, err
	}
	return existed || batch.Len() > 1, nil
}

func (s *LevelStorage) Count(ctx context.Context, generation string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	it := s.db.NewIterator(util.BytesPrefix(entryKeyPrefix(generation)), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n, it.Error()
}

func (s *LevelStorage) Close() error {
	return s.db.Close()
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}

func init() {
	gob.Register(http.Header{})
}

// Copyright 2025 The axfor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store is the durable map: the one piece of state every applied
// command eventually mutates or reads. It is backed by a grocksdb.DB that
// the consensus log shares under a disjoint key prefix (see
// internal/consensus), so a single Open gives a node both its state and
// its log in one directory.
package store

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"

	"github.com/linxGnu/grocksdb"

	"github.com/axfor/raftkv/internal/pattern"
)

// kvPrefix separates durable map keys from the consensus log's
// "raftlog/" keys within the shared database.
const kvPrefix = "kv/"

// Engine is the durable map: get/put/delete/iterate over arbitrary byte
// keys and values, plus export/restore for snapshotting. Every method is
// safe to call from any goroutine, but in practice only the EventLoop
// goroutine ever calls the mutating ones.
type Engine struct {
	db   *grocksdb.DB
	wo   *grocksdb.WriteOptions
	ro   *grocksdb.ReadOptions
	mu   sync.RWMutex
	opts OptimizationConfig
}

// Open creates (if needed) and opens the node's database directory,
// tuned per DefaultOptimizationConfig. The returned *grocksdb.DB is
// shared between the Engine and the consensus.Storage built over it.
func Open(dataDir string) (*grocksdb.DB, error) {
	opts := NewOptimizedDBOptions()
	db, err := grocksdb.OpenDb(opts, dataDir)
	if err != nil {
		opts.Destroy()
		return nil, fmt.Errorf("store: open %s: %w", dataDir, err)
	}
	return db, nil
}

// NewEngine wraps an already-open db. db must outlive the Engine.
func NewEngine(db *grocksdb.DB) *Engine {
	cfg := DefaultOptimizationConfig()

	wo := grocksdb.NewDefaultWriteOptions()
	cfg.ApplyWriteOptions(wo)

	ro := grocksdb.NewDefaultReadOptions()
	cfg.ApplyReadOptions(ro)

	return &Engine{db: db, wo: wo, ro: ro, opts: cfg}
}

// Close releases the engine's read/write option handles. It does not
// close the underlying db, which the caller opened and owns.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.wo != nil {
		e.wo.Destroy()
		e.wo = nil
	}
	if e.ro != nil {
		e.ro.Destroy()
		e.ro = nil
	}
}

func kvKey(key []byte) []byte {
	return append([]byte(kvPrefix), key...)
}

// Get returns the value stored at key, or ok=false if key is absent.
func (e *Engine) Get(key []byte) (value []byte, ok bool, err error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	data, err := e.db.Get(e.ro, kvKey(key))
	if err != nil {
		return nil, false, fmt.Errorf("store: get: %w", err)
	}
	defer data.Free()

	if data.Size() == 0 {
		return nil, false, nil
	}

	out := make([]byte, data.Size())
	copy(out, data.Data())
	return out, true, nil
}

// Set durably writes key -> value.
func (e *Engine) Set(key, value []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.db.Put(e.wo, kvKey(key), value); err != nil {
		return fmt.Errorf("store: put: %w", err)
	}
	return nil
}

// DeleteMany removes every key in keys in one atomic batch. Keys that
// don't exist are silently skipped, matching RocksDB delete semantics.
func (e *Engine) DeleteMany(keys [][]byte) error {
	if len(keys) == 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	wb := grocksdb.NewWriteBatch()
	defer wb.Destroy()

	for _, key := range keys {
		wb.Delete(kvKey(key))
	}

	if err := e.db.Write(e.wo, wb); err != nil {
		return fmt.Errorf("store: delete batch: %w", err)
	}
	return nil
}

// Keys returns every stored key matching the glob pattern.
func (e *Engine) Keys(patternStr string, caseSensitive bool) ([]string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ro := grocksdb.NewDefaultReadOptions()
	ro.SetFillCache(false)
	defer ro.Destroy()

	it := e.db.NewIterator(ro)
	defer it.Close()

	prefix := []byte(kvPrefix)
	var matches []string

	for it.Seek(prefix); it.Valid() && bytes.HasPrefix(it.Key().Data(), prefix); it.Next() {
		key := string(it.Key().Data()[len(prefix):])
		if pattern.Matches(patternStr, key, caseSensitive) {
			matches = append(matches, key)
		}
	}

	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate: %w", err)
	}

	return matches, nil
}

// Export serializes every key/value pair into a gob-encoded
// map[string][]byte, the snapshot wire format.
func (e *Engine) Export() ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	snapshot := make(map[string][]byte)

	ro := grocksdb.NewDefaultReadOptions()
	ro.SetFillCache(false)
	defer ro.Destroy()

	it := e.db.NewIterator(ro)
	defer it.Close()

	prefix := []byte(kvPrefix)
	for it.Seek(prefix); it.Valid() && bytes.HasPrefix(it.Key().Data(), prefix); it.Next() {
		key := string(it.Key().Data()[len(prefix):])
		value := make([]byte, it.Value().Size())
		copy(value, it.Value().Data())
		snapshot[key] = value
	}

	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("store: export iterate: %w", err)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snapshot); err != nil {
		return nil, fmt.Errorf("store: export encode: %w", err)
	}

	return buf.Bytes(), nil
}

// Restore replaces the durable map's contents with snapshot, an
// export-produced blob. It overlay-replaces rather than wiping first: a
// current key absent from the snapshot is deleted, a current key present
// in the snapshot is overwritten, and the whole thing commits as one
// atomic batch so a crash mid-restore can't leave a half-applied state.
func (e *Engine) Restore(snapshot []byte) error {
	var incoming map[string][]byte
	if err := gob.NewDecoder(bytes.NewReader(snapshot)).Decode(&incoming); err != nil {
		return fmt.Errorf("store: restore decode: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	wb := grocksdb.NewWriteBatch()
	defer wb.Destroy()

	ro := grocksdb.NewDefaultReadOptions()
	defer ro.Destroy()

	it := e.db.NewIterator(ro)
	defer it.Close()

	prefix := []byte(kvPrefix)
	for it.Seek(prefix); it.Valid() && bytes.HasPrefix(it.Key().Data(), prefix); it.Next() {
		key := string(it.Key().Data()[len(prefix):])
		if _, keep := incoming[key]; !keep {
			fullKey := make([]byte, it.Key().Size())
			copy(fullKey, it.Key().Data())
			wb.Delete(fullKey)
		}
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("store: restore iterate: %w", err)
	}

	for key, value := range incoming {
		wb.Put(kvKey([]byte(key)), value)
	}

	if err := e.db.Write(e.wo, wb); err != nil {
		return fmt.Errorf("store: restore write: %w", err)
	}

	return nil
}

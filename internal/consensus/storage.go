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

// Package consensus wires go.etcd.io/raft/v3 to the durable map: a
// raft.Storage backed by the same grocksdb.DB the state machine uses
// (under a disjoint key prefix), and the goroutine that drives the raft
// Ready()/Advance() loop and delivers committed entries to the core.
package consensus

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/linxGnu/grocksdb"
	"go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"
	"go.uber.org/zap"

	"github.com/axfor/raftkv/pkg/log"
)

// Key prefixes inside the shared DB. "kv/" is reserved for the durable
// map (see internal/store); everything here lives under
// "<nodeID>/raftlog/" so the two never collide despite sharing one
// grocksdb.DB.
const (
	logPrefix     = "raftlog/entry/"
	hardStateKey  = "raftlog/hard_state"
	confStateKey  = "raftlog/conf_state"
	snapshotKey   = "raftlog/snapshot_meta"
	firstIndexKey = "raftlog/first_index"
	lastIndexKey  = "raftlog/last_index"
)

// Storage implements raft.Storage on top of a grocksdb.DB shared with the
// durable map. One Storage exists per raft node and is keyed by nodeID so
// multiple nodes could in principle share a DB (they don't in practice,
// but the prefixing costs nothing and matches how the durable map itself
// partitions its keys).
type Storage struct {
	db     *grocksdb.DB
	wo     *grocksdb.WriteOptions
	ro     *grocksdb.ReadOptions
	nodeID string
	mu     sync.RWMutex

	firstIndex uint64
	lastIndex  uint64
}

// NewStorage builds a Storage over an already-open db. db must outlive
// the Storage; Close only releases read/write option handles, not db
// itself, since the durable map owns the database's lifetime.
func NewStorage(db *grocksdb.DB, nodeID string) (*Storage, error) {
	wo := grocksdb.NewDefaultWriteOptions()
	wo.SetSync(true)
	ro := grocksdb.NewDefaultReadOptions()

	s := &Storage{db: db, wo: wo, ro: ro, nodeID: nodeID}

	firstIndex, err := s.getFirstIndexUnsafe()
	if err != nil {
		firstIndex = 1
		if err := s.setFirstIndexUnsafe(firstIndex); err != nil {
			return nil, fmt.Errorf("consensus: initialize first index: %w", err)
		}
	}
	s.firstIndex = firstIndex

	lastIndex, err := s.getLastIndexUnsafe()
	if err != nil {
		lastIndex = firstIndex - 1
		if err := s.setLastIndexUnsafe(lastIndex); err != nil {
			return nil, fmt.Errorf("consensus: initialize last index: %w", err)
		}
	}
	s.lastIndex = lastIndex

	return s, nil
}

// Close releases the storage's read/write option handles.
func (s *Storage) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.wo != nil {
		s.wo.Destroy()
		s.wo = nil
	}
	if s.ro != nil {
		s.ro.Destroy()
		s.ro = nil
	}
}

func (s *Storage) prefixedKey(key string) []byte {
	return []byte(fmt.Sprintf("%s/%s", s.nodeID, key))
}

func (s *Storage) logKey(index uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, index)
	return bytes.Join([][]byte{s.prefixedKey(logPrefix), buf}, []byte("/"))
}

// InitialState implements raft.Storage.
func (s *Storage) InitialState() (raftpb.HardState, raftpb.ConfState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var hardState raftpb.HardState
	var confState raftpb.ConfState

	hsData, err := s.db.Get(s.ro, s.prefixedKey(hardStateKey))
	if err != nil {
		return hardState, confState, err
	}
	defer hsData.Free()

	if hsData.Size() > 0 {
		if err := hardState.Unmarshal(hsData.Data()); err != nil {
			return hardState, confState, fmt.Errorf("consensus: unmarshal hard state: %w", err)
		}
	}

	csData, err := s.db.Get(s.ro, s.prefixedKey(confStateKey))
	if err != nil {
		return hardState, confState, err
	}
	defer csData.Free()

	if csData.Size() > 0 {
		if err := confState.Unmarshal(csData.Data()); err != nil {
			return hardState, confState, fmt.Errorf("consensus: unmarshal conf state: %w", err)
		}
	}

	return hardState, confState, nil
}

// Entries implements raft.Storage, returning log entries in [lo, hi)
// bounded by maxSize.
func (s *Storage) Entries(lo, hi, maxSize uint64) ([]raftpb.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if lo > hi {
		return nil, fmt.Errorf("consensus: invalid range: lo(%d) > hi(%d)", lo, hi)
	}

	firstIndex := s.firstIndex
	lastIndex := s.lastIndex

	if lo < firstIndex {
		return nil, raft.ErrCompacted
	}
	if hi > lastIndex+1 {
		return nil, raft.ErrUnavailable
	}
	if lo == hi {
		return nil, nil
	}

	var ents []raftpb.Entry
	size := uint64(0)

	for i := lo; i < hi; i++ {
		data, err := s.db.Get(s.ro, s.logKey(i))
		if err != nil {
			return nil, fmt.Errorf("consensus: get entry %d: %w", i, err)
		}

		if data.Size() == 0 {
			data.Free()
			return nil, raft.ErrUnavailable
		}

		var ent raftpb.Entry
		if err := ent.Unmarshal(data.Data()); err != nil {
			data.Free()
			return nil, fmt.Errorf("consensus: unmarshal entry %d: %w", i, err)
		}
		data.Free()

		entSize := uint64(ent.Size())
		if size > 0 && size+entSize > maxSize {
			break
		}

		ents = append(ents, ent)
		size += entSize
	}

	return ents, nil
}

// Term implements raft.Storage.
func (s *Storage) Term(index uint64) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	firstIndex := s.firstIndex
	lastIndex := s.lastIndex

	if index < firstIndex-1 {
		return 0, raft.ErrCompacted
	}
	if index > lastIndex {
		return 0, raft.ErrUnavailable
	}

	if index == firstIndex-1 {
		snap, err := s.loadSnapshotUnsafe()
		if err != nil {
			return 0, err
		}
		if !raft.IsEmptySnap(snap) && snap.Metadata.Index == index {
			return snap.Metadata.Term, nil
		}
		if index == 0 {
			return 0, nil
		}
		return 0, raft.ErrCompacted
	}

	data, err := s.db.Get(s.ro, s.logKey(index))
	if err != nil {
		return 0, fmt.Errorf("consensus: get entry %d: %w", index, err)
	}
	defer data.Free()

	if data.Size() == 0 {
		return 0, raft.ErrUnavailable
	}

	var ent raftpb.Entry
	if err := ent.Unmarshal(data.Data()); err != nil {
		return 0, fmt.Errorf("consensus: unmarshal entry %d: %w", index, err)
	}

	return ent.Term, nil
}

// LastIndex implements raft.Storage.
func (s *Storage) LastIndex() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastIndex, nil
}

// FirstIndex implements raft.Storage.
func (s *Storage) FirstIndex() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.firstIndex, nil
}

// Snapshot implements raft.Storage.
func (s *Storage) Snapshot() (raftpb.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.loadSnapshotUnsafe()
}

func (s *Storage) loadSnapshotUnsafe() (raftpb.Snapshot, error) {
	var snapshot raftpb.Snapshot

	snapData, err := s.db.Get(s.ro, s.prefixedKey(snapshotKey))
	if err != nil {
		return snapshot, err
	}
	defer snapData.Free()

	if snapData.Size() > 0 {
		if err := snapshot.Unmarshal(snapData.Data()); err != nil {
			return snapshot, fmt.Errorf("consensus: unmarshal snapshot: %w", err)
		}
	} else {
		// No stored snapshot: synthesize a valid empty one so raft
		// doesn't panic on a nil Data field.
		snapshot.Metadata.Index = s.firstIndex - 1
		snapshot.Metadata.Term = 0
		snapshot.Data = []byte{}
	}

	return snapshot, nil
}

// Append stores entries, truncating any conflicting suffix of the
// existing log first.
func (s *Storage) Append(entries []raftpb.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(entries) == 0 {
		return nil
	}

	wb := grocksdb.NewWriteBatch()
	defer wb.Destroy()

	first := entries[0].Index
	last := entries[len(entries)-1].Index

	if first <= s.lastIndex {
		for i := first; i <= s.lastIndex; i++ {
			wb.Delete(s.logKey(i))
		}
	}

	for _, ent := range entries {
		data, err := ent.Marshal()
		if err != nil {
			return fmt.Errorf("consensus: marshal entry %d: %w", ent.Index, err)
		}
		wb.Put(s.logKey(ent.Index), data)
	}

	if last != s.lastIndex {
		if err := s.setLastIndexWithWB(wb, last); err != nil {
			return err
		}
		s.lastIndex = last
	}

	if s.firstIndex > s.lastIndex && len(entries) > 0 {
		s.firstIndex = first
		if err := s.setFirstIndexWithWB(wb, first); err != nil {
			return err
		}
	}

	return s.db.Write(s.wo, wb)
}

// SetHardState persists the current HardState.
func (s *Storage) SetHardState(st raftpb.HardState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := st.Marshal()
	if err != nil {
		return fmt.Errorf("consensus: marshal hard state: %w", err)
	}
	return s.db.Put(s.wo, s.prefixedKey(hardStateKey), data)
}

// SetConfState persists the current ConfState.
func (s *Storage) SetConfState(cs raftpb.ConfState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := cs.Marshal()
	if err != nil {
		return fmt.Errorf("consensus: marshal conf state: %w", err)
	}
	return s.db.Put(s.wo, s.prefixedKey(confStateKey), data)
}

// CreateSnapshot builds and persists a snapshot at index, carrying data
// (the state machine's exported blob) and the conf state in effect at
// that point.
func (s *Storage) CreateSnapshot(index uint64, cs *raftpb.ConfState, data []byte) (raftpb.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < s.firstIndex-1 {
		return raftpb.Snapshot{}, raft.ErrSnapOutOfDate
	}
	if index > s.lastIndex {
		return raftpb.Snapshot{}, fmt.Errorf("consensus: snapshot index %d > last index %d", index, s.lastIndex)
	}

	var term uint64
	if index == s.firstIndex-1 {
		snap, err := s.loadSnapshotUnsafe()
		if err != nil {
			return raftpb.Snapshot{}, err
		}
		if !raft.IsEmptySnap(snap) {
			term = snap.Metadata.Term
		}
	} else {
		entData, err := s.db.Get(s.ro, s.logKey(index))
		if err != nil {
			return raftpb.Snapshot{}, fmt.Errorf("consensus: get entry %d: %w", index, err)
		}
		defer entData.Free()

		if entData.Size() == 0 {
			return raftpb.Snapshot{}, fmt.Errorf("consensus: entry %d not found", index)
		}

		var ent raftpb.Entry
		if err := ent.Unmarshal(entData.Data()); err != nil {
			return raftpb.Snapshot{}, fmt.Errorf("consensus: unmarshal entry %d: %w", index, err)
		}
		term = ent.Term
	}

	snapshot := raftpb.Snapshot{
		Data: data,
		Metadata: raftpb.SnapshotMetadata{
			Index:     index,
			Term:      term,
			ConfState: *cs,
		},
	}

	snapData, err := snapshot.Marshal()
	if err != nil {
		return raftpb.Snapshot{}, fmt.Errorf("consensus: marshal snapshot: %w", err)
	}

	if err := s.db.Put(s.wo, s.prefixedKey(snapshotKey), snapData); err != nil {
		return raftpb.Snapshot{}, fmt.Errorf("consensus: save snapshot: %w", err)
	}

	return snapshot, nil
}

// ApplySnapshot installs snap, discarding log entries it supersedes.
func (s *Storage) ApplySnapshot(snap raftpb.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if raft.IsEmptySnap(snap) {
		return nil
	}

	index := snap.Metadata.Index

	if index <= s.firstIndex-1 {
		return raft.ErrSnapOutOfDate
	}

	wb := grocksdb.NewWriteBatch()
	defer wb.Destroy()

	snapData, err := snap.Marshal()
	if err != nil {
		return fmt.Errorf("consensus: marshal snapshot: %w", err)
	}
	wb.Put(s.prefixedKey(snapshotKey), snapData)

	for i := s.firstIndex; i <= index && i <= s.lastIndex; i++ {
		wb.Delete(s.logKey(i))
	}

	newFirstIndex := index + 1
	if err := s.setFirstIndexWithWB(wb, newFirstIndex); err != nil {
		return err
	}

	if index > s.lastIndex {
		if err := s.setLastIndexWithWB(wb, index); err != nil {
			return err
		}
		s.lastIndex = index
	}

	csData, err := snap.Metadata.ConfState.Marshal()
	if err != nil {
		return fmt.Errorf("consensus: marshal conf state: %w", err)
	}
	wb.Put(s.prefixedKey(confStateKey), csData)

	if err := s.db.Write(s.wo, wb); err != nil {
		return fmt.Errorf("consensus: write snapshot: %w", err)
	}

	s.firstIndex = newFirstIndex

	log.Info("applied raft snapshot",
		zap.Uint64("snapshot_index", index),
		zap.Uint64("new_first_index", s.firstIndex),
		log.Component("consensus-storage"))

	return nil
}

// Compact discards log entries prior to compactIndex.
func (s *Storage) Compact(compactIndex uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if compactIndex <= s.firstIndex {
		return raft.ErrCompacted
	}
	if compactIndex > s.lastIndex {
		return fmt.Errorf("consensus: compact index %d > last index %d", compactIndex, s.lastIndex)
	}

	wb := grocksdb.NewWriteBatch()
	defer wb.Destroy()

	for i := s.firstIndex; i < compactIndex; i++ {
		wb.Delete(s.logKey(i))
	}

	if err := s.setFirstIndexWithWB(wb, compactIndex); err != nil {
		return err
	}

	if err := s.db.Write(s.wo, wb); err != nil {
		return fmt.Errorf("consensus: compact: %w", err)
	}

	s.firstIndex = compactIndex

	log.Info("compacted raft log", zap.Uint64("compact_index", compactIndex), log.Component("consensus-storage"))

	return nil
}

func (s *Storage) getFirstIndexUnsafe() (uint64, error) {
	fiData, err := s.db.Get(s.ro, s.prefixedKey(firstIndexKey))
	if err != nil {
		return 0, err
	}
	defer fiData.Free()

	if fiData.Size() == 0 {
		return 0, fmt.Errorf("consensus: first index not found")
	}

	return readUint64BigEndian(fiData.Data())
}

func (s *Storage) setFirstIndexUnsafe(index uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, index)
	return s.db.Put(s.wo, s.prefixedKey(firstIndexKey), buf)
}

func (s *Storage) setFirstIndexWithWB(wb *grocksdb.WriteBatch, index uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, index)
	wb.Put(s.prefixedKey(firstIndexKey), buf)
	return nil
}

func (s *Storage) getLastIndexUnsafe() (uint64, error) {
	liData, err := s.db.Get(s.ro, s.prefixedKey(lastIndexKey))
	if err != nil {
		return 0, err
	}
	defer liData.Free()

	if liData.Size() == 0 {
		return 0, fmt.Errorf("consensus: last index not found")
	}

	return readUint64BigEndian(liData.Data())
}

func (s *Storage) setLastIndexUnsafe(index uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, index)
	return s.db.Put(s.wo, s.prefixedKey(lastIndexKey), buf)
}

func (s *Storage) setLastIndexWithWB(wb *grocksdb.WriteBatch, index uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, index)
	wb.Put(s.prefixedKey(lastIndexKey), buf)
	return nil
}

func readUint64BigEndian(b []byte) (uint64, error) {
	if len(b) < 8 {
		return 0, fmt.Errorf("consensus: buffer too small to read uint64")
	}
	return binary.BigEndian.Uint64(b), nil
}

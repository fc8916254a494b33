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

package consensus

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"

	"github.com/axfor/raftkv/internal/store"
)

func openTestStorage(t *testing.T) *Storage {
	t.Helper()
	db, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(db.Close)

	s, err := NewStorage(db, "node_1")
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestStorageAppendAndEntries(t *testing.T) {
	s := openTestStorage(t)

	entries := []raftpb.Entry{
		{Index: 1, Term: 1, Data: []byte("a")},
		{Index: 2, Term: 1, Data: []byte("b")},
		{Index: 3, Term: 2, Data: []byte("c")},
	}
	require.NoError(t, s.Append(entries))

	last, err := s.LastIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(3), last)

	got, err := s.Entries(1, 4, 1<<20)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, []byte("b"), got[1].Data)

	term, err := s.Term(3)
	require.NoError(t, err)
	require.Equal(t, uint64(2), term)
}

func TestStorageAppendTruncatesConflictingSuffix(t *testing.T) {
	s := openTestStorage(t)

	require.NoError(t, s.Append([]raftpb.Entry{
		{Index: 1, Term: 1},
		{Index: 2, Term: 1},
		{Index: 3, Term: 1},
	}))

	// A new leader's entries at index 2 onward, different term,
	// must discard the stale index-3 entry.
	require.NoError(t, s.Append([]raftpb.Entry{
		{Index: 2, Term: 2},
	}))

	last, err := s.LastIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(2), last)

	_, err = s.Entries(1, 4, 1<<20)
	require.ErrorIs(t, err, raft.ErrUnavailable)
}

func TestStorageHardStateRoundTrip(t *testing.T) {
	s := openTestStorage(t)

	hs := raftpb.HardState{Term: 5, Vote: 1, Commit: 10}
	require.NoError(t, s.SetHardState(hs))

	gotHS, _, err := s.InitialState()
	require.NoError(t, err)
	require.Equal(t, hs, gotHS)
}

func TestStorageCreateSnapshotAndCompact(t *testing.T) {
	s := openTestStorage(t)

	require.NoError(t, s.Append([]raftpb.Entry{
		{Index: 1, Term: 1},
		{Index: 2, Term: 1},
		{Index: 3, Term: 1},
		{Index: 4, Term: 1},
	}))

	cs := &raftpb.ConfState{Voters: []uint64{1}}
	snap, err := s.CreateSnapshot(3, cs, []byte("state-blob"))
	require.NoError(t, err)
	require.Equal(t, uint64(3), snap.Metadata.Index)
	require.Equal(t, []byte("state-blob"), snap.Data)

	require.NoError(t, s.Compact(3))

	first, err := s.FirstIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(3), first)

	_, err = s.Entries(1, 2, 1<<20)
	require.ErrorIs(t, err, raft.ErrCompacted)
}

func TestStorageApplySnapshotDiscardsCoveredEntries(t *testing.T) {
	s := openTestStorage(t)

	require.NoError(t, s.Append([]raftpb.Entry{
		{Index: 1, Term: 1},
		{Index: 2, Term: 1},
	}))

	snap := raftpb.Snapshot{
		Data: []byte("restored"),
		Metadata: raftpb.SnapshotMetadata{
			Index:     5,
			Term:      2,
			ConfState: raftpb.ConfState{Voters: []uint64{1, 2}},
		},
	}
	require.NoError(t, s.ApplySnapshot(snap))

	first, err := s.FirstIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(6), first)

	last, err := s.LastIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(5), last)

	got, err := s.Snapshot()
	require.NoError(t, err)
	require.Equal(t, []byte("restored"), got.Data)
}

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

package statemachine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axfor/raftkv/internal/codec"
	"github.com/axfor/raftkv/internal/eventloop"
	"github.com/axfor/raftkv/internal/store"
)

// stubProposer hands every proposed payload straight to a commit sink
// (simulating an instantly-committing single-node raft group), or, if
// rejectNext is set, fails the next proposal without ever committing it.
type stubProposer struct {
	mu         sync.Mutex
	sm         *StateMachine
	nextIndex  uint64
	rejectNext error
}

func (p *stubProposer) Propose(_ context.Context, data []byte, onResult func(error)) {
	p.mu.Lock()
	reject := p.rejectNext
	p.rejectNext = nil
	p.mu.Unlock()

	if reject != nil {
		onResult(reject)
		return
	}

	onResult(nil)

	p.mu.Lock()
	p.nextIndex++
	idx := p.nextIndex
	p.mu.Unlock()

	p.sm.OnCommit(data, idx)
}

func newTestStateMachine(t *testing.T, nodeID uint32) (*StateMachine, *stubProposer) {
	t.Helper()

	db, err := store.Open(t.TempDir())
	require.NoError(t, err)
	engine := store.NewEngine(db)
	t.Cleanup(func() {
		engine.Close()
		db.Close()
	})

	loop := eventloop.New()
	go loop.Run()
	t.Cleanup(func() {
		loop.Stop()
		<-loop.Done()
	})

	sm := New(loop, engine, nodeID, nil, nil)
	proposer := &stubProposer{sm: sm}
	sm.SetProposer(proposer)

	return sm, proposer
}

func waitCompletion(t *testing.T) (func(error), <-chan error) {
	t.Helper()
	done := make(chan error, 1)
	return func(err error) { done <- err }, done
}

func TestStateMachineSingleKeySetGet(t *testing.T) {
	sm, _ := newTestStateMachine(t, 1)

	completion, done := waitCompletion(t)
	sm.Set([]byte("foo"), []byte("bar"), completion)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for SET completion")
	}

	v, ok, err := sm.Read([]byte("foo"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "bar", string(v))

	_, ok, err = sm.Read([]byte("baz"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStateMachineDeleteSemantics(t *testing.T) {
	sm, _ := newTestStateMachine(t, 1)

	for _, kv := range [][2]string{{"a", "1"}, {"b", "2"}, {"c", "3"}} {
		completion, done := waitCompletion(t)
		sm.Set([]byte(kv[0]), []byte(kv[1]), completion)
		require.NoError(t, <-done)
	}

	completion, done := waitCompletion(t)
	sm.Del([][]byte{[]byte("a"), []byte("c"), []byte("d")}, completion)
	require.NoError(t, <-done)

	_, ok, _ := sm.Read([]byte("a"))
	assert.False(t, ok)
	v, ok, _ := sm.Read([]byte("b"))
	require.True(t, ok)
	assert.Equal(t, "2", string(v))
	_, ok, _ = sm.Read([]byte("c"))
	assert.False(t, ok)
}

func TestStateMachineDeleteEmptyListCompletesOK(t *testing.T) {
	sm, _ := newTestStateMachine(t, 1)

	completion, done := waitCompletion(t)
	sm.Del(nil, completion)
	require.NoError(t, <-done)
}

func TestStateMachineKeysPatterns(t *testing.T) {
	sm, _ := newTestStateMachine(t, 1)

	for _, k := range []string{"hello", "help", "world", "hero"} {
		completion, done := waitCompletion(t)
		sm.Set([]byte(k), []byte("v"), completion)
		require.NoError(t, <-done)
	}

	matches, err := sm.Keys("h*", true)
	require.NoError(t, err)
	sort.Strings(matches)
	assert.Equal(t, []string{"hello", "help", "hero"}, matches)
}

func TestStateMachineProposeRejection(t *testing.T) {
	sm, proposer := newTestStateMachine(t, 1)

	proposer.mu.Lock()
	proposer.rejectNext = errors.New("not leader")
	proposer.mu.Unlock()

	completion, done := waitCompletion(t)
	sm.Set([]byte("k"), []byte("v"), completion)

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for rejected SET completion")
	}

	pendingLen := make(chan int, 1)
	sm.PendingCount(pendingLen)
	assert.Equal(t, 0, <-pendingLen)
}

func TestStateMachineApplyOrderUnderInterleaving(t *testing.T) {
	sm, _ := newTestStateMachine(t, 1)

	setV1, err := codec.Encode(codec.Record{NodeID: 99, CommitID: 1, Op: codec.OpSet, Args: [][]byte{[]byte("k"), []byte("v1")}})
	require.NoError(t, err)
	setV2, err := codec.Encode(codec.Record{NodeID: 99, CommitID: 2, Op: codec.OpSet, Args: [][]byte{[]byte("k"), []byte("v2")}})
	require.NoError(t, err)
	del, err := codec.Encode(codec.Record{NodeID: 99, CommitID: 3, Op: codec.OpDel, Args: [][]byte{[]byte("k")}})
	require.NoError(t, err)

	sm.OnCommit(setV1, 1)
	sm.OnCommit(setV2, 2)
	sm.OnCommit(del, 3)

	// Block on the loop to make sure all three posted applies have run.
	pendingLen := make(chan int, 1)
	sm.PendingCount(pendingLen)
	<-pendingLen

	_, ok, err := sm.Read([]byte("k"))
	require.NoError(t, err)
	assert.False(t, ok)
}

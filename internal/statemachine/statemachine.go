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

// Package statemachine is the commit pipeline: it turns a client write
// into a proposal, tracks it in the pending table, and applies committed
// entries to the durable map in the order consensus delivers them.
package statemachine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/axfor/raftkv/internal/codec"
	"github.com/axfor/raftkv/internal/eventloop"
	"github.com/axfor/raftkv/internal/pending"
	"github.com/axfor/raftkv/internal/store"
	"github.com/axfor/raftkv/pkg/log"
	"github.com/axfor/raftkv/pkg/metrics"
)

// Proposer is the consensus collaborator as seen by the state machine: an
// opaque byte payload goes in, and onResult fires exactly once, from an
// unspecified goroutine, once the proposal is either accepted into the
// log or definitively rejected.
type Proposer interface {
	Propose(ctx context.Context, data []byte, onResult func(err error))
}

// StateMachine is the pivot of the core: set/del build and propose
// records, on_commit applies them, read/keys serve synchronously from the
// durable map.
type StateMachine struct {
	loop     *eventloop.Loop
	engine   *store.Engine
	pending  *pending.Table
	proposer Proposer
	metrics  *metrics.Metrics

	nodeID       uint32
	nextCommitID uint32 // EventLoop-owned; never touched off-loop.

	// appliedIndex is read by health/admin endpoints from any goroutine.
	appliedIndex atomic.Uint64
}

// New constructs a state machine. proposer may be nil during tests that
// only exercise OnCommit/Read/Keys.
func New(loop *eventloop.Loop, engine *store.Engine, nodeID uint32, proposer Proposer, m *metrics.Metrics) *StateMachine {
	return &StateMachine{
		loop:     loop,
		engine:   engine,
		pending:  pending.New(),
		proposer: proposer,
		metrics:  m,
		nodeID:   nodeID,
	}
}

// SetProposer wires the consensus collaborator after construction, for
// callers that need the state machine to exist before the raft node does
// (the node's OnCommit callback closes over the state machine).
func (sm *StateMachine) SetProposer(p Proposer) {
	sm.proposer = p
}

// Set proposes SET key=value. completion fires at most once, from the
// EventLoop goroutine, once the write is either rejected or applied.
func (sm *StateMachine) Set(key, value []byte, completion pending.Completion) {
	sm.loop.Post(func() {
		sm.propose(codec.OpSet, [][]byte{key, value}, completion)
	})
}

// Del proposes DEL for every key in keys (identical pipeline to Set,
// with op=DEL and the keys packed as args). An empty key list is
// accepted and completes ok without proposing anything.
func (sm *StateMachine) Del(keys [][]byte, completion pending.Completion) {
	if len(keys) == 0 {
		sm.loop.Post(func() { completion(nil) })
		return
	}
	sm.loop.Post(func() {
		sm.propose(codec.OpDel, keys, completion)
	})
}

// propose must run on the EventLoop goroutine: it allocates the next
// commit ID, encodes the record, registers the pending completion, and
// hands the bytes to the consensus collaborator.
func (sm *StateMachine) propose(op codec.Op, args [][]byte, completion pending.Completion) {
	commitID := sm.nextCommitID
	sm.nextCommitID++

	record := codec.Record{NodeID: sm.nodeID, CommitID: commitID, Op: op, Args: args}
	data, err := codec.Encode(record)
	if err != nil {
		completion(fmt.Errorf("encode proposal: %w", err))
		return
	}

	sm.pending.Insert(commitID, completion)

	if sm.proposer == nil {
		if c, ok := sm.pending.Take(commitID); ok {
			c(errors.New("statemachine: no consensus collaborator configured"))
		}
		return
	}

	sm.proposer.Propose(context.Background(), data, func(proposeErr error) {
		if proposeErr == nil {
			// Accepted into the log: the completion fires later, from
			// OnCommit, once (if ever) this entry comes back committed.
			return
		}
		sm.loop.Post(func() {
			if sm.metrics != nil {
				sm.metrics.RaftProposalsFailed.Inc()
			}
			if c, ok := sm.pending.Take(commitID); ok {
				c(proposeErr)
			}
		})
	})
}

// OnCommit is invoked by the consensus layer with one committed log
// entry's raw payload, in commit order. It must be called in order for a
// given raft group; the single-threaded EventLoop behind Post guarantees
// apply order equals delivery order regardless of which goroutine calls
// OnCommit.
func (sm *StateMachine) OnCommit(data []byte, index uint64) {
	sm.loop.Post(func() {
		sm.appliedIndex.Store(index)
		if sm.metrics != nil {
			sm.metrics.RaftAppliedIndex.Set(float64(index))
		}

		record, err := codec.Decode(data)
		if err != nil {
			switch {
			case errors.Is(err, codec.ErrUnsupportedOp):
				log.Error("dropping committed entry with unsupported op", log.Err(err))
			default:
				log.Error("dropping malformed committed entry", log.Err(err))
			}
			return
		}

		var applyErr error
		switch record.Op {
		case codec.OpSet:
			applyErr = sm.engine.Set(record.Args[0], record.Args[1])
		case codec.OpDel:
			applyErr = sm.engine.DeleteMany(record.Args)
		default:
			log.Error("dropping committed entry with unsupported op", log.NodeID(uint64(record.NodeID)), log.CommitID(record.CommitID))
			return
		}

		if applyErr != nil {
			// The entry is considered applied from the log's perspective
			// regardless: the origin's completion still fires ok. See
			// DESIGN.md for why this mirrors the teacher's behavior.
			log.Error("durable map apply failed", log.Err(applyErr), log.NodeID(uint64(record.NodeID)), log.CommitID(record.CommitID))
			if sm.metrics != nil {
				sm.metrics.RecordStorageError("apply", fmt.Sprintf("%T", applyErr))
			}
		}

		if record.NodeID == sm.nodeID {
			if completion, ok := sm.pending.Take(record.CommitID); ok {
				completion(nil)
			}
		}
	})
}

// Read is a synchronous point lookup; safe to call from any goroutine.
func (sm *StateMachine) Read(key []byte) ([]byte, bool, error) {
	return sm.engine.Get(key)
}

// Keys returns every stored key matching pattern; safe to call from any
// goroutine.
func (sm *StateMachine) Keys(patternStr string, caseSensitive bool) ([]string, error) {
	return sm.engine.Keys(patternStr, caseSensitive)
}

// PendingCount reports the number of locally issued writes awaiting
// their outcome. Exposed for tests and health reporting; must only be
// read from the EventLoop goroutine for an exact value, but is safe to
// call from elsewhere in pending.Table's current single-goroutine
// contract via a posted task.
func (sm *StateMachine) PendingCount(result chan<- int) {
	sm.loop.Post(func() {
		result <- sm.pending.Len()
	})
}

// AppliedIndex returns the raft log index of the most recently applied
// entry. Safe to call from any goroutine.
func (sm *StateMachine) AppliedIndex() uint64 {
	return sm.appliedIndex.Load()
}

// Export serializes the durable map for a consensus snapshot. It
// satisfies consensus.Snapshotter.
func (sm *StateMachine) Export() ([]byte, error) {
	return sm.engine.Export()
}

// Restore replaces the durable map's contents with a previously
// exported snapshot. It satisfies consensus.Snapshotter.
func (sm *StateMachine) Restore(blob []byte) error {
	return sm.engine.Restore(blob)
}

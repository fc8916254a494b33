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
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/linxGnu/grocksdb"

	"go.etcd.io/etcd/client/pkg/v3/fileutil"
	"go.etcd.io/etcd/client/pkg/v3/types"
	"go.etcd.io/etcd/server/v3/etcdserver/api/rafthttp"
	"go.etcd.io/etcd/server/v3/etcdserver/api/snap"
	stats "go.etcd.io/etcd/server/v3/etcdserver/api/v2stats"
	"go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"
	"go.uber.org/zap"

	"github.com/axfor/raftkv/pkg/config"
	"github.com/axfor/raftkv/pkg/log"
)

// defaultSnapshotCount is the number of applied entries between
// automatic snapshot+compaction passes, absent config.RaftConfig's
// own SnapshotEntries override.
const defaultSnapshotCount uint64 = 10000

// snapshotCatchUpEntriesN bounds how much log history survives a
// compaction, so a lagging follower can still catch up without a full
// snapshot transfer.
const snapshotCatchUpEntriesN uint64 = 10000

// Committer is the consumer of committed log entries: the statemachine
// package's OnCommit. Only normal entries with a non-empty payload are
// delivered; snapshots bypass it and go to Snapshotter.Restore.
type Committer interface {
	OnCommit(data []byte, index uint64)
}

// Snapshotter produces and restores the state machine's full-state blob
// for raft log compaction and new-follower catch-up.
type Snapshotter interface {
	Export() ([]byte, error)
	Restore(blob []byte) error
}

// Node drives one go.etcd.io/raft/v3 raw node: its Ready()/Advance()
// loop, peer transport, and on-disk log/snapshot persistence. It is the
// concrete consensus collaborator the statemachine package proposes
// into and receives on_commit calls from.
type Node struct {
	id      uint64
	peers   []string // admin URLs, one per voter, peers[i] belongs to node i+1
	join    bool
	dataDir string

	storage    *Storage
	node       raft.Node
	transport  *rafthttp.Transport
	fileSnapshotter *snap.Snapshotter

	committer        Committer
	stateSnapshotter Snapshotter

	confState     raftpb.ConfState
	snapshotIndex uint64
	appliedIndex  uint64
	snapCount     uint64

	confChangeC chan raftpb.ConfChange
	proposeC    chan []byte

	cfg *config.RaftConfig

	stopc     chan struct{}
	httpstopc chan struct{}
	httpdonec chan struct{}
	donec     chan struct{}
}

// NewNode constructs a Node over db (shared with the durable map) and
// starts its drive loop in a background goroutine. committer receives
// every committed entry; sm is used to produce/restore full-state
// snapshots for log compaction.
func NewNode(id uint64, peers []string, join bool, db *grocksdb.DB, dataDir string, cfg *config.RaftConfig, committer Committer, sm Snapshotter) (*Node, error) {
	storage, err := NewStorage(db, fmt.Sprintf("node_%d", id))
	if err != nil {
		return nil, fmt.Errorf("consensus: new storage: %w", err)
	}

	snapCount := cfg.SnapshotEntries
	if snapCount == 0 {
		snapCount = defaultSnapshotCount
	}

	n := &Node{
		id:           id,
		peers:        peers,
		join:         join,
		dataDir:      dataDir,
		storage:      storage,
		committer:    committer,
		stateSnapshotter: sm,
		snapCount:    snapCount,
		confChangeC:  make(chan raftpb.ConfChange),
		proposeC:     make(chan []byte),
		cfg:          cfg,
		stopc:        make(chan struct{}),
		httpstopc:    make(chan struct{}),
		httpdonec:    make(chan struct{}),
		donec:        make(chan struct{}),
	}

	go n.start()

	return n, nil
}

// Propose implements statemachine.Proposer: it hands data to the local
// raft node and reports back whether it was accepted into the log
// (staged for replication) or rejected outright (e.g. node stopped).
// Actual commit, if it happens, arrives later via Committer.OnCommit.
func (n *Node) Propose(ctx context.Context, data []byte, onResult func(err error)) {
	select {
	case n.proposeC <- data:
		onResult(nil)
	case <-n.stopc:
		onResult(fmt.Errorf("consensus: node stopped"))
	case <-ctx.Done():
		onResult(ctx.Err())
	}
}

// ProposeConfChange submits a cluster membership change (add/remove
// voter), called from the HTTP admin endpoint.
func (n *Node) ProposeConfChange(ctx context.Context, cc raftpb.ConfChange) error {
	select {
	case n.confChangeC <- cc:
		return nil
	case <-n.stopc:
		return fmt.Errorf("consensus: node stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Node) snapDir() string {
	return fmt.Sprintf("%s/snap", n.dataDir)
}

func (n *Node) start() {
	if !fileutil.Exist(n.snapDir()) {
		if err := os.Mkdir(n.snapDir(), 0o750); err != nil {
			log.Fatal("consensus: cannot create snapshot dir", log.Err(err), log.Component("consensus"))
		}
	}
	n.fileSnapshotter = snap.New(zap.NewNop(), n.snapDir())

	hardState, confState, err := n.storage.InitialState()
	if err != nil {
		log.Fatal("consensus: failed to get initial state", log.Err(err), log.Component("consensus"))
	}
	if len(confState.Voters) > 0 {
		n.confState = confState
	}

	oldNode := !raft.IsEmptyHardState(hardState)

	rpeers := make([]raft.Peer, len(n.peers))
	for i := range rpeers {
		rpeers[i] = raft.Peer{ID: uint64(i + 1)}
	}

	c := &raft.Config{
		ID:                        n.id,
		ElectionTick:              n.cfg.ElectionTick,
		HeartbeatTick:             n.cfg.HeartbeatTick,
		Storage:                   n.storage,
		MaxSizePerMsg:             n.cfg.MaxSizePerMsg,
		MaxInflightMsgs:           n.cfg.MaxInflightMsgs,
		MaxUncommittedEntriesSize: n.cfg.MaxUncommittedEntriesSize,
		PreVote:                   n.cfg.PreVote,
		CheckQuorum:               n.cfg.CheckQuorum,
	}

	if oldNode || n.join {
		n.node = raft.RestartNode(c)
	} else {
		n.node = raft.StartNode(c, rpeers)
	}

	n.transport = &rafthttp.Transport{
		Logger:      zap.NewNop(),
		ID:          types.ID(n.id),
		ClusterID:   0x1000,
		Raft:        n,
		ServerStats: stats.NewServerStats("", ""),
		LeaderStats: stats.NewLeaderStats(zap.NewNop(), strconv.FormatUint(n.id, 10)),
		ErrorC:      make(chan error),
	}
	n.transport.Start()

	for i := range n.peers {
		if uint64(i+1) != n.id {
			n.transport.AddPeer(types.ID(i+1), []string{n.peers[i]})
		}
	}

	go n.serveRaft()
	go n.serveChannels()
}

func (n *Node) serveRaft() {
	u, err := url.Parse(n.peers[n.id-1])
	if err != nil {
		log.Fatal("consensus: failed parsing admin URL", log.Err(err), log.Component("consensus"))
	}

	ln, err := NewStoppableListener(u.Host, n.httpstopc)
	if err != nil {
		log.Fatal("consensus: failed to listen for peer transport", log.Err(err), log.Component("consensus"))
	}

	err = (&http.Server{Handler: n.transport.Handler()}).Serve(ln)
	select {
	case <-n.httpstopc:
	default:
		log.Fatal("consensus: peer transport server failed", log.Err(err), log.Component("consensus"))
	}
	close(n.httpdonec)
}

func (n *Node) serveChannels() {
	snapshot, err := n.storage.Snapshot()
	if err != nil {
		log.Fatal("consensus: failed to load snapshot", log.Err(err), log.Component("consensus"))
	}
	n.confState = snapshot.Metadata.ConfState
	n.snapshotIndex = snapshot.Metadata.Index
	n.appliedIndex = snapshot.Metadata.Index

	ticker := time.NewTicker(n.cfg.TickInterval)
	defer ticker.Stop()

	go func() {
		confChangeCount := uint64(0)
		proposeC := n.proposeC
		confChangeC := n.confChangeC

		for proposeC != nil && confChangeC != nil {
			select {
			case prop, ok := <-proposeC:
				if !ok {
					proposeC = nil
				} else {
					n.node.Propose(context.Background(), prop)
				}

			case cc, ok := <-confChangeC:
				if !ok {
					confChangeC = nil
				} else {
					confChangeCount++
					cc.ID = confChangeCount
					n.node.ProposeConfChange(context.Background(), cc)
				}
			}
		}
		close(n.stopc)
	}()

	for {
		select {
		case <-ticker.C:
			n.node.Tick()

		case rd := <-n.node.Ready():
			if !raft.IsEmptyHardState(rd.HardState) {
				if err := n.storage.SetHardState(rd.HardState); err != nil {
					log.Fatal("consensus: failed to save hard state", log.Err(err), log.Component("consensus"))
				}
			}

			if !raft.IsEmptySnap(rd.Snapshot) {
				if err := n.storage.ApplySnapshot(rd.Snapshot); err != nil {
					log.Fatal("consensus: failed to apply snapshot", log.Err(err), log.Component("consensus"))
				}
				n.publishSnapshot(rd.Snapshot)
			}

			if len(rd.Entries) > 0 {
				if err := n.storage.Append(rd.Entries); err != nil {
					log.Fatal("consensus: failed to append entries", log.Err(err), log.Component("consensus"))
				}
			}

			n.transport.Send(n.processMessages(rd.Messages))

			if ok := n.publishEntries(n.entriesToApply(rd.CommittedEntries)); !ok {
				n.stop()
				return
			}

			n.maybeTriggerSnapshot()

			n.node.Advance()

		case err := <-n.transport.ErrorC:
			log.Error("consensus: peer transport error", log.Err(err), log.Component("consensus"))
			n.stop()
			return

		case <-n.stopc:
			n.stop()
			return
		}
	}
}

func (n *Node) entriesToApply(ents []raftpb.Entry) []raftpb.Entry {
	if len(ents) == 0 {
		return ents
	}
	firstIdx := ents[0].Index
	if firstIdx > n.appliedIndex+1 {
		log.Fatal("consensus: first committed index exceeds applied index + 1",
			log.Uint64("first_index", firstIdx), log.Uint64("applied_index", n.appliedIndex), log.Component("consensus"))
	}
	if n.appliedIndex-firstIdx+1 < uint64(len(ents)) {
		return ents[n.appliedIndex-firstIdx+1:]
	}
	return nil
}

// publishEntries hands each normal entry's payload to the committer and
// applies conf changes locally, returning false if this node was just
// removed from the cluster (caller must stop).
func (n *Node) publishEntries(ents []raftpb.Entry) bool {
	if len(ents) == 0 {
		return true
	}

	for i := range ents {
		switch ents[i].Type {
		case raftpb.EntryNormal:
			if len(ents[i].Data) == 0 {
				continue
			}
			n.committer.OnCommit(ents[i].Data, ents[i].Index)

		case raftpb.EntryConfChange:
			var cc raftpb.ConfChange
			if err := cc.Unmarshal(ents[i].Data); err != nil {
				log.Error("consensus: failed to unmarshal conf change", log.Err(err), log.Component("consensus"))
				continue
			}
			n.confState = *n.node.ApplyConfChange(cc)
			switch cc.Type {
			case raftpb.ConfChangeAddNode:
				if len(cc.Context) > 0 {
					n.transport.AddPeer(types.ID(cc.NodeID), []string{string(cc.Context)})
				}
			case raftpb.ConfChangeRemoveNode:
				if cc.NodeID == n.id {
					log.Warn("consensus: this node was removed from the cluster, shutting down", log.Component("consensus"))
					return false
				}
				n.transport.RemovePeer(types.ID(cc.NodeID))
			}
		}
	}

	n.appliedIndex = ents[len(ents)-1].Index
	return true
}

func (n *Node) publishSnapshot(toSave raftpb.Snapshot) {
	if raft.IsEmptySnap(toSave) {
		return
	}
	if toSave.Metadata.Index <= n.appliedIndex {
		log.Fatal("consensus: snapshot index must exceed applied index",
			log.Uint64("snapshot_index", toSave.Metadata.Index), log.Uint64("applied_index", n.appliedIndex), log.Component("consensus"))
	}

	if err := n.stateSnapshotter.Restore(toSave.Data); err != nil {
		log.Error("consensus: failed to restore state from snapshot", log.Err(err), log.Component("consensus"))
	}
	if err := n.fileSnapshotter.SaveSnap(toSave); err != nil {
		log.Error("consensus: failed to persist snapshot file", log.Err(err), log.Component("consensus"))
	}

	n.confState = toSave.Metadata.ConfState
	n.snapshotIndex = toSave.Metadata.Index
	n.appliedIndex = toSave.Metadata.Index
}

func (n *Node) maybeTriggerSnapshot() {
	if n.appliedIndex-n.snapshotIndex <= n.snapCount {
		return
	}

	data, err := n.stateSnapshotter.Export()
	if err != nil {
		log.Error("consensus: failed to export state for snapshot", log.Err(err), log.Component("consensus"))
		return
	}

	snapshot, err := n.storage.CreateSnapshot(n.appliedIndex, &n.confState, data)
	if err != nil {
		log.Error("consensus: failed to create snapshot", log.Err(err), log.Component("consensus"))
		return
	}
	if err := n.fileSnapshotter.SaveSnap(snapshot); err != nil {
		log.Error("consensus: failed to persist snapshot file", log.Err(err), log.Component("consensus"))
	}

	compactIndex := uint64(1)
	if n.appliedIndex > snapshotCatchUpEntriesN {
		compactIndex = n.appliedIndex - snapshotCatchUpEntriesN
	}
	if err := n.storage.Compact(compactIndex); err != nil && err != raft.ErrCompacted {
		log.Error("consensus: failed to compact log", log.Err(err), log.Component("consensus"))
	}

	n.snapshotIndex = n.appliedIndex
}

func (n *Node) processMessages(ms []raftpb.Message) []raftpb.Message {
	for i := range ms {
		if ms[i].Type == raftpb.MsgSnap {
			ms[i].Snapshot.Metadata.ConfState = n.confState
		}
	}
	return ms
}

func (n *Node) stop() {
	n.transport.Stop()
	close(n.httpstopc)
	<-n.httpdonec
	n.node.Stop()
	n.storage.Close()
	close(n.donec)
}

// Stop halts the drive loop and tears down peer transport and storage.
// It returns immediately; wait on Done for teardown to actually finish
// before closing resources the Storage shares with, e.g., the durable
// map's db handle.
func (n *Node) Stop() {
	select {
	case <-n.stopc:
	default:
		close(n.stopc)
	}
}

// Done is closed once stop has fully torn down the peer transport,
// raft node, and storage handles.
func (n *Node) Done() <-chan struct{} {
	return n.donec
}

// Process implements raft.Transporter / rafthttp.Raft: a message
// received from a peer is stepped into the local raft node.
func (n *Node) Process(ctx context.Context, m raftpb.Message) error {
	return n.node.Step(ctx, m)
}

// IsIDRemoved implements rafthttp.Raft. Membership removal is not
// tracked independently of the conf state here, so this always reports
// false; a removed node instead shuts itself down in publishEntries.
func (n *Node) IsIDRemoved(_ uint64) bool { return false }

// ReportUnreachable implements rafthttp.Raft.
func (n *Node) ReportUnreachable(id uint64) { n.node.ReportUnreachable(id) }

// ReportSnapshot implements rafthttp.Raft.
func (n *Node) ReportSnapshot(id uint64, status raft.SnapshotStatus) {
	n.node.ReportSnapshot(id, status)
}

// Status reports the current raft status, exposed for health checks.
func (n *Node) Status() raft.Status {
	return n.node.Status()
}

// AppliedIndex is the highest log index this node has applied.
func (n *Node) AppliedIndex() uint64 {
	return n.appliedIndex
}

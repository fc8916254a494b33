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
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.etcd.io/raft/v3/raftpb"

	"github.com/axfor/raftkv/pkg/log"
)

// AdminServer exposes cluster membership changes over HTTP: POST
// /<nodeID> with the peer's URL as the body adds a voter, DELETE
// /<nodeID> removes one. It carries no key-value surface; that lives
// entirely in the gateway's line protocol.
type AdminServer struct {
	node       *Node
	httpServer *http.Server
}

// NewAdminServer builds an admin server bound to addr.
func NewAdminServer(addr string, node *Node) *AdminServer {
	s := &AdminServer{node: node}

	mux := http.NewServeMux()
	mux.Handle("/", s)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return s
}

// Start serves until the server is closed via Stop. Callers typically
// run it in its own goroutine.
func (s *AdminServer) Start() error {
	log.Info("admin server listening", log.String("addr", s.httpServer.Addr), log.Component("admin"))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop closes the listener.
func (s *AdminServer) Stop() error {
	log.Info("admin server stopping", log.Component("admin"))
	return s.httpServer.Close()
}

func (s *AdminServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	nodeIDStr := strings.TrimPrefix(r.URL.Path, "/")
	nodeID, err := strconv.ParseUint(nodeIDStr, 0, 64)
	if err != nil {
		http.Error(w, "path must be a numeric node ID", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodPost:
		s.handleAddNode(w, r, nodeID)
	case http.MethodDelete:
		s.handleRemoveNode(w, r, nodeID)
	default:
		w.Header().Set("Allow", http.MethodPost)
		w.Header().Add("Allow", http.MethodDelete)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *AdminServer) handleAddNode(w http.ResponseWriter, r *http.Request, nodeID uint64) {
	defer r.Body.Close()
	peerURL, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read peer URL", http.StatusBadRequest)
		return
	}

	cc := raftpb.ConfChange{
		Type:    raftpb.ConfChangeAddNode,
		NodeID:  nodeID,
		Context: peerURL,
	}
	if err := s.node.ProposeConfChange(r.Context(), cc); err != nil {
		log.Error("conf change add failed", log.Err(err), log.NodeID(nodeID), log.Component("admin"))
		http.Error(w, "failed to add node", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminServer) handleRemoveNode(w http.ResponseWriter, r *http.Request, nodeID uint64) {
	cc := raftpb.ConfChange{
		Type:   raftpb.ConfChangeRemoveNode,
		NodeID: nodeID,
	}
	if err := s.node.ProposeConfChange(r.Context(), cc); err != nil {
		log.Error("conf change remove failed", log.Err(err), log.NodeID(nodeID), log.Component("admin"))
		http.Error(w, "failed to remove node", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

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

// Package pending tracks locally issued writes awaiting their outcome.
package pending

// Completion is invoked at most once with the final outcome of a write
// this node proposed: nil on successful apply, non-nil if the proposal
// was rejected before ever reaching the log.
type Completion func(err error)

// Table maps a locally allocated commit ID to the completion for that
// request. It is not safe for concurrent use: every method must be
// called from the single goroutine that owns it.
type Table struct {
	entries map[uint32]Completion
}

// New returns an empty table.
func New() *Table {
	return &Table{entries: make(map[uint32]Completion)}
}

// Insert records completion under id. A caller must not Insert twice for
// the same id without an intervening Take.
func (t *Table) Insert(id uint32, completion Completion) {
	t.entries[id] = completion
}

// Take removes and returns the completion registered for id, if any.
func (t *Table) Take(id uint32) (Completion, bool) {
	completion, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	return completion, ok
}

// Len reports the number of outstanding entries.
func (t *Table) Len() int {
	return len(t.entries)
}

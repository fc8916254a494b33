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

// Package eventloop provides the single-threaded cooperative scheduler
// that owns the pending table and every mutation of the durable map.
// Consensus delivery and background disk tasks re-enter the core by
// posting a closure here rather than touching core state directly.
package eventloop

import "github.com/axfor/raftkv/pkg/reliability"

// Loop drains an unbounded channel of tasks on one dedicated goroutine,
// the Go analogue of the teacher's single-threaded io_service/channel
// patterns used throughout its raft wiring (serveChannels, readCommits).
type Loop struct {
	tasks chan func()
	stop  chan struct{}
	done  chan struct{}
}

// New creates a loop. Run must be called to start draining tasks.
func New() *Loop {
	return &Loop{
		tasks: make(chan func(), 4096),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Post enqueues task to run on the loop goroutine. Safe to call from any
// goroutine; FIFO with respect to calls from the same caller goroutine.
// Posting after Stop is a silent no-op: the loop may already be gone.
func (l *Loop) Post(task func()) {
	select {
	case l.tasks <- task:
	case <-l.stop:
	}
}

// Run consumes tasks until Stop is called. Intended to be run via
// reliability.SafeGo so a panicking task doesn't take the process down
// silently.
func (l *Loop) Run() {
	defer close(l.done)
	for {
		select {
		case task := <-l.tasks:
			l.runTask(task)
		case <-l.stop:
			// Drain whatever is already queued before exiting so that
			// posted completions are not silently dropped.
			for {
				select {
				case task := <-l.tasks:
					l.runTask(task)
				default:
					return
				}
			}
		}
	}
}

func (l *Loop) runTask(task func()) {
	defer reliability.RecoverPanic("eventloop-task")
	task()
}

// Stop makes Run run the tasks already queued and then return.
// Safe to call from any goroutine, and safe to call more than once.
func (l *Loop) Stop() {
	select {
	case <-l.stop:
	default:
		close(l.stop)
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

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

package eventloop

import (
	"sync"
	"testing"
	"time"
)

func TestLoopRunsPostedTasksInOrder(t *testing.T) {
	l := New()
	go l.Run()
	defer func() {
		l.Stop()
		<-l.Done()
	}()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		i := i
		l.Post(func() {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for posted tasks to run")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Fatalf("tasks ran out of order: %v", order)
		}
	}
}

func TestLoopStopDrainsQueuedTasks(t *testing.T) {
	l := New()
	go l.Run()

	ran := make(chan struct{}, 1)
	l.Post(func() { ran <- struct{}{} })
	l.Stop()

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("task posted before Stop should still run during drain")
	}

	select {
	case <-l.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Run should return after Stop drains the queue")
	}
}

func TestLoopPostAfterStopIsSilentNoOp(t *testing.T) {
	l := New()
	go l.Run()
	l.Stop()
	<-l.Done()

	done := make(chan struct{})
	go func() {
		l.Post(func() { t.Error("task posted after Stop must not run") })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Post after Stop should return promptly, not block")
	}
}

func TestLoopRecoversPanickingTask(t *testing.T) {
	l := New()
	go l.Run()
	defer func() {
		l.Stop()
		<-l.Done()
	}()

	l.Post(func() { panic("boom") })

	ran := make(chan struct{})
	l.Post(func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("loop should survive a panicking task and keep processing")
	}
}

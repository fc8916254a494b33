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

package reliability

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/axfor/raftkv/pkg/log"
)

// ShutdownHook runs during one shutdown phase and may block up to the
// remaining shutdown budget.
type ShutdownHook func(ctx context.Context) error

// ShutdownPhase orders the steps of a graceful shutdown.
type ShutdownPhase int

const (
	// PhaseStopAccepting closes listeners so no new client connects.
	PhaseStopAccepting ShutdownPhase = iota
	// PhaseDrainConnections lets in-flight client sessions finish.
	PhaseDrainConnections
	// PhasePersistState flushes the durable map and consensus state.
	PhasePersistState
	// PhaseCloseResources releases file handles, sockets, and goroutines.
	PhaseCloseResources
)

// GracefulShutdown runs registered hooks, in phase order, when the
// process receives SIGTERM/SIGINT or Shutdown is called directly.
type GracefulShutdown struct {
	mu      sync.RWMutex
	hooks   map[ShutdownPhase][]ShutdownHook
	timeout time.Duration
	done    chan struct{}
	signals chan os.Signal
}

// NewGracefulShutdown creates a manager with the given overall timeout
// budget (0 defaults to 30s) and starts listening for SIGTERM/SIGINT.
func NewGracefulShutdown(timeout time.Duration) *GracefulShutdown {
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	gs := &GracefulShutdown{
		hooks:   make(map[ShutdownPhase][]ShutdownHook),
		timeout: timeout,
		done:    make(chan struct{}),
		signals: make(chan os.Signal, 1),
	}

	signal.Notify(gs.signals, syscall.SIGTERM, syscall.SIGINT)

	return gs
}

// RegisterHook adds hook to run during phase.
func (gs *GracefulShutdown) RegisterHook(phase ShutdownPhase, hook ShutdownHook) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	gs.hooks[phase] = append(gs.hooks[phase], hook)
}

// Wait blocks until a shutdown signal arrives, then runs Shutdown.
func (gs *GracefulShutdown) Wait() {
	sig := <-gs.signals
	log.Info("received shutdown signal",
		log.String("signal", sig.String()),
		log.Component("shutdown"))
	gs.Shutdown()
}

// Shutdown runs every registered hook in phase order. Idempotent: a
// second call returns immediately. A phase's hooks running over budget
// does not stop later phases from attempting to run.
func (gs *GracefulShutdown) Shutdown() {
	gs.mu.Lock()
	select {
	case <-gs.done:
		gs.mu.Unlock()
		return
	default:
		close(gs.done)
	}
	gs.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), gs.timeout)
	defer cancel()

	phases := []ShutdownPhase{
		PhaseStopAccepting,
		PhaseDrainConnections,
		PhasePersistState,
		PhaseCloseResources,
	}

	for _, phase := range phases {
		phaseName := gs.phaseName(phase)
		log.Info("shutdown phase started", log.Phase(phaseName), log.Component("shutdown"))

		gs.mu.RLock()
		hooks := gs.hooks[phase]
		gs.mu.RUnlock()

		if err := gs.executeHooks(ctx, hooks, phaseName); err != nil {
			log.Error("shutdown phase failed",
				log.Phase(phaseName),
				log.Err(err),
				log.Component("shutdown"))
			// Keep going so later phases still get a chance to run.
		}
	}

	log.Info("graceful shutdown completed", log.Component("shutdown"))
}

func (gs *GracefulShutdown) executeHooks(ctx context.Context, hooks []ShutdownHook, phaseName string) error {
	if len(hooks) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	errChan := make(chan error, len(hooks))

	for i, hook := range hooks {
		wg.Add(1)
		go func(idx int, h ShutdownHook) {
			defer wg.Done()
			defer RecoverPanic(fmt.Sprintf("shutdown-hook-%s-%d", phaseName, idx))

			if err := h(ctx); err != nil {
				errChan <- fmt.Errorf("hook %d failed: %w", idx, err)
			}
		}(i, hook)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		close(errChan)
		var errs []error
		for err := range errChan {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			return fmt.Errorf("phase %s had %d errors: %v", phaseName, len(errs), errs[0])
		}
		return nil

	case <-ctx.Done():
		return fmt.Errorf("phase %s timeout: %w", phaseName, ctx.Err())
	}
}

func (gs *GracefulShutdown) phaseName(phase ShutdownPhase) string {
	switch phase {
	case PhaseStopAccepting:
		return "stop-accepting"
	case PhaseDrainConnections:
		return "drain-connections"
	case PhasePersistState:
		return "persist-state"
	case PhaseCloseResources:
		return "close-resources"
	default:
		return fmt.Sprintf("unknown-phase-%d", phase)
	}
}

// Done is closed as soon as Shutdown starts, before any phase runs.
func (gs *GracefulShutdown) Done() <-chan struct{} {
	return gs.done
}

// IsShuttingDown reports whether Shutdown has been called.
func (gs *GracefulShutdown) IsShuttingDown() bool {
	select {
	case <-gs.done:
		return true
	default:
		return false
	}
}

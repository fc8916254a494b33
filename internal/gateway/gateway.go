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

// Package gateway accepts client TCP connections and speaks the line
// protocol (GET/SET/DEL/KEYS) against the statemachine core. The parser
// itself is a thin, un-opinionated bufio.Scanner: framing is not a
// designed component of this package, admission control is.
package gateway

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/axfor/raftkv/internal/statemachine"
	"github.com/axfor/raftkv/pkg/log"
	"github.com/axfor/raftkv/pkg/metrics"
	"github.com/axfor/raftkv/pkg/reliability"
)

// Gateway accepts connections on one TCP listener and spawns a session
// per connection. The accept loop re-arms itself after every accepted
// socket; the only termination is Stop.
type Gateway struct {
	addr     string
	sm       *statemachine.StateMachine
	limiter  *rate.Limiter
	limits   *reliability.ResourceManager
	metrics  *metrics.Metrics

	mu       sync.Mutex
	listener net.Listener
	stopped  bool
	wg       sync.WaitGroup
}

// Config controls gateway admission.
type Config struct {
	Addr string

	// RateLimitEnable toggles the token-bucket connection admission
	// limiter. RPS/Burst are ignored when false.
	RateLimitEnable bool
	RateLimitRPS    float64
	RateLimitBurst  int
}

// New builds a gateway bound to addr, serving sm. limits admits
// connections and in-flight requests; m may be nil in tests that don't
// care about metrics.
func New(cfg Config, sm *statemachine.StateMachine, limits *reliability.ResourceManager, m *metrics.Metrics) *Gateway {
	var limiter *rate.Limiter
	if cfg.RateLimitEnable {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}

	return &Gateway{
		addr:    cfg.Addr,
		sm:      sm,
		limiter: limiter,
		limits:  limits,
		metrics: m,
	}
}

// ListenAndServe opens the listener and blocks, accepting connections
// until Stop is called. Stop makes a pending Accept return an error, at
// which point ListenAndServe returns nil.
func (g *Gateway) ListenAndServe() error {
	ln, err := net.Listen("tcp", g.addr)
	if err != nil {
		return err
	}

	g.mu.Lock()
	g.listener = ln
	g.mu.Unlock()

	log.Info("gateway listening", log.String("addr", g.addr), log.Component("gateway"))

	for {
		conn, err := ln.Accept()
		if err != nil {
			g.mu.Lock()
			stopped := g.stopped
			g.mu.Unlock()
			if stopped {
				g.wg.Wait()
				return nil
			}
			return err
		}

		if g.limiter != nil && !g.limiter.Allow() {
			if g.metrics != nil {
				g.metrics.RecordConnectionRejected("rate_limit")
			}
			log.Warn("rejected connection: rate limit exceeded", log.RemoteAddr(conn.RemoteAddr().String()), log.Component("gateway"))
			conn.Close()
			continue
		}

		connID := conn.RemoteAddr().String() + "-" + time.Now().String()
		if g.limits != nil {
			if err := g.limits.AcquireConnection(connID, conn.RemoteAddr().String()); err != nil {
				if g.metrics != nil {
					g.metrics.RecordConnectionRejected("limit_exceeded")
				}
				log.Warn("rejected connection: limit exceeded", log.RemoteAddr(conn.RemoteAddr().String()), log.Err(err), log.Component("gateway"))
				conn.Close()
				continue
			}
		}

		if g.metrics != nil {
			g.metrics.TotalConnections.Inc()
			g.metrics.ActiveConnections.Inc()
		}

		sess := newSession(conn, g.sm, g.limits, g.metrics, connID)

		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			defer reliability.RecoverPanic("gateway-session")
			sess.serve()
			if g.limits != nil {
				g.limits.ReleaseConnection(connID)
			}
			if g.metrics != nil {
				g.metrics.ActiveConnections.Dec()
			}
		}()
	}
}

// Addr returns the listener's bound address, or ok=false before
// ListenAndServe has started listening.
func (g *Gateway) Addr() (addr string, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listener == nil {
		return "", false
	}
	return g.listener.Addr().String(), true
}

// Stop closes the listener, causing ListenAndServe's Accept to return
// and its goroutine to exit once in-flight sessions drain.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	g.stopped = true
	ln := g.listener
	g.mu.Unlock()

	if ln != nil {
		if err := ln.Close(); err != nil {
			return err
		}
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

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
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/axfor/raftkv/pkg/log"
)

// ResourceLimits bounds how much of the process's resources the gateway
// is allowed to hand out to clients.
type ResourceLimits struct {
	MaxConnections    int64
	MaxRequests       int64
	MaxMemoryBytes    int64
	MaxRequestSize    int64
	RequestTimeout    time.Duration
	ConnectionTimeout time.Duration
}

// DefaultLimits mirrors config.DefaultConfig's gateway defaults; keep the
// two in sync.
var DefaultLimits = ResourceLimits{
	MaxConnections:    1000,
	MaxRequests:       5000,
	MaxMemoryBytes:    8 * 1024 * 1024 * 1024,
	MaxRequestSize:    1572864, // 1.5MB
	RequestTimeout:    30 * time.Second,
	ConnectionTimeout: 10 * time.Second,
}

// ResourceManager tracks live connections and in-flight requests against
// ResourceLimits and rejects admission once a limit is hit.
type ResourceManager struct {
	limits ResourceLimits

	currentConnections int64
	currentRequests    int64

	connMu      sync.RWMutex
	connections map[string]*Connection

	memoryCheckInterval time.Duration
	memoryCheckStop     chan struct{}
}

// Connection records one admitted client connection.
type Connection struct {
	ID         string
	RemoteAddr string
	CreatedAt  time.Time
	LastActive time.Time
}

// NewResourceManager creates a manager and starts its background memory
// sampler.
func NewResourceManager(limits ResourceLimits) *ResourceManager {
	rm := &ResourceManager{
		limits:              limits,
		connections:         make(map[string]*Connection),
		memoryCheckInterval: 10 * time.Second,
		memoryCheckStop:     make(chan struct{}),
	}

	go rm.monitorMemory()

	return rm
}

// AcquireConnection admits a new connection or returns an error if
// MaxConnections has been reached.
func (rm *ResourceManager) AcquireConnection(connID, remoteAddr string) error {
	current := atomic.AddInt64(&rm.currentConnections, 1)
	if current > rm.limits.MaxConnections {
		atomic.AddInt64(&rm.currentConnections, -1)
		return fmt.Errorf("connection limit exceeded: %d/%d", current, rm.limits.MaxConnections)
	}

	rm.connMu.Lock()
	rm.connections[connID] = &Connection{
		ID:         connID,
		RemoteAddr: remoteAddr,
		CreatedAt:  time.Now(),
		LastActive: time.Now(),
	}
	rm.connMu.Unlock()

	return nil
}

// ReleaseConnection returns the connection's admission slot.
func (rm *ResourceManager) ReleaseConnection(connID string) {
	rm.connMu.Lock()
	delete(rm.connections, connID)
	rm.connMu.Unlock()

	atomic.AddInt64(&rm.currentConnections, -1)
}

// AcquireRequest admits one in-flight request, returning a release
// closure the caller must invoke exactly once when the request finishes.
func (rm *ResourceManager) AcquireRequest(ctx context.Context) (func(), error) {
	current := atomic.AddInt64(&rm.currentRequests, 1)
	if current > rm.limits.MaxRequests {
		atomic.AddInt64(&rm.currentRequests, -1)
		return nil, fmt.Errorf("request limit exceeded: %d/%d", current, rm.limits.MaxRequests)
	}

	release := func() {
		atomic.AddInt64(&rm.currentRequests, -1)
	}

	return release, nil
}

// CheckRequestSize rejects a command line larger than MaxRequestSize.
func (rm *ResourceManager) CheckRequestSize(size int64) error {
	if size > rm.limits.MaxRequestSize {
		return fmt.Errorf("request size exceeds limit: %d bytes > %d bytes", size, rm.limits.MaxRequestSize)
	}
	return nil
}

// CheckMemory rejects admission once heap allocation exceeds
// MaxMemoryBytes.
func (rm *ResourceManager) CheckMemory() error {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	if int64(m.Alloc) > rm.limits.MaxMemoryBytes {
		return fmt.Errorf("memory limit exceeded: %d MB > %d MB",
			m.Alloc/1024/1024, rm.limits.MaxMemoryBytes/1024/1024)
	}

	return nil
}

func (rm *ResourceManager) monitorMemory() {
	ticker := time.NewTicker(rm.memoryCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			var m runtime.MemStats
			runtime.ReadMemStats(&m)

			usagePercent := float64(m.Alloc) / float64(rm.limits.MaxMemoryBytes) * 100

			if usagePercent > 80 {
				runtime.GC()
			}

			if usagePercent > 90 {
				log.Warn("high memory usage",
					log.String("usage_percent", fmt.Sprintf("%.1f%%", usagePercent)),
					log.Int64("current_mb", int64(m.Alloc/1024/1024)),
					log.Int64("max_mb", rm.limits.MaxMemoryBytes/1024/1024),
					log.Component("resource-manager"))
			}

		case <-rm.memoryCheckStop:
			return
		}
	}
}

// UpdateConnectionActivity bumps a connection's last-active timestamp.
func (rm *ResourceManager) UpdateConnectionActivity(connID string) {
	rm.connMu.Lock()
	if conn, exists := rm.connections[connID]; exists {
		conn.LastActive = time.Now()
	}
	rm.connMu.Unlock()
}

// GetStats snapshots current admission usage.
func (rm *ResourceManager) GetStats() ResourceStats {
	rm.connMu.RLock()
	connCount := len(rm.connections)
	rm.connMu.RUnlock()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return ResourceStats{
		CurrentConnections: atomic.LoadInt64(&rm.currentConnections),
		MaxConnections:     rm.limits.MaxConnections,
		CurrentRequests:    atomic.LoadInt64(&rm.currentRequests),
		MaxRequests:        rm.limits.MaxRequests,
		MemoryUsageBytes:   int64(m.Alloc),
		MaxMemoryBytes:     rm.limits.MaxMemoryBytes,
		ActiveConnections:  int64(connCount),
	}
}

// ResourceStats is a point-in-time admission usage snapshot.
type ResourceStats struct {
	CurrentConnections int64
	MaxConnections     int64
	CurrentRequests    int64
	MaxRequests        int64
	MemoryUsageBytes   int64
	MaxMemoryBytes     int64
	ActiveConnections  int64
}

// Close stops the background memory sampler.
func (rm *ResourceManager) Close() {
	close(rm.memoryCheckStop)
}

// Admit checks memory headroom and acquires a request slot in one call,
// applying RequestTimeout to ctx if one is configured. The returned
// release must be called exactly once when the caller is done, unless
// err is non-nil.
func (rm *ResourceManager) Admit(ctx context.Context) (release func(), admitCtx context.Context, cancel context.CancelFunc, err error) {
	if err = rm.CheckMemory(); err != nil {
		return nil, ctx, func() {}, err
	}

	release, err = rm.AcquireRequest(ctx)
	if err != nil {
		return nil, ctx, func() {}, err
	}

	admitCtx = ctx
	cancel = func() {}
	if rm.limits.RequestTimeout > 0 {
		admitCtx, cancel = context.WithTimeout(ctx, rm.limits.RequestTimeout)
	}

	return release, admitCtx, cancel, nil
}

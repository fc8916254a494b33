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

package log

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Generic field constructors.

func String(key, val string) zap.Field {
	return zap.String(key, val)
}

func Int64(key string, val int64) zap.Field {
	return zap.Int64(key, val)
}

func Int(key string, val int) zap.Field {
	return zap.Int(key, val)
}

func Uint64(key string, val uint64) zap.Field {
	return zap.Uint64(key, val)
}

func Bool(key string, val bool) zap.Field {
	return zap.Bool(key, val)
}

func Duration(key string, val time.Duration) zap.Field {
	return zap.Duration(key, val)
}

func Time(key string, val time.Time) zap.Field {
	return zap.Time(key, val)
}

func Err(err error) zap.Field {
	return zap.Error(err)
}

func Any(key string, val interface{}) zap.Field {
	return zap.Any(key, val)
}

func Namespace(key string) zap.Field {
	return zap.Namespace(key)
}

// Domain fields.

// Key is a KV store key.
func Key(key []byte) zap.Field {
	return zap.ByteString("key", key)
}

// KeyString is a KV store key already held as a string.
func KeyString(key string) zap.Field {
	return zap.String("key", key)
}

// Value is a KV store value; large values are logged by size only so a
// single bad write can't flood the log.
func Value(value []byte) zap.Field {
	if len(value) > 1024 {
		return zap.Int("value_size", len(value))
	}
	return zap.ByteString("value", value)
}

// NodeID is the raft node a log line concerns.
func NodeID(id uint64) zap.Field {
	return zap.Uint64("node_id", id)
}

// CommitID is the locally allocated id threading a proposal through to
// its eventual apply.
func CommitID(id uint32) zap.Field {
	return zap.Uint32("commit_id", id)
}

// RemoteAddr is a client connection's peer address.
func RemoteAddr(addr string) zap.Field {
	return zap.String("remote_addr", addr)
}

// Component names the subsystem emitting a log line.
func Component(name string) zap.Field {
	return zap.String("component", name)
}

// Phase names a step of a multi-step operation, e.g. a shutdown phase.
func Phase(phase string) zap.Field {
	return zap.String("phase", phase)
}

// Count is a generic counter value.
func Count(count int64) zap.Field {
	return zap.Int64("count", count)
}

// Goroutine names the goroutine a log line originates from.
func Goroutine(name string) zap.Field {
	return zap.String("goroutine", name)
}

// RequestID identifies one client request across its lifetime.
func RequestID(id string) zap.Field {
	return zap.String("request_id", id)
}

// ResourceStats reports the admission-limit gauges as one nested field.
func ResourceStats(currentConn, maxConn, currentReq, maxReq, mem, maxMem int64) zap.Field {
	return zap.Object("resources", zapResourceStats{
		CurrentConnections: currentConn,
		MaxConnections:     maxConn,
		CurrentRequests:    currentReq,
		MaxRequests:        maxReq,
		MemoryMB:           mem / 1024 / 1024,
		MaxMemoryMB:        maxMem / 1024 / 1024,
	})
}

type zapResourceStats struct {
	CurrentConnections int64
	MaxConnections     int64
	CurrentRequests    int64
	MaxRequests        int64
	MemoryMB           int64
	MaxMemoryMB        int64
}

func (rs zapResourceStats) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt64("current_connections", rs.CurrentConnections)
	enc.AddInt64("max_connections", rs.MaxConnections)
	enc.AddInt64("current_requests", rs.CurrentRequests)
	enc.AddInt64("max_requests", rs.MaxRequests)
	enc.AddInt64("memory_mb", rs.MemoryMB)
	enc.AddInt64("max_memory_mb", rs.MaxMemoryMB)
	return nil
}

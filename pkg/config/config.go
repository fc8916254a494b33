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

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the unified, YAML-loadable configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
}

// ServerConfig is the top-level per-node configuration.
type ServerConfig struct {
	// Identity and bootstrap.
	NodeID        uint64   `yaml:"node_id"`
	GatewayAddr   string   `yaml:"gateway_addr"`   // TCP client-protocol listener, e.g. ":6380"
	AdminAddr     string   `yaml:"admin_addr"`      // HTTP conf-change admin listener, e.g. ":12379"
	DataDir       string   `yaml:"data_dir"`        // parent of node_<id>/db/
	ClusterPeers  []string `yaml:"cluster_peers"`   // "id=http://host:port", one per voter
	Join          bool     `yaml:"join"`            // true when this node is joining an existing cluster

	// Sub-configurations
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Limits      LimitsConfig      `yaml:"limits"`
	Reliability ReliabilityConfig `yaml:"reliability"`
	Log         LogConfig         `yaml:"log"`
	Monitoring  MonitoringConfig  `yaml:"monitoring"`
	Raft        RaftConfig        `yaml:"raft"`
	RocksDB     RocksDBConfig     `yaml:"rocksdb"`
}

// RateLimitConfig tunes the gateway's connection-admission token bucket
// (golang.org/x/time/rate), applied to the accept loop rather than to
// individual RPCs since the gateway has no per-call framing of its own.
//
// Enable is a pointer so SetDefaults can tell "absent from YAML" (nil,
// gets the true default) apart from "operator explicitly wrote false".
type RateLimitConfig struct {
	Enable *bool   `yaml:"enable"` // Default true
	RPS    float64 `yaml:"rps"`    // Accepts per second, default 500
	Burst  int     `yaml:"burst"`  // Burst bucket size, default 100
}

// Enabled reports whether rate limiting is active, defaulting to true
// when unset.
func (c RateLimitConfig) Enabled() bool {
	return c.Enable == nil || *c.Enable
}

// LimitsConfig resource admission limits.
type LimitsConfig struct {
	MaxConnections int   `yaml:"max_connections"`  // Default 1000
	MaxRequestSize int64 `yaml:"max_request_size"` // Default 1.5MB
	MaxMemoryMB    int64 `yaml:"max_memory_mb"`     // Default 8192 (8GB); SetDefaults replaces 0 with it
	MaxRequests    int64 `yaml:"max_requests"`      // Default 5000
}

// ReliabilityConfig controls shutdown, panic recovery, and validation.
//
// EnableHealthCheck and EnablePanicRecovery are pointers for the same
// reason as RateLimitConfig.Enable: an absent YAML key must default to
// true without masking an explicit false.
type ReliabilityConfig struct {
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout"`      // Default 30s
	DrainTimeout        time.Duration `yaml:"drain_timeout"`         // Default 5s
	EnableCRC           bool          `yaml:"enable_crc"`            // Default false
	EnableHealthCheck   *bool         `yaml:"enable_health_check"`   // Default true
	EnablePanicRecovery *bool         `yaml:"enable_panic_recovery"` // Default true
}

// HealthCheckEnabled reports whether the health server should start,
// defaulting to true when unset.
func (c ReliabilityConfig) HealthCheckEnabled() bool {
	return c.EnableHealthCheck == nil || *c.EnableHealthCheck
}

// PanicRecoveryEnabled reports whether goroutines should recover
// panics, defaulting to true when unset.
func (c ReliabilityConfig) PanicRecoveryEnabled() bool {
	return c.EnablePanicRecovery == nil || *c.EnablePanicRecovery
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Level            string   `yaml:"level"`              // Default info
	Encoding         string   `yaml:"encoding"`           // Default json
	OutputPaths      []string `yaml:"output_paths"`       // Default ["stdout"]
	ErrorOutputPaths []string `yaml:"error_output_paths"` // Default ["stderr"]

	// Rotation enables size/age-based rotation for any file path in
	// OutputPaths/ErrorOutputPaths. Nil (the default) leaves files to
	// grow unbounded; "stdout"/"stderr" entries are never rotated.
	Rotation *LogRotationConfig `yaml:"rotation"`
}

// LogRotationConfig mirrors pkg/log.RotationConfig for YAML loading.
type LogRotationConfig struct {
	MaxSizeMB  int  `yaml:"max_size_mb"`  // Default 100
	MaxAgeDays int  `yaml:"max_age_days"` // Default 7
	MaxBackups int  `yaml:"max_backups"`  // Default 10
	Compress   bool `yaml:"compress"`     // Default false
}

// MonitoringConfig configures the metrics/health HTTP surface.
type MonitoringConfig struct {
	EnablePrometheus *bool  `yaml:"enable_prometheus"` // Default true
	MetricsAddr      string `yaml:"metrics_addr"`      // Default ":9090"
	HealthAddr       string `yaml:"health_addr"`       // Default ":9091"
}

// PrometheusEnabled reports whether the metrics server should start,
// defaulting to true when unset.
func (c MonitoringConfig) PrometheusEnabled() bool {
	return c.EnablePrometheus == nil || *c.EnablePrometheus
}

// RaftConfig tunes the go.etcd.io/raft/v3 node.
type RaftConfig struct {
	TickInterval  time.Duration `yaml:"tick_interval"`  // Raft tick interval, default 100ms
	ElectionTick  int           `yaml:"election_tick"`  // Election timeout tick count, default 10 (= 1s)
	HeartbeatTick int           `yaml:"heartbeat_tick"` // Heartbeat interval tick count, default 1 (= 100ms)

	MaxSizePerMsg             uint64 `yaml:"max_size_per_msg"`            // Default 4MB
	MaxInflightMsgs           int    `yaml:"max_inflight_msgs"`           // Default 256
	MaxUncommittedEntriesSize uint64 `yaml:"max_uncommitted_entries_size"` // Default 1GB

	PreVote     bool `yaml:"pre_vote"`     // Always true: SetDefaults overwrites the YAML value
	CheckQuorum bool `yaml:"check_quorum"` // Always true: SetDefaults overwrites the YAML value

	// SnapshotEntries is the committed-entry count past which the node
	// triggers a log-compacting snapshot.
	SnapshotEntries uint64 `yaml:"snapshot_entries"` // Default 10000
}

// RocksDBConfig holds RocksDB tuning values. SetDefaults fills them in,
// but they are not passed to the store, which opens the shared
// grocksdb.DB with store.DefaultOptimizationConfig.
type RocksDBConfig struct {
	BlockCacheSize uint64 `yaml:"block_cache_size"`  // Default 512MB
	WALSync        bool   `yaml:"wal_sync"`          // Default false
	WALMaxTotalMB  uint64 `yaml:"wal_max_total_mb"`  // Default 512
}

// DefaultConfig returns production-ready defaults for a node identity.
func DefaultConfig(nodeID uint64, gatewayAddr string) *Config {
	cfg := &Config{
		Server: ServerConfig{
			NodeID:      nodeID,
			GatewayAddr: gatewayAddr,
		},
	}
	cfg.SetDefaults()
	return cfg
}

// LoadConfig loads configuration from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}

	cfg.SetDefaults()
	cfg.OverrideFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}

	return &cfg, nil
}

// LoadConfigOrDefault loads path if given, falling back to DefaultConfig
// when the file does not exist.
func LoadConfigOrDefault(path string, nodeID uint64, gatewayAddr string) (*Config, error) {
	if path != "" {
		cfg, err := LoadConfig(path)
		if err == nil {
			return cfg, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	cfg := DefaultConfig(nodeID, gatewayAddr)
	cfg.OverrideFromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}
	return cfg, nil
}

// SetDefaults fills every zero-valued field with its production default.
func (c *Config) SetDefaults() {
	if c.Server.GatewayAddr == "" {
		c.Server.GatewayAddr = ":6380"
	}
	if c.Server.AdminAddr == "" {
		c.Server.AdminAddr = ":12379"
	}
	if c.Server.DataDir == "" {
		c.Server.DataDir = "data"
	}

	if c.Server.RateLimit.Enable == nil {
		c.Server.RateLimit.Enable = boolPtr(true)
	}
	if c.Server.RateLimit.RPS == 0 {
		c.Server.RateLimit.RPS = 500
	}
	if c.Server.RateLimit.Burst == 0 {
		c.Server.RateLimit.Burst = 100
	}

	if c.Server.Limits.MaxConnections == 0 {
		c.Server.Limits.MaxConnections = 1000
	}
	if c.Server.Limits.MaxRequestSize == 0 {
		c.Server.Limits.MaxRequestSize = 1572864 // 1.5MB
	}
	if c.Server.Limits.MaxMemoryMB == 0 {
		c.Server.Limits.MaxMemoryMB = 8192
	}
	if c.Server.Limits.MaxRequests == 0 {
		c.Server.Limits.MaxRequests = 5000
	}

	if c.Server.Reliability.ShutdownTimeout == 0 {
		c.Server.Reliability.ShutdownTimeout = 30 * time.Second
	}
	if c.Server.Reliability.DrainTimeout == 0 {
		c.Server.Reliability.DrainTimeout = 5 * time.Second
	}
	if c.Server.Reliability.EnableHealthCheck == nil {
		c.Server.Reliability.EnableHealthCheck = boolPtr(true)
	}
	if c.Server.Reliability.EnablePanicRecovery == nil {
		c.Server.Reliability.EnablePanicRecovery = boolPtr(true)
	}

	if c.Server.Log.Level == "" {
		c.Server.Log.Level = "info"
	}
	if c.Server.Log.Encoding == "" {
		c.Server.Log.Encoding = "json"
	}
	if len(c.Server.Log.OutputPaths) == 0 {
		c.Server.Log.OutputPaths = []string{"stdout"}
	}
	if len(c.Server.Log.ErrorOutputPaths) == 0 {
		c.Server.Log.ErrorOutputPaths = []string{"stderr"}
	}

	if c.Server.Monitoring.EnablePrometheus == nil {
		c.Server.Monitoring.EnablePrometheus = boolPtr(true)
	}
	if c.Server.Monitoring.MetricsAddr == "" {
		c.Server.Monitoring.MetricsAddr = ":9090"
	}
	if c.Server.Monitoring.HealthAddr == "" {
		c.Server.Monitoring.HealthAddr = ":9091"
	}

	if c.Server.Raft.TickInterval == 0 {
		c.Server.Raft.TickInterval = 100 * time.Millisecond
	}
	if c.Server.Raft.ElectionTick == 0 {
		c.Server.Raft.ElectionTick = 10
	}
	if c.Server.Raft.HeartbeatTick == 0 {
		c.Server.Raft.HeartbeatTick = 1
	}
	if c.Server.Raft.MaxSizePerMsg == 0 {
		c.Server.Raft.MaxSizePerMsg = 4 * 1024 * 1024
	}
	if c.Server.Raft.MaxInflightMsgs == 0 {
		c.Server.Raft.MaxInflightMsgs = 256
	}
	if c.Server.Raft.MaxUncommittedEntriesSize == 0 {
		c.Server.Raft.MaxUncommittedEntriesSize = 1 << 30
	}
	c.Server.Raft.PreVote = true
	c.Server.Raft.CheckQuorum = true
	if c.Server.Raft.SnapshotEntries == 0 {
		c.Server.Raft.SnapshotEntries = 10000
	}

	if c.Server.RocksDB.BlockCacheSize == 0 {
		c.Server.RocksDB.BlockCacheSize = 512 * 1024 * 1024
	}
	if c.Server.RocksDB.WALMaxTotalMB == 0 {
		c.Server.RocksDB.WALMaxTotalMB = 512
	}
}

// OverrideFromEnv applies RAFTKV_* environment overrides, for
// container deployments that prefer env vars over baked-in config files.
func (c *Config) OverrideFromEnv() {
	if nodeID := os.Getenv("RAFTKV_NODE_ID"); nodeID != "" {
		if id, err := strconv.ParseUint(nodeID, 10, 64); err == nil {
			c.Server.NodeID = id
		}
	}
	if gatewayAddr := os.Getenv("RAFTKV_GATEWAY_ADDR"); gatewayAddr != "" {
		c.Server.GatewayAddr = gatewayAddr
	}
	if adminAddr := os.Getenv("RAFTKV_ADMIN_ADDR"); adminAddr != "" {
		c.Server.AdminAddr = adminAddr
	}
	if dataDir := os.Getenv("RAFTKV_DATA_DIR"); dataDir != "" {
		c.Server.DataDir = dataDir
	}
	if logLevel := os.Getenv("RAFTKV_LOG_LEVEL"); logLevel != "" {
		c.Server.Log.Level = logLevel
	}
	if logEncoding := os.Getenv("RAFTKV_LOG_ENCODING"); logEncoding != "" {
		c.Server.Log.Encoding = logEncoding
	}
}

// Validate checks the configuration for internally inconsistent values.
func (c *Config) Validate() error {
	if c.Server.NodeID == 0 {
		return fmt.Errorf("node_id is required and must be non-zero")
	}
	if c.Server.GatewayAddr == "" {
		return fmt.Errorf("gateway_addr is required")
	}
	if c.Server.AdminAddr == "" {
		return fmt.Errorf("admin_addr is required")
	}

	if c.Server.Limits.MaxConnections <= 0 {
		return fmt.Errorf("limits.max_connections must be > 0")
	}
	if c.Server.Limits.MaxRequests <= 0 {
		return fmt.Errorf("limits.max_requests must be > 0")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true,
		"error": true, "dpanic": true, "panic": true, "fatal": true,
	}
	if !validLogLevels[c.Server.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error, dpanic, panic, fatal")
	}
	if c.Server.Log.Encoding != "json" && c.Server.Log.Encoding != "console" {
		return fmt.Errorf("log.encoding must be either 'json' or 'console'")
	}

	if c.Server.Raft.TickInterval <= 0 {
		return fmt.Errorf("raft.tick_interval must be > 0")
	}
	if c.Server.Raft.ElectionTick <= 0 {
		return fmt.Errorf("raft.election_tick must be > 0")
	}
	if c.Server.Raft.HeartbeatTick <= 0 {
		return fmt.Errorf("raft.heartbeat_tick must be > 0")
	}
	if c.Server.Raft.ElectionTick <= c.Server.Raft.HeartbeatTick {
		return fmt.Errorf("raft.election_tick must be > raft.heartbeat_tick")
	}
	if c.Server.Raft.MaxSizePerMsg == 0 {
		return fmt.Errorf("raft.max_size_per_msg must be > 0")
	}
	if c.Server.Raft.MaxInflightMsgs <= 0 {
		return fmt.Errorf("raft.max_inflight_msgs must be > 0")
	}

	if c.Server.RateLimit.Enabled() {
		if c.Server.RateLimit.RPS <= 0 {
			return fmt.Errorf("rate_limit.rps must be > 0 when enabled")
		}
		if c.Server.RateLimit.Burst <= 0 {
			return fmt.Errorf("rate_limit.burst must be > 0 when enabled")
		}
	}

	return nil
}

func boolPtr(b bool) *bool { return &b }

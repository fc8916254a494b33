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
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestDefaultConfigPassesValidation(t *testing.T) {
	cfg := DefaultConfig(1, ":6380")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got: %v", err)
	}
}

func TestSetDefaultsFillsZeroValues(t *testing.T) {
	cfg := &Config{Server: ServerConfig{NodeID: 1}}
	cfg.SetDefaults()

	if cfg.Server.GatewayAddr != ":6380" {
		t.Errorf("expected default gateway addr, got %q", cfg.Server.GatewayAddr)
	}
	if cfg.Server.AdminAddr != ":12379" {
		t.Errorf("expected default admin addr, got %q", cfg.Server.AdminAddr)
	}
	if cfg.Server.Raft.ElectionTick <= cfg.Server.Raft.HeartbeatTick {
		t.Error("default election tick must exceed heartbeat tick")
	}
	if cfg.Server.Log.Level != "info" {
		t.Errorf("expected default log level info, got %q", cfg.Server.Log.Level)
	}
}

func TestValidateRejectsZeroNodeID(t *testing.T) {
	cfg := DefaultConfig(0, ":6380")
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for node_id=0")
	}
}

func TestValidateRejectsElectionTickNotGreaterThanHeartbeat(t *testing.T) {
	cfg := DefaultConfig(1, ":6380")
	cfg.Server.Raft.ElectionTick = 1
	cfg.Server.Raft.HeartbeatTick = 1
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error when election_tick <= heartbeat_tick")
	}
}

func TestLoadConfigParsesYAML(t *testing.T) {
	yamlData := `
server:
  node_id: 3
  gateway_addr: ":7000"
  admin_addr: ":17000"
  cluster_peers:
    - "1=http://127.0.0.1:12379"
    - "2=http://127.0.0.1:12380"
  rate_limit:
    enable: true
    rps: 1000
    burst: 200
`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(yamlData), 0o644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Server.NodeID != 3 {
		t.Errorf("expected node_id 3, got %d", cfg.Server.NodeID)
	}
	if cfg.Server.GatewayAddr != ":7000" {
		t.Errorf("expected gateway_addr :7000, got %q", cfg.Server.GatewayAddr)
	}
	if len(cfg.Server.ClusterPeers) != 2 {
		t.Errorf("expected 2 cluster peers, got %d", len(cfg.Server.ClusterPeers))
	}
	if cfg.Server.RateLimit.RPS != 1000 {
		t.Errorf("expected rate_limit.rps 1000, got %v", cfg.Server.RateLimit.RPS)
	}
}

func TestLoadConfigPreservesExplicitFalse(t *testing.T) {
	yamlData := `
server:
  node_id: 4
  gateway_addr: ":7001"
  admin_addr: ":17001"
  rate_limit:
    enable: false
  reliability:
    enable_health_check: false
`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(yamlData), 0o644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Server.RateLimit.Enabled() {
		t.Error("rate_limit.enable: false in YAML must not be overridden by SetDefaults")
	}
	if cfg.Server.Reliability.HealthCheckEnabled() {
		t.Error("reliability.enable_health_check: false in YAML must not be overridden by SetDefaults")
	}
	// Unset bools still get their true default.
	if !cfg.Server.Reliability.PanicRecoveryEnabled() {
		t.Error("expected enable_panic_recovery to default to true when unset")
	}
	if !cfg.Server.Monitoring.PrometheusEnabled() {
		t.Error("expected enable_prometheus to default to true when unset")
	}
}

func TestLoadConfigOrDefaultFallsBackWhenFileMissing(t *testing.T) {
	cfg, err := LoadConfigOrDefault(filepath.Join(t.TempDir(), "missing.yaml"), 5, ":6380")
	if err != nil {
		t.Fatalf("expected fallback to defaults, got error: %v", err)
	}
	if cfg.Server.NodeID != 5 {
		t.Errorf("expected fallback node_id 5, got %d", cfg.Server.NodeID)
	}
}

func TestYAMLRoundTripPreservesRaftTuning(t *testing.T) {
	cfg := DefaultConfig(1, ":6380")
	cfg.Server.Raft.MaxInflightMsgs = 999

	data, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var got Config
	if err := yaml.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if got.Server.Raft.MaxInflightMsgs != 999 {
		t.Errorf("expected MaxInflightMsgs 999 after round trip, got %d", got.Server.Raft.MaxInflightMsgs)
	}
}

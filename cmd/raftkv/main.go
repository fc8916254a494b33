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

package main

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/axfor/raftkv/internal/consensus"
	"github.com/axfor/raftkv/internal/eventloop"
	"github.com/axfor/raftkv/internal/gateway"
	"github.com/axfor/raftkv/internal/statemachine"
	"github.com/axfor/raftkv/internal/store"
	"github.com/axfor/raftkv/pkg/config"
	"github.com/axfor/raftkv/pkg/health"
	"github.com/axfor/raftkv/pkg/log"
	"github.com/axfor/raftkv/pkg/metrics"
	"github.com/axfor/raftkv/pkg/reliability"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	nodeID := flag.Uint64("id", 1, "this node's raft ID")
	port := flag.Int("port", 6380, "TCP client gateway port")
	cluster := flag.String("cluster", "1=http://127.0.0.1:12379", "comma separated id=admin-url peer list")
	join := flag.Bool("join", false, "join an existing cluster")
	flag.Parse()

	gatewayAddr := fmt.Sprintf(":%d", *port)
	cfg, err := config.LoadConfigOrDefault(*configPath, *nodeID, gatewayAddr)
	if err != nil {
		fmt.Printf("raftkv: config: %v\n", err)
		return
	}
	cfg.Server.ClusterPeers = strings.Split(*cluster, ",")
	cfg.Server.Join = *join

	logCfg := &log.Config{
		Level:            cfg.Server.Log.Level,
		OutputPaths:      cfg.Server.Log.OutputPaths,
		ErrorOutputPaths: cfg.Server.Log.ErrorOutputPaths,
		Encoding:         cfg.Server.Log.Encoding,
	}
	if r := cfg.Server.Log.Rotation; r != nil {
		logCfg.Rotation = &log.RotationConfig{
			MaxSize:    r.MaxSizeMB,
			MaxAge:     r.MaxAgeDays,
			MaxBackups: r.MaxBackups,
			Compress:   r.Compress,
		}
	}
	if err := log.InitGlobalLogger(logCfg); err != nil {
		fmt.Printf("raftkv: logger init: %v\n", err)
		return
	}
	defer log.Sync()

	log.Info("starting raftkv node",
		log.NodeID(cfg.Server.NodeID),
		log.String("gateway_addr", cfg.Server.GatewayAddr),
		log.String("admin_addr", cfg.Server.AdminAddr),
		log.Component("main"))

	dataDir := fmt.Sprintf("%s/node_%d/db", cfg.Server.DataDir, cfg.Server.NodeID)
	db, err := store.Open(dataDir)
	if err != nil {
		log.Fatal("failed to open storage", log.Err(err), log.Component("main"))
	}
	engine := store.NewEngine(db)

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	loop := eventloop.New()
	reliability.SafeGo("eventloop", loop.Run)

	sm := statemachine.New(loop, engine, uint32(cfg.Server.NodeID), nil, m)

	peers := make([]string, len(cfg.Server.ClusterPeers))
	for i, p := range cfg.Server.ClusterPeers {
		parts := strings.SplitN(p, "=", 2)
		if len(parts) == 2 {
			peers[i] = parts[1]
		} else {
			peers[i] = p
		}
	}

	node, err := consensus.NewNode(cfg.Server.NodeID, peers, cfg.Server.Join, db, fmt.Sprintf("%s/node_%d", cfg.Server.DataDir, cfg.Server.NodeID), &cfg.Server.Raft, sm, sm)
	if err != nil {
		log.Fatal("failed to start consensus node", log.Err(err), log.Component("main"))
	}
	sm.SetProposer(node)

	limits := reliability.NewResourceManager(reliability.ResourceLimits{
		MaxConnections:    int64(cfg.Server.Limits.MaxConnections),
		MaxRequests:       cfg.Server.Limits.MaxRequests,
		MaxMemoryBytes:    cfg.Server.Limits.MaxMemoryMB * 1024 * 1024,
		MaxRequestSize:    cfg.Server.Limits.MaxRequestSize,
		RequestTimeout:    reliability.DefaultLimits.RequestTimeout,
		ConnectionTimeout: reliability.DefaultLimits.ConnectionTimeout,
	})

	gw := gateway.New(gateway.Config{
		Addr:            cfg.Server.GatewayAddr,
		RateLimitEnable: cfg.Server.RateLimit.Enabled(),
		RateLimitRPS:    cfg.Server.RateLimit.RPS,
		RateLimitBurst:  cfg.Server.RateLimit.Burst,
	}, sm, limits, m)

	admin := consensus.NewAdminServer(cfg.Server.AdminAddr, node)

	reliability.SafeGo("gateway", func() {
		if err := gw.ListenAndServe(); err != nil {
			log.Fatal("gateway failed", log.Err(err), log.Component("main"))
		}
	})
	reliability.SafeGo("admin-server", func() {
		if err := admin.Start(); err != nil {
			log.Error("admin server failed", log.Err(err), log.Component("main"))
		}
	})

	var metricsServer *metrics.MetricsServer
	if cfg.Server.Monitoring.PrometheusEnabled() {
		metricsServer = metrics.ServeMetrics(cfg.Server.Monitoring.MetricsAddr, registry, log.GetLogger().Zap())
	}

	healthServer := health.NewHealthServer(log.GetLogger().Zap())
	healthServer.RegisterChecker(health.NewRaftChecker("raft", func() (bool, bool, error) {
		status := node.Status()
		isLeader := status.Lead == status.ID
		return isLeader, status.Lead != 0, nil
	}))
	healthServer.RegisterChecker(health.NewDiskSpaceChecker("disk", cfg.Server.DataDir, 1, 80))
	if cfg.Server.Reliability.HealthCheckEnabled() {
		reliability.SafeGo("health-server", func() {
			if err := health.StartHealthServer(cfg.Server.Monitoring.HealthAddr, healthServer, log.GetLogger().Zap()); err != nil {
				log.Error("health server failed", log.Err(err), log.Component("main"))
			}
		})
	}

	shutdown := reliability.NewGracefulShutdown(cfg.Server.Reliability.ShutdownTimeout)

	shutdown.RegisterHook(reliability.PhaseStopAccepting, func(ctx context.Context) error {
		return gw.Stop(ctx)
	})
	shutdown.RegisterHook(reliability.PhaseStopAccepting, func(ctx context.Context) error {
		return admin.Stop()
	})
	shutdown.RegisterHook(reliability.PhaseDrainConnections, func(ctx context.Context) error {
		time.Sleep(cfg.Server.Reliability.DrainTimeout)
		return nil
	})
	shutdown.RegisterHook(reliability.PhasePersistState, func(ctx context.Context) error {
		node.Stop()
		select {
		case <-node.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	})
	shutdown.RegisterHook(reliability.PhaseCloseResources, func(ctx context.Context) error {
		loop.Stop()
		<-loop.Done()
		engine.Close()
		limits.Close()
		if metricsServer != nil {
			return metricsServer.Shutdown(ctx)
		}
		return nil
	})
	shutdown.RegisterHook(reliability.PhaseCloseResources, func(ctx context.Context) error {
		db.Close()
		return nil
	})

	log.Info("raftkv node ready",
		log.NodeID(cfg.Server.NodeID),
		log.Component("main"))

	shutdown.Wait()
}

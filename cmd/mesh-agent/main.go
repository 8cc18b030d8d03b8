// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

// Command mesh-agent is the process entry point: it resolves the CLI/
// environment surface, builds the registry poller, DNS refresher,
// metric registry, and listener set, then runs until a termination
// signal.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"

	"meshagent/internal/mesh/backend"
	"meshagent/internal/mesh/config"
	"meshagent/internal/mesh/listener"
	"meshagent/internal/mesh/logging"
	"meshagent/internal/mesh/metrics"
	"meshagent/internal/mesh/sharding"
	"meshagent/internal/mesh/topology"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "mesh-agent:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger, level, err := logging.Init(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer logger.Sync() //nolint:errcheck
	logger.Infow("starting", "discovery_url", cfg.DiscoveryURL, "service_path", cfg.ServicePath, "log_level", level.String())

	specs, err := listener.ParseSpecs(cfg.ServiceListeners)
	if err != nil {
		return fmt.Errorf("listener specs: %w", err)
	}
	if len(specs) == 0 {
		return fmt.Errorf("config: no listeners declared (SERVICE_LISTENERS/-listeners)")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	local := sharding.Locality{}
	var localityMap topology.LocalityResolver = topology.StaticLocalityMap{}
	if cfg.IDCPathURL != "" {
		m, err := topology.LoadLocalityMap(ctx, cfg.IDCPathURL)
		if err != nil {
			logger.Warnw("locality map fetch failed, distance ordering disabled", "err", err)
		} else {
			localityMap = m
		}
	}

	metricsReg := metrics.NewRegistry()
	prometheus.MustRegister(metrics.NewCollector(metricsReg))
	pipelineMetrics := metrics.NewPipeline(metricsReg)

	supervisor := backend.NewTimeoutSupervisor()
	go supervisor.Run()
	go func() {
		<-ctx.Done()
		supervisor.Stop()
	}()
	pool := topology.NewEndpointPool(supervisor, 2*time.Second)

	dns := topology.NewDNSCache(nil)
	go dns.Run(ctx)

	registry := topology.NewRegistry()
	snapshots := topology.NewSnapshotFile(cfg.SnapshotPath)
	if cfg.SnapshotRedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.SnapshotRedisAddr})
		snapshots.SetSideCache(topology.NewRedisSideCache(goRedisEvaler{rc}))
	}

	groups := uniqueServices(specs)
	protocolByService := protocolsByService(specs)
	onChange := func(group, sig, body string) {
		applyConfig(logger, registry, pool, dns, localityMap, local, snapshots, protocolByService[group], group, sig, body)
	}

	client, err := topology.NewClient(cfg.DiscoveryURL)
	if err != nil {
		return fmt.Errorf("registry client: %w", err)
	}
	poller := topology.NewPoller(client, cfg.TickInterval, onChange, func(group string, err error) {
		logger.Warnw("registry poll failed", "group", group, "err", err)
	})

	seeds := snapshots.LoadAll()
	for _, group := range groups {
		seed := seeds[group]
		poller.Watch(group, seed.Sig, seed.Body)
	}
	go poller.Run(ctx, func(group string) string {
		return servicePathFor(cfg.ServicePath, cfg.ServicePool, group)
	})

	mgr := listener.NewManager(registry, pipelineMetrics)
	if err := mgr.Bind(specs); err != nil {
		return fmt.Errorf("bind listeners: %w", err)
	}

	metricsSrv := &http.Server{Addr: cfg.MetricsURL, Handler: metricsMux(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorw("metrics server stopped", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	errCh := make(chan error, 1)
	go func() { errCh <- mgr.Run(ctx) }()

	select {
	case <-sigCh:
		logger.Infow("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Errorw("listener manager exited", "err", err)
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	return nil
}

// goRedisEvaler adapts *redis.Client's Eval (which returns a *redis.Cmd)
// to the plain (interface{}, error) shape topology.RedisEvaler expects,
// keeping the topology package free of a direct go-redis dependency.
type goRedisEvaler struct{ c *redis.Client }

func (e goRedisEvaler) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	return e.c.Eval(ctx, script, keys, args...).Result()
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	return mux
}

// uniqueServices collects the distinct service names named across every
// listener spec — each is one registry group, per §4.3's "multiple
// namespaces can share one group config" collapsed to the simplifying
// case of one namespace per group.
func uniqueServices(specs []listener.Spec) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range specs {
		if !seen[s.Service] {
			seen[s.Service] = true
			out = append(out, s.Service)
		}
	}
	return out
}

// protocolsByService maps each service name to the protocol of its
// listener. A service is only ever bound to one protocol: two specs for
// the same service naming different protocols is a configuration error,
// so the first one seen wins and later ones are ignored (ParseSpecs does
// not itself reject duplicates, since the listener surface is free to
// bind the same service on multiple networks/ports under one protocol).
func protocolsByService(specs []listener.Spec) map[string]string {
	out := make(map[string]string, len(specs))
	for _, s := range specs {
		if _, ok := out[s.Service]; !ok {
			out[s.Service] = s.Protocol
		}
	}
	return out
}

func servicePathFor(basePath, pool, group string) string {
	if pool == "" {
		return basePath + "/" + group
	}
	return basePath + "/" + pool + "/" + group
}

// applyConfig parses a registry-delivered YAML body, builds a fresh
// Topology, publishes it, releases the superseded topology's endpoint
// references, and persists the snapshot so a future restart has a
// last-known-good config even if the registry is unreachable.
func applyConfig(logger interface {
	Errorw(string, ...interface{})
	Infow(string, ...interface{})
}, registry *topology.Registry, pool *topology.EndpointPool, dns *topology.DNSCache, localityMap topology.LocalityResolver, local sharding.Locality, snapshots *topology.SnapshotFile, protocolName, group, sig, body string) {
	cfg, err := topology.ParseConfig([]byte(body))
	if err != nil {
		logger.Errorw("parse config failed", "group", group, "err", err)
		return
	}

	parser, err := listener.NewParser(protocolName)
	if err != nil {
		logger.Errorw("resolve protocol parser failed", "group", group, "err", err)
		return
	}
	top, err := topology.Build(context.Background(), pool, dns, localityMap, local, cfg, parser)
	if err != nil {
		logger.Errorw("build topology failed", "group", group, "err", err)
		return
	}
	old := registry.Handle(group).Swap(top)
	topology.ReleaseAddrs(pool, old)

	if err := snapshots.Save(group, sig, body); err != nil {
		logger.Errorw("save snapshot failed", "group", group, "err", err)
	}
	logger.Infow("topology updated", "group", group, "shards", len(top.Shards))
}

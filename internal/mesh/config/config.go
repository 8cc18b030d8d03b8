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

// Package config resolves the process's CLI/environment surface named in
// the external interfaces: DISCOVERY_URL, IDC_PATH_URL, METRICS_URL,
// SNAPSHOT_PATH, SERVICE_PATH, SERVICE_POOL, LOG_LEVEL, TICK_SECS,
// WORKER_THREADS, plus SERVICE_LISTENERS for the static listener
// bindings (§4.7). Flags take precedence when set explicitly; otherwise
// the matching environment variable is used, parsing first and then
// applying defaults to anything left zero/empty.
package config

import (
	"flag"
	"fmt"
	"os"
	"time"
)

// Config is the fully resolved process configuration.
type Config struct {
	DiscoveryURL     string
	IDCPathURL       string
	MetricsURL       string
	SnapshotPath     string
	ServicePath      string
	ServicePool      string
	LogLevel         string
	TickInterval     time.Duration
	WorkerThreads    int
	ServiceListeners string // protocol:service:network:addr,... (listener.ParseSpecs)
	SnapshotRedisAddr string // optional Redis side-cache for snapshots; empty disables it
}

// Parse builds a Config from args, falling back to environment variables
// for any flag not explicitly set, and finally to hardcoded defaults.
// args excludes the program name (pass os.Args[1:]).
func Parse(args []string) (Config, error) {
	fs := flag.NewFlagSet("mesh-agent", flag.ContinueOnError)

	discoveryURL := fs.String("discovery-url", "", "base URL of the registry discovery service")
	idcPathURL := fs.String("idc-path-url", "", "URL of the deployment locality map")
	metricsURL := fs.String("metrics-url", "", "listen address for the /metrics endpoint")
	snapshotPath := fs.String("snapshot-path", "", "directory for last-known-good config snapshots")
	servicePath := fs.String("service-path", "", "registry path template for this process's services")
	servicePool := fs.String("service-pool", "", "pool/group name this process belongs to")
	logLevel := fs.String("log-level", "", "zap log level (debug, info, warn, error)")
	tickSecs := fs.Int("tick-secs", 0, "registry poll interval in seconds (floor 3s)")
	workerThreads := fs.Int("worker-threads", 0, "number of worker goroutine groups (advisory)")
	listeners := fs.String("listeners", "", "comma-separated protocol:service:network:addr listener bindings")
	snapshotRedisAddr := fs.String("snapshot-redis-addr", "", "optional Redis address for a snapshot side-cache")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Config{
		DiscoveryURL:      firstNonEmpty(*discoveryURL, os.Getenv("DISCOVERY_URL")),
		IDCPathURL:        firstNonEmpty(*idcPathURL, os.Getenv("IDC_PATH_URL")),
		MetricsURL:        firstNonEmpty(*metricsURL, os.Getenv("METRICS_URL"), ":9090"),
		SnapshotPath:      firstNonEmpty(*snapshotPath, os.Getenv("SNAPSHOT_PATH"), "./snapshots"),
		ServicePath:       firstNonEmpty(*servicePath, os.Getenv("SERVICE_PATH")),
		ServicePool:       firstNonEmpty(*servicePool, os.Getenv("SERVICE_POOL")),
		LogLevel:          firstNonEmpty(*logLevel, os.Getenv("LOG_LEVEL"), "info"),
		ServiceListeners:  firstNonEmpty(*listeners, os.Getenv("SERVICE_LISTENERS")),
		SnapshotRedisAddr: firstNonEmpty(*snapshotRedisAddr, os.Getenv("SNAPSHOT_REDIS_ADDR")),
	}

	tick := *tickSecs
	if tick == 0 {
		tick = envInt("TICK_SECS", 5)
	}
	if tick < 3 {
		tick = 3 // pull-loop cadence floor, §4.3
	}
	cfg.TickInterval = time.Duration(tick) * time.Second

	workers := *workerThreads
	if workers == 0 {
		workers = envInt("WORKER_THREADS", 0)
	}
	cfg.WorkerThreads = workers

	if cfg.DiscoveryURL == "" {
		return Config{}, fmt.Errorf("config: DISCOVERY_URL is required")
	}
	if cfg.ServicePath == "" {
		return Config{}, fmt.Errorf("config: SERVICE_PATH is required")
	}
	return cfg, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil || n <= 0 {
		return def
	}
	return n
}

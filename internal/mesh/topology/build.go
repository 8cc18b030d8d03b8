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

package topology

import (
	"context"
	"fmt"
	"sync"
	"time"

	"meshagent/internal/mesh/backend"
	"meshagent/internal/mesh/protocol"
	"meshagent/internal/mesh/sharding"
)

// EndpointPool is the service-wide address→Endpoint map: endpoints are
// reused by address across namespaces and across topology generations, so
// a config refresh that leaves an address in place never churns its live
// connection. Endpoints are reference-counted across shards that
// reference the same address; the last release closes the connection.
type EndpointPool struct {
	mu               sync.Mutex
	endpoints        map[string]*backend.Endpoint
	refs             map[string]int
	supervisor       *backend.TimeoutSupervisor
	responseDeadline time.Duration
}

func NewEndpointPool(supervisor *backend.TimeoutSupervisor, responseDeadline time.Duration) *EndpointPool {
	return &EndpointPool{
		endpoints:        make(map[string]*backend.Endpoint),
		refs:             make(map[string]int),
		supervisor:       supervisor,
		responseDeadline: responseDeadline,
	}
}

func (p *EndpointPool) acquire(addr string, parser protocol.Parser) *backend.Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.endpoints[addr]
	if !ok {
		e = backend.NewEndpoint(addr, parser, p.responseDeadline)
		p.endpoints[addr] = e
		if p.supervisor != nil {
			p.supervisor.Register(e)
		}
	}
	p.refs[addr]++
	return e
}

// Release drops one reference to addr; when the count reaches zero the
// endpoint is closed and evicted (spec.md §4.3 load() step 3: "drops
// endpoints for addresses no longer referenced").
func (p *EndpointPool) Release(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refs[addr]--
	if p.refs[addr] > 0 {
		return
	}
	delete(p.refs, addr)
	if e, ok := p.endpoints[addr]; ok {
		if p.supervisor != nil {
			p.supervisor.Unregister(e)
		}
		e.Close()
		delete(p.endpoints, addr)
	}
}

var errEmptyShard = fmt.Errorf("topology: shard resolved to no addresses")

// Build implements the topology load() step sequence: resolve every
// shard's hosts to addresses (aborting the whole load if any shard ends
// up empty), reuse endpoints by address via pool, order each shard's
// replicas by distance, and return the new immutable Topology. The
// caller publishes it via Handle.Swap and is responsible for releasing
// addresses the previous topology held that this one doesn't (see
// ReleaseAddrs below).
func Build(ctx context.Context, pool *EndpointPool, dns *DNSCache, locality LocalityResolver, local sharding.Locality, cfg Config, parser protocol.Parser) (*Topology, error) {
	hasher, err := sharding.NewHasher(cfg.Hash)
	if err != nil {
		return nil, err
	}
	shardCount := len(cfg.Backends)
	if shardCount == 0 {
		return nil, fmt.Errorf("topology: config has no backends")
	}
	dist, err := sharding.NewDistribution(cfg.Distribution, shardCount)
	if err != nil {
		return nil, err
	}

	shards := make([]*Shard, 0, shardCount)
	for _, hostports := range cfg.Backends {
		shard, err := buildShard(ctx, pool, dns, locality, local, cfg, hostports, parser)
		if err != nil {
			return nil, err
		}
		shards = append(shards, shard)
	}

	return &Topology{Hasher: hasher, Distribution: dist, Shards: shards, Config: cfg}, nil
}

func buildShard(ctx context.Context, pool *EndpointPool, dns *DNSCache, locality LocalityResolver, local sharding.Locality, cfg Config, hostports []string, parser protocol.Parser) (*Shard, error) {
	var addrs []string
	for _, hp := range hostports {
		resolved := dns.Resolve(ctx, hp)
		addrs = append(addrs, resolved...)
	}
	if len(addrs) == 0 {
		return nil, errEmptyShard
	}

	master := pool.acquire(addrs[0], parser)
	shard := &Shard{Master: master}

	replicaAddrs := addrs[1:]
	if len(replicaAddrs) == 0 {
		return shard, nil
	}

	replicas := make([]sharding.Replica, 0, len(replicaAddrs))
	shard.byAddr = make(map[string]*backend.Endpoint, len(replicaAddrs))
	for _, addr := range replicaAddrs {
		ep := pool.acquire(addr, parser)
		shard.Replicas = append(shard.Replicas, ep)
		shard.byAddr[addr] = ep

		dist := sharding.DistanceSameRegion // neutral tie when affinity is off
		if cfg.LocalAffinity {
			dist = sharding.ComputeDistance(local, locality.Locate(addr))
		}
		replicas = append(replicas, sharding.Replica{Addr: addr, Distance: dist, Quota: ep.Quota()})
	}

	if cfg.RegionEnabled {
		replicas = filterToLocalRegion(replicas, local, locality)
	}

	shard.selector = sharding.NewSelector(replicas)
	return shard, nil
}

// filterToLocalRegion constrains the preferred set to same-region
// replicas on start, per the region_enabled YAML flag; if that would
// leave nothing, the full set is kept instead of stranding the shard.
func filterToLocalRegion(replicas []sharding.Replica, local sharding.Locality, locality LocalityResolver) []sharding.Replica {
	if local.Region == "" {
		return replicas
	}
	filtered := make([]sharding.Replica, 0, len(replicas))
	for _, r := range replicas {
		if locality.Locate(r.Addr).Region == local.Region {
			filtered = append(filtered, r)
		}
	}
	if len(filtered) == 0 {
		return replicas
	}
	return filtered
}

// ReleaseAddrs drops one pool reference for every address the superseded
// topology held, called after a successful Handle.Swap. Build already
// acquired a fresh reference for every address the new topology holds
// (including ones carried over unchanged), so releasing old's references
// unconditionally nets out to "unchanged" for addresses that survive the
// refresh and to a real close for addresses that didn't.
func ReleaseAddrs(pool *EndpointPool, old *Topology) {
	if old == nil {
		return
	}
	for _, s := range old.Shards {
		pool.Release(s.Master.Addr())
		for _, r := range s.Replicas {
			pool.Release(r.Addr())
		}
	}
}

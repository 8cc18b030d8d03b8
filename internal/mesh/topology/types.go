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

// Package topology builds, refreshes, and publishes the per-namespace
// shard/replica map requests are routed against: registry polling, DNS
// resolution, YAML parsing, and the copy-on-write snapshot handle readers
// observe for the lifetime of one request.
package topology

import (
	"net"

	"meshagent/internal/mesh/backend"
	"meshagent/internal/mesh/sharding"
)

// Config is one namespace's parsed YAML configuration (see yaml.go).
type Config struct {
	Hash           string
	Distribution   string
	Listen         []int
	Backends       [][]string // one entry per shard; [0] is master, rest are replicas
	TimeoutMsMaster int
	TimeoutMsSlave  int
	ForceWriteAll   bool
	UpdateSlaveL1   bool
	LocalAffinity   bool
	RegionEnabled   bool
}

// Shard is a master endpoint plus zero or more replicas, ordered by
// distance to the local node via Selector.
type Shard struct {
	Master   *backend.Endpoint
	Replicas []*backend.Endpoint
	selector *sharding.Selector

	// byAddr resolves a sharding.Replica (the selector's own copy, sorted
	// and tie-shuffled independently of Replicas' order) back to its
	// *backend.Endpoint.
	byAddr map[string]*backend.Endpoint
}

// Selector returns the distance-aware replica selector for reads against
// this shard. Nil if the shard has no replicas.
func (s *Shard) Selector() *sharding.Selector { return s.selector }

// Endpoint resolves one of the selector's sharding.Replica values (by
// address) back to the live *backend.Endpoint the pipeline sends on.
func (s *Shard) Endpoint(r sharding.Replica) *backend.Endpoint { return s.byAddr[r.Addr] }

// Topology is an immutable snapshot of one namespace's routing shape:
// hasher, distribution, and ordered shard list. Replacement is atomic via
// Handle (cow.go); a request observes exactly one Topology value for its
// whole lifetime.
type Topology struct {
	Hasher       sharding.Hasher
	Distribution sharding.Distribution
	Shards       []*Shard
	Config       Config
}

// ShardFor maps a key hash to its shard, or nil if the topology has no
// shards (e.g. aborted load kept an empty prior state — callers should
// not normally see this).
func (t *Topology) ShardFor(hash int64) *Shard {
	if t == nil || len(t.Shards) == 0 {
		return nil
	}
	idx := t.Distribution.Shard(hash, len(t.Shards))
	if idx < 0 || idx >= len(t.Shards) {
		idx = 0
	}
	return t.Shards[idx]
}

// LocalityResolver maps a backend address to its deployment locality, for
// distance-aware replica ordering.
type LocalityResolver interface {
	Locate(addr string) sharding.Locality
}

// StaticLocalityMap resolves locality by host (the address with any port
// stripped), as parsed from the IDC/region config file.
type StaticLocalityMap map[string]sharding.Locality

func (m StaticLocalityMap) Locate(addr string) sharding.Locality {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	if l, ok := m[host]; ok {
		return l
	}
	return sharding.Locality{}
}

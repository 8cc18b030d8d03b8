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

package sharding

import (
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"meshagent/pkg/quota"
)

// Distance is the deployment-topology closeness of a replica to the local
// node: lower is closer. The four named levels are powers of two so
// equal-distance replicas at different levels never collide.
type Distance uint16

const (
	DistanceSameIDC     Distance = 1
	DistanceSameNeighbor Distance = 2
	DistanceSameRegion  Distance = 4
	DistanceSameCity    Distance = 8
	DistanceRemote      Distance = 65535
)

// Locality identifies where a node (local or a replica) sits in the
// deployment topology.
type Locality struct {
	IDC, Neighbor, Region, City string
}

// ComputeDistance scores remote relative to local using the first level
// that matches.
func ComputeDistance(local, remote Locality) Distance {
	switch {
	case local.IDC != "" && local.IDC == remote.IDC:
		return DistanceSameIDC
	case local.Neighbor != "" && local.Neighbor == remote.Neighbor:
		return DistanceSameNeighbor
	case local.Region != "" && local.Region == remote.Region:
		return DistanceSameRegion
	case local.City != "" && local.City == remote.City:
		return DistanceSameCity
	default:
		return DistanceRemote
	}
}

// Replica is one endpoint candidate for a shard, with its precomputed
// distance and a performance-mode time-quota meter.
type Replica struct {
	Addr     string
	Distance Distance
	Quota    *quota.Meter
}

const (
	rotateEvery  = 1024
	quotaCap     = 2 * time.Second
	retryRunsInPreferred = 3
)

// Selector picks a replica for a shard, preferring the closest group but
// rotating away from any single replica that either runs too many
// consecutive picks or accumulates too much cumulative service time
// ("performance mode").
type Selector struct {
	mu sync.Mutex // not taken by any method; replicas/preferredCount are set once by NewSelector

	replicas       []Replica // sorted by distance ascending; ties shuffled
	preferredCount int       // top 1/3 by distance, plus any co-distant tail

	picks atomic.Uint64
	head  atomic.Int32
}

// NewSelector builds a Selector over replicas, sorting by distance and
// shuffling ties to spread load across co-distant replicas, then sizing
// the preferred set to the top third plus any replicas tied with its
// boundary distance.
func NewSelector(replicas []Replica) *Selector {
	cp := make([]Replica, len(replicas))
	copy(cp, replicas)
	shuffleTies(cp)

	s := &Selector{replicas: cp}
	s.preferredCount = preferredSetSize(cp)
	return s
}

func shuffleTies(replicas []Replica) {
	sort.SliceStable(replicas, func(i, j int) bool { return replicas[i].Distance < replicas[j].Distance })
	i := 0
	for i < len(replicas) {
		j := i
		for j < len(replicas) && replicas[j].Distance == replicas[i].Distance {
			j++
		}
		rand.Shuffle(j-i, func(a, b int) {
			replicas[i+a], replicas[i+b] = replicas[i+b], replicas[i+a]
		})
		i = j
	}
}

func preferredSetSize(replicas []Replica) int {
	if len(replicas) == 0 {
		return 0
	}
	n := len(replicas) / 3
	if n < 1 {
		n = 1
	}
	if n > len(replicas) {
		n = len(replicas)
	}
	// Extend to include any replica tied in distance with the boundary,
	// so the preferred set never splits a co-distant group.
	boundary := replicas[n-1].Distance
	for n < len(replicas) && replicas[n].Distance == boundary {
		n++
	}
	return n
}

// UnsafeSelect picks the current preferred replica, advancing the
// rotation head every rotateEvery picks or immediately once the current
// head's cumulative quota exceeds its 2-second cap. Named Unsafe because
// it is only valid to call against the Selector for the live topology
// snapshot it belongs to; it does not itself synchronize with topology
// swaps.
func (s *Selector) UnsafeSelect() (int, Replica) {
	if s.preferredCount == 0 {
		return -1, Replica{}
	}
	head := int(s.head.Load()) % s.preferredCount
	cur := s.replicas[head]
	if cur.Quota != nil && cur.Quota.Exceeded(quotaCap) {
		cur.Quota.Reset()
		head = s.advanceHead()
	}
	if s.picks.Add(1)%rotateEvery == 0 {
		head = s.advanceHead()
	}
	return head, s.replicas[head]
}

func (s *Selector) advanceHead() int {
	next := (int(s.head.Load()) + 1) % s.preferredCount
	s.head.Store(int32(next))
	return next
}

// UnsafeNext picks the retry replica given the previously tried index and
// the number of retry attempts made so far for this request: round-robins
// within the preferred set for the first retryRunsInPreferred attempts,
// then falls over to the remote tail (replicas outside the preferred set).
func (s *Selector) UnsafeNext(idx, runs int) (int, Replica) {
	if len(s.replicas) == 0 {
		return -1, Replica{}
	}
	if runs < retryRunsInPreferred && s.preferredCount > 0 {
		next := (idx + 1) % s.preferredCount
		return next, s.replicas[next]
	}
	if s.preferredCount >= len(s.replicas) {
		// No remote tail to fall over to; stay within the preferred set.
		next := (idx + 1) % s.preferredCount
		return next, s.replicas[next]
	}
	tailLen := len(s.replicas) - s.preferredCount
	offset := (runs - retryRunsInPreferred) % tailLen
	if offset < 0 {
		offset += tailLen
	}
	next := s.preferredCount + offset
	return next, s.replicas[next]
}

// Replicas exposes the selector's ordered replica list, for tests and
// topology introspection.
func (s *Selector) Replicas() []Replica { return s.replicas }

// PreferredCount exposes the size of the preferred set, for tests.
func (s *Selector) PreferredCount() int { return s.preferredCount }

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
	"testing"
	"time"

	"meshagent/pkg/quota"
)

func TestComputeDistance(t *testing.T) {
	local := Locality{IDC: "idc1", Neighbor: "nb1", Region: "eu", City: "ams"}
	cases := []struct {
		name   string
		remote Locality
		want   Distance
	}{
		{"same idc", Locality{IDC: "idc1"}, DistanceSameIDC},
		{"same neighbor only", Locality{Neighbor: "nb1"}, DistanceSameNeighbor},
		{"same region only", Locality{Region: "eu"}, DistanceSameRegion},
		{"same city only", Locality{City: "ams"}, DistanceSameCity},
		{"no match", Locality{IDC: "idc9", Neighbor: "nb9", Region: "us", City: "sfo"}, DistanceRemote},
	}
	for _, tc := range cases {
		if got := ComputeDistance(local, tc.remote); got != tc.want {
			t.Errorf("%s: ComputeDistance = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestNewSelectorPreferredCountFavorsClosest(t *testing.T) {
	replicas := []Replica{
		{Addr: "a", Distance: DistanceSameIDC},
		{Addr: "b", Distance: DistanceSameIDC},
		{Addr: "c", Distance: DistanceSameRegion},
		{Addr: "d", Distance: DistanceSameRegion},
		{Addr: "e", Distance: DistanceRemote},
		{Addr: "f", Distance: DistanceRemote},
	}
	s := NewSelector(replicas)
	if s.PreferredCount() != 2 {
		t.Fatalf("PreferredCount = %d, want 2 (the two DistanceSameIDC replicas)", s.PreferredCount())
	}
	for _, r := range s.Replicas()[:s.PreferredCount()] {
		if r.Distance != DistanceSameIDC {
			t.Errorf("preferred replica %s has distance %d, want DistanceSameIDC", r.Addr, r.Distance)
		}
	}
}

func TestSelectorPreferredSetExtendsOnTies(t *testing.T) {
	// 6 replicas, all tied at the same distance: 6/3=2, but the boundary
	// distance matches every replica, so the preferred set must cover all.
	replicas := make([]Replica, 6)
	for i := range replicas {
		replicas[i] = Replica{Addr: string(rune('a' + i)), Distance: DistanceSameRegion}
	}
	s := NewSelector(replicas)
	if s.PreferredCount() != 6 {
		t.Fatalf("PreferredCount = %d, want 6 (all tied)", s.PreferredCount())
	}
}

func TestUnsafeSelectStaysWithinPreferredSet(t *testing.T) {
	replicas := []Replica{
		{Addr: "a", Distance: DistanceSameIDC},
		{Addr: "b", Distance: DistanceSameIDC},
		{Addr: "c", Distance: DistanceRemote},
	}
	s := NewSelector(replicas)
	for i := 0; i < 50; i++ {
		idx, r := s.UnsafeSelect()
		if idx >= s.PreferredCount() {
			t.Fatalf("UnsafeSelect returned idx %d outside preferred set (size %d)", idx, s.PreferredCount())
		}
		if r.Distance != DistanceSameIDC {
			t.Fatalf("UnsafeSelect returned remote replica %s before quota/rotation forced it", r.Addr)
		}
	}
}

func TestUnsafeSelectAdvancesOnExceededQuota(t *testing.T) {
	m := quota.New()
	m.Add(3 * time.Second) // already over the 2s cap
	replicas := []Replica{
		{Addr: "over", Distance: DistanceSameIDC, Quota: m},
		{Addr: "fresh", Distance: DistanceSameIDC, Quota: quota.New()},
	}
	s := NewSelector(replicas)
	// NewSelector shuffles equal-distance replicas, so locate "over" first.
	overIdx := 0
	if s.Replicas()[0].Addr != "over" {
		overIdx = 1
	}
	s.head.Store(int32(overIdx))
	idx, r := s.UnsafeSelect()
	if idx != 1-overIdx || r.Addr != "fresh" {
		t.Fatalf("UnsafeSelect = (%d, %s), want head advanced past the over-quota replica", idx, r.Addr)
	}
	if m.Elapsed() != 0 {
		t.Fatalf("exceeded quota should be reset once it forces an advance, got %v", m.Elapsed())
	}
}

func TestUnsafeNextRoundRobinsThenFallsOverToTail(t *testing.T) {
	replicas := []Replica{
		{Addr: "p0", Distance: DistanceSameIDC},
		{Addr: "p1", Distance: DistanceSameIDC},
		{Addr: "t0", Distance: DistanceRemote},
		{Addr: "t1", Distance: DistanceRemote},
	}
	s := NewSelector(replicas)
	if s.PreferredCount() != 2 {
		t.Fatalf("PreferredCount = %d, want 2", s.PreferredCount())
	}

	idx, r := s.UnsafeNext(0, 0)
	if idx != 1 || r.Distance != DistanceSameIDC {
		t.Fatalf("run 0: got (%d, dist=%d), want preferred round-robin", idx, r.Distance)
	}
	idx, r = s.UnsafeNext(1, 1)
	if idx != 0 || r.Distance != DistanceSameIDC {
		t.Fatalf("run 1: got (%d, dist=%d), want preferred round-robin", idx, r.Distance)
	}
	idx, r = s.UnsafeNext(0, 3)
	if idx < s.PreferredCount() {
		t.Fatalf("run 3: got idx %d, want tail index >= %d", idx, s.PreferredCount())
	}
	if r.Distance != DistanceRemote {
		t.Fatalf("run 3: got distance %d, want DistanceRemote tail replica", r.Distance)
	}
}

func TestUnsafeSelectEmptySelector(t *testing.T) {
	s := NewSelector(nil)
	idx, _ := s.UnsafeSelect()
	if idx != -1 {
		t.Fatalf("UnsafeSelect on empty selector = %d, want -1", idx)
	}
	idx, _ = s.UnsafeNext(0, 0)
	if idx != -1 {
		t.Fatalf("UnsafeNext on empty selector = %d, want -1", idx)
	}
}

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

import "testing"

func TestModulaDistribution(t *testing.T) {
	d := modulaDistribution{}
	for _, tc := range []struct{ hash int64; shards, want int }{
		{10, 4, 2}, {-10, 4, 2}, {0, 4, 0},
	} {
		if got := d.Shard(tc.hash, tc.shards); got != tc.want {
			t.Errorf("Shard(%d, %d) = %d, want %d", tc.hash, tc.shards, got, tc.want)
		}
	}
}

func TestRangeDistribution(t *testing.T) {
	d := rangeDistribution{width: 100}
	if got := d.Shard(250, 10); got != 2 {
		t.Fatalf("Shard(250, width=100) = %d, want 2", got)
	}
	if got := d.Shard(999999, 4); got != 3 {
		t.Fatalf("Shard clamps to shards-1: got %d, want 3", got)
	}
}

func TestNewDistributionParsesNames(t *testing.T) {
	cases := []string{"modula", "range-256", "secmod", "ketama", "db-range-year-32"}
	for _, name := range cases {
		d, err := NewDistribution(name, 8)
		if err != nil {
			t.Errorf("NewDistribution(%q): %v", name, err)
			continue
		}
		if got := d.Shard(12345, 8); got < 0 || got >= 8 {
			t.Errorf("NewDistribution(%q).Shard() out of range: %d", name, got)
		}
	}
}

func TestKetamaDistributionStable(t *testing.T) {
	d := NewKetamaDistribution(16)
	hash := int64(424242)
	first := d.Shard(hash, 16)
	for i := 0; i < 10; i++ {
		if got := d.Shard(hash, 16); got != first {
			t.Fatalf("ketama assignment not stable across calls: got %d, want %d", got, first)
		}
	}
}

func TestNewDistributionUnknown(t *testing.T) {
	if _, err := NewDistribution("bogus", 8); err == nil {
		t.Fatal("expected error for unknown distribution name")
	}
}

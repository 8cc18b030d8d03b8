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

// Package metrics is the process-wide metric registry: a stable-Id→slot
// map backed by an append-only vector of fixed-size chunks, so a live
// pointer to a MetricItem survives later registrations without
// relocation. Grounded on original_source/metrics/src/register.rs's
// Metrics::reserve_chunk_num/get_item chunked-vector shape, translated
// from its copy-on-write/channel design to a single mutex guarding
// registration only — item values themselves are lock-free atomics, read
// and written from any goroutine without touching the registration lock.
package metrics

import (
	"sync"
	"sync/atomic"
)

const chunkSize = 4096

// Kind distinguishes how a MetricItem's value is interpreted downstream.
type Kind int

const (
	KindCounter Kind = iota
	KindGauge
	KindLatency // sum (nanoseconds) and count pair; see MetricItem.Observe
)

// Id identifies a MetricItem by name plus its two label dimensions; empty
// fields are simply unused by that name (e.g. Op is empty for
// errors_total, which only ever carries a namespace).
type Id struct {
	Name      string
	Namespace string
	Op        string
}

// MetricItem is one process-wide numeric slot. Counters/gauges use Value
// alone; latency slots use Value as a running nanosecond sum alongside
// Count, so an average is Value/Count at read time.
type MetricItem struct {
	Id    Id
	Kind  Kind
	Value atomic.Int64
	Count atomic.Int64
}

func (m *MetricItem) Add(delta int64) { m.Value.Add(delta) }

func (m *MetricItem) Set(v int64) { m.Value.Store(v) }

// Observe records one latency sample in nanoseconds.
func (m *MetricItem) Observe(ns int64) {
	m.Value.Add(ns)
	m.Count.Add(1)
}

// Snapshot is a point-in-time read of a MetricItem's value(s).
type Snapshot struct {
	Id    Id
	Kind  Kind
	Value int64
	Count int64
}

func (m *MetricItem) snapshot() Snapshot {
	return Snapshot{Id: m.Id, Kind: m.Kind, Value: m.Value.Load(), Count: m.Count.Load()}
}

// Registry owns every registered MetricItem. Registration is guarded by
// mu (single-writer discipline, matching §5's "the writer chunk is
// allocated and the chunk list grown with a single-writer discipline");
// reading an already-registered item's value takes no lock at all.
type Registry struct {
	mu     sync.Mutex
	byID   map[Id]*MetricItem
	chunks [][]MetricItem
	len    int
}

func NewRegistry() *Registry {
	return &Registry{byID: make(map[Id]*MetricItem)}
}

// Register returns the MetricItem for id, allocating a new chunk slot on
// first reference. Safe to call repeatedly; later calls with the same id
// and kind return the same pointer.
func (r *Registry) Register(id Id, kind Kind) *MetricItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	if item, ok := r.byID[id]; ok {
		return item
	}
	r.reserve(1)
	slot := r.len % chunkSize
	chunkIdx := r.len / chunkSize
	item := &r.chunks[chunkIdx][slot]
	item.Id = id
	item.Kind = kind
	r.byID[id] = item
	r.len++
	return item
}

// reserve grows the chunk list so at least n more slots fit without
// relocating existing chunks — only append ever happens to r.chunks.
func (r *Registry) reserve(n int) {
	for r.len+n > len(r.chunks)*chunkSize {
		r.chunks = append(r.chunks, make([]MetricItem, chunkSize))
	}
}

// Snapshot returns every registered item's current value. Intended for
// the Prometheus bridge and tests; the main request path never calls it.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.Lock()
	items := make([]*MetricItem, 0, r.len)
	for _, item := range r.byID {
		items = append(items, item)
	}
	r.mu.Unlock()

	out := make([]Snapshot, len(items))
	for i, item := range items {
		out[i] = item.snapshot()
	}
	return out
}

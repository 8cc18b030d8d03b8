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

package backend

import (
	"sync"
	"time"
)

const (
	deadConnectionTimeout = 4 * time.Second
	supervisorTick        = 1 * time.Second
)

type counterSnapshot struct {
	reqNum, respNum uint64
}

// TimeoutSupervisor periodically samples every registered endpoint's
// pending-FIFO head. A connection is judged dead when a response has been
// missing for more than deadConnectionTimeout and neither the request nor
// response counter has advanced since the previous sample — i.e. the
// backend has gone completely silent, not just slow on one more request.
type TimeoutSupervisor struct {
	mu        sync.Mutex
	endpoints map[*Endpoint]counterSnapshot
	stopCh    chan struct{}
}

// NewTimeoutSupervisor creates a supervisor. Call Run in a goroutine.
func NewTimeoutSupervisor() *TimeoutSupervisor {
	return &TimeoutSupervisor{
		endpoints: make(map[*Endpoint]counterSnapshot),
		stopCh:    make(chan struct{}),
	}
}

// Register adds an endpoint to the supervisor's watch list. Safe to call
// repeatedly for the same endpoint (idempotent).
func (t *TimeoutSupervisor) Register(e *Endpoint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.endpoints[e]; !ok {
		t.endpoints[e] = counterSnapshot{}
	}
}

// Unregister removes an endpoint, e.g. when a topology refresh drops its
// address.
func (t *TimeoutSupervisor) Unregister(e *Endpoint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.endpoints, e)
}

// Run blocks, sampling every endpoint on each tick, until Stop is called.
func (t *TimeoutSupervisor) Run() {
	ticker := time.NewTicker(supervisorTick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.sampleAll()
		case <-t.stopCh:
			return
		}
	}
}

func (t *TimeoutSupervisor) Stop() {
	select {
	case <-t.stopCh:
	default:
		close(t.stopCh)
	}
}

func (t *TimeoutSupervisor) sampleAll() {
	t.mu.Lock()
	snapshot := make(map[*Endpoint]counterSnapshot, len(t.endpoints))
	for e, prev := range t.endpoints {
		snapshot[e] = prev
	}
	t.mu.Unlock()

	for e, prev := range snapshot {
		s := e.stream.Load()
		if s == nil || s.closed.Load() {
			continue
		}
		start, hasPending, reqNum, respNum := s.pendingHead()
		if hasPending && time.Since(start) > deadConnectionTimeout &&
			reqNum == prev.reqNum && respNum == prev.respNum {
			s.close() // reconnector.run() observes the dead stream and reconnects
		}
		t.mu.Lock()
		t.endpoints[e] = counterSnapshot{reqNum: reqNum, respNum: respNum}
		t.mu.Unlock()
	}
}

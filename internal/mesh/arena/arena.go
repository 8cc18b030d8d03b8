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

// Package arena provides the per-connection typed slab CallbackContexts
// are allocated from: one slab per client connection, sized to its own
// fan-out instead of drawing from a process-wide pool. Allocation pops
// from a freelist; release pushes back onto it; capacity grows by
// appending a new chunk the first time the freelist runs dry. The whole
// slab is dropped (and its chunks GC'd) when the owning connection
// closes — there is no cross-connection reuse to tear down.
package arena

import "meshagent/internal/mesh/protocol"

const chunkSize = 64

// Arena is not safe for concurrent use: a connection's pipeline task is
// the sole allocator and releaser for its own arena.
type Arena struct {
	chunks [][]CallbackContext
	free   []*CallbackContext
}

// New returns an empty Arena; its first Alloc call grows it.
func New() *Arena {
	return &Arena{}
}

// Alloc pops a context off the freelist, growing the slab by one chunk
// first if it's empty, and arms it for req.
func (a *Arena) Alloc(req *protocol.HashedCommand) *CallbackContext {
	if len(a.free) == 0 {
		a.grow()
	}
	n := len(a.free) - 1
	ctx := a.free[n]
	a.free = a.free[:n]
	ctx.Begin(req)
	return ctx
}

// grow appends a fresh chunk of chunkSize contexts and pushes them all
// onto the freelist.
func (a *Arena) grow() {
	chunk := make([]CallbackContext, chunkSize)
	a.chunks = append(a.chunks, chunk)
	for i := range chunk {
		chunk[i].done = make(chan struct{})
		a.free = append(a.free, &chunk[i])
	}
}

// Release clears ctx and pushes it back onto the freelist for reuse
// within this connection's lifetime.
func (a *Arena) Release(ctx *CallbackContext) {
	ctx.reset()
	a.free = append(a.free, ctx)
}

// Len reports how many contexts are currently allocated (outstanding),
// useful for diagnostics and tests.
func (a *Arena) Len() int {
	total := len(a.chunks) * chunkSize
	return total - len(a.free)
}

// Cap reports the slab's total capacity across all grown chunks.
func (a *Arena) Cap() int {
	return len(a.chunks) * chunkSize
}

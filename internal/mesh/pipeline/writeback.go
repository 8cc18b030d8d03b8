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

package pipeline

import (
	"time"

	"meshagent/internal/mesh/arena"
	"meshagent/internal/mesh/backend"
	"meshagent/internal/mesh/protocol"
)

// asyncEntry parks a context whose response has already been written to
// the client but whose write-back mirror is still in flight. The context
// (and its arena slot) are not released until done closes, since the
// write-back request still references ctx.Response's wire bytes.
type asyncEntry struct {
	ctx  *arena.CallbackContext
	done chan struct{}
}

// spawnWriteBack fires a best-effort, fire-and-forget mirror of a read's
// response at the shard's master, so the preferred tier picks up a value
// a distance-rotated read served from a remote replica (update_slave_l1).
// It reuses the already-serialized response bytes as the forwarded
// command rather than reconstructing a protocol-specific SET: this mirror
// is deliberately approximate (see the "write-back attribution" note in
// the project's open questions) and is skipped entirely if the master is
// unavailable rather than queued for later.
func (p *Pipeline) spawnWriteBack(ctx *arena.CallbackContext) {
	if p.metrics != nil {
		p.metrics.IncWriteback(p.namespace)
	}
	ent := &asyncEntry{ctx: ctx, done: make(chan struct{})}
	p.asyncPending.PushBack(ent)

	shard := p.top.ShardFor(ctx.Request.Hash)
	if shard == nil || !shard.Master.Available() {
		close(ent.done)
		return
	}
	req := buildWritebackRequest(ctx)
	req.Callback = func(*protocol.Command, error) {
		close(ent.done)
	}
	if err := shard.Master.Send(req); err != nil {
		close(ent.done)
	}
}

// buildWritebackRequest turns a completed read's response into a
// sent-only command aimed at the write-back target, carrying the
// original key hash so it lands on the same shard's routing decision if
// re-evaluated.
func buildWritebackRequest(ctx *arena.CallbackContext) *backend.Request {
	return &backend.Request{
		Cmd: protocol.HashedCommand{
			Command: *ctx.Response,
			Hash:    ctx.Request.Hash,
		},
		SentOnly: true,
		Queued:   time.Now(),
	}
}

// processAsyncPending releases every asyncEntry whose write-back has
// finished, draining the list from the front (entries are appended in
// dispatch order but may finish out of order; a full scan keeps the
// pipeline's main loop from stalling behind a slow mirror).
func (p *Pipeline) processAsyncPending() {
	e := p.asyncPending.Front()
	for e != nil {
		cur := e
		e = e.Next()
		ent := cur.Value.(*asyncEntry)
		select {
		case <-ent.done:
			p.asyncPending.Remove(cur)
			p.arena.Release(ent.ctx)
		default:
		}
	}
}

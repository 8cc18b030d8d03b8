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

// Package pipeline drives one client connection end to end: receive bytes,
// parse them into requests, fan each out to a backend endpoint chosen from
// the current topology snapshot, and write completed responses back to the
// client in request order. It mirrors the four-phase shape of the backend
// package's own Stream.run loop, synchronous rather than futures-based.
package pipeline

import (
	"bufio"
	"container/list"
	"net"
	"time"

	"meshagent/internal/mesh/arena"
	"meshagent/internal/mesh/backend"
	"meshagent/internal/mesh/protocol"
	"meshagent/internal/mesh/topology"
	"meshagent/pkg/ringbuf"
)

const (
	rxMinCap      = 4096
	rxMaxCap      = 1 << 20
	scratchMinCap = 256
	scratchMaxCap = 4096
)

// Metrics is the narrow counters interface the pipeline reports through;
// nil fields are simply skipped. Satisfied by internal/mesh/metrics.
type Metrics interface {
	IncRequests(namespace string, op protocol.Operation)
	IncErrors(namespace string)
	ObserveLatency(namespace string, op protocol.Operation, d time.Duration)
	IncWriteback(namespace string)
}

// Pipeline owns the state of one client connection: its ingress/egress
// buffers, its own CallbackContext slab, and the FIFO of requests in
// flight against backends. One goroutine runs Run for the connection's
// whole lifetime.
type Pipeline struct {
	namespace string
	conn      net.Conn
	parser    protocol.Parser
	handle    *topology.Handle
	pipelined bool
	metrics   Metrics

	rx      *ringbuf.GuardedBuffer
	scratch *ringbuf.GuardedBuffer
	w       *bufio.Writer
	sctx    protocol.StreamContext

	arena        *arena.Arena
	pending      *list.List // of *arena.CallbackContext, FIFO: oldest at Front
	asyncPending *list.List // of *asyncEntry

	top       *topology.Topology // snapshot this cycle's new requests route against
	needFlush bool
}

// New builds a Pipeline bound to conn. pipelined allows more than one
// request in flight at a time (Redis/mcq-style); false enforces strict
// one-outstanding-request-at-a-time (classic memcached text clients that
// never pipeline, but the flag is advisory, not load-bearing for
// correctness — out-of-order responses are impossible either way since
// writeCompleted only ever drains the FIFO head). Replica distance is
// already baked into the topology's selector at build time, so Pipeline
// itself never needs the local node's locality.
func New(namespace string, conn net.Conn, parser protocol.Parser, handle *topology.Handle, pipelined bool, metrics Metrics) *Pipeline {
	return &Pipeline{
		namespace:    namespace,
		conn:         conn,
		parser:       parser,
		handle:       handle,
		pipelined:    pipelined,
		metrics:      metrics,
		rx:           ringbuf.NewGuardedBuffer(rxMinCap, rxMaxCap),
		scratch:      ringbuf.NewGuardedBuffer(scratchMinCap, scratchMaxCap),
		w:            bufio.NewWriter(conn),
		arena:        arena.New(),
		pending:      list.New(),
		asyncPending: list.New(),
		top:          handle.Load(),
	}
}

// Run drives the connection until a fatal error, the client disconnects,
// or the peer requests a graceful close (protocol.ErrQuit). It always
// returns a non-nil error; ErrEOF/ErrQuit are the clean-close cases.
func (p *Pipeline) Run() error {
	defer p.drainOnClose()
	for {
		if err := p.receive(); err != nil {
			return err
		}
		perr := p.parser.ParseRequest(p.rx, &p.sctx, p.top.Hasher, p)
		if perr != nil {
			if _, incomplete := protocol.AsIncomplete(perr); !incomplete {
				if perr == protocol.ErrQuit {
					_ = p.writeCompleted()
					_ = p.flush()
					return perr
				}
				return perr
			}
		}
		p.processAsyncPending()
		if err := p.writeCompleted(); err != nil {
			return err
		}
		if err := p.flush(); err != nil {
			return err
		}
		p.refreshTopology()

		if p.pending.Len() > 0 && !p.pipelined {
			if err := p.awaitHead(); err != nil {
				return err
			}
		}
	}
}

// receive reads one chunk of client bytes into rx, blocking on the socket.
func (p *Pipeline) receive() error {
	n, err := p.rx.Write(p.conn)
	if err != nil {
		return err
	}
	if n == 0 {
		return protocol.ErrEOF
	}
	return nil
}

// refreshTopology re-reads the namespace handle between request cycles so
// a config hot-swap takes effect for the next request without disturbing
// any already-dispatched one: a dispatched backend.Request sits in the
// queue of the *Endpoint it was sent to, and its callback refers only to
// its CallbackContext, not to the Topology pointer, so swapping p.top
// never reaches back into it.
func (p *Pipeline) refreshTopology() {
	if cur := p.handle.Load(); cur != nil {
		p.top = cur
	}
}

// awaitHead blocks until the oldest in-flight request completes, for
// connections that forbid pipelining.
func (p *Pipeline) awaitHead() error {
	front := p.pending.Front()
	if front == nil {
		return nil
	}
	ctx := front.Value.(*arena.CallbackContext)
	<-ctx.Done()
	return nil
}

// Process implements protocol.Processor: it is called once per parsed
// request, possibly several times for one client command that fans out
// across shards. It never blocks on a backend response; completion is
// observed later via writeCompleted walking the pending FIFO.
func (p *Pipeline) Process(cmd protocol.HashedCommand, last bool) error {
	ctx := p.arena.Alloc(&cmd)
	p.pending.PushBack(ctx)

	if cmd.Flags.Has(protocol.FlagSentOnly) {
		ctx.Complete(nil)
		return nil
	}
	if cmd.Flags.Has(protocol.FlagNoForward) {
		rsp, err := p.parser.LocalResponse(p.scratch, cmd)
		if err != nil {
			ctx.Fail(err)
			return nil
		}
		ctx.Complete(rsp)
		return nil
	}

	shard := p.top.ShardFor(cmd.Hash)
	if shard == nil {
		ctx.Fail(protocol.ErrNotSupported)
		return nil
	}
	ep, writeBack := p.pickEndpoint(shard, cmd.Operation)
	if ep == nil {
		ctx.Fail(backend.ErrUnavailable)
		return nil
	}
	ctx.WriteBack = writeBack

	req := &backend.Request{
		Cmd:    cmd,
		Queued: time.Now(),
		Callback: func(rsp *protocol.Command, err error) {
			if err != nil {
				ctx.Fail(err)
				return
			}
			ctx.Complete(rsp)
		},
	}
	if err := ep.Send(req); err != nil {
		ctx.Fail(err)
	}
	return nil
}

// pickEndpoint chooses the backend endpoint a request dispatches to:
// writes always target the shard's master; reads use the distance-aware
// selector when the shard has replicas, falling back to master when the
// selector picked nothing live. writeBack is true when update_slave_l1 is
// set and the read was served by a replica rather than the master, the
// signal writeCompleted uses to mirror the value back into the master
// afterward.
func (p *Pipeline) pickEndpoint(shard *topology.Shard, op protocol.Operation) (ep *backend.Endpoint, writeBack bool) {
	if op != protocol.OpRead || shard.Selector() == nil {
		if shard.Master.Available() {
			return shard.Master, false
		}
		return nil, false
	}
	sel := shard.Selector()
	idx, replica := sel.UnsafeSelect()
	if idx < 0 {
		if shard.Master.Available() {
			return shard.Master, false
		}
		return nil, false
	}
	ep = shard.Endpoint(replica)
	if ep == nil || !ep.Available() {
		if shard.Master.Available() {
			return shard.Master, false
		}
		return nil, false
	}
	return ep, p.top.Config.UpdateSlaveL1
}

// writeCompleted drains every contiguous run of completed contexts at the
// front of the pending FIFO, writing each response to the client in
// request order. It stops at the first still-pending head, preserving
// ordering for protocols that allow pipelining.
func (p *Pipeline) writeCompleted() error {
	for {
		front := p.pending.Front()
		if front == nil {
			return nil
		}
		ctx := front.Value.(*arena.CallbackContext)
		select {
		case <-ctx.Done():
		default:
			return nil
		}
		p.pending.Remove(front)

		first, last, keyCount := true, true, 1
		op := protocol.OpOther
		if ctx.Request != nil {
			first, last, keyCount = ctx.Request.First, ctx.Request.Last, ctx.Request.KeyCount
			op = ctx.Request.Operation
		}

		var rsp *protocol.Command
		if ctx.Status() == arena.StateComplete {
			rsp = ctx.Response
		}
		// A sent-only request (e.g. quit) gets nothing written back.
		if ctx.Request == nil || !ctx.Request.Flags.Has(protocol.FlagSentOnly) {
			if err := p.parser.WriteResponse(p.w, rsp, first, last, keyCount); err != nil {
				return err
			}
		}
		if last {
			p.needFlush = true
		}
		if p.metrics != nil {
			p.metrics.IncRequests(p.namespace, op)
			if ctx.Status() == arena.StateFailed {
				p.metrics.IncErrors(p.namespace)
			}
			p.metrics.ObserveLatency(p.namespace, op, time.Since(ctx.Start))
		}

		if ctx.WriteBack && ctx.Status() == arena.StateComplete && ctx.Response != nil && ctx.Response.Flags.Has(protocol.FlagStatusOK) {
			p.spawnWriteBack(ctx)
			continue // parked on asyncPending; released once its write-back completes
		}
		p.arena.Release(ctx)
	}
}

func (p *Pipeline) flush() error {
	if !p.needFlush {
		return nil
	}
	p.needFlush = false
	return p.w.Flush()
}

// drainOnClose fails every request still in flight (dispatched to a
// backend but not yet completed) and every context parked for a
// write-back, so their CallbackContext.Done() channels never block a
// caller forever after the connection is gone.
func (p *Pipeline) drainOnClose() {
	for e := p.pending.Front(); e != nil; e = e.Next() {
		ctx := e.Value.(*arena.CallbackContext)
		select {
		case <-ctx.Done():
		default:
			ctx.Fail(protocol.ErrPending)
		}
	}
	for e := p.asyncPending.Front(); e != nil; e = e.Next() {
		ent := e.Value.(*asyncEntry)
		select {
		case <-ent.done:
		default:
			close(ent.done)
		}
	}
	_ = p.conn.Close()
}

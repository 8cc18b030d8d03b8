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
	"bufio"
	"bytes"
	"container/list"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"meshagent/internal/mesh/protocol"
	"meshagent/pkg/ringbuf"
)

const (
	requestQueueDepth = 128
	heartbeatIdle     = 5 * time.Minute
	ringMinCap        = 4096
	ringMaxCap        = 1 << 20
)

// pendingEntry pairs a queued request with the instant it was sent, for
// RTT accounting and timeout detection.
type pendingEntry struct {
	req   *Request
	start time.Time
}

// Stream is one live TCP connection to one backend endpoint: the
// connection socket, its write buffer, and the pending-response FIFO.
// Exactly one handler goroutine drives its main loop.
type Stream struct {
	endpoint *Endpoint
	conn     net.Conn
	w        *bufio.Writer
	in       *ringbuf.GuardedBuffer

	requests chan *Request
	pending  *list.List // of *pendingEntry, FIFO: oldest at Front

	reqNum  atomic.Uint64 // incremented when a request is written
	respNum atomic.Uint64 // incremented when a response is paired

	closed atomic.Bool
	mu     sync.Mutex // guards pending list (handler goroutine only touches it, but timeout supervisor reads head)
}

func newStream(e *Endpoint, conn net.Conn) *Stream {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return &Stream{
		endpoint: e,
		conn:     conn,
		w:        bufio.NewWriter(conn),
		in:       ringbuf.NewGuardedBuffer(ringMinCap, ringMaxCap),
		requests: make(chan *Request, requestQueueDepth),
		pending:  list.New(),
	}
}

// run drives the four-phase main loop described for the backend pool:
// poll_request, poll_flush, poll_response, and an idle heartbeat probe.
// It returns when the connection is judged dead (read error, EOF, or a
// protocol violation) or the endpoint is closed.
func (s *Stream) run() {
	defer s.close()
	for {
		if s.closed.Load() {
			return
		}
		wrote := s.pollRequest()
		if wrote > 0 {
			if err := s.pollFlush(); err != nil {
				return
			}
		}
		n, err := s.pollResponse()
		if err != nil {
			return
		}
		if wrote == 0 && n == 0 {
			if err := s.idleHeartbeat(); err != nil {
				return
			}
		}
	}
}

// pollRequest drains any currently-queued requests, serializes each to the
// write buffer, and pushes non-sent-only requests onto the pending FIFO.
func (s *Stream) pollRequest() int {
	written := 0
	for {
		select {
		case req := <-s.requests:
			s.writeRequest(req)
			written++
		default:
			return written
		}
	}
}

func (s *Stream) writeRequest(req *Request) {
	guard := req.Cmd.Guard
	slice := guard.RingSlice()
	buf := make([]byte, slice.Len())
	slice.CopyTo(buf)
	_, _ = s.w.Write(buf)
	guard.Release()

	s.reqNum.Add(1)
	if req.SentOnly {
		if req.Callback != nil {
			req.Callback(nil, nil)
		}
		return
	}
	s.mu.Lock()
	s.pending.PushBack(&pendingEntry{req: req, start: time.Now()})
	s.mu.Unlock()
}

func (s *Stream) pollFlush() error {
	deadline := time.Now().Add(s.endpoint.responseDeadline)
	_ = s.conn.SetWriteDeadline(deadline)
	return s.w.Flush()
}

// pollResponse reads available bytes into the guarded buffer and parses
// as many complete responses as are present, pairing each with the
// pending FIFO head in order.
func (s *Stream) pollResponse() (int, error) {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.endpoint.responseDeadline))
	n, err := s.in.Write(s.conn)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, nil
		}
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	paired := 0
	ctx := &protocol.StreamContext{}
	for {
		cmd, ok, perr := s.endpoint.parser.ParseResponse(s.in, ctx)
		if perr != nil {
			if ie, isIncomplete := protocol.AsIncomplete(perr); isIncomplete {
				_ = s.in.Reserve(ie.N)
				break
			}
			return paired, perr
		}
		if !ok {
			break
		}
		s.respNum.Add(1)
		s.dispatch(cmd)
		paired++
	}
	return paired, nil
}

func (s *Stream) dispatch(cmd *protocol.Command) {
	s.mu.Lock()
	front := s.pending.Front()
	var entry *pendingEntry
	if front != nil {
		entry = front.Value.(*pendingEntry)
		s.pending.Remove(front)
	}
	s.mu.Unlock()

	if entry == nil {
		return // protocol violation: response with nothing pending; caller notices via timeout/heartbeat
	}
	s.endpoint.quota.Add(time.Since(entry.start))
	if entry.req.Callback != nil {
		entry.req.Callback(cmd, nil)
	}
}

// idleHeartbeat performs a one-byte probe read when a poll cycle neither
// wrote nor paired anything, to detect a half-closed peer before it
// matters. A byte that arrives while a request is outstanding is kept in
// the response buffer for the next pollResponse.
func (s *Stream) idleHeartbeat() error {
	_ = s.conn.SetReadDeadline(time.Now().Add(heartbeatIdle))
	buf := make([]byte, 1)
	n, err := s.conn.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil // Pending: still alive
		}
		return err // Eof or other: dead
	}
	if n == 0 {
		return nil
	}
	// Ready(n>0) with nothing outstanding is a protocol violation.
	s.mu.Lock()
	hasPending := s.pending.Len() > 0
	s.mu.Unlock()
	if !hasPending {
		return protocol.ErrUnexpectedData
	}
	if _, err := s.in.Write(bytes.NewReader(buf[:n])); err != nil {
		return err
	}
	return nil
}

// failPending cancels every request still on the FIFO with ErrPending,
// for use when the connection is judged dead.
func (s *Stream) failPending() {
	s.mu.Lock()
	pending := s.pending
	s.pending = list.New()
	s.mu.Unlock()

	for e := pending.Front(); e != nil; e = e.Next() {
		entry := e.Value.(*pendingEntry)
		if entry.req.Callback != nil {
			entry.req.Callback(nil, protocol.ErrPending)
		}
	}
	// Also drain anything still queued but never written.
	for {
		select {
		case req := <-s.requests:
			if req.Callback != nil {
				req.Callback(nil, protocol.ErrPending)
			}
		default:
			return
		}
	}
}

func (s *Stream) close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	_ = s.conn.Close()
	s.failPending()
}

// pendingHead returns the start time of the oldest outstanding request
// and the current request/response counters, for the timeout supervisor.
func (s *Stream) pendingHead() (start time.Time, hasPending bool, reqNum, respNum uint64) {
	s.mu.Lock()
	front := s.pending.Front()
	if front != nil {
		entry := front.Value.(*pendingEntry)
		start, hasPending = entry.start, true
	}
	s.mu.Unlock()
	return start, hasPending, s.reqNum.Load(), s.respNum.Load()
}

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

// Package backend manages one TCP connection per backend endpoint: request
// submission, response pairing, heartbeats, timeouts and reconnection.
package backend

import (
	"errors"
	"sync/atomic"
	"time"

	"meshagent/internal/mesh/protocol"
	"meshagent/pkg/quota"
)

// ErrUnavailable is returned by Send when the endpoint has no live
// connection (initial connect still pending, or mid-reconnect).
var ErrUnavailable = errors.New("backend: endpoint unavailable")

// Request is one protocol-level command queued to a backend endpoint.
// Callback is invoked exactly once: with the decoded response on success,
// or with an error (Pending, Timeout, ...) if the request could not be
// completed.
type Request struct {
	Cmd      protocol.HashedCommand
	SentOnly bool
	Queued   time.Time
	Callback func(rsp *protocol.Command, err error)
}

// Endpoint is a handle to a backend connection pool for one host:port. It
// is shared across Topology generations via a service-wide address→Endpoint
// map, so config refreshes never churn live connections for addresses that
// survive the refresh.
type Endpoint struct {
	addr   string
	parser protocol.Parser

	stream atomic.Pointer[Stream]
	closed atomic.Bool

	backoff *reconnector

	quota *quota.Meter // performance-mode BackendQuota for replica selection

	dialTimeout    time.Duration
	responseDeadline time.Duration
}

// NewEndpoint creates an Endpoint for addr and immediately starts its
// connect-and-reconnect loop in the background.
func NewEndpoint(addr string, parser protocol.Parser, responseDeadline time.Duration) *Endpoint {
	e := &Endpoint{
		addr:             addr,
		parser:           parser,
		quota:            quota.New(),
		dialTimeout:      3 * time.Second,
		responseDeadline: responseDeadline,
	}
	e.backoff = newReconnector(e)
	go e.backoff.run()
	return e
}

// Addr returns the endpoint's host:port.
func (e *Endpoint) Addr() string { return e.addr }

// Inited reports whether the endpoint has completed its first connection
// attempt (successful or not).
func (e *Endpoint) Inited() bool { return e.backoff.attempted.Load() }

// Available reports whether the endpoint currently has a live connection
// accepting requests.
func (e *Endpoint) Available() bool {
	s := e.stream.Load()
	return s != nil && !s.closed.Load()
}

// Quota exposes the endpoint's cumulative performance-mode time budget,
// used by the distance-aware selector to rotate away from slow replicas.
func (e *Endpoint) Quota() *quota.Meter { return e.quota }

// Send enqueues req on the current connection's request channel. It
// returns ErrUnavailable immediately if there is no live connection,
// rather than blocking — callers are expected to fail over to the next
// replica via the selector.
func (e *Endpoint) Send(req *Request) error {
	s := e.stream.Load()
	if s == nil || s.closed.Load() {
		return ErrUnavailable
	}
	select {
	case s.requests <- req:
		return nil
	default:
		return ErrUnavailable
	}
}

// Close tears down the endpoint: stops reconnect attempts and closes any
// live connection. Pending requests are failed with ErrPending.
func (e *Endpoint) Close() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	e.backoff.stop()
	if s := e.stream.Load(); s != nil {
		s.close()
	}
}

func (e *Endpoint) swap(s *Stream) {
	old := e.stream.Swap(s)
	if old != nil {
		old.close()
	}
}

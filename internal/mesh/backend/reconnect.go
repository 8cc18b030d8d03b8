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
	"net"
	"sync/atomic"
	"time"
)

const maxBackoff = 31 * time.Second

// reconnector owns one endpoint's connect-and-reconnect loop: exponential
// backoff in seconds (1, 2, 4, ..., capped at 31), reset on a successful
// connection.
type reconnector struct {
	endpoint  *Endpoint
	stopCh    chan struct{}
	attempted atomic.Bool
}

func newReconnector(e *Endpoint) *reconnector {
	return &reconnector{endpoint: e, stopCh: make(chan struct{})}
}

func (r *reconnector) run() {
	delay := time.Second
	for {
		select {
		case <-r.stopCh:
			return
		default:
		}

		conn, err := net.DialTimeout("tcp", r.endpoint.addr, r.endpoint.dialTimeout)
		r.attempted.Store(true)
		if err != nil {
			if !r.sleep(delay) {
				return
			}
			delay = nextBackoff(delay)
			continue
		}

		delay = time.Second
		stream := newStream(r.endpoint, conn)
		r.endpoint.swap(stream)
		stream.run() // blocks until the connection dies

		if r.endpoint.closed.Load() {
			return
		}
		// Connection died; loop around to reconnect with fresh backoff.
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

func (r *reconnector) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-r.stopCh:
		return false
	}
}

func (r *reconnector) stop() {
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
}

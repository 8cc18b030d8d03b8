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

package arena

import (
	"sync/atomic"
	"time"

	"meshagent/internal/mesh/protocol"
)

// State is CallbackContext's completion state machine.
type State uint32

const (
	StatePending State = iota
	StateComplete
	StateFailed
)

// CallbackContext is the per-subrequest in-flight record a connection's
// Arena hands out: a pointer back to the request, a slot for the eventual
// response, a completion signal, a start timestamp, a retry counter, and
// the write-back/async flags the pipeline checks when walking its pending
// FIFO. Exactly one response completes a context; it is returned to the
// arena's freelist only once the response has been written to the client
// and any asynchronous write-back has finished.
type CallbackContext struct {
	Request *protocol.HashedCommand

	Response *protocol.Command
	Err      error

	Start time.Time
	Tries uint32

	WriteBack bool
	async     atomic.Bool

	state State
	done  chan struct{}
}

// reset clears a context for reuse; Arena.Release calls it, never the
// holder directly.
func (c *CallbackContext) reset() {
	c.Request = nil
	c.Response = nil
	c.Err = nil
	c.Start = time.Time{}
	c.Tries = 0
	c.WriteBack = false
	c.async.Store(false)
	c.state = StatePending
	c.done = make(chan struct{})
}

// Begin arms a freshly allocated context for req, stamping its start time.
func (c *CallbackContext) Begin(req *protocol.HashedCommand) {
	c.Request = req
	c.Start = time.Now()
	c.state = StatePending
}

// MarkAsync flags a context whose completion will be observed later (the
// pipeline parked it on the async-pending list for a write-back).
func (c *CallbackContext) MarkAsync() { c.async.Store(true) }

// IsAsync reports whether MarkAsync was called.
func (c *CallbackContext) IsAsync() bool { return c.async.Load() }

// Complete stores rsp into the context (Fail stores an error) and wakes whatever is
// selecting on Done. Exactly one of Complete/Fail may be called per
// context lifetime; calling it twice panics by closing an already-closed
// channel, which is the correct failure mode for a protocol violation.
func (c *CallbackContext) Complete(rsp *protocol.Command) {
	c.Response = rsp
	c.state = StateComplete
	close(c.done)
}

// Fail completes the context with an error instead of a response, used by
// the backend's pending-FIFO drain on connection loss or timeout.
func (c *CallbackContext) Fail(err error) {
	c.Err = err
	c.state = StateFailed
	close(c.done)
}

// Done returns the channel that closes when Complete or Fail runs.
func (c *CallbackContext) Done() <-chan struct{} { return c.done }

// Status returns the context's current completion state.
func (c *CallbackContext) Status() State { return c.state }

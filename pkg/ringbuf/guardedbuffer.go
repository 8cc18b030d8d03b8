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

package ringbuf

import (
	"errors"
	"io"
)

// ErrSlowClient is returned by Reserve when growth would exceed MaxCap;
// the caller should treat the connection as misbehaving and close it.
var ErrSlowClient = errors.New("ringbuf: requested reservation exceeds max capacity")

// ErrInsufficientData is returned by Take when fewer than n bytes are
// currently buffered.
var ErrInsufficientData = errors.New("ringbuf: not enough buffered data")

// guardHandle tracks one outstanding MemGuard against a particular region
// generation, so GuardedBuffer knows how far it may safely advance reuse of
// that region's physical space.
type guardHandle struct {
	gen   uint64
	start int
}

// MemGuard is an owning reference to a byte range inside a GuardedBuffer.
// It must be released (Release) once the caller is done with it — after
// the response has been written to the client and any asynchronous
// write-back has finished, per the CallbackContext lifecycle in the stream
// pipeline.
type MemGuard struct {
	buf    *GuardedBuffer
	slice  RingSlice
	handle *guardHandle
}

// RingSlice exposes the borrowed view. Valid until Release.
func (g MemGuard) RingSlice() RingSlice { return g.slice }

// Release returns the guard to its owning GuardedBuffer, allowing that
// region's physical space to be reclaimed once no older guard remains.
// Safe to call at most once; a nil buf makes Release a no-op (zero value).
func (g MemGuard) Release() {
	if g.buf == nil {
		return
	}
	g.buf.release(g.handle)
}

// GuardedBuffer owns a growable ring region plus the ordered set of
// outstanding take guards. One instance exists per connection direction.
type GuardedBuffer struct {
	minCap, maxCap int
	cur            *region
	gen            uint64 // bumped every time cur is replaced by growth/shrink

	readOffset  int // absolute; next unconsumed byte
	writeOffset int // absolute; next free byte

	guards []*guardHandle // outstanding guards against the current generation only

	lowOccupancyTicks int // consecutive gc() calls observed at low occupancy, for shrink policy
}

// NewGuardedBuffer creates a buffer whose capacity starts at minCap and may
// grow (doubling) up to maxCap. Both are rounded up to a power of two.
func NewGuardedBuffer(minCap, maxCap int) *GuardedBuffer {
	minCap = nextPow2(minCap)
	maxCap = nextPow2(maxCap)
	if maxCap < minCap {
		maxCap = minCap
	}
	return &GuardedBuffer{
		minCap: minCap,
		maxCap: maxCap,
		cur:    newRegion(minCap),
	}
}

func nextPow2(n int) int {
	if n <= 1 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}

// occupied returns the number of logical bytes currently buffered
// (unconsumed), i.e. writeOffset - readOffset.
func (b *GuardedBuffer) occupied() int { return b.writeOffset - b.readOffset }

// oldestLiveStart returns the smallest start among outstanding guards
// against the current generation, or readOffset if there are none — this
// is the floor past which physical space may not yet be reused.
func (b *GuardedBuffer) oldestLiveStart() int {
	floor := b.readOffset
	for _, h := range b.guards {
		if h.gen == b.gen && h.start < floor {
			floor = h.start
		}
	}
	return floor
}

// Reserve ensures at least k more bytes of free physical space exist ahead
// of writeOffset, growing (doubling) the region as needed up to maxCap. It
// returns ErrSlowClient if k cannot be satisfied even at maxCap.
func (b *GuardedBuffer) Reserve(k int) error {
	floor := b.oldestLiveStart()
	for b.cur.cap-(b.writeOffset-floor) < k {
		if b.cur.cap >= b.maxCap {
			return ErrSlowClient
		}
		b.grow()
		floor = b.oldestLiveStart()
	}
	return nil
}

// grow doubles the current region's capacity, copying live bytes (from the
// oldest outstanding guard's start, or readOffset if none, through
// writeOffset) into the new region. Existing RingSlices/MemGuards keep
// referencing the retired region object, which stays valid for as long as
// anything holds it.
func (b *GuardedBuffer) grow() {
	floor := b.oldestLiveStart()
	newCap := b.cur.cap * 2
	if newCap > b.maxCap {
		newCap = b.maxCap
	}
	nr := newRegion(newCap)
	live := RingSlice{r: b.cur, start: floor, end: b.writeOffset}
	for i, c := range live.Bytes() {
		nr.buf[(floor+i)&nr.mask()] = c
	}
	b.cur = nr
	b.gen++
	// Guards against the retired generation remain correct against their
	// own (now-retired) region object; only bump bookkeeping for the new one.
	b.guards = b.guards[:0]
}

// freeSpace returns how many bytes could be written into the current
// region without growing.
func (b *GuardedBuffer) freeSpace() int {
	return b.cur.cap - (b.writeOffset - b.oldestLiveStart())
}

// defaultReadChunk is the preferred reservation size for one Write call;
// Write settles for less when maxCap or live guards leave less room.
const defaultReadChunk = 4096

// Write pulls bytes from r into contiguous free space, growing first if
// necessary (up to a preferred chunk size, capped by MaxCap) to fit a
// useful amount of headroom. It returns the number of bytes appended,
// reading only the physically contiguous segment up to the wrap; a caller
// looping on Write drains the rest on the next call.
func (b *GuardedBuffer) Write(r io.Reader) (int, error) {
	target := defaultReadChunk
	if target > b.maxCap {
		target = b.maxCap
	}
	if err := b.Reserve(target); err != nil && b.freeSpace() == 0 {
		return 0, err
	}
	startPhys := b.writeOffset & b.cur.mask()
	free := b.freeSpace()
	if free <= 0 {
		return 0, ErrSlowClient
	}
	contiguous := b.cur.cap - startPhys
	if contiguous > free {
		contiguous = free
	}
	n, err := r.Read(b.cur.buf[startPhys : startPhys+contiguous])
	b.writeOffset += n
	return n, err
}

// Slice borrows the full readable (unconsumed) region without consuming
// it: [readOffset, writeOffset).
func (b *GuardedBuffer) Slice() RingSlice {
	return RingSlice{r: b.cur, start: b.readOffset, end: b.writeOffset}
}

// Take hands out an owned MemGuard over the next n unconsumed bytes,
// advancing the logical read cursor. The physical space is not reclaimed
// until the guard is released.
func (b *GuardedBuffer) Take(n int) (MemGuard, error) {
	if n < 0 || n > b.occupied() {
		return MemGuard{}, ErrInsufficientData
	}
	h := &guardHandle{gen: b.gen, start: b.readOffset}
	s := RingSlice{r: b.cur, start: b.readOffset, end: b.readOffset + n}
	b.readOffset += n
	b.guards = append(b.guards, h)
	return MemGuard{buf: b, slice: s, handle: h}, nil
}

func (b *GuardedBuffer) release(h *guardHandle) {
	for i, g := range b.guards {
		if g == h {
			b.guards = append(b.guards[:i], b.guards[i+1:]...)
			return
		}
	}
}

// GC reclaims space freed by dropped guards (a no-op beyond bookkeeping,
// since physical reuse is implicit in oldestLiveStart()) and, after
// sustained low occupancy, halves the region's capacity down to minCap.
func (b *GuardedBuffer) GC() {
	if b.cur.cap <= b.minCap {
		b.lowOccupancyTicks = 0
		return
	}
	if b.occupied() <= b.cur.cap/4 && len(b.guards) == 0 {
		b.lowOccupancyTicks++
	} else {
		b.lowOccupancyTicks = 0
	}
	const shrinkAfterTicks = 8
	if b.lowOccupancyTicks >= shrinkAfterTicks {
		b.shrink()
		b.lowOccupancyTicks = 0
	}
}

func (b *GuardedBuffer) shrink() {
	newCap := b.cur.cap / 2
	if newCap < b.minCap {
		newCap = b.minCap
	}
	if newCap == b.cur.cap {
		return
	}
	nr := newRegion(newCap)
	live := b.Slice()
	if live.Len() > newCap {
		// Shouldn't happen under the occupancy gate above, but never shrink
		// below what's actually buffered.
		return
	}
	for i, c := range live.Bytes() {
		nr.buf[(b.readOffset+i)&nr.mask()] = c
	}
	b.cur = nr
	b.gen++
	b.guards = b.guards[:0]
}

// Cap returns the current physical capacity.
func (b *GuardedBuffer) Cap() int { return b.cur.cap }

// Occupied exposes the number of unconsumed bytes, for tests and metrics.
func (b *GuardedBuffer) Occupied() int { return b.occupied() }

// Closable reports whether the buffer can be torn down: no outstanding guards
// and fully drained. Mirrors the pipeline's re-entrant-safe close() hook.
func (b *GuardedBuffer) Closable() bool {
	return len(b.guards) == 0 && b.occupied() == 0
}

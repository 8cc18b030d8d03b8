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

// Package ringbuf provides a zero-copy, append-only ring buffer for
// streaming socket I/O. A RingSlice is a logical, possibly wrapped view
// over a power-of-two-sized region; a GuardedBuffer owns the growable
// backing region and hands out RingSlices (borrowed) and MemGuards (owned,
// surviving a later grow) over it.
//
// A RingSlice never holds a raw pointer into a buffer that can be
// reallocated out from under it. Each RingSlice instead holds a reference
// to an immutable *region snapshot plus absolute start/end counters;
// growth replaces the GuardedBuffer's current region with a new one and
// copies live bytes forward, so any RingSlice created before the grow
// keeps reading from the region it was born in and stays valid for as
// long as the garbage collector keeps that region reachable.
package ringbuf

import "fmt"

// region is the fixed backing array for one generation of a GuardedBuffer.
// cap is always a power of two and never changes once a region exists.
type region struct {
	buf []byte
	cap int
}

func newRegion(capacity int) *region {
	return &region{buf: make([]byte, capacity), cap: capacity}
}

func (r *region) mask() int { return r.cap - 1 }

// RingSlice is a logical view over a region: start and end are absolute,
// monotonically increasing counters; the physical offset within the
// region is start&mask (or end&mask). end-start never exceeds r.cap.
type RingSlice struct {
	r          *region
	start, end int
}

// emptySlice is the zero-length, region-less RingSlice.
var emptySlice = RingSlice{}

// Len returns the number of logical bytes the slice covers.
func (s RingSlice) Len() int { return s.end - s.start }

// IsEmpty reports whether the slice covers zero bytes.
func (s RingSlice) IsEmpty() bool { return s.end == s.start }

func (s RingSlice) physical(abs int) int { return abs & s.r.mask() }

// At returns the byte at logical offset oft (0-based, relative to the
// slice's own start). It panics if oft is out of range, matching slice
// index-out-of-range semantics.
func (s RingSlice) At(oft int) byte {
	if oft < 0 || oft >= s.Len() {
		panic(fmt.Sprintf("ringbuf: index %d out of range [0,%d)", oft, s.Len()))
	}
	return s.r.buf[s.physical(s.start+oft)]
}

// Sub returns the logical sub-slice [from, to) of s. Both bounds are
// relative to s's own start.
func (s RingSlice) Sub(from, to int) RingSlice {
	if from < 0 || to > s.Len() || from > to {
		panic(fmt.Sprintf("ringbuf: invalid sub-range [%d,%d) of length %d", from, to, s.Len()))
	}
	return RingSlice{r: s.r, start: s.start + from, end: s.start + to}
}

// CopyTo copies the slice's bytes into dst, returning the number of bytes
// copied (min(len(dst), s.Len())). It handles the wrap transparently.
func (s RingSlice) CopyTo(dst []byte) int {
	n := s.Len()
	if len(dst) < n {
		n = len(dst)
	}
	if n == 0 {
		return 0
	}
	startPhys := s.physical(s.start)
	endPhys := s.physical(s.start + n)
	if endPhys > startPhys || n == 0 {
		copy(dst[:n], s.r.buf[startPhys:startPhys+n])
		return n
	}
	// Wraps: two segments.
	first := s.r.cap - startPhys
	copy(dst[:first], s.r.buf[startPhys:])
	copy(dst[first:n], s.r.buf[:endPhys])
	return n
}

// Bytes materializes the slice into a freshly allocated []byte. Prefer
// CopyTo when the destination buffer can be reused.
func (s RingSlice) Bytes() []byte {
	out := make([]byte, s.Len())
	s.CopyTo(out)
	return out
}

// segments returns the up-to-two contiguous physical byte ranges backing
// the logical window [from, from+n). Used internally by number readers and
// search primitives to avoid an allocation on the common non-wrapping path.
func (s RingSlice) segments(from, n int) (first, second []byte) {
	abs := s.start + from
	startPhys := s.physical(abs)
	endPhys := s.physical(abs + n)
	if n == 0 {
		return nil, nil
	}
	if startPhys+n <= s.r.cap {
		return s.r.buf[startPhys : startPhys+n], nil
	}
	firstLen := s.r.cap - startPhys
	return s.r.buf[startPhys:], s.r.buf[:endPhys][:n-firstLen]
}

func (s RingSlice) byteAt(from int) byte {
	first, second := s.segments(from, 1)
	if len(first) == 1 {
		return first[0]
	}
	return second[0]
}

// readUint assembles an unsigned integer of the given width (in bytes)
// starting at logical offset oft, most (bigEndian) or least significant
// byte first.
func (s RingSlice) readUint(oft, width int, bigEndian bool) uint64 {
	if oft < 0 || oft+width > s.Len() {
		panic(fmt.Sprintf("ringbuf: number read [%d,%d) out of range (len=%d)", oft, oft+width, s.Len()))
	}
	var buf [8]byte
	first, second := s.segments(oft, width)
	if second == nil {
		copy(buf[:width], first)
	} else {
		n := copy(buf[:width], first)
		copy(buf[n:width], second)
	}
	var v uint64
	if bigEndian {
		for i := 0; i < width; i++ {
			v = v<<8 | uint64(buf[i])
		}
	} else {
		for i := width - 1; i >= 0; i-- {
			v = v<<8 | uint64(buf[i])
		}
	}
	return v
}

func (s RingSlice) U8(oft int) uint8 { return uint8(s.readUint(oft, 1, true)) }

func (s RingSlice) U16Le(oft int) uint16 { return uint16(s.readUint(oft, 2, false)) }
func (s RingSlice) U16Be(oft int) uint16 { return uint16(s.readUint(oft, 2, true)) }
func (s RingSlice) U24Le(oft int) uint32 { return uint32(s.readUint(oft, 3, false)) }
func (s RingSlice) U24Be(oft int) uint32 { return uint32(s.readUint(oft, 3, true)) }
func (s RingSlice) U32Le(oft int) uint32 { return uint32(s.readUint(oft, 4, false)) }
func (s RingSlice) U32Be(oft int) uint32 { return uint32(s.readUint(oft, 4, true)) }
func (s RingSlice) U48Le(oft int) uint64 { return s.readUint(oft, 6, false) }
func (s RingSlice) U48Be(oft int) uint64 { return s.readUint(oft, 6, true) }
func (s RingSlice) U56Le(oft int) uint64 { return s.readUint(oft, 7, false) }
func (s RingSlice) U56Be(oft int) uint64 { return s.readUint(oft, 7, true) }
func (s RingSlice) U64Le(oft int) uint64 { return s.readUint(oft, 8, false) }
func (s RingSlice) U64Be(oft int) uint64 { return s.readUint(oft, 8, true) }

func (s RingSlice) I8(oft int) int8    { return int8(s.U8(oft)) }
func (s RingSlice) I16Le(oft int) int16 { return int16(s.U16Le(oft)) }
func (s RingSlice) I16Be(oft int) int16 { return int16(s.U16Be(oft)) }
func (s RingSlice) I32Le(oft int) int32 { return int32(s.U32Le(oft)) }
func (s RingSlice) I32Be(oft int) int32 { return int32(s.U32Be(oft)) }
func (s RingSlice) I64Le(oft int) int64 { return int64(s.U64Le(oft)) }
func (s RingSlice) I64Be(oft int) int64 { return int64(s.U64Be(oft)) }

// Find returns the logical offset (relative to s's start) of the first
// occurrence of b at or after from, or -1 if not found.
func (s RingSlice) Find(from int, b byte) int {
	for i := from; i < s.Len(); i++ {
		if s.byteAt(i) == b {
			return i
		}
	}
	return -1
}

// FindSub returns the logical offset of the first occurrence of needle at
// or after from, or -1 if not found. Byte-by-byte; correct across the wrap
// boundary but not SIMD-accelerated (spec: not required to be).
func (s RingSlice) FindSub(from int, needle []byte) int {
	if len(needle) == 0 {
		return from
	}
	limit := s.Len() - len(needle)
	for i := from; i <= limit; i++ {
		match := true
		for j := 0; j < len(needle); j++ {
			if s.byteAt(i+j) != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

// FindLFCR returns the logical offset of '\r' in the first "\r\n" sequence
// at or after from, or -1 if no complete CRLF is present yet.
func (s RingSlice) FindLFCR(from int) int {
	limit := s.Len() - 1
	for i := from; i <= limit; i++ {
		if s.byteAt(i) == '\r' && s.byteAt(i+1) == '\n' {
			return i
		}
	}
	return -1
}

// String renders the slice as a string, primarily for error messages and
// tests; not intended for hot-path use.
func (s RingSlice) String() string { return string(s.Bytes()) }

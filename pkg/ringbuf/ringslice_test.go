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
	"bytes"
	"encoding/binary"
	"testing"
)

// buildSlice constructs a RingSlice over a region of the given capacity
// (must be a power of two) with data written starting at physical offset
// start, wrapping as needed.
func buildSlice(t *testing.T, capacity, start int, data []byte) RingSlice {
	t.Helper()
	r := newRegion(capacity)
	for i, c := range data {
		r.buf[(start+i)&r.mask()] = c
	}
	return RingSlice{r: r, start: start, end: start + len(data)}
}

func TestRingSliceRoundTrip(t *testing.T) {
	cases := []struct {
		name     string
		capacity int
		start    int
		data     []byte
	}{
		{"no-wrap", 16, 0, []byte("hello")},
		{"wrap-mid", 16, 12, []byte("hello world!")},
		{"wrap-exact-end", 8, 6, []byte("ab")},
		{"large-start", 32, 1_000_000, []byte("the quick brown fox")},
		{"empty", 16, 5, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := buildSlice(t, tc.capacity, tc.start, tc.data)
			if got := s.Len(); got != len(tc.data) {
				t.Fatalf("Len() = %d, want %d", got, len(tc.data))
			}
			got := s.Bytes()
			if !bytes.Equal(got, tc.data) {
				t.Fatalf("Bytes() = %q, want %q", got, tc.data)
			}
		})
	}
}

func TestRingSliceNumberReads(t *testing.T) {
	widths := []int{1, 2, 3, 4, 6, 7, 8}
	for _, w := range widths {
		for _, start := range []int{0, 3, 13, 1000} {
			capacity := 16
			buf := make([]byte, w)
			for i := range buf {
				buf[i] = byte(0x10 + i)
			}
			s := buildSlice(t, capacity, start, buf)

			var wantLE, wantBE uint64
			padded := make([]byte, 8)
			copy(padded, buf)
			wantLE = binary.LittleEndian.Uint64(padded)
			for i := 0; i < w; i++ {
				wantBE = wantBE<<8 | uint64(buf[i])
			}

			var gotLE, gotBE uint64
			switch w {
			case 1:
				gotLE, gotBE = uint64(s.U8(0)), uint64(s.U8(0))
			case 2:
				gotLE, gotBE = uint64(s.U16Le(0)), uint64(s.U16Be(0))
			case 3:
				gotLE, gotBE = uint64(s.U24Le(0)), uint64(s.U24Be(0))
			case 4:
				gotLE, gotBE = uint64(s.U32Le(0)), uint64(s.U32Be(0))
			case 6:
				gotLE, gotBE = s.U48Le(0), s.U48Be(0)
			case 7:
				gotLE, gotBE = s.U56Le(0), s.U56Be(0)
			case 8:
				gotLE, gotBE = s.U64Le(0), s.U64Be(0)
			}
			if gotLE != wantLE {
				t.Errorf("width=%d start=%d LE got=%x want=%x", w, start, gotLE, wantLE)
			}
			if gotBE != wantBE {
				t.Errorf("width=%d start=%d BE got=%x want=%x", w, start, gotBE, wantBE)
			}
		}
	}
}

func TestRingSliceFindAcrossWrap(t *testing.T) {
	s := buildSlice(t, 8, 6, []byte("ab\r\ncd"))
	if i := s.FindLFCR(0); i != 2 {
		t.Fatalf("FindLFCR() = %d, want 2", i)
	}
	if i := s.Find(0, 'd'); i != 5 {
		t.Fatalf("Find('d') = %d, want 5", i)
	}
	if i := s.FindSub(0, []byte("\r\ncd")); i != 2 {
		t.Fatalf("FindSub() = %d, want 2", i)
	}
	if i := s.FindSub(0, []byte("zz")); i != -1 {
		t.Fatalf("FindSub(missing) = %d, want -1", i)
	}
}

func TestRingSliceSub(t *testing.T) {
	s := buildSlice(t, 16, 10, []byte("0123456789"))
	sub := s.Sub(2, 5)
	if got := string(sub.Bytes()); got != "234" {
		t.Fatalf("Sub(2,5) = %q, want %q", got, "234")
	}
}

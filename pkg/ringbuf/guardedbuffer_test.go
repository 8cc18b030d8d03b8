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
	"strings"
	"testing"
)

func TestGuardedBufferWriteTakeRoundTrip(t *testing.T) {
	b := NewGuardedBuffer(8, 1024)
	payload := "SET fooset 42\r\n"
	n, err := b.Write(strings.NewReader(payload))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("Write n=%d want %d", n, len(payload))
	}
	g, err := b.Take(n)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	defer g.Release()
	if got := g.RingSlice().String(); got != payload {
		t.Fatalf("Take round-trip = %q want %q", got, payload)
	}
}

func TestGuardedBufferGrowsAndPreservesOutstandingGuard(t *testing.T) {
	b := NewGuardedBuffer(8, 1<<20)
	// Take a guard over an initial chunk, then force growth by writing past
	// the original capacity, and verify the old guard still reads correctly.
	if _, err := b.Write(strings.NewReader("abcdefg.")); err != nil {
		t.Fatal(err)
	}
	g, err := b.Take(4)
	if err != nil {
		t.Fatal(err)
	}
	before := g.RingSlice().Bytes()

	big := bytes.Repeat([]byte("x"), 1<<16)
	if _, err := b.Write(bytes.NewReader(big)); err != nil {
		t.Fatalf("Write (grow): %v", err)
	}
	if b.Cap() <= 8 {
		t.Fatalf("expected growth, cap=%d", b.Cap())
	}
	after := g.RingSlice().Bytes()
	if !bytes.Equal(before, after) {
		t.Fatalf("guard contents changed across grow: before=%q after=%q", before, after)
	}
	g.Release()
}

func TestGuardedBufferReserveFailsPastMaxCap(t *testing.T) {
	b := NewGuardedBuffer(8, 16)
	if err := b.Reserve(1024); err == nil {
		t.Fatal("expected ErrSlowClient when reservation exceeds max cap")
	}
}

func TestGuardedBufferClosable(t *testing.T) {
	b := NewGuardedBuffer(8, 64)
	if !b.Closable() {
		t.Fatal("fresh buffer should be closable")
	}
	n, _ := b.Write(strings.NewReader("hi"))
	g, _ := b.Take(n)
	if b.Closable() {
		t.Fatal("buffer with outstanding guard should not be closable")
	}
	g.Release()
	if !b.Closable() {
		t.Fatal("buffer should be closable after guard release and full consume")
	}
}

func TestGuardedBufferShrinksAfterSustainedLowOccupancy(t *testing.T) {
	b := NewGuardedBuffer(8, 4096)
	big := bytes.Repeat([]byte("y"), 2048)
	if _, err := b.Write(bytes.NewReader(big)); err != nil {
		t.Fatal(err)
	}
	grown := b.Cap()
	if grown <= 8 {
		t.Fatalf("expected growth, cap=%d", grown)
	}
	g, err := b.Take(2048)
	if err != nil {
		t.Fatal(err)
	}
	g.Release()
	for i := 0; i < 16; i++ {
		b.GC()
	}
	if b.Cap() >= grown {
		t.Fatalf("expected shrink after sustained idle, cap=%d (was %d)", b.Cap(), grown)
	}
	if b.Cap() < 8 {
		t.Fatalf("shrink went below min cap: %d", b.Cap())
	}
}

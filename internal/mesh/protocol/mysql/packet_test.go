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

package mysql

import (
	"strings"
	"testing"

	"meshagent/internal/mesh/protocol"
	"meshagent/pkg/ringbuf"
)

func encodePacket(seq byte, payload []byte) []byte {
	n := len(payload)
	out := []byte{byte(n), byte(n >> 8), byte(n >> 16), seq}
	return append(out, payload...)
}

func TestCursorNextSimplePacket(t *testing.T) {
	frame := encodePacket(0, []byte("SELECT 1"))
	buf := ringbuf.NewGuardedBuffer(64, 4096)
	buf.Write(strings.NewReader(string(frame)))

	c := NewCursor(buf.Slice())
	pkt, err := c.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if string(pkt.Payload.Bytes()) != "SELECT 1" {
		t.Fatalf("Payload = %q, want %q", pkt.Payload.Bytes(), "SELECT 1")
	}
	if c.Consumed() != len(frame) {
		t.Fatalf("Consumed = %d, want %d", c.Consumed(), len(frame))
	}
}

func TestCursorRejectsZeroLengthPayload(t *testing.T) {
	frame := encodePacket(0, nil)
	buf := ringbuf.NewGuardedBuffer(64, 4096)
	buf.Write(strings.NewReader(string(frame)))

	c := NewCursor(buf.Slice())
	_, err := c.Next()
	if err != protocol.ErrUnexpectedData {
		t.Fatalf("expected ErrUnexpectedData, got %v", err)
	}
}

func TestCursorIncompleteHeader(t *testing.T) {
	buf := ringbuf.NewGuardedBuffer(64, 4096)
	buf.Write(strings.NewReader("ab"))

	c := NewCursor(buf.Slice())
	_, err := c.Next()
	if _, ok := protocol.AsIncomplete(err); !ok {
		t.Fatalf("expected IncompleteError, got %v", err)
	}
}

func TestCursorDecodesErrPacket(t *testing.T) {
	body := []byte{0xff, 0x20, 0x04, '#', 'H', 'Y', '0', '0', '0'}
	body = append(body, []byte("syntax error")...)
	frame := encodePacket(1, body)

	buf := ringbuf.NewGuardedBuffer(64, 4096)
	buf.Write(strings.NewReader(string(frame)))

	c := NewCursor(buf.Slice())
	_, err := c.Next()
	me, ok := protocol.AsMySQLError(err)
	if !ok {
		t.Fatalf("expected MySQLError, got %v", err)
	}
	if me.Code != 0x0420 {
		t.Fatalf("Code = %x, want 0x0420", me.Code)
	}
	if me.Message != "syntax error" {
		t.Fatalf("Message = %q, want %q", me.Message, "syntax error")
	}
}

func TestDecodeOKPacketWithProtocol41(t *testing.T) {
	body := []byte{0x00, 0x01, 0x00, 0x02, 0x00, 0x00, 0x00}
	buf := ringbuf.NewGuardedBuffer(64, 4096)
	buf.Write(strings.NewReader(string(body)))

	ok, err := DecodeOKPacket(buf.Slice(), ConnState{CapabilityFlags: capabilityProtocol41})
	if err != nil {
		t.Fatalf("DecodeOKPacket: %v", err)
	}
	if ok.AffectedRows != 1 {
		t.Fatalf("AffectedRows = %d, want 1", ok.AffectedRows)
	}
	if ok.StatusFlags != 2 {
		t.Fatalf("StatusFlags = %d, want 2", ok.StatusFlags)
	}
}

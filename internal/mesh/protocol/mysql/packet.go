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

// Package mysql implements the MySQL client/server wire packet layer:
// [len:3 LE][seq:1][payload]. The kv listener's Parser (parser.go) is
// built on it.
package mysql

import (
	"meshagent/internal/mesh/protocol"
	"meshagent/pkg/ringbuf"
)

const packetHeaderLen = 4

// Packet is one decoded MySQL wire packet.
type Packet struct {
	Seq     byte
	Payload ringbuf.RingSlice
}

// errPacketHeaderByte marks the first payload byte of an ERR packet.
const errPacketHeaderByte = 0xff
const okPacketHeaderByte = 0x00

// ConnState carries the capability and status flags negotiated during the
// initial handshake, threaded into later OK-packet deserialization since
// OK packets omit them.
type ConnState struct {
	CapabilityFlags uint32
	StatusFlags     uint16
}

// Cursor walks packets over a ring slice, mirroring next_packet(&mut oft).
type Cursor struct {
	s   ringbuf.RingSlice
	oft int
}

// NewCursor wraps s for sequential packet reads starting at offset 0.
func NewCursor(s ringbuf.RingSlice) *Cursor { return &Cursor{s: s} }

// Next returns the next packet, or an *protocol.IncompleteError if the
// header or full payload is not yet buffered.
func (c *Cursor) Next() (Packet, error) {
	if c.oft+packetHeaderLen > c.s.Len() {
		return Packet{}, protocol.Incomplete(c.oft + packetHeaderLen - c.s.Len())
	}
	length := int(c.s.U24Le(c.oft))
	seq := c.s.U8(c.oft + 3)
	if length == 0 {
		return Packet{}, protocol.ErrUnexpectedData
	}
	total := packetHeaderLen + length
	if c.oft+total > c.s.Len() {
		return Packet{}, protocol.Incomplete(c.oft + total - c.s.Len())
	}
	payload := c.s.Sub(c.oft+packetHeaderLen, c.oft+total)
	c.oft += total
	if payload.Len() > 0 && payload.At(0) == errPacketHeaderByte {
		return Packet{}, decodeErrPacket(payload)
	}
	return Packet{Seq: seq, Payload: payload}, nil
}

// Consumed returns how many bytes have been read by completed Next calls.
func (c *Cursor) Consumed() int { return c.oft }

// decodeErrPacket parses the body of an ERR packet: 0xFF, error code (2
// bytes LE), optional '#'+5-byte SQL state, then a human-readable message
// running to the end of the payload.
func decodeErrPacket(p ringbuf.RingSlice) error {
	if p.Len() < 3 {
		return protocol.ErrUnexpectedData
	}
	code := p.U16Le(1)
	msgStart := 3
	if p.Len() > msgStart && p.At(msgStart) == '#' {
		msgStart += 6
	}
	if msgStart > p.Len() {
		msgStart = p.Len()
	}
	msg := string(p.Sub(msgStart, p.Len()).Bytes())
	return protocol.NewMySQLError(code, msg)
}

// OKPacket is the decoded body of a 0x00-prefixed OK packet: affected
// rows, last insert id, and (when CLIENT_PROTOCOL_41 is set in the
// connection's capability flags) status flags and warning count.
type OKPacket struct {
	AffectedRows uint64
	LastInsertID uint64
	StatusFlags  uint16
	Warnings     uint16
}

const capabilityProtocol41 = 1 << 9

// DecodeOKPacket decodes p as an OK packet using state's capability flags
// to determine whether the trailing status/warning fields are present.
func DecodeOKPacket(p ringbuf.RingSlice, state ConnState) (OKPacket, error) {
	if p.IsEmpty() || p.At(0) != okPacketHeaderByte {
		return OKPacket{}, protocol.ErrUnexpectedData
	}
	oft := 1
	rows, n := readLenEnc(p, oft)
	oft += n
	insertID, n := readLenEnc(p, oft)
	oft += n
	out := OKPacket{AffectedRows: rows, LastInsertID: insertID}
	if state.CapabilityFlags&capabilityProtocol41 != 0 {
		if oft+4 > p.Len() {
			return OKPacket{}, protocol.ErrUnexpectedData
		}
		out.StatusFlags = p.U16Le(oft)
		out.Warnings = p.U16Le(oft + 2)
	}
	return out, nil
}

// readLenEnc decodes a MySQL length-encoded integer at oft, returning the
// value and the number of bytes it occupied.
func readLenEnc(p ringbuf.RingSlice, oft int) (uint64, int) {
	if oft >= p.Len() {
		return 0, 0
	}
	first := p.U8(oft)
	switch {
	case first < 0xfb:
		return uint64(first), 1
	case first == 0xfc:
		return uint64(p.U16Le(oft + 1)), 3
	case first == 0xfd:
		return uint64(p.U24Le(oft + 1)), 4
	case first == 0xfe:
		return p.U64Le(oft + 1), 9
	default:
		return 0, 1
	}
}

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

package memcache

import (
	"meshagent/internal/mesh/protocol"
	"meshagent/pkg/ringbuf"
)

const (
	magicRequest  = 0x80
	magicResponse = 0x81
	headerLen     = 24
)

// BinaryParser implements protocol.Parser for the Memcached binary
// protocol: a 24-byte header (magic, opcode, key length, extras length,
// data type, status/vbucket, total body length, opaque, cas) followed by
// extras, key, and value.
type BinaryParser struct{}

var _ protocol.Parser = BinaryParser{}

// header mirrors the on-wire 24-byte layout; decodeHeader reads every
// field from the RingSlice into it at once.
type header struct {
	magic      byte
	opcode     byte
	keyLen     uint16
	extrasLen  byte
	totalBody  uint32
	opaque     uint32
	cas        uint64
	statusCode uint16 // response only; aliases vbucket in a request
}

func decodeHeader(s ringbuf.RingSlice, expectMagic byte) (header, error) {
	if s.Len() < headerLen {
		return header{}, protocol.Incomplete(headerLen - s.Len())
	}
	magic := s.U8(0)
	if magic != expectMagic {
		return header{}, protocol.ErrUnexpectedData
	}
	h := header{
		magic:      magic,
		opcode:     s.U8(1),
		keyLen:     s.U16Be(2),
		extrasLen:  s.U8(4),
		statusCode: s.U16Be(6),
		totalBody:  s.U32Be(8),
		opaque:     s.U32Be(12),
		cas:        s.U64Be(16),
	}
	return h, nil
}

// ParseRequest decodes every complete binary frame buffered, one command
// per frame (there is no multi-key fan-out as with text get/gets).
func (BinaryParser) ParseRequest(buf *ringbuf.GuardedBuffer, _ *protocol.StreamContext, hasher protocol.Hasher, proc protocol.Processor) error {
	for {
		s := buf.Slice()
		if s.IsEmpty() {
			return nil
		}
		h, err := decodeHeader(s, magicRequest)
		if err != nil {
			return err
		}
		total := headerLen + int(h.totalBody)
		if s.Len() < total {
			return protocol.Incomplete(total - s.Len())
		}
		if int(h.keyLen) > int(h.totalBody) {
			return protocol.ErrUnexpectedData
		}
		keyStart := headerLen + int(h.extrasLen)
		key := s.Sub(keyStart, keyStart+int(h.keyLen)).Bytes()

		g, err := buf.Take(total)
		if err != nil {
			return err
		}
		cmd := protocol.HashedCommand{
			Command: protocol.Command{
				Guard:     g,
				OpCode:    int(h.opcode),
				Operation: operationForOpcode(h.opcode),
				First:     true,
				Last:      true,
				KeyCount:  1,
			},
			Hash: hasher.Hash(key),
		}
		if err := proc.Process(cmd, true); err != nil {
			return err
		}
	}
}

// ParseResponse decodes one binary response frame.
func (BinaryParser) ParseResponse(buf *ringbuf.GuardedBuffer, _ *protocol.StreamContext) (*protocol.Command, bool, error) {
	s := buf.Slice()
	if s.IsEmpty() {
		return nil, false, nil
	}
	h, err := decodeHeader(s, magicResponse)
	if err != nil {
		if _, ok := protocol.AsIncomplete(err); ok {
			return nil, false, nil
		}
		return nil, false, err
	}
	total := headerLen + int(h.totalBody)
	if s.Len() < total {
		return nil, false, nil
	}
	g, err := buf.Take(total)
	if err != nil {
		return nil, false, err
	}
	flags := protocol.CommandFlags(0)
	if h.statusCode == 0 {
		flags |= protocol.FlagStatusOK
	}
	return &protocol.Command{
		Guard: g, OpCode: int(h.opcode), Operation: operationForOpcode(h.opcode), Flags: flags,
	}, true, nil
}

// WriteResponse streams the response frame's bytes to the client as-is;
// the binary protocol carries its own framing so no extra prefix is
// needed regardless of multi-key position.
func (BinaryParser) WriteResponse(w protocol.ResponseWriter, rsp *protocol.Command, _, _ bool, _ int) error {
	_, err := w.Write(rsp.Guard.RingSlice().Bytes())
	return err
}

func (BinaryParser) MaxTries(op protocol.Operation) int {
	if op == protocol.OpRead {
		return 2
	}
	return 1
}

// LocalResponse is never called: the binary protocol never sets
// FlagNoForward.
func (BinaryParser) LocalResponse(*ringbuf.GuardedBuffer, protocol.HashedCommand) (*protocol.Command, error) {
	return nil, protocol.ErrNotSupported
}

// Binary opcodes, per the public Memcached binary protocol spec.
const (
	opcodeGet     = 0x00
	opcodeSet     = 0x01
	opcodeAdd     = 0x02
	opcodeReplace = 0x03
	opcodeDelete  = 0x04
	opcodeIncr    = 0x05
	opcodeDecr    = 0x06
	opcodeQuit    = 0x07
	opcodeAppend  = 0x0e
	opcodePrepend = 0x0f
	opcodeStat    = 0x10
	opcodeGetQ    = 0x09
)

func operationForOpcode(op byte) protocol.Operation {
	switch op {
	case opcodeGet, opcodeGetQ:
		return protocol.OpRead
	case opcodeSet, opcodeAdd, opcodeReplace, opcodeAppend, opcodePrepend, opcodeDelete, opcodeIncr, opcodeDecr:
		return protocol.OpStore
	case opcodeStat, opcodeQuit:
		return protocol.OpMeta
	default:
		return protocol.OpOther
	}
}

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
	"meshagent/internal/mesh/protocol"
	"meshagent/pkg/ringbuf"
)

// Parser implements protocol.Parser for the "kv" listener: the MySQL wire
// protocol spoken directly (no Redis framing), one packet per command.
// Sharding hashes the raw packet payload; a row key embedded in the query
// text is not extracted. The kv listener is used where clients speak
// MySQL natively against a single logical row-store shard key.
type Parser struct {
	State ConnState
}

var _ protocol.Parser = (*Parser)(nil)

func (p *Parser) ParseRequest(buf *ringbuf.GuardedBuffer, _ *protocol.StreamContext, hasher protocol.Hasher, proc protocol.Processor) error {
	for {
		s := buf.Slice()
		if s.IsEmpty() {
			return nil
		}
		c := NewCursor(s)
		pkt, err := c.Next()
		if err != nil {
			return err
		}
		g, err := buf.Take(c.Consumed())
		if err != nil {
			return err
		}
		cmd := protocol.HashedCommand{
			Command: protocol.Command{
				Guard: g, OpCode: int(pkt.Seq), Operation: protocol.OpOther,
				First: true, Last: true, KeyCount: 1,
			},
			Hash: hasher.Hash(pkt.Payload.Bytes()),
		}
		if err := proc.Process(cmd, true); err != nil {
			return err
		}
	}
}

func (p *Parser) ParseResponse(buf *ringbuf.GuardedBuffer, _ *protocol.StreamContext) (*protocol.Command, bool, error) {
	s := buf.Slice()
	if s.IsEmpty() {
		return nil, false, nil
	}
	c := NewCursor(s)
	pkt, err := c.Next()
	if err != nil {
		if _, ok := protocol.AsIncomplete(err); ok {
			return nil, false, nil
		}
		if _, ok := protocol.AsMySQLError(err); ok {
			g, terr := buf.Take(c.Consumed())
			if terr != nil {
				return nil, false, terr
			}
			return &protocol.Command{Guard: g}, true, err
		}
		return nil, false, err
	}
	g, err := buf.Take(c.Consumed())
	if err != nil {
		return nil, false, err
	}
	flags := protocol.CommandFlags(0)
	if pkt.Payload.Len() > 0 && pkt.Payload.At(0) == okPacketHeaderByte {
		flags |= protocol.FlagStatusOK
	}
	return &protocol.Command{Guard: g, OpCode: int(pkt.Seq), Flags: flags}, true, nil
}

func (p *Parser) WriteResponse(w protocol.ResponseWriter, rsp *protocol.Command, _, _ bool, _ int) error {
	if rsp == nil {
		return nil
	}
	_, err := w.Write(rsp.Guard.RingSlice().Bytes())
	return err
}

func (p *Parser) MaxTries(protocol.Operation) int { return 1 }

// LocalResponse is never called: MySQL packets never set FlagNoForward.
func (p *Parser) LocalResponse(*ringbuf.GuardedBuffer, protocol.HashedCommand) (*protocol.Command, error) {
	return nil, protocol.ErrNotSupported
}

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

// Package mcqtext implements the mcq-text dialect: a whitelisted subset of
// the Memcached ASCII protocol fronting a message queue service, with a
// distinct retry policy (stores retry heavily since a queue write must
// land; reads retry once).
package mcqtext

import (
	"bytes"
	"strconv"

	"meshagent/internal/mesh/protocol"
	"meshagent/pkg/ringbuf"
)

const (
	opGet = iota
	opSet
	opStats
	opVersion
	opQuit
)

var whitelist = map[string]int{
	"get": opGet, "set": opSet, "stats": opStats, "version": opVersion, "quit": opQuit,
}

// Parser implements protocol.Parser for mcq-text.
type Parser struct{}

var _ protocol.Parser = Parser{}

func (Parser) ParseRequest(buf *ringbuf.GuardedBuffer, _ *protocol.StreamContext, hasher protocol.Hasher, proc protocol.Processor) error {
	for {
		s := buf.Slice()
		if s.IsEmpty() {
			return nil
		}
		crlf := s.FindLFCR(0)
		if crlf < 0 {
			return protocol.Incomplete(1)
		}
		line := s.Sub(0, crlf).Bytes()
		fields := bytes.Fields(line)
		if len(fields) == 0 {
			return protocol.ErrUnexpectedData
		}
		verb := string(fields[0])
		op, ok := whitelist[verb]
		if !ok {
			return protocol.ErrNotSupported
		}

		switch op {
		case opSet:
			if len(fields) < 5 {
				return protocol.ErrUnexpectedData
			}
			nbytes, err := strconv.Atoi(string(fields[4]))
			if err != nil || nbytes < 0 {
				return protocol.ErrUnexpectedData
			}
			total := crlf + 2 + nbytes + 2
			if s.Len() < total {
				return protocol.Incomplete(total - s.Len())
			}
			g, err := buf.Take(total)
			if err != nil {
				return err
			}
			cmd := protocol.HashedCommand{
				Command: protocol.Command{Guard: g, OpCode: op, Operation: protocol.OpStore, First: true, Last: true, KeyCount: 1},
				Hash:    hasher.Hash(fields[1]),
			}
			if err := proc.Process(cmd, true); err != nil {
				return err
			}

		case opGet:
			if len(fields) < 2 {
				return protocol.ErrUnexpectedData
			}
			total := crlf + 2
			if s.Len() < total {
				return protocol.Incomplete(total - s.Len())
			}
			g, err := buf.Take(total)
			if err != nil {
				return err
			}
			cmd := protocol.HashedCommand{
				Command: protocol.Command{Guard: g, OpCode: op, Operation: protocol.OpRead, First: true, Last: true, KeyCount: 1},
				Hash:    hasher.Hash(fields[1]),
			}
			if err := proc.Process(cmd, true); err != nil {
				return err
			}

		default: // stats, version, quit — answered locally
			total := crlf + 2
			if s.Len() < total {
				return protocol.Incomplete(total - s.Len())
			}
			g, err := buf.Take(total)
			if err != nil {
				return err
			}
			flags := protocol.FlagNoForward
			if op == opQuit {
				flags |= protocol.FlagSentOnly
			}
			cmd := protocol.HashedCommand{
				Command: protocol.Command{Guard: g, OpCode: op, Operation: protocol.OpMeta, Flags: flags, First: true, Last: true, KeyCount: 1},
			}
			if err := proc.Process(cmd, true); err != nil {
				return err
			}
			if op == opQuit {
				return protocol.ErrQuit
			}
		}
	}
}

func (Parser) ParseResponse(buf *ringbuf.GuardedBuffer, _ *protocol.StreamContext) (*protocol.Command, bool, error) {
	s := buf.Slice()
	if s.IsEmpty() {
		return nil, false, nil
	}
	crlf := s.FindLFCR(0)
	if crlf < 0 {
		return nil, false, nil
	}
	total := crlf + 2
	g, err := buf.Take(total)
	if err != nil {
		return nil, false, err
	}
	line := g.RingSlice().Bytes()
	flags := protocol.CommandFlags(0)
	if bytes.Equal(line[:crlf], []byte("STORED")) || bytes.Equal(line[:crlf], []byte("OK")) {
		flags |= protocol.FlagStatusOK
	}
	return &protocol.Command{Guard: g, Flags: flags}, true, nil
}

func (Parser) WriteResponse(w protocol.ResponseWriter, rsp *protocol.Command, _, _ bool, _ int) error {
	if rsp == nil {
		_, err := w.Write([]byte("SERVER_ERROR internal\r\n"))
		return err
	}
	_, err := w.Write(rsp.Guard.RingSlice().Bytes())
	return err
}

// MaxTries gives stores a 10-attempt budget (a queue write must eventually
// land) and reads a single retry.
func (Parser) MaxTries(op protocol.Operation) int {
	if op == protocol.OpStore {
		return 10
	}
	return 1
}

// LocalResponse answers version/stats locally (quit also carries
// FlagSentOnly, so the pipeline never calls LocalResponse for it).
func (Parser) LocalResponse(scratch *ringbuf.GuardedBuffer, cmd protocol.HashedCommand) (*protocol.Command, error) {
	var reply []byte
	switch cmd.OpCode {
	case opVersion:
		reply = []byte("VERSION 1.6.0\r\n")
	case opStats:
		reply = []byte("END\r\n")
	default:
		return nil, protocol.ErrNotSupported
	}
	if _, err := scratch.Write(bytes.NewReader(reply)); err != nil {
		return nil, err
	}
	g, err := scratch.Take(len(reply))
	if err != nil {
		return nil, err
	}
	return &protocol.Command{Guard: g, Flags: protocol.FlagStatusOK}, nil
}

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

// Package memcache implements the line-oriented Memcached text protocol
// and the 24-byte-header binary protocol.
package memcache

import (
	"bytes"
	"strconv"

	"meshagent/internal/mesh/protocol"
	"meshagent/pkg/ringbuf"
)

// TextParser implements protocol.Parser for the Memcached ASCII protocol:
// get, gets, set, add, replace, append, prepend, delete, incr, decr,
// version, quit, stats.
type TextParser struct{}

var _ protocol.Parser = TextParser{}

const (
	opGet = iota
	opGets
	opSet
	opAdd
	opReplace
	opAppend
	opPrepend
	opDelete
	opIncr
	opDecr
	opVersion
	opQuit
	opStats
)

var storageOps = map[string]int{
	"set":     opSet,
	"add":     opAdd,
	"replace": opReplace,
	"append":  opAppend,
	"prepend": opPrepend,
}

// ParseRequest reads as many complete text commands as are buffered,
// emitting one protocol.HashedCommand per command via proc.Process.
func (TextParser) ParseRequest(buf *ringbuf.GuardedBuffer, _ *protocol.StreamContext, hasher protocol.Hasher, proc protocol.Processor) error {
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

		switch verb {
		case "get", "gets":
			if len(fields) < 2 {
				return protocol.ErrUnexpectedData
			}
			total := crlf + 2
			if s.Len() < total {
				return protocol.Incomplete(total - s.Len())
			}
			keys := fields[1:]
			for i, key := range keys {
				first := i == 0
				last := i == len(keys)-1
				g, err := buf.Take(total)
				if err != nil {
					return err
				}
				// Only the first sub-request owns the taken bytes; the
				// rest reference the same completed line for bookkeeping
				// but are logically independent shard targets.
				_ = g
				cmd := protocol.HashedCommand{
					Command: protocol.Command{
						Guard:     g,
						OpCode:    opGet,
						Operation: protocol.OpRead,
						First:     first,
						Last:      last,
						KeyCount:  len(keys),
					},
					Hash: hasher.Hash(key),
				}
				if err := proc.Process(cmd, last); err != nil {
					return err
				}
				total = 0 // subsequent Take calls in this loop take 0 extra bytes
			}
			continue

		case "delete", "incr", "decr":
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
			op := map[string]int{"delete": opDelete, "incr": opIncr, "decr": opDecr}[verb]
			cmd := protocol.HashedCommand{
				Command: protocol.Command{
					Guard:     g,
					OpCode:    op,
					Operation: protocol.OpStore,
					First:     true,
					Last:      true,
					KeyCount:  1,
				},
				Hash: hasher.Hash(fields[1]),
			}
			if err := proc.Process(cmd, true); err != nil {
				return err
			}
			continue

		case "version", "quit", "stats":
			total := crlf + 2
			if s.Len() < total {
				return protocol.Incomplete(total - s.Len())
			}
			g, err := buf.Take(total)
			if err != nil {
				return err
			}
			flags := protocol.FlagNoForward
			if verb == "quit" {
				flags |= protocol.FlagSentOnly
			}
			op := map[string]int{"version": opVersion, "quit": opQuit, "stats": opStats}[verb]
			cmd := protocol.HashedCommand{
				Command: protocol.Command{
					Guard: g, OpCode: op, Operation: protocol.OpOther,
					Flags: flags, First: true, Last: true, KeyCount: 1,
				},
			}
			if err := proc.Process(cmd, true); err != nil {
				return err
			}
			if verb == "quit" {
				return protocol.ErrQuit
			}
			continue

		default:
			if op, ok := storageOps[verb]; ok {
				if err := parseStorage(buf, s, crlf, fields, op, hasher, proc); err != nil {
					return err
				}
				continue
			}
			return protocol.ErrNotSupported
		}
	}
}

// parseStorage handles set/add/replace/append/prepend, which carry a data
// block of declared length terminated by its own CRLF.
func parseStorage(buf *ringbuf.GuardedBuffer, s ringbuf.RingSlice, crlf int, fields [][]byte, op int, hasher protocol.Hasher, proc protocol.Processor) error {
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
	// Validate the data block's trailing CRLF.
	if s.At(crlf+2+nbytes) != '\r' || s.At(crlf+2+nbytes+1) != '\n' {
		return protocol.ErrUnexpectedData
	}
	g, err := buf.Take(total)
	if err != nil {
		return err
	}
	cmd := protocol.HashedCommand{
		Command: protocol.Command{
			Guard: g, OpCode: op, Operation: protocol.OpStore,
			First: true, Last: true, KeyCount: 1,
		},
		Hash: hasher.Hash(fields[1]),
	}
	return proc.Process(cmd, true)
}

// ParseResponse parses one backend text response line. Most text responses
// are single lines ("STORED\r\n", "DELETED\r\n", "NOT_FOUND\r\n", ...); a
// "VALUE ... \r\n<data>\r\nEND\r\n" response block is read in full before
// a Command is produced.
func (TextParser) ParseResponse(buf *ringbuf.GuardedBuffer, _ *protocol.StreamContext) (*protocol.Command, bool, error) {
	s := buf.Slice()
	if s.IsEmpty() {
		return nil, false, nil
	}
	crlf := s.FindLFCR(0)
	if crlf < 0 {
		return nil, false, nil
	}
	line := s.Sub(0, crlf).Bytes()
	if bytes.HasPrefix(line, []byte("VALUE")) {
		fields := bytes.Fields(line)
		if len(fields) < 4 {
			return nil, false, protocol.ErrUnexpectedData
		}
		nbytes, err := strconv.Atoi(string(fields[3]))
		if err != nil || nbytes < 0 {
			return nil, false, protocol.ErrUnexpectedData
		}
		endMarker := []byte("END\r\n")
		blockEnd := crlf + 2 + nbytes + 2
		total := blockEnd + len(endMarker)
		if s.Len() < total {
			return nil, false, nil
		}
		g, err := buf.Take(total)
		if err != nil {
			return nil, false, err
		}
		return &protocol.Command{Guard: g, OpCode: opGet, Operation: protocol.OpRead, Flags: protocol.FlagStatusOK}, true, nil
	}
	total := crlf + 2
	g, err := buf.Take(total)
	if err != nil {
		return nil, false, err
	}
	flags := protocol.CommandFlags(0)
	if bytes.Equal(line, []byte("STORED")) || bytes.Equal(line, []byte("DELETED")) || bytes.Equal(line, []byte("OK")) {
		flags |= protocol.FlagStatusOK
	}
	return &protocol.Command{Guard: g, OpCode: opSet, Operation: protocol.OpStore, Flags: flags}, true, nil
}

// WriteResponse streams rsp's bytes verbatim to the client; the text
// protocol does not multiplex multiple sub-responses into one frame the
// way RESP's "*N\r\n" prefix does.
func (TextParser) WriteResponse(w protocol.ResponseWriter, rsp *protocol.Command, _, _ bool, _ int) error {
	if rsp == nil {
		_, err := w.Write([]byte("SERVER_ERROR internal\r\n"))
		return err
	}
	_, err := w.Write(rsp.Guard.RingSlice().Bytes())
	return err
}

// MaxTries returns the retry budget: reads retry once, stores do not retry
// by default for plain Memcached (mcq overrides this for its queue
// semantics).
func (TextParser) MaxTries(op protocol.Operation) int {
	if op == protocol.OpRead {
		return 2
	}
	return 1
}

// LocalResponse answers version/stats locally (quit never reaches here:
// it also carries FlagSentOnly, so the pipeline completes it without a
// response instead of calling LocalResponse).
func (TextParser) LocalResponse(scratch *ringbuf.GuardedBuffer, cmd protocol.HashedCommand) (*protocol.Command, error) {
	var reply []byte
	switch cmd.OpCode {
	case opVersion:
		reply = []byte("VERSION 1.6.0\r\n")
	case opStats:
		reply = []byte("END\r\n")
	default:
		return nil, protocol.ErrNotSupported
	}
	return textWriteLocal(scratch, reply)
}

func textWriteLocal(scratch *ringbuf.GuardedBuffer, reply []byte) (*protocol.Command, error) {
	if _, err := scratch.Write(bytes.NewReader(reply)); err != nil {
		return nil, err
	}
	g, err := scratch.Take(len(reply))
	if err != nil {
		return nil, err
	}
	return &protocol.Command{Guard: g, Flags: protocol.FlagStatusOK}, nil
}

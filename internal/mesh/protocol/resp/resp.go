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

// Package resp implements the Redis RESP2 wire protocol: simple strings,
// errors, integers, bulk strings, and arrays of bulk strings (the shape a
// client command arrives in).
package resp

import (
	"bytes"
	"strconv"

	"meshagent/internal/mesh/protocol"
	"meshagent/pkg/ringbuf"
)

const (
	typeSimple = '+'
	typeError  = '-'
	typeInt    = ':'
	typeBulk   = '$'
	typeArray  = '*'
)

// controlKind is the control behavior a command carries; controlCommands
// maps an uppercased command name (see hashCmd) to it. Only controlPing
// is acted on: PING is marked FlagNoForward and answered locally. The
// other entries are recognised but change no flag or routing; those
// commands are forwarded to a backend like any other.
type controlKind int

const (
	controlNone controlKind = iota
	controlPing
	controlHashRandomQ
	controlHashKey
	controlMaster
	controlSendToAll
)

var controlCommands = map[string]controlKind{
	"PING":        controlPing,
	"HASHRANDOMQ": controlHashRandomQ,
	"HASHKEY":     controlHashKey,
	"HASHKEYQ":    controlHashKey,
	"MASTER":      controlMaster,
	"SENDTOALL":   controlSendToAll,
	"SENDTOALLQ":  controlSendToAll,
}

// hashCmd returns the command table key: the uppercased command name,
// matching the "hash of the uppercased command name (modulo 512)"
// construction described for the command table, simplified here to a
// direct map keyed by the name itself since Go map lookup is O(1) without
// needing the bucket count spec'd for the original's fixed-size table.
func hashCmd(name []byte) string {
	return string(bytes.ToUpper(name))
}

// Parser implements protocol.Parser for RESP2 requests/responses.
type Parser struct{}

var _ protocol.Parser = Parser{}

// ParseRequest decodes every complete RESP array-of-bulk-strings command
// buffered. A command split mid-frame across reads is re-parsed from its
// start on the next call; ctx is only reset.
func (Parser) ParseRequest(buf *ringbuf.GuardedBuffer, ctx *protocol.StreamContext, hasher protocol.Hasher, proc protocol.Processor) error {
	for {
		s := buf.Slice()
		if s.IsEmpty() {
			return nil
		}
		elems, consumed, err := readArray(s)
		if err != nil {
			return err
		}
		if elems == nil {
			return protocol.Incomplete(1)
		}
		g, err := buf.Take(consumed)
		if err != nil {
			return err
		}
		if ctx != nil {
			ctx.Reset()
		}
		if len(elems) == 0 {
			return protocol.ErrUnexpectedData
		}
		verb := hashCmd(elems[0])
		kind := controlCommands[verb]
		var key []byte
		if len(elems) > 1 {
			key = elems[1]
		}
		flags := protocol.CommandFlags(0)
		if kind == controlPing {
			flags |= protocol.FlagNoForward
		}
		cmd := protocol.HashedCommand{
			Command: protocol.Command{
				Guard:     g,
				OpCode:    len(elems),
				Operation: operationForVerb(verb),
				Flags:     flags,
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

// readArray parses one RESP array of bulk strings starting at the front of
// s. It returns (nil, 0, nil) when the frame is not yet fully buffered,
// the decoded bulk payloads plus total bytes consumed on success, or an
// error on malformed input.
func readArray(s ringbuf.RingSlice) (elems [][]byte, consumed int, err error) {
	if s.At(0) != typeArray {
		return nil, 0, protocol.ErrUnexpectedData
	}
	crlf := s.FindLFCR(1)
	if crlf < 0 {
		return nil, 0, nil
	}
	n, perr := strconv.Atoi(string(s.Sub(1, crlf).Bytes()))
	if perr != nil || n < 0 {
		return nil, 0, protocol.ErrUnexpectedData
	}
	oft := crlf + 2
	out := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		if oft >= s.Len() || s.At(oft) != typeBulk {
			if oft >= s.Len() {
				return nil, 0, nil
			}
			return nil, 0, protocol.ErrUnexpectedData
		}
		bcrlf := s.FindLFCR(oft + 1)
		if bcrlf < 0 {
			return nil, 0, nil
		}
		blen, perr := strconv.Atoi(string(s.Sub(oft+1, bcrlf).Bytes()))
		if perr != nil || blen < 0 {
			return nil, 0, protocol.ErrUnexpectedData
		}
		dataStart := bcrlf + 2
		dataEnd := dataStart + blen
		if dataEnd+2 > s.Len() {
			return nil, 0, nil
		}
		out = append(out, s.Sub(dataStart, dataEnd).Bytes())
		oft = dataEnd + 2
	}
	return out, oft, nil
}

// ParseResponse decodes one backend RESP reply. A multi-bulk reply split
// across reads is re-scanned from its start, nested arrays included, on
// the next call; ctx is only reset.
func (Parser) ParseResponse(buf *ringbuf.GuardedBuffer, ctx *protocol.StreamContext) (*protocol.Command, bool, error) {
	s := buf.Slice()
	if s.IsEmpty() {
		return nil, false, nil
	}
	n, ok, err := replyLen(s)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	g, err := buf.Take(n)
	if err != nil {
		return nil, false, err
	}
	if ctx != nil {
		ctx.Reset()
	}
	statusOK := true
	if s.Len() > 0 && s.At(0) == typeError {
		statusOK = false
	}
	flags := protocol.CommandFlags(0)
	if statusOK {
		flags |= protocol.FlagStatusOK
	}
	return &protocol.Command{Guard: g, Flags: flags}, true, nil
}

// replyLen reports the full byte length of one RESP reply (any of the five
// types, recursively for arrays) starting at s[0], or ok=false if the
// frame is not yet fully buffered.
func replyLen(s ringbuf.RingSlice) (n int, ok bool, err error) {
	if s.IsEmpty() {
		return 0, false, nil
	}
	switch s.At(0) {
	case typeSimple, typeError, typeInt:
		crlf := s.FindLFCR(1)
		if crlf < 0 {
			return 0, false, nil
		}
		return crlf + 2, true, nil
	case typeBulk:
		crlf := s.FindLFCR(1)
		if crlf < 0 {
			return 0, false, nil
		}
		blen, perr := strconv.Atoi(string(s.Sub(1, crlf).Bytes()))
		if perr != nil {
			return 0, false, protocol.ErrUnexpectedData
		}
		if blen < 0 {
			return crlf + 2, true, nil // null bulk, e.g. "$-1\r\n"
		}
		total := crlf + 2 + blen + 2
		if s.Len() < total {
			return 0, false, nil
		}
		return total, true, nil
	case typeArray:
		crlf := s.FindLFCR(1)
		if crlf < 0 {
			return 0, false, nil
		}
		count, perr := strconv.Atoi(string(s.Sub(1, crlf).Bytes()))
		if perr != nil {
			return 0, false, protocol.ErrUnexpectedData
		}
		oft := crlf + 2
		if count < 0 {
			return oft, true, nil // null array, e.g. "*-1\r\n"
		}
		for i := 0; i < count; i++ {
			if oft > s.Len() {
				return 0, false, nil
			}
			elemLen, ok, err := replyLen(s.Sub(oft, s.Len()))
			if err != nil {
				return 0, false, err
			}
			if !ok {
				return 0, false, nil
			}
			oft += elemLen
		}
		return oft, true, nil
	default:
		return 0, false, protocol.ErrUnexpectedData
	}
}

// WriteResponse emits rsp's bytes, prepending "*N\r\n" on the first
// sub-response of a multi-key fan-out only, matching RESP's convention for
// assembling a single logical array reply out of N independently-selected
// shard responses.
func (Parser) WriteResponse(w protocol.ResponseWriter, rsp *protocol.Command, first bool, _ bool, keyCount int) error {
	if first && keyCount > 1 {
		if _, err := w.Write([]byte("*" + strconv.Itoa(keyCount) + "\r\n")); err != nil {
			return err
		}
	}
	if rsp == nil {
		_, err := w.Write([]byte("-ERR internal\r\n"))
		return err
	}
	_, err := w.Write(rsp.Guard.RingSlice().Bytes())
	return err
}

func (Parser) MaxTries(op protocol.Operation) int {
	if op == protocol.OpRead {
		return 2
	}
	return 1
}

// LocalResponse answers a FlagNoForward command locally. RESP's OpCode
// carries the command's arity, not its kind, so the verb is recovered by
// re-reading the first bulk of the already-parsed command bytes.
func (Parser) LocalResponse(scratch *ringbuf.GuardedBuffer, cmd protocol.HashedCommand) (*protocol.Command, error) {
	var reply []byte
	elems, _, err := readArray(cmd.Guard.RingSlice())
	if err != nil || len(elems) == 0 {
		reply = []byte("-ERR internal\r\n")
	} else if controlCommands[hashCmd(elems[0])] == controlPing {
		reply = []byte("+PONG\r\n")
	} else {
		reply = []byte("+OK\r\n")
	}
	return writeLocal(scratch, reply)
}

func writeLocal(scratch *ringbuf.GuardedBuffer, reply []byte) (*protocol.Command, error) {
	if _, err := scratch.Write(bytes.NewReader(reply)); err != nil {
		return nil, err
	}
	g, err := scratch.Take(len(reply))
	if err != nil {
		return nil, err
	}
	return &protocol.Command{Guard: g, Flags: protocol.FlagStatusOK}, nil
}

func operationForVerb(verb string) protocol.Operation {
	switch verb {
	case "GET", "MGET", "EXISTS", "TTL", "STRLEN":
		return protocol.OpRead
	case "SET", "SETNX", "SETEX", "DEL", "INCR", "DECR", "EXPIRE":
		return protocol.OpStore
	case "PING", "HASHRANDOMQ", "HASHKEY", "HASHKEYQ", "MASTER", "SENDTOALL", "SENDTOALLQ":
		return protocol.OpMeta
	default:
		return protocol.OpOther
	}
}

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

// Package phantom implements the "phantom" dialect: RESP framing with a
// composite key "hashkey.realkey", where only hashkey participates in
// sharding. The request frame is forwarded to the backend unchanged,
// composite key included; realkey is not split out of it.
package phantom

import (
	"bytes"
	"strconv"

	"meshagent/internal/mesh/protocol"
	"meshagent/pkg/ringbuf"
)

// Parser implements protocol.Parser for the phantom dialect. It reuses
// RESP2's frame decoding and only changes key extraction and response
// classification.
type Parser struct{}

var _ protocol.Parser = Parser{}

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
		if len(elems) < 2 {
			return protocol.ErrUnexpectedData
		}
		hashKey, _ := splitCompositeKey(elems[1])
		cmd := protocol.HashedCommand{
			Command: protocol.Command{
				Guard: g, OpCode: len(elems), Operation: protocol.OpOther,
				First: true, Last: true, KeyCount: 1,
			},
			Hash: hasher.Hash(hashKey),
		}
		if err := proc.Process(cmd, true); err != nil {
			return err
		}
	}
}

// splitCompositeKey splits "hashkey.realkey" on the first '.'. If no '.'
// is present the whole key is both the hash key and the real key.
func splitCompositeKey(key []byte) (hashKey, realKey []byte) {
	i := bytes.IndexByte(key, '.')
	if i < 0 {
		return key, key
	}
	return key[:i], key[i+1:]
}

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
	return &protocol.Command{Guard: g, Flags: classifyResponse(s)}, true, nil
}

// classifyResponse implements phantom's OK rule: "+OK" and integer
// ":N>=0" are OK; "-ERR" and any negative integer (e.g. ":-1/-2/-3")
// leave FlagStatusOK clear. No replica fail-over is made on that flag.
func classifyResponse(s ringbuf.RingSlice) protocol.CommandFlags {
	if s.IsEmpty() {
		return 0
	}
	switch s.At(0) {
	case '+':
		return protocol.FlagStatusOK
	case '-':
		return 0
	case ':':
		crlf := s.FindLFCR(1)
		if crlf < 0 {
			return 0
		}
		n, err := strconv.Atoi(string(s.Sub(1, crlf).Bytes()))
		if err != nil {
			return 0
		}
		if n >= 0 {
			return protocol.FlagStatusOK
		}
		return 0
	default:
		return protocol.FlagStatusOK
	}
}

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
		return 3 // declared read budget; see protocol.Parser.MaxTries
	}
	return 2
}

// LocalResponse is never called: phantom never sets FlagNoForward.
func (Parser) LocalResponse(*ringbuf.GuardedBuffer, protocol.HashedCommand) (*protocol.Command, error) {
	return nil, protocol.ErrNotSupported
}

// readArray and replyLen mirror the RESP2 frame grammar (phantom shares
// wire framing with RESP, differing only in key semantics and response
// classification above).
func readArray(s ringbuf.RingSlice) (elems [][]byte, consumed int, err error) {
	if s.At(0) != '*' {
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
		if oft >= s.Len() || s.At(oft) != '$' {
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

func replyLen(s ringbuf.RingSlice) (n int, ok bool, err error) {
	if s.IsEmpty() {
		return 0, false, nil
	}
	switch s.At(0) {
	case '+', '-', ':':
		crlf := s.FindLFCR(1)
		if crlf < 0 {
			return 0, false, nil
		}
		return crlf + 2, true, nil
	case '$':
		crlf := s.FindLFCR(1)
		if crlf < 0 {
			return 0, false, nil
		}
		blen, perr := strconv.Atoi(string(s.Sub(1, crlf).Bytes()))
		if perr != nil {
			return 0, false, protocol.ErrUnexpectedData
		}
		if blen < 0 {
			return crlf + 2, true, nil
		}
		total := crlf + 2 + blen + 2
		if s.Len() < total {
			return 0, false, nil
		}
		return total, true, nil
	default:
		return 0, false, protocol.ErrUnexpectedData
	}
}

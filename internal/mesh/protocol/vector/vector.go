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

// Package vector implements the "vector" SQL dialect: a Redis-framed
// façade that compiles a bulk-string array into a MySQL row operation
// (fields, where-conditions, optional order-by/limit).
package vector

import (
	"bytes"
	"strconv"

	"meshagent/internal/mesh/protocol"
	"meshagent/pkg/ringbuf"
)

const (
	maxKeyLen    = 200
	condPosBits  = 20
	maxCondPos   = 1<<condPosBits - 1
)

// Condition is one "field op value" triple from a WHERE clause.
type Condition struct {
	Field, Op, Value []byte
}

// Query is the decompiled shape of one vector command.
type Query struct {
	Command    []byte
	Key        []byte
	Fields     [][]byte
	Conditions []Condition
	OrderBy    []byte
	Limit      int
	HasLimit   bool
}

// Parser implements protocol.Parser for the vector dialect.
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
		if consumed > maxCondPos {
			return protocol.ErrUnexpectedData
		}
		q, err := compile(elems)
		if err != nil {
			return err
		}
		g, err := buf.Take(consumed)
		if err != nil {
			return err
		}
		if ctx != nil {
			ctx.Reset()
		}
		cmd := protocol.HashedCommand{
			Command: protocol.Command{
				Guard: g, OpCode: len(elems), Operation: protocol.OpOther,
				First: true, Last: true, KeyCount: 1,
			},
			Hash: hasher.Hash(q.Key),
		}
		if err := proc.Process(cmd, true); err != nil {
			return err
		}
	}
}

// compile decodes a bulk-string array into a Query per the grammar:
// command, key, then field bulks until a "WHERE", "ORDER" or "LIMIT"
// token (every bulk in that run is taken as a field; name/value pairs are
// not told apart), then condition triples (a multiple of 3 remaining
// bulks; an operator token containing whitespace or ';' is rejected),
// then optional "ORDER" "BY" field and "LIMIT" n.
func compile(elems [][]byte) (Query, error) {
	if len(elems) < 2 {
		return Query{}, protocol.ErrUnexpectedData
	}
	if len(elems[1]) > maxKeyLen {
		return Query{}, protocol.ErrUnexpectedData
	}
	q := Query{Command: elems[0], Key: elems[1]}
	i := 2
	for i < len(elems) && !bytes.EqualFold(elems[i], []byte("WHERE")) {
		if !bytes.EqualFold(elems[i], []byte("ORDER")) && !bytes.EqualFold(elems[i], []byte("LIMIT")) {
			q.Fields = append(q.Fields, elems[i])
			i++
			continue
		}
		break
	}
	if i < len(elems) && bytes.EqualFold(elems[i], []byte("WHERE")) {
		i++
		whereStart := i
		for i < len(elems) && !bytes.EqualFold(elems[i], []byte("ORDER")) && !bytes.EqualFold(elems[i], []byte("LIMIT")) {
			i++
		}
		condElems := elems[whereStart:i]
		if len(condElems)%3 != 0 {
			return Query{}, protocol.ErrUnexpectedData
		}
		for j := 0; j < len(condElems); j += 3 {
			if bytes.ContainsAny(condElems[j+1], " \t\r\n;") {
				return Query{}, protocol.ErrUnexpectedData
			}
			q.Conditions = append(q.Conditions, Condition{
				Field: condElems[j], Op: condElems[j+1], Value: condElems[j+2],
			})
		}
	}
	if i < len(elems) && bytes.EqualFold(elems[i], []byte("ORDER")) {
		i++
		if i < len(elems) && bytes.EqualFold(elems[i], []byte("BY")) {
			i++
		}
		if i >= len(elems) {
			return Query{}, protocol.ErrUnexpectedData
		}
		q.OrderBy = elems[i]
		i++
	}
	if i < len(elems) && bytes.EqualFold(elems[i], []byte("LIMIT")) {
		i++
		if i >= len(elems) {
			return Query{}, protocol.ErrUnexpectedData
		}
		n, err := strconv.Atoi(string(elems[i]))
		if err != nil || n < 0 {
			return Query{}, protocol.ErrUnexpectedData
		}
		q.Limit = n
		q.HasLimit = true
		i++
	}
	if i != len(elems) {
		return Query{}, protocol.ErrUnexpectedData
	}
	return q, nil
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
	flags := protocol.CommandFlags(0)
	if s.At(0) != '-' {
		flags |= protocol.FlagStatusOK
	}
	return &protocol.Command{Guard: g, Flags: flags}, true, nil
}

func (Parser) WriteResponse(w protocol.ResponseWriter, rsp *protocol.Command, _, _ bool, _ int) error {
	if rsp == nil {
		_, err := w.Write([]byte("-ERR internal\r\n"))
		return err
	}
	_, err := w.Write(rsp.Guard.RingSlice().Bytes())
	return err
}

func (Parser) MaxTries(protocol.Operation) int { return 1 }

// LocalResponse is never called: the vector listener never sets
// FlagNoForward.
func (Parser) LocalResponse(*ringbuf.GuardedBuffer, protocol.HashedCommand) (*protocol.Command, error) {
	return nil, protocol.ErrNotSupported
}

// readArray decodes a RESP array of bulk strings, the wire shape a vector
// command arrives in (same grammar as resp.readArray).
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

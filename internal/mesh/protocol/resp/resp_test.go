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

package resp

import (
	"strings"
	"testing"

	"meshagent/internal/mesh/protocol"
	"meshagent/pkg/ringbuf"
)

type constHasher struct{ h int64 }

func (c constHasher) Hash([]byte) int64 { return c.h }

type recordingProcessor struct {
	cmds []protocol.HashedCommand
}

func (p *recordingProcessor) Process(cmd protocol.HashedCommand, last bool) error {
	p.cmds = append(p.cmds, cmd)
	return nil
}

func TestParseRequestSimpleCommand(t *testing.T) {
	buf := ringbuf.NewGuardedBuffer(64, 4096)
	buf.Write(strings.NewReader("*3\r\n$3\r\nSET\r\n$3\r\nfoo\r\n$3\r\nbar\r\n"))

	var proc recordingProcessor
	if err := (Parser{}).ParseRequest(buf, &protocol.StreamContext{}, constHasher{42}, &proc); err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if len(proc.cmds) != 1 {
		t.Fatalf("got %d commands, want 1", len(proc.cmds))
	}
	if proc.cmds[0].Operation != protocol.OpStore {
		t.Fatalf("Operation = %v, want OpStore", proc.cmds[0].Operation)
	}
	if proc.cmds[0].Hash != 42 {
		t.Fatalf("Hash = %d, want 42", proc.cmds[0].Hash)
	}
}

func TestParseRequestIncompleteArray(t *testing.T) {
	buf := ringbuf.NewGuardedBuffer(64, 4096)
	buf.Write(strings.NewReader("*3\r\n$3\r\nSET\r\n$3\r\nfo"))

	var proc recordingProcessor
	err := (Parser{}).ParseRequest(buf, &protocol.StreamContext{}, constHasher{1}, &proc)
	if _, ok := protocol.AsIncomplete(err); !ok {
		t.Fatalf("expected IncompleteError, got %v", err)
	}
	if len(proc.cmds) != 0 {
		t.Fatalf("expected no commands on incomplete input, got %d", len(proc.cmds))
	}
}

func TestParseRequestPingIsNoForward(t *testing.T) {
	buf := ringbuf.NewGuardedBuffer(64, 4096)
	buf.Write(strings.NewReader("*1\r\n$4\r\nPING\r\n"))

	var proc recordingProcessor
	if err := (Parser{}).ParseRequest(buf, nil, constHasher{0}, &proc); err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if !proc.cmds[0].Flags.Has(protocol.FlagNoForward) {
		t.Fatal("expected FlagNoForward on PING")
	}
}

func TestParseResponseSimpleString(t *testing.T) {
	buf := ringbuf.NewGuardedBuffer(64, 4096)
	buf.Write(strings.NewReader("+OK\r\n"))

	cmd, ok, err := (Parser{}).ParseResponse(buf, nil)
	if err != nil || !ok {
		t.Fatalf("ParseResponse: ok=%v err=%v", ok, err)
	}
	if !cmd.Flags.Has(protocol.FlagStatusOK) {
		t.Fatal("expected FlagStatusOK on +OK")
	}
}

func TestParseResponseErrorReply(t *testing.T) {
	buf := ringbuf.NewGuardedBuffer(64, 4096)
	buf.Write(strings.NewReader("-ERR no such key\r\n"))

	cmd, ok, err := (Parser{}).ParseResponse(buf, nil)
	if err != nil || !ok {
		t.Fatalf("ParseResponse: ok=%v err=%v", ok, err)
	}
	if cmd.Flags.Has(protocol.FlagStatusOK) {
		t.Fatal("expected FlagStatusOK unset on -ERR")
	}
}

func TestParseResponseNestedArray(t *testing.T) {
	buf := ringbuf.NewGuardedBuffer(64, 4096)
	buf.Write(strings.NewReader("*2\r\n*1\r\n$1\r\na\r\n$1\r\nb\r\n"))

	cmd, ok, err := (Parser{}).ParseResponse(buf, &protocol.StreamContext{})
	if err != nil || !ok {
		t.Fatalf("ParseResponse: ok=%v err=%v", ok, err)
	}
	if cmd.Guard.RingSlice().Len() != len("*2\r\n*1\r\n$1\r\na\r\n$1\r\nb\r\n") {
		t.Fatalf("consumed length = %d, want full frame", cmd.Guard.RingSlice().Len())
	}
}

func TestParseResponseIncompleteNestedArray(t *testing.T) {
	buf := ringbuf.NewGuardedBuffer(64, 4096)
	buf.Write(strings.NewReader("*2\r\n*1\r\n$1\r\na\r\n$1\r\n"))

	_, ok, err := (Parser{}).ParseResponse(buf, &protocol.StreamContext{})
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for incomplete nested array")
	}
}

func TestWriteResponsePrependsArrayHeaderOnFirstOnly(t *testing.T) {
	buf := ringbuf.NewGuardedBuffer(64, 4096)
	buf.Write(strings.NewReader("+OK\r\n"))
	g, _ := buf.Take(5)
	rsp := &protocol.Command{Guard: g}

	var out strings.Builder
	if err := (Parser{}).WriteResponse(&out, rsp, true, false, 3); err != nil {
		t.Fatalf("WriteResponse: %v", err)
	}
	if got := out.String(); got != "*3\r\n+OK\r\n" {
		t.Fatalf("WriteResponse = %q, want %q", got, "*3\r\n+OK\r\n")
	}

	out.Reset()
	if err := (Parser{}).WriteResponse(&out, rsp, false, true, 3); err != nil {
		t.Fatalf("WriteResponse: %v", err)
	}
	if got := out.String(); got != "+OK\r\n" {
		t.Fatalf("WriteResponse (non-first) = %q, want %q", got, "+OK\r\n")
	}
}

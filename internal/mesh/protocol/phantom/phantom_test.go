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

package phantom

import (
	"strings"
	"testing"

	"meshagent/pkg/ringbuf"
)

func buildSliceFor(data string) ringbuf.RingSlice {
	buf := ringbuf.NewGuardedBuffer(64, 4096)
	buf.Write(strings.NewReader(data))
	return buf.Slice()
}

func TestSplitCompositeKey(t *testing.T) {
	cases := []struct {
		in             string
		hashKey, realKey string
	}{
		{"shard1.user:42", "shard1", "user:42"},
		{"noseparator", "noseparator", "noseparator"},
		{"a.b.c", "a", "b.c"},
	}
	for _, tc := range cases {
		h, r := splitCompositeKey([]byte(tc.in))
		if string(h) != tc.hashKey || string(r) != tc.realKey {
			t.Errorf("splitCompositeKey(%q) = (%q,%q), want (%q,%q)", tc.in, h, r, tc.hashKey, tc.realKey)
		}
	}
}

func TestClassifyResponse(t *testing.T) {
	cases := []struct {
		reply string
		ok    bool
	}{
		{"+OK\r\n", true},
		{"-ERR boom\r\n", false},
		{":5\r\n", true},
		{":0\r\n", true},
		{":-1\r\n", false},
		{":-2\r\n", false},
		{":-3\r\n", false},
	}
	for _, tc := range cases {
		s := buildSliceFor(tc.reply)
		got := classifyResponse(s)
		if (got != 0) != tc.ok {
			t.Errorf("classifyResponse(%q) ok=%v, want %v", tc.reply, got != 0, tc.ok)
		}
	}
}

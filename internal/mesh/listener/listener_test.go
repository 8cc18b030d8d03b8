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

package listener

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"meshagent/internal/mesh/protocol/resp"
	"meshagent/internal/mesh/sharding"
	"meshagent/internal/mesh/topology"
)

func TestParseSpecsParsesBindings(t *testing.T) {
	specs, err := ParseSpecs("redis:cache:tcp:127.0.0.1:6380, mc:session:unix:/tmp/mesh.sock")
	if err != nil {
		t.Fatalf("ParseSpecs: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("got %d specs, want 2", len(specs))
	}
	if specs[0] != (Spec{Protocol: "redis", Service: "cache", Network: "tcp", Addr: "127.0.0.1:6380"}) {
		t.Fatalf("spec[0] = %+v", specs[0])
	}
	if specs[1] != (Spec{Protocol: "mc", Service: "session", Network: "unix", Addr: "/tmp/mesh.sock"}) {
		t.Fatalf("spec[1] = %+v", specs[1])
	}
}

func TestParseSpecsRejectsMalformedEntry(t *testing.T) {
	if _, err := ParseSpecs("redis:cache:tcp"); err == nil {
		t.Fatal("expected error for malformed binding")
	}
	if _, err := ParseSpecs("redis:cache:ip:127.0.0.1:1"); err == nil {
		t.Fatal("expected error for unrecognized network")
	}
}

func TestNewParserRejectsUnknownProtocol(t *testing.T) {
	if _, err := NewParser("carrier-pigeon"); err == nil {
		t.Fatal("expected error for unrecognized protocol")
	}
	for _, name := range []string{"mc", "mcbin", "redis", "phantom", "mcq", "vector", "kv"} {
		if _, err := NewParser(name); err != nil {
			t.Fatalf("NewParser(%q): %v", name, err)
		}
	}
}

func TestBindRemovesStaleUnixSocket(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mesh.sock")
	if err := os.WriteFile(path, []byte("stale"), 0o644); err != nil {
		t.Fatalf("seed stale file: %v", err)
	}

	reg := topology.NewRegistry()
	svc, err := Bind(Spec{Protocol: "redis", Network: "unix", Addr: path, Service: "ns"}, reg.Handle("ns"), nil)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer svc.Close()

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("socket not present after bind: %v", err)
	}
}

func TestServiceServeAcceptsAndSpawnsPipeline(t *testing.T) {
	backend := echoBackendListener(t)
	top := buildTopology(t, backend)
	reg := topology.NewRegistry()
	reg.Handle("ns").Swap(top)

	svc, err := Bind(Spec{Protocol: "redis", Network: "tcp", Addr: "127.0.0.1:0", Service: "ns"}, reg.Handle("ns"), nil)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer svc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = svc.Serve(ctx) }()

	conn, err := net.DialTimeout("tcp", svc.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("*1\r\n$4\r\nPING\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, len("+PONG\r\n"))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "+PONG\r\n" {
		t.Fatalf("reply = %q", buf)
	}
}

func TestManagerBindAndRunShutsDownCleanly(t *testing.T) {
	backend := echoBackendListener(t)
	top := buildTopology(t, backend)
	reg := topology.NewRegistry()
	reg.Handle("ns").Swap(top)

	m := NewManager(reg, nil)
	if err := m.Bind([]Spec{{Protocol: "redis", Network: "tcp", Addr: "127.0.0.1:0", Service: "ns"}}); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if len(m.Services()) != 1 {
		t.Fatalf("got %d services, want 1", len(m.Services()))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v, want nil on clean shutdown", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run never returned after cancel")
	}
}

func echoBackendListener(t *testing.T) net.Addr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				buf := make([]byte, 256)
				for {
					n, err := conn.Read(buf)
					if n > 0 {
						_, _ = conn.Write([]byte("+PONG\r\n"))
					}
					if err != nil {
						return
					}
				}
			}()
		}
	}()
	return ln.Addr()
}

func buildTopology(t *testing.T, backend net.Addr) *topology.Topology {
	t.Helper()
	pool := topology.NewEndpointPool(nil, 2*time.Second)
	top, err := topology.Build(context.Background(), pool, topology.NewDNSCache(nil), topology.StaticLocalityMap{}, sharding.Locality{}, topology.Config{
		Hash:         "crc32",
		Distribution: "modulo",
		Backends:     [][]string{{backend.String()}},
	}, resp.Parser{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !top.Shards[0].Master.Available() {
		time.Sleep(5 * time.Millisecond)
	}
	return top
}

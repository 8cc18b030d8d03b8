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

// Package listener binds the process's external sockets: one listener per
// (protocol, host, port|unix_path, service) tuple, accepting connections
// and handing each off to a pipeline parameterized by the service's
// protocol parser and topology handle. Grounded on the accept-loop shape
// of original_source/agent/src/main.rs's run().
package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"

	"meshagent/internal/mesh/pipeline"
	"meshagent/internal/mesh/protocol"
	"meshagent/internal/mesh/protocol/mcqtext"
	"meshagent/internal/mesh/protocol/memcache"
	"meshagent/internal/mesh/protocol/mysql"
	"meshagent/internal/mesh/protocol/phantom"
	"meshagent/internal/mesh/protocol/resp"
	"meshagent/internal/mesh/protocol/vector"
	"meshagent/internal/mesh/topology"
)

// Spec is one listener declaration: {protocol, host, port|unix_path, service}.
// Network is either "tcp" or "unix"; for "tcp" Addr is a host:port pair,
// for "unix" Addr is a filesystem path.
type Spec struct {
	Protocol string
	Network  string
	Addr     string
	Service  string
}

// pipelinedProtocols lists the protocols whose clients may have more than
// one request outstanding at a time (§4.5's "pipelined connections return
// to step 1 immediately"). Everything else runs strictly one request at a
// time, matching the original's per-protocol client behavior.
var pipelinedProtocols = map[string]bool{
	"redis":  true,
	"mcq":    true,
	"vector": true,
}

// NewParser returns a fresh protocol.Parser for one accepted connection.
// A fresh instance matters for "kv" (mysql.Parser carries handshake
// state per connection); the others are stateless and New just returns a
// zero value, but the call shape is kept uniform.
func NewParser(protocolName string) (protocol.Parser, error) {
	switch protocolName {
	case "mc":
		return memcache.TextParser{}, nil
	case "mcbin":
		return memcache.BinaryParser{}, nil
	case "redis":
		return resp.Parser{}, nil
	case "phantom":
		return phantom.Parser{}, nil
	case "mcq":
		return mcqtext.Parser{}, nil
	case "vector":
		return vector.Parser{}, nil
	case "kv":
		return &mysql.Parser{}, nil
	default:
		return nil, fmt.Errorf("listener: unrecognized protocol %q", protocolName)
	}
}

// ParseSpecs parses a comma-separated list of "protocol:service:network:addr"
// bindings, the static listener declaration surface this process reads at
// startup (env SERVICE_LISTENERS or a flag of the same shape). Per-namespace
// registry YAML only ever declares backends and ports to dial, never how
// clients reach this process, so listener typing is always a local,
// out-of-band declaration — matching §4.7/§6's "(protocol, service-name)"
// listener typing.
func ParseSpecs(raw string) ([]Spec, error) {
	var specs []Spec
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 4)
		if len(parts) != 4 {
			return nil, fmt.Errorf("listener: malformed binding %q, want protocol:service:network:addr", entry)
		}
		spec := Spec{Protocol: parts[0], Service: parts[1], Network: parts[2], Addr: parts[3]}
		if spec.Network != "tcp" && spec.Network != "unix" {
			return nil, fmt.Errorf("listener: binding %q: network must be tcp or unix", entry)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// SpecsFromListenPorts builds one tcp Spec per port in a namespace's
// parsed topology.Config.Listen, all bound to the same protocol and
// service name. This is the common case: a namespace's own YAML already
// names the ports it wants to accept connections on.
func SpecsFromListenPorts(protocolName, service string, ports []int) []Spec {
	specs := make([]Spec, 0, len(ports))
	for _, port := range ports {
		specs = append(specs, Spec{
			Protocol: protocolName,
			Network:  "tcp",
			Addr:     net.JoinHostPort("", strconv.Itoa(port)),
			Service:  service,
		})
	}
	return specs
}

// Service owns one bound socket and its accept loop.
type Service struct {
	spec    Spec
	ln      net.Listener
	handle  *topology.Handle
	metrics pipeline.Metrics

	mu   sync.Mutex
	conns map[net.Conn]struct{}
}

// Bind opens the listener for spec, removing a stale unix socket file
// first if one is present (§4.7: "Unix listeners remove stale socket
// files at startup").
func Bind(spec Spec, handle *topology.Handle, metrics pipeline.Metrics) (*Service, error) {
	if spec.Network == "unix" {
		if err := removeStaleSocket(spec.Addr); err != nil {
			return nil, err
		}
	}
	ln, err := net.Listen(spec.Network, spec.Addr)
	if err != nil {
		return nil, fmt.Errorf("listener: bind %s %s: %w", spec.Network, spec.Addr, err)
	}
	return &Service{
		spec:    spec,
		ln:      ln,
		handle:  handle,
		metrics: metrics,
		conns:   make(map[net.Conn]struct{}),
	}, nil
}

func removeStaleSocket(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("listener: remove stale socket %s: %w", path, err)
	}
	return nil
}

// Addr reports the bound address, useful for tests that bind an
// ephemeral port.
func (s *Service) Addr() net.Addr { return s.ln.Addr() }

// Serve accepts connections until ctx is cancelled or the listener is
// closed, spawning one pipeline goroutine per accepted connection. It
// always returns a non-nil error.
func (s *Service) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.ln.Close()
	}()
	pipelined := pipelinedProtocols[s.spec.Protocol]
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return err
			}
		}
		s.track(conn)
		go func() {
			defer s.untrack(conn)
			parser, perr := NewParser(s.spec.Protocol)
			if perr != nil {
				_ = conn.Close()
				return
			}
			p := pipeline.New(s.spec.Service, conn, parser, s.handle, pipelined, s.metrics)
			_ = p.Run()
		}()
	}
}

func (s *Service) track(c net.Conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Service) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	_ = c.Close()
}

// Close closes the listener and every connection currently being served.
func (s *Service) Close() error {
	err := s.ln.Close()
	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
	return err
}

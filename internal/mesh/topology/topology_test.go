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

package topology

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"meshagent/internal/mesh/protocol/resp"
	"meshagent/internal/mesh/sharding"
)

func TestHandleSwapAndLoad(t *testing.T) {
	r := NewRegistry()
	h := r.Handle("ns1")
	if h.Load() != nil {
		t.Fatal("new handle should start with a nil snapshot")
	}
	top := &Topology{}
	old := h.Swap(top)
	if old != nil {
		t.Fatal("first swap should return nil old value")
	}
	if h.Load() != top {
		t.Fatal("Load should return the swapped-in value")
	}
	// Same namespace name resolves to the same handle.
	if r.Handle("ns1") != h {
		t.Fatal("Handle should be stable per name")
	}
}

func TestParseConfig(t *testing.T) {
	body := []byte(`
hash: crc32
distribution: modula
listen: "11211,11212"
backends:
  - "10.0.0.1:6379,10.0.0.2:6379"
  - "10.0.0.3:6379"
timeout_ms_master: 100
timeout_ms_slave: 200
force_write_all: true
local_affinity: true
`)
	cfg, err := ParseConfig(body)
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.Hash != "crc32" || cfg.Distribution != "modula" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if len(cfg.Listen) != 2 || cfg.Listen[0] != 11211 {
		t.Fatalf("Listen = %v", cfg.Listen)
	}
	if len(cfg.Backends) != 2 || len(cfg.Backends[0]) != 2 || len(cfg.Backends[1]) != 1 {
		t.Fatalf("Backends = %v", cfg.Backends)
	}
	if !cfg.ForceWriteAll || !cfg.LocalAffinity {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(`backends: ["127.0.0.1:1"]`))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.Hash != "raw" || cfg.Distribution != "modula" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

type staticResolver map[string][]string

func (r staticResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	return r[host], nil
}

func TestDNSCacheResolveLiteralIP(t *testing.T) {
	c := NewDNSCache(staticResolver{})
	addrs := c.Resolve(context.Background(), "10.0.0.5:6379")
	if len(addrs) != 1 || addrs[0] != "10.0.0.5:6379" {
		t.Fatalf("Resolve(literal ip) = %v", addrs)
	}
}

func TestDNSCacheResolveHostname(t *testing.T) {
	c := NewDNSCache(staticResolver{"cache1": {"10.0.0.1", "10.0.0.2"}})
	addrs := c.Resolve(context.Background(), "cache1:6379")
	if len(addrs) != 2 {
		t.Fatalf("Resolve(hostname) = %v, want 2 addrs", addrs)
	}
	for _, a := range addrs {
		if a != "10.0.0.1:6379" && a != "10.0.0.2:6379" {
			t.Fatalf("unexpected addr %s", a)
		}
	}
}

func TestDNSCacheEmptyResolutionIgnored(t *testing.T) {
	c := NewDNSCache(staticResolver{"flaky": {"10.0.0.9"}})
	c.RefreshOne(context.Background(), "flaky")
	if got := c.Lookup("flaky"); len(got) != 1 {
		t.Fatalf("initial lookup = %v", got)
	}

	// Refresh directly against the record with an empty resolution: an
	// empty update must not clear the prior list.
	rec := c.records["flaky"]
	changed := rec.update(nil)
	if changed {
		t.Fatal("empty update should report no change")
	}
	if got := c.Lookup("flaky"); len(got) != 1 {
		t.Fatalf("lookup after empty refresh = %v, want prior list kept", got)
	}
}

func TestStaticLocalityMapLocate(t *testing.T) {
	m := StaticLocalityMap{"10.0.0.1": {IDC: "idc1"}}
	if got := m.Locate("10.0.0.1:6379"); got.IDC != "idc1" {
		t.Fatalf("Locate = %+v", got)
	}
	if got := m.Locate("10.0.0.9:6379"); got.IDC != "" {
		t.Fatalf("Locate(unknown) = %+v, want zero value", got)
	}
}

func TestBuildAbortsOnEmptyShard(t *testing.T) {
	pool := NewEndpointPool(nil, time.Second)
	dns := NewDNSCache(staticResolver{})
	cfg := Config{
		Hash:         "raw",
		Distribution: "modula",
		Backends:     [][]string{{"unresolvable-host:1"}},
	}
	_, err := Build(context.Background(), pool, dns, StaticLocalityMap{}, sharding.Locality{}, cfg, resp.Parser{})
	if err == nil {
		t.Fatal("expected error for unresolvable shard")
	}
}

func TestBuildReusesEndpointsByAddress(t *testing.T) {
	pool := NewEndpointPool(nil, time.Second)
	dns := NewDNSCache(staticResolver{})
	cfg := Config{
		Hash:         "raw",
		Distribution: "modula",
		Backends:     [][]string{{"10.0.0.1:6379", "10.0.0.2:6379"}},
	}
	top, err := Build(context.Background(), pool, dns, StaticLocalityMap{}, sharding.Locality{}, cfg, resp.Parser{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(top.Shards) != 1 {
		t.Fatalf("Shards = %d, want 1", len(top.Shards))
	}
	if top.Shards[0].Master.Addr() != "10.0.0.1:6379" {
		t.Fatalf("master addr = %s", top.Shards[0].Master.Addr())
	}
	if len(top.Shards[0].Replicas) != 1 {
		t.Fatalf("replicas = %d, want 1", len(top.Shards[0].Replicas))
	}

	top2, err := Build(context.Background(), pool, dns, StaticLocalityMap{}, sharding.Locality{}, cfg, resp.Parser{})
	if err != nil {
		t.Fatalf("Build (second gen): %v", err)
	}
	if top2.Shards[0].Master != top.Shards[0].Master {
		t.Fatal("rebuild with unchanged addresses should reuse the same *backend.Endpoint")
	}

	// top re-acquired references for every address it holds during the
	// second Build call; releasing top's references must not disturb
	// top2, which still holds its own references to the same addresses.
	ReleaseAddrs(pool, top)
	if !top2.Shards[0].Master.Available() {
		t.Fatal("endpoint shared across generations should stay live after releasing the superseded topology")
	}
}

func TestRegistryClientParsesDiffProtocol(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			resp := map[string]interface{}{
				"message": "ok",
				"node":    map[string]string{"index": "sig1", "name": "g1", "data": "hash: raw"},
			}
			_ = json.NewEncoder(w).Encode(resp)
			return
		}
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	result, sig, body, err := c.Pull(context.Background(), "/svc", "")
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if result != Changed || sig != "sig1" || body != "hash: raw" {
		t.Fatalf("Pull = %v %q %q", result, sig, body)
	}

	result, _, _, err = c.Pull(context.Background(), "/svc", "sig1")
	if err != nil {
		t.Fatalf("Pull (2nd): %v", err)
	}
	if result != NotChanged {
		t.Fatalf("result = %v, want NotChanged", result)
	}
}

func TestSnapshotFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := NewSnapshotFile(dir)
	if err := s.Save("group1", "sig1", "hash: raw\ndistribution: modula\n"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	sig, body, ok := s.Load("group1")
	if !ok {
		t.Fatal("Load reported not-found after Save")
	}
	if sig != "sig1" || body != "hash: raw\ndistribution: modula\n" {
		t.Fatalf("Load = %q %q", sig, body)
	}

	all := s.LoadAll()
	if got, ok := all["group1"]; !ok || got.Sig != "sig1" {
		t.Fatalf("LoadAll = %v", all)
	}
}

func TestPollerWatchSeedsOnChange(t *testing.T) {
	c, _ := NewClient("http://example.invalid")
	var seen []string
	p := NewPoller(c, time.Second, func(group, sig, body string) {
		seen = append(seen, group+":"+body)
	}, nil)
	p.Watch("g1", "sig0", "hash: raw")
	if len(seen) != 1 || seen[0] != "g1:hash: raw" {
		t.Fatalf("seen = %v", seen)
	}
	// Re-watching the same group is a no-op.
	p.Watch("g1", "sig1", "hash: crc32")
	if len(seen) != 1 {
		t.Fatalf("re-Watch should not re-seed: %v", seen)
	}
}

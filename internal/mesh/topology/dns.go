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
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

const dnsRefreshCycle = 57 * time.Second

// dnsRecord is one resolved hostname: its last-seen IPs and the set of
// subscribers to notify on change. An empty resolution is ignored and the
// previous IP list is kept, so a subscriber never sees a host go address-
// less due to a transient resolver hiccup.
type dnsRecord struct {
	mu          sync.Mutex
	ips         []string
	subscribers []*atomic.Bool
}

func (r *dnsRecord) watch(flag *atomic.Bool) {
	r.mu.Lock()
	r.subscribers = append(r.subscribers, flag)
	r.mu.Unlock()
}

func (r *dnsRecord) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.ips))
	copy(out, r.ips)
	return out
}

func (r *dnsRecord) update(ips []string) bool {
	if len(ips) == 0 {
		return false
	}
	r.mu.Lock()
	changed := !sameSet(r.ips, ips)
	if changed {
		r.ips = ips
	}
	subs := r.subscribers
	r.mu.Unlock()
	if changed {
		for _, s := range subs {
			s.Store(true)
		}
	}
	return changed
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]bool, len(a))
	for _, x := range a {
		seen[x] = true
	}
	for _, x := range b {
		if !seen[x] {
			return false
		}
	}
	return true
}

// Resolver is the minimal lookup surface DNSCache needs; net.DefaultResolver
// satisfies it, and tests supply a fake.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// DNSCache maps hostname to its resolved A records, refreshed on a ~1
// minute cycle plus ad-hoc RefreshOne calls. Concurrent refreshes of the
// same hostname are deduplicated via singleflight so a registration burst
// doesn't fan out N redundant lookups.
type DNSCache struct {
	resolver Resolver
	group    singleflight.Group

	mu      sync.RWMutex
	records map[string]*dnsRecord
}

func NewDNSCache(resolver Resolver) *DNSCache {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &DNSCache{resolver: resolver, records: make(map[string]*dnsRecord)}
}

// Register adds host to the cache (if not already present) and arms flag
// to be set on every future change to host's resolution.
func (c *DNSCache) Register(host string, flag *atomic.Bool) {
	c.mu.Lock()
	rec, ok := c.records[host]
	if !ok {
		rec = &dnsRecord{}
		c.records[host] = rec
	}
	c.mu.Unlock()
	rec.watch(flag)
}

// RefreshOne resolves host immediately, used on registration so a newly
// watched host doesn't wait for the next periodic cycle.
func (c *DNSCache) RefreshOne(ctx context.Context, host string) {
	c.refreshHosts(ctx, []string{host})
}

// Run blocks, refreshing every registered host every dnsRefreshCycle,
// until ctx is cancelled.
func (c *DNSCache) Run(ctx context.Context) {
	ticker := time.NewTicker(dnsRefreshCycle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.RLock()
			hosts := make([]string, 0, len(c.records))
			for h := range c.records {
				hosts = append(hosts, h)
			}
			c.mu.RUnlock()
			c.refreshHosts(ctx, hosts)
		}
	}
}

func (c *DNSCache) refreshHosts(ctx context.Context, hosts []string) {
	var wg sync.WaitGroup
	for _, host := range hosts {
		host := host
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.refreshOneSync(ctx, host)
		}()
	}
	wg.Wait()
}

func (c *DNSCache) refreshOneSync(ctx context.Context, host string) {
	v, err, _ := c.group.Do(host, func() (interface{}, error) {
		return c.resolver.LookupHost(ctx, host)
	})
	if err != nil {
		return
	}
	ips, _ := v.([]string)
	v4 := ips[:0:0]
	for _, ip := range ips {
		if parsed := net.ParseIP(ip); parsed != nil && parsed.To4() != nil {
			v4 = append(v4, ip)
		}
	}
	if len(v4) == 0 {
		return
	}

	c.mu.Lock()
	rec, ok := c.records[host]
	if !ok {
		rec = &dnsRecord{}
		c.records[host] = rec
	}
	c.mu.Unlock()
	rec.update(v4)
}

// Lookup returns host's cached IPs, or nil if host is unregistered or not
// yet resolved.
func (c *DNSCache) Lookup(host string) []string {
	c.mu.RLock()
	rec, ok := c.records[host]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	return rec.snapshot()
}

// Resolve expands one "host:port" config entry into one "ip:port" address
// per cached IP for host, registering and synchronously resolving host
// first if it has never been seen.
func (c *DNSCache) Resolve(ctx context.Context, hostport string) []string {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host, port = hostport, ""
	}
	if net.ParseIP(host) != nil {
		return []string{hostport}
	}

	ips := c.Lookup(host)
	if len(ips) == 0 {
		c.Register(host, new(atomic.Bool))
		c.RefreshOne(ctx, host)
		ips = c.Lookup(host)
	}
	if len(ips) == 0 {
		return nil
	}
	if port == "" {
		return ips
	}
	out := make([]string, len(ips))
	for i, ip := range ips {
		out[i] = net.JoinHostPort(ip, port)
	}
	return out
}

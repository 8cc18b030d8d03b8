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
	"fmt"
)

// RedisEvaler abstracts the minimal surface needed from a Redis client
// (github.com/redis/go-redis/v9's Cmdable.Eval satisfies this directly).
type RedisEvaler interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
}

// sideCacheScript mirrors a snapshot into Redis only when its signature
// has actually changed: a cheap GET-compare-then-SET under one EVAL
// instead of a read then a racing write.
const sideCacheScript = `
local sigKey = KEYS[1]
local bodyKey = KEYS[2]
local sig = ARGV[1]
local body = ARGV[2]
local cur = redis.call('GET', sigKey)
if cur == sig then
  return 0
end
redis.call('SET', sigKey, sig)
redis.call('SET', bodyKey, body)
return 1
`

// RedisSideCache mirrors last-known-good config snapshots into Redis,
// so a fleet of agents sharing one Redis can skip a cold registry fetch
// on restart even before the local snapshot directory is warm (e.g. a
// freshly provisioned host). It is a best-effort cache, never the
// source of truth: SnapshotFile's on-disk copy remains authoritative.
type RedisSideCache struct {
	client RedisEvaler
}

func NewRedisSideCache(client RedisEvaler) *RedisSideCache {
	return &RedisSideCache{client: client}
}

func (c *RedisSideCache) Mirror(ctx context.Context, group, sig, body string) error {
	if c == nil || c.client == nil {
		return nil
	}
	keys := []string{sideCacheSigKey(group), sideCacheBodyKey(group)}
	if _, err := c.client.Eval(ctx, sideCacheScript, keys, sig, body); err != nil {
		return fmt.Errorf("topology: redis side-cache mirror: %w", err)
	}
	return nil
}

func sideCacheSigKey(group string) string  { return "mesh:snapshot:" + group + ":sig" }
func sideCacheBodyKey(group string) string { return "mesh:snapshot:" + group + ":body" }

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
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// rawConfig is the wire shape of one namespace's YAML body (see external
// interfaces: hash, distribution, listen, backends, timeouts, flags).
type rawConfig struct {
	Hash            string `yaml:"hash"`
	Distribution    string `yaml:"distribution"`
	Listen          string `yaml:"listen"`
	Backends        []string `yaml:"backends"`
	TimeoutMsMaster int  `yaml:"timeout_ms_master"`
	TimeoutMsSlave  int  `yaml:"timeout_ms_slave"`
	ForceWriteAll   bool `yaml:"force_write_all"`
	UpdateSlaveL1   bool `yaml:"update_slave_l1"`
	LocalAffinity   bool `yaml:"local_affinity"`
	RegionEnabled   bool `yaml:"region_enabled"`
}

// ParseConfig parses one namespace's YAML body into a Config.
func ParseConfig(body []byte) (Config, error) {
	var raw rawConfig
	if err := yaml.Unmarshal(body, &raw); err != nil {
		return Config{}, fmt.Errorf("topology: parse config: %w", err)
	}

	cfg := Config{
		Hash:            raw.Hash,
		Distribution:    raw.Distribution,
		TimeoutMsMaster: raw.TimeoutMsMaster,
		TimeoutMsSlave:  raw.TimeoutMsSlave,
		ForceWriteAll:   raw.ForceWriteAll,
		UpdateSlaveL1:   raw.UpdateSlaveL1,
		LocalAffinity:   raw.LocalAffinity,
		RegionEnabled:   raw.RegionEnabled,
	}
	if cfg.Hash == "" {
		cfg.Hash = "raw"
	}
	if cfg.Distribution == "" {
		cfg.Distribution = "modula"
	}

	for _, p := range strings.Split(raw.Listen, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		port, err := strconv.Atoi(p)
		if err != nil {
			return Config{}, fmt.Errorf("topology: invalid listen port %q: %w", p, err)
		}
		cfg.Listen = append(cfg.Listen, port)
	}

	for _, shard := range raw.Backends {
		var hosts []string
		for _, h := range strings.Split(shard, ",") {
			h = strings.TrimSpace(h)
			if h != "" {
				hosts = append(hosts, h)
			}
		}
		cfg.Backends = append(cfg.Backends, hosts)
	}

	return cfg, nil
}

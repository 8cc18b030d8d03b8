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
	"fmt"
	"io"
	"net/http"
	"time"

	"meshagent/internal/mesh/sharding"
)

// LoadLocalityMap fetches the per-deployment host→locality map the
// distance-aware selector (§4.6) scores replicas against, from the
// IDC_PATH_URL external interface: a JSON object keyed by bare host (no
// port, matching StaticLocalityMap.Locate's own lookup convention), each
// value an {idc, neighbor, region, city} record. The HTTP call shape
// mirrors registry.Client.Pull's plain GET-and-decode.
func LoadLocalityMap(ctx context.Context, url string) (StaticLocalityMap, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("topology: invalid idc path url: %w", err)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("topology: fetch locality map: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("topology: locality map fetch: unexpected status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("topology: read locality map: %w", err)
	}

	var wire map[string]struct {
		IDC      string `json:"idc"`
		Neighbor string `json:"neighbor"`
		Region   string `json:"region"`
		City     string `json:"city"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("topology: decode locality map: %w", err)
	}

	m := make(StaticLocalityMap, len(wire))
	for host, rec := range wire {
		m[host] = sharding.Locality{IDC: rec.IDC, Neighbor: rec.Neighbor, Region: rec.Region, City: rec.City}
	}
	return m, nil
}

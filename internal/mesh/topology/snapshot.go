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
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// SnapshotFile is the per-group last-known-good registry response:
// line 1 signature, line 2 group name, remainder the YAML body. It lets
// the agent start serving traffic with the last config it ever saw even
// if the registry is unreachable at boot.
type SnapshotFile struct {
	dir       string
	sideCache *RedisSideCache
}

func NewSnapshotFile(dir string) *SnapshotFile { return &SnapshotFile{dir: dir} }

// SetSideCache attaches an optional Redis mirror; pass nil to disable.
// Save mirrors best-effort after the authoritative file write succeeds,
// and a mirror failure never fails Save itself.
func (s *SnapshotFile) SetSideCache(c *RedisSideCache) { s.sideCache = c }

func (s *SnapshotFile) path(group string) string {
	return filepath.Join(s.dir, group+".snapshot")
}

// Load reads a group's snapshot, returning (sig, body, ok). ok is false
// if no snapshot exists yet for this group.
func (s *SnapshotFile) Load(group string) (sig, body string, ok bool) {
	f, err := os.Open(s.path(group))
	if err != nil {
		return "", "", false
	}
	defer f.Close()

	r := bufio.NewReader(f)
	sigLine, err := r.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", "", false
	}
	nameLine, err := r.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", "", false
	}
	rest, _ := io.ReadAll(r)

	_ = nameLine // group name is implied by the file; kept for the on-disk format's readability
	return strings.TrimRight(sigLine, "\n"), string(rest), true
}

// Save writes group's current (sig, body) atomically (write to a temp
// file, then rename) so a crash mid-write never corrupts the last-known-
// good snapshot.
func (s *SnapshotFile) Save(group, sig, body string) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("topology: snapshot dir: %w", err)
	}
	tmp := s.path(group) + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("topology: create snapshot: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%s\n%s\n%s", sig, group, body); err != nil {
		f.Close()
		return fmt.Errorf("topology: write snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("topology: close snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path(group)); err != nil {
		return err
	}
	_ = s.sideCache.Mirror(context.Background(), group, sig, body)
	return nil
}

// LoadAll scans dir at startup for every *.snapshot file, seeding a
// last-known-good config per group in case the registry is unreachable.
func (s *SnapshotFile) LoadAll() map[string]GroupState {
	out := make(map[string]GroupState)
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return out
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".snapshot") {
			continue
		}
		group := strings.TrimSuffix(e.Name(), ".snapshot")
		if sig, body, ok := s.Load(group); ok {
			out[group] = GroupState{Sig: sig, Body: body}
		}
	}
	return out
}

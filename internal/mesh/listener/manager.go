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
	"fmt"

	"meshagent/internal/mesh/pipeline"
	"meshagent/internal/mesh/topology"

	"golang.org/x/sync/errgroup"
)

// Manager binds and runs every listener declared for the process, each
// resolved against the namespace registry for its topology handle.
type Manager struct {
	registry *topology.Registry
	metrics  pipeline.Metrics
	services []*Service
}

func NewManager(registry *topology.Registry, metrics pipeline.Metrics) *Manager {
	return &Manager{registry: registry, metrics: metrics}
}

// Bind opens every spec's socket up front, so a single bad binding (port
// in use, bad unix path permissions) fails process startup atomically
// instead of partially serving traffic.
func (m *Manager) Bind(specs []Spec) error {
	for _, spec := range specs {
		handle := m.registry.Handle(spec.Service)
		svc, err := Bind(spec, handle, m.metrics)
		if err != nil {
			m.closeAll()
			return err
		}
		m.services = append(m.services, svc)
	}
	return nil
}

// Run serves every bound listener concurrently until ctx is cancelled,
// then closes them all and waits for their accept loops to return.
func (m *Manager) Run(ctx context.Context) error {
	if len(m.services) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, svc := range m.services {
		svc := svc
		g.Go(func() error {
			err := svc.Serve(ctx)
			if ctx.Err() != nil {
				return nil // expected close on shutdown
			}
			return fmt.Errorf("listener: %s %s: %w", svc.spec.Network, svc.spec.Addr, err)
		})
	}
	err := g.Wait()
	m.closeAll()
	return err
}

func (m *Manager) closeAll() {
	for _, svc := range m.services {
		_ = svc.Close()
	}
}

// Services exposes the bound services, chiefly so tests and the metrics
// handler can read back ephemeral bind addresses.
func (m *Manager) Services() []*Service { return m.services }

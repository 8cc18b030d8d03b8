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

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"meshagent/internal/mesh/protocol"
)

// Pipeline adapts Registry to pipeline.Metrics: requests/errors/latency
// counters addressed by namespace and operation, bridging the same
// atomics-backed counters Registry holds into per-namespace label
// dimensions instead of a single global counter set.
type Pipeline struct {
	reg *Registry
}

func NewPipeline(reg *Registry) *Pipeline { return &Pipeline{reg: reg} }

func (p *Pipeline) IncRequests(namespace string, op protocol.Operation) {
	p.reg.Register(Id{Name: "requests_total", Namespace: namespace, Op: op.String()}, KindCounter).Add(1)
}

func (p *Pipeline) IncErrors(namespace string) {
	p.reg.Register(Id{Name: "errors_total", Namespace: namespace}, KindCounter).Add(1)
}

func (p *Pipeline) ObserveLatency(namespace string, op protocol.Operation, d time.Duration) {
	p.reg.Register(Id{Name: "latency_seconds", Namespace: namespace, Op: op.String()}, KindLatency).Observe(d.Nanoseconds())
}

// IncWriteback counts write-back traffic separately from IncRequests so
// internal cache-population mirrors never inflate client-facing QPS.
func (p *Pipeline) IncWriteback(namespace string) {
	p.reg.Register(Id{Name: "writeback_total", Namespace: namespace}, KindCounter).Add(1)
}

// Collector exposes Registry's snapshot through the standard Prometheus
// registration path (prometheus.MustRegister(metrics.NewCollector(reg))),
// generated dynamically from Registry's live id set rather than a fixed
// set of package-level prometheus.NewCounter/NewGauge declarations,
// since namespaces are only known at runtime.
type Collector struct {
	reg *Registry

	requestsDesc  *prometheus.Desc
	errorsDesc    *prometheus.Desc
	latencyDesc   *prometheus.Desc
	writebackDesc *prometheus.Desc
}

func NewCollector(reg *Registry) *Collector {
	return &Collector{
		reg: reg,
		requestsDesc: prometheus.NewDesc(
			"mesh_agent_requests_total", "Total requests processed per namespace and operation.",
			[]string{"namespace", "op"}, nil),
		errorsDesc: prometheus.NewDesc(
			"mesh_agent_errors_total", "Total failed requests per namespace.",
			[]string{"namespace"}, nil),
		latencyDesc: prometheus.NewDesc(
			"mesh_agent_request_latency_seconds_sum", "Cumulative request latency per namespace and operation.",
			[]string{"namespace", "op"}, nil),
		writebackDesc: prometheus.NewDesc(
			"mesh_agent_writeback_total", "Total write-back mirror requests spawned per namespace.",
			[]string{"namespace"}, nil),
	}
}

var _ prometheus.Collector = (*Collector)(nil)

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.requestsDesc
	ch <- c.errorsDesc
	ch <- c.latencyDesc
	ch <- c.writebackDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, snap := range c.reg.Snapshot() {
		switch snap.Kind {
		case KindCounter:
			desc := c.requestsDesc
			labels := []string{snap.Id.Namespace, snap.Id.Op}
			switch snap.Id.Name {
			case "errors_total":
				desc = c.errorsDesc
				labels = []string{snap.Id.Namespace}
			case "writeback_total":
				desc = c.writebackDesc
				labels = []string{snap.Id.Namespace}
			}
			ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(snap.Value), labels...)
		case KindLatency:
			ch <- prometheus.MustNewConstMetric(c.latencyDesc, prometheus.CounterValue,
				time.Duration(snap.Value).Seconds(), snap.Id.Namespace, snap.Id.Op)
		}
	}
}

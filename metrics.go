// Copyright 2026 The Pmvisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pmvisor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports supervision counters and gauges.  A nil *Metrics is
// valid, and records nothing.
type Metrics struct {
	launches *prometheus.CounterVec
	restarts *prometheus.CounterVec
	ended    *prometheus.CounterVec
	up       *prometheus.GaugeVec
	rss      *prometheus.GaugeVec
	counter  *prometheus.GaugeVec
	fatal    *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		launches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pmvisor",
			Name:      "launches_total",
			Help:      "Launch attempts, by service and result.",
		}, []string{"service", "result"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pmvisor",
			Name:      "restarts_total",
			Help:      "Restarts scheduled, by service and cause.",
		}, []string{"service", "cause"}),
		ended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pmvisor",
			Name:      "runs_ended_total",
			Help:      "Runs that ended, by service and cause.",
		}, []string{"service", "cause"}),
		up: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pmvisor",
			Name:      "up",
			Help:      "Whether the service has a running child.",
		}, []string{"service"}),
		rss: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pmvisor",
			Name:      "resident_memory_bytes",
			Help:      "Last sampled resident memory of the child.",
		}, []string{"service"}),
		counter: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pmvisor",
			Name:      "restart_count",
			Help:      "Restarts since the last stable run.",
		}, []string{"service"}),
		fatal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pmvisor",
			Name:      "gave_up",
			Help:      "Whether the restart policy gave up on the service.",
		}, []string{"service"}),
	}
	if reg != nil {
		reg.MustRegister(m.launches, m.restarts, m.ended, m.up, m.rss,
			m.counter, m.fatal)
	}
	return m
}

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (m *Metrics) launched(name string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.launches.WithLabelValues(name, "error").Inc()
	} else {
		m.launches.WithLabelValues(name, "ok").Inc()
	}
}

func (m *Metrics) runEnded(name string, cause Cause) {
	if m == nil {
		return
	}
	m.ended.WithLabelValues(name, cause.String()).Inc()
}

func (m *Metrics) restartScheduled(name string, cause Cause) {
	if m == nil {
		return
	}
	m.restarts.WithLabelValues(name, cause.String()).Inc()
}

func (m *Metrics) sampled(name string, rss uint64) {
	if m == nil {
		return
	}
	m.rss.WithLabelValues(name).Set(float64(rss))
}

// update refreshes the gauges from a run state.
func (m *Metrics) update(name string, rs RunState) {
	if m == nil {
		return
	}
	m.up.WithLabelValues(name).Set(b2f(rs.State == StateRunning))
	m.counter.WithLabelValues(name).Set(float64(rs.Restarts))
	m.fatal.WithLabelValues(name).Set(b2f(rs.Fatal != nil))
	if rs.State != StateRunning {
		m.rss.WithLabelValues(name).Set(0)
	}
}

// forget drops every series of a removed service.
func (m *Metrics) forget(name string) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{"service": name}
	m.launches.DeletePartialMatch(labels)
	m.restarts.DeletePartialMatch(labels)
	m.ended.DeletePartialMatch(labels)
	m.up.Delete(labels)
	m.rss.Delete(labels)
	m.counter.Delete(labels)
	m.fatal.Delete(labels)
}

/*
 * Licensed to the Apache Software Foundation (ASF) under one or more
 * contributor license agreements.  See the NOTICE file distributed with
 * this work for additional information regarding copyright ownership.
 * The ASF licenses this file to You under the Apache License, Version 2.0
 * (the "License"); you may not use this file except in compliance with
 * the License.  You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package metrics exposes supervisor state as Prometheus metrics.
// metrics 包以 Prometheus 指标的形式暴露监督器状态。
package metrics

import (
	"net/http"

	"github.com/pipekeeper/pipekeeper/internal/monitor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pipekeeper"

// Exit reason label values
// 退出原因标签值
const (
	ReasonExited       = "exited"
	ReasonTimedOut     = "timed_out"
	ReasonLaunchFailed = "launch_failed"
)

// Metrics holds the supervisor collectors on a private registry.
// Metrics 在独立的注册表上持有监督器指标。
type Metrics struct {
	registry *prometheus.Registry

	workerUp   prometheus.Gauge
	launches   prometheus.Counter
	restarts   prometheus.Counter
	exits      *prometheus.CounterVec
	holding    prometheus.Gauge
	rssBytes   prometheus.Gauge
	cpuPercent prometheus.Gauge
}

// New creates and registers the collectors.
// New 创建并注册指标。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		workerUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_up",
			Help:      "1 while the supervised worker is believed to be running",
		}),
		launches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_launches_total",
			Help:      "Worker launch attempts, including failed ones",
		}),
		restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_restarts_total",
			Help:      "Restarts performed by the restart policy",
		}),
		exits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_exits_total",
				Help:      "Worker exits observed by the liveness monitor",
			},
			[]string{"reason"}, // "exited", "timed_out", "launch_failed"
		),
		holding: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "supervisor_holding",
			Help:      "1 while the supervisor is holding the container open after a failure",
		}),
		rssBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_resident_memory_bytes",
			Help:      "Resident set size of the worker process",
		}),
		cpuPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_cpu_percent",
			Help:      "CPU usage of the worker process since it started",
		}),
	}

	m.registry.MustRegister(
		m.workerUp,
		m.launches,
		m.restarts,
		m.exits,
		m.holding,
		m.rssBytes,
		m.cpuPercent,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Observe implements monitor.EventHandler.
// Observe 实现 monitor.EventHandler。
func (m *Metrics) Observe(ev monitor.Event) {
	switch ev.Type {
	case monitor.EventStarted:
		m.launches.Inc()
		m.workerUp.Set(1)
	case monitor.EventLaunchFailed:
		m.launches.Inc()
		m.workerUp.Set(0)
		m.exits.WithLabelValues(ReasonLaunchFailed).Inc()
	case monitor.EventExited:
		m.workerUp.Set(0)
		m.exits.WithLabelValues(ReasonExited).Inc()
	case monitor.EventTimedOut:
		m.workerUp.Set(0)
		m.exits.WithLabelValues(ReasonTimedOut).Inc()
	case monitor.EventRestarting:
		m.restarts.Inc()
	}
}

// SetHolding flags the hold state.
func (m *Metrics) SetHolding(holding bool) {
	if holding {
		m.holding.Set(1)
		return
	}
	m.holding.Set(0)
}

// SetUsage records the worker's latest resource usage.
func (m *Metrics) SetUsage(rssBytes uint64, cpuPercent float64) {
	m.rssBytes.Set(float64(rssBytes))
	m.cpuPercent.Set(cpuPercent)
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns HTTP handler for Prometheus metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

/*
   Copyright The containerd Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package metrics exposes the daemon's sandbox-lifecycle counters on a
// dedicated prometheus registry, kept separate from the default global
// registry so tests can construct throwaway instances without
// colliding on metric name registration.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cri_netd"

// Sandbox holds the counters and gauges the dispatcher updates across
// RunPodSandbox/StopPodSandbox/RemovePodSandbox.
type Sandbox struct {
	OperationsTotal   *prometheus.CounterVec
	OperationFailures *prometheus.CounterVec
	ActiveSandboxes   prometheus.Gauge
	CNIAddDuration    prometheus.Histogram
}

// NewSandbox constructs a Sandbox metric set. Call Register to attach it
// to a registry before serving /metrics.
func NewSandbox() *Sandbox {
	return &Sandbox{
		OperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "operations_total",
			Help:      "Count of pod sandbox lifecycle operations, by operation.",
		}, []string{"operation"}),
		OperationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "operation_failures_total",
			Help:      "Count of failed pod sandbox lifecycle operations, by operation.",
		}, []string{"operation"}),
		ActiveSandboxes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "active",
			Help:      "Number of pod sandboxes currently held in the dispatcher's in-memory index.",
		}),
		CNIAddDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cni",
			Name:      "add_duration_seconds",
			Help:      "Time taken to run the default network's full plugin chain for a sandbox start.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Register attaches every collector in s to reg.
func (s *Sandbox) Register(reg *prometheus.Registry) {
	reg.MustRegister(s.OperationsTotal, s.OperationFailures, s.ActiveSandboxes, s.CNIAddDuration)
}

// NewRegistry returns a fresh registry pre-loaded with the Go runtime
// and process collectors, matching what promhttp callers expect
// alongside the daemon's own metrics.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	return reg
}

// Handler returns the HTTP handler to mount at /metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

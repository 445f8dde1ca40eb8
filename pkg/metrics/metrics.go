// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes the engine's Prometheus instrumentation: jobs by
// terminal status, iteration outcomes, and HTTP request activity, all on a
// dedicated registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter/histogram/gauge the engine records.
type Metrics struct {
	registry *prometheus.Registry

	jobsTotal       *prometheus.CounterVec
	jobsActive      prometheus.Gauge
	jobDuration     *prometheus.HistogramVec
	iterationsTotal *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// New builds and registers every metric on a fresh registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.jobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "distill", Subsystem: "job", Name: "total",
		Help: "Total jobs by terminal status.",
	}, []string{"status"})

	m.jobsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "distill", Subsystem: "job", Name: "active",
		Help: "Jobs currently running.",
	})

	m.jobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "distill", Subsystem: "job", Name: "duration_seconds",
		Help:    "Job wall-clock duration by terminal status.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"status"})

	m.iterationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "distill", Subsystem: "iteration", Name: "total",
		Help: "Iterations executed, by whether they stopped early.",
	}, []string{"stopped_early"})

	m.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "distill", Subsystem: "http", Name: "requests_total",
		Help: "HTTP requests by route and status.",
	}, []string{"route", "method", "status"})

	m.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "distill", Subsystem: "http", Name: "request_duration_seconds",
		Help:    "HTTP request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method"})

	m.registry.MustRegister(
		m.jobsTotal, m.jobsActive, m.jobDuration,
		m.iterationsTotal,
		m.httpRequests, m.httpDuration,
	)

	return m
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) JobStarted() { m.jobsActive.Inc() }

func (m *Metrics) JobFinished(status string, d time.Duration) {
	m.jobsActive.Dec()
	m.jobsTotal.WithLabelValues(status).Inc()
	m.jobDuration.WithLabelValues(status).Observe(d.Seconds())
}

func (m *Metrics) IterationRecorded(stoppedEarly bool) {
	label := "false"
	if stoppedEarly {
		label = "true"
	}
	m.iterationsTotal.WithLabelValues(label).Inc()
}

func (m *Metrics) HTTPRequest(route, method, status string, d time.Duration) {
	m.httpRequests.WithLabelValues(route, method, status).Inc()
	m.httpDuration.WithLabelValues(route, method).Observe(d.Seconds())
}

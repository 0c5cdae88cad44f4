// Tom is a network automation broker.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package metrics exposes Prometheus collectors for the broker. All
// collectors live on a package-private registry so tests can reset
// state without touching the default registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	jobsTotal    *prometheus.CounterVec
	jobDuration  prometheus.Histogram
	gateWait     prometheus.Histogram
	cacheLookups *prometheus.CounterVec
	queueDepth   prometheus.Gauge
	activeLeases prometheus.Gauge
)

func init() { Reset() }

// Reset recreates the registry and collectors. Intended for tests.
func Reset() {
	registry = prometheus.NewRegistry()

	jobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tom_jobs_total",
		Help: "Jobs finished, by terminal status and error class.",
	}, []string{"status", "error_class"})

	jobDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tom_job_duration_seconds",
		Help:    "Wall time of job execution, excluding queue wait.",
		Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
	})

	gateWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tom_gate_wait_seconds",
		Help:    "Time jobs spend waiting for a device lease.",
		Buckets: []float64{.5, 1, 2, 5, 10, 30, 60, 120, 300},
	})

	cacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tom_cache_lookups_total",
		Help: "Cache lookups by outcome.",
	}, []string{"outcome"})

	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tom_queue_depth",
		Help: "Pending plus scheduled jobs.",
	})

	activeLeases = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tom_active_leases",
		Help: "Device leases currently held by this worker.",
	})

	registry.MustRegister(jobsTotal, jobDuration, gateWait, cacheLookups, queueDepth, activeLeases)
}

// Handler returns the /metrics handler for this registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// RecordJob observes a finished job.
func RecordJob(status, errorClass string, duration time.Duration) {
	jobsTotal.WithLabelValues(status, errorClass).Inc()
	if duration > 0 {
		jobDuration.Observe(duration.Seconds())
	}
}

// RecordGateWait observes the lease wait of a job that got through.
func RecordGateWait(d time.Duration) {
	gateWait.Observe(d.Seconds())
}

// RecordCacheLookup counts a lookup outcome (hit, miss, disabled, error).
func RecordCacheLookup(outcome string) {
	cacheLookups.WithLabelValues(outcome).Inc()
}

// SetQueueDepth publishes the current backlog.
func SetQueueDepth(n int64) {
	queueDepth.Set(float64(n))
}

// LeaseAcquired / LeaseReleased track held leases.
func LeaseAcquired() { activeLeases.Inc() }
func LeaseReleased() { activeLeases.Dec() }

// Copyright 2025 Tom Barlow
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

// Package metrics exposes Prometheus instrumentation for the dispatcher
// core and the worker bridge.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// workItemsFetched tracks work items leased from the backend
	workItemsFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskhub_work_items_fetched_total",
			Help: "Total work items fetched by dispatcher kind",
		},
		[]string{"dispatcher"},
	)

	// workItemsCompleted tracks work item outcomes
	workItemsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskhub_work_items_completed_total",
			Help: "Total work items completed by dispatcher kind and outcome",
		},
		[]string{"dispatcher", "outcome"},
	)

	// workItemsInFlight tracks currently executing work items
	workItemsInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskhub_work_items_in_flight",
			Help: "Work items currently executing by dispatcher kind",
		},
		[]string{"dispatcher"},
	)

	// workItemDuration tracks end-to-end work item execution time
	workItemDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskhub_work_item_duration_seconds",
			Help:    "Work item execution duration by dispatcher kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"dispatcher"},
	)

	// workerConnected tracks whether a worker stream is registered
	workerConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskhub_worker_connected",
			Help: "1 when a worker work-item stream is registered, 0 otherwise",
		},
	)

	// historyChunks tracks streamed history chunks
	historyChunks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskhub_history_chunks_total",
			Help: "Total history chunks streamed to workers",
		},
	)

	// historyBytes tracks streamed history payload bytes
	historyBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskhub_history_bytes_total",
			Help: "Total history payload bytes streamed to workers",
		},
	)
)

// RecordFetched increments the fetched counter for a dispatcher kind.
func RecordFetched(dispatcher string) {
	workItemsFetched.WithLabelValues(dispatcher).Inc()
}

// RecordOutcome increments the completion counter for a dispatcher kind.
// Outcome is one of "completed", "abandoned", or "failed".
func RecordOutcome(dispatcher, outcome string) {
	workItemsCompleted.WithLabelValues(dispatcher, outcome).Inc()
}

// TrackInFlight adjusts the in-flight gauge for a dispatcher kind.
func TrackInFlight(dispatcher string, delta float64) {
	workItemsInFlight.WithLabelValues(dispatcher).Add(delta)
}

// ObserveDuration records a work item execution duration in seconds.
func ObserveDuration(dispatcher string, seconds float64) {
	workItemDuration.WithLabelValues(dispatcher).Observe(seconds)
}

// SetWorkerConnected flips the worker-connected gauge.
func SetWorkerConnected(connected bool) {
	if connected {
		workerConnected.Set(1)
		return
	}
	workerConnected.Set(0)
}

// RecordHistoryChunk accounts one streamed history chunk.
func RecordHistoryChunk(payloadBytes int) {
	historyChunks.Inc()
	historyBytes.Add(float64(payloadBytes))
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

//
// Copyright 2017 Gregory Trubetskoy. All Rights Reserved.
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

// Package stats holds the prometheus metrics of sitestat itself,
// served at /metrics.
package stats

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sitestat"

var (
	SamplesStored = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_stored_total",
			Help:      "Samples written to the store.",
		},
	)

	// Labelled by the error code sent back to the client.
	SamplesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_rejected_total",
			Help:      "Collect requests refused, by reason.",
		},
		[]string{"code"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		},
		[]string{"route", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2.5, 10),
		},
		[]string{"route"},
	)

	RollupCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollup_cache_hits_total",
			Help:      "Rollups answered from the cache.",
		},
	)

	CursorResets = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delta_cursor_resets_total",
			Help:      "Delta requests with a cursor that could not be parsed.",
		},
	)

	SweptSamples = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_swept_samples_total",
			Help:      "Samples deleted by the retention sweep.",
		},
	)
)

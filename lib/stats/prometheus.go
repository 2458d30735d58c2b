// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package stats

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus exports measurements as Prometheus metrics.
type Prometheus struct {
	flushes          prometheus.Counter
	flushedRecords   prometheus.Counter
	dispatchDuration *prometheus.HistogramVec
	droppedRecords   *prometheus.CounterVec
}

// NewPrometheus registers the pipeline's metrics on registerer. Use a
// fresh prometheus.NewRegistry() per instance; registering twice on one
// registry panics.
func NewPrometheus(registerer prometheus.Registerer) *Prometheus {
	factory := promauto.With(registerer)
	return &Prometheus{
		flushes: factory.NewCounter(prometheus.CounterOpts{
			Name: "eventpipe_flushes_total",
			Help: "Total number of batches accepted by the collector",
		}),
		flushedRecords: factory.NewCounter(prometheus.CounterOpts{
			Name: "eventpipe_flushed_records_total",
			Help: "Total number of records delivered to the collector",
		}),
		dispatchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eventpipe_dispatch_duration_seconds",
			Help:    "Time taken by a target to accept one event",
			Buckets: prometheus.DefBuckets,
		}, []string{"target"}),
		droppedRecords: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "eventpipe_dropped_records_total",
			Help: "Total number of records discarded before delivery",
		}, []string{"reason"}),
	}
}

func (p *Prometheus) RecordFlush(records int) {
	p.flushes.Inc()
	p.flushedRecords.Add(float64(records))
}

func (p *Prometheus) RecordDispatch(target string, elapsed time.Duration) {
	p.dispatchDuration.WithLabelValues(target).Observe(elapsed.Seconds())
}

func (p *Prometheus) RecordDrop(reason string, records int) {
	p.droppedRecords.WithLabelValues(reason).Add(float64(records))
}

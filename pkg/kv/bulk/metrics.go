// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package bulk

import (
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeSuccess     = "success"
	outcomeNotLeader   = "not_leader"
	outcomeEpochStale  = "epoch_stale"
	outcomeUnavailable = "unavailable"
	outcomeFatal       = "fatal"
)

// Metrics are the ingest pipeline's metrics. They are shared by all jobs.
type Metrics struct {
	IngestAttempts *prometheus.CounterVec
	IngestedBytes  prometheus.Counter
	Segments       prometheus.Counter
	SubSegments    prometheus.Counter
	Resplits       prometheus.Counter
	AttemptLatency prometheus.Histogram
	SSTBufferBytes prometheus.Gauge
}

// NewMetrics creates the metrics. They are not registered.
func NewMetrics() *Metrics {
	const ns, sub = "kvimport", "ingest"
	return &Metrics{
		IngestAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "attempts_total",
			Help: "Number of ingest attempts by outcome.",
		}, []string{"outcome"}),
		IngestedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "bytes_total",
			Help: "Bytes of SSTs successfully ingested.",
		}),
		Segments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "segments_total",
			Help: "Number of segments built from staging stores.",
		}),
		SubSegments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "sub_segments_total",
			Help: "Number of sub-segments dispatched.",
		}),
		Resplits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "resplits_total",
			Help: "Number of sub-segments re-split after an epoch mismatch.",
		}),
		AttemptLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub, Name: "attempt_duration_seconds",
			Help:    "Latency of ingest calls.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		}),
		SSTBufferBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub, Name: "sst_buffer_bytes",
			Help: "Memory held by SSTs being built or sent.",
		}),
	}
}

// Register registers the metrics with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.IngestAttempts, m.IngestedBytes, m.Segments, m.SubSegments,
		m.Resplits, m.AttemptLatency, m.SSTBufferBytes,
	} {
		if err := reg.Register(c); err != nil {
			return errors.Wrap(err, "registering ingest metrics")
		}
	}
	return nil
}

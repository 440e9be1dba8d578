// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package importer

import (
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kvimport/pkg/kv/bulk"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the importer's metrics, the ingest pipeline's included.
type Metrics struct {
	OpenJobs     prometheus.Gauge
	WrittenBytes prometheus.Counter
	WrittenKeys  prometheus.Counter
	// FinishedJobs counts finishes by terminal state.
	FinishedJobs *prometheus.CounterVec

	Ingest *bulk.Metrics
}

// NewMetrics creates the metrics. They are not registered.
func NewMetrics() *Metrics {
	const ns, sub = "kvimport", "jobs"
	return &Metrics{
		OpenJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub, Name: "open",
			Help: "Number of jobs holding a staging store.",
		}),
		WrittenBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "written_bytes_total",
			Help: "Bytes written to staging stores.",
		}),
		WrittenKeys: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "written_keys_total",
			Help: "Entries written to staging stores.",
		}),
		FinishedJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "finished_total",
			Help: "Number of finished jobs by terminal state.",
		}, []string{"state"}),
		Ingest: bulk.NewMetrics(),
	}
}

// Register registers the metrics with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.OpenJobs, m.WrittenBytes, m.WrittenKeys, m.FinishedJobs,
	} {
		if err := reg.Register(c); err != nil {
			return errors.Wrap(err, "registering job metrics")
		}
	}
	return m.Ingest.Register(reg)
}

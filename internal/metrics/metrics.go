// Package metrics registers the Prometheus instruments exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the service's Prometheus instruments.
type Metrics struct {
	BackupsTotal  *prometheus.CounterVec
	RestoresTotal *prometheus.CounterVec
	QueueDepth    prometheus.Gauge
	SlotHeld      prometheus.Gauge
	ArchiveBytes  prometheus.Histogram
}

// New registers the instruments on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		BackupsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stevedore_backups_total",
			Help: "Completed backup attempts by type and result.",
		}, []string{"type", "result"}),
		RestoresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stevedore_restores_total",
			Help: "Completed restore attempts by result.",
		}, []string{"result"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "stevedore_queue_depth",
			Help: "Backups waiting in the FIFO queue.",
		}),
		SlotHeld: factory.NewGauge(prometheus.GaugeOpts{
			Name: "stevedore_slot_held",
			Help: "Whether the single backup slot is currently held.",
		}),
		ArchiveBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "stevedore_archive_bytes",
			Help:    "Size of sealed backup archives.",
			Buckets: prometheus.ExponentialBuckets(1<<20, 4, 10),
		}),
	}
}

// NewNop returns metrics backed by a throwaway registry, for tests.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

package dryrun

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/snyk/manifest-washer/internal/metrics"
)

// probe results
const (
	resultRemovable = "removable"
	resultRequired  = "required"
	resultAbsent    = "absent"
	resultError     = "error"
)

// Metrics are shared by all oracles of a process.
type Metrics struct {
	probes   *prometheus.CounterVec
	duration prometheus.Histogram
}

// NewMetrics creates the probe metrics and registers them with reg, which may be nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		probes: metrics.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Name:      "dry_run_probes_total",
			Help:      "Number of dry-run removability probes by result.",
		}, []string{"result"})),
		duration: metrics.Register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Name:      "dry_run_probe_duration_seconds",
			Help:      "Duration of dry-run requests against the cluster.",
			Buckets:   prometheus.DefBuckets,
		})),
	}
}

func (m *Metrics) observe(result string) {
	m.probes.WithLabelValues(result).Inc()
}

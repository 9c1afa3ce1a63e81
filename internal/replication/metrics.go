package replication

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for runners and reconciliation. A nil
// *Metrics records nothing.
//
// Metrics:
//   - spacesync_layer_faults_total{layer,op} - isolated per-layer failures
//   - spacesync_forwarded_ops_total{layer} - local ops pushed while tracking
//   - spacesync_reconciled_ops_total{layer} - ops delivered by reconciliation or catch-up
//   - spacesync_space_load_seconds - time from load start to a ready space
type Metrics struct {
	LayerFaults   *prometheus.CounterVec
	ForwardedOps  *prometheus.CounterVec
	ReconciledOps *prometheus.CounterVec
	LoadSeconds   prometheus.Histogram
}

// NewMetrics registers the metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		LayerFaults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spacesync_layer_faults_total",
			Help: "Total number of isolated persistence layer failures",
		}, []string{"layer", "op"}),
		ForwardedOps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spacesync_forwarded_ops_total",
			Help: "Total number of local operations forwarded to layers",
		}, []string{"layer"}),
		ReconciledOps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spacesync_reconciled_ops_total",
			Help: "Total number of operations delivered to layers that lacked them",
		}, []string{"layer"}),
		LoadSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "spacesync_space_load_seconds",
			Help:    "Time until a loading space became ready",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		}),
	}
}

func (m *Metrics) fault(layer, op string) {
	if m == nil {
		return
	}
	m.LayerFaults.WithLabelValues(layer, op).Inc()
}

func (m *Metrics) forwarded(layer string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ForwardedOps.WithLabelValues(layer).Add(float64(n))
}

func (m *Metrics) reconciled(layer string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ReconciledOps.WithLabelValues(layer).Add(float64(n))
}

func (m *Metrics) loaded(since time.Time) {
	if m == nil {
		return
	}
	m.LoadSeconds.Observe(time.Since(since).Seconds())
}

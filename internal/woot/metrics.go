package woot

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultApplied   = "applied"
	resultQueued    = "queued"
	resultDuplicate = "duplicate"
	resultRejected  = "rejected"
	resultDrained   = "drained"

	originLocal  = "local"
	originRemote = "remote"
)

// Metrics are the engine collectors. A nil *Metrics records nothing.
type Metrics struct {
	operations *prometheus.CounterVec
	queued     prometheus.Gauge
	documents  prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relaywoot_operations_total",
			Help: "Operations handled by the engine, by origin and result",
		}, []string{"origin", "result"}),
		queued: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relaywoot_waiting_queue_size",
			Help: "Operations waiting for causal dependencies",
		}),
		documents: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relaywoot_documents",
			Help: "Documents loaded by the engine",
		}),
	}
}

func (m *Metrics) observe(origin, result string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.operations.WithLabelValues(origin, result).Add(float64(n))
}

func (m *Metrics) addQueued(delta int) {
	if m == nil || delta == 0 {
		return
	}
	m.queued.Add(float64(delta))
}

func (m *Metrics) setQueued(n int) {
	if m == nil {
		return
	}
	m.queued.Set(float64(n))
}

func (m *Metrics) setDocuments(n int) {
	if m == nil {
		return
	}
	m.documents.Set(float64(n))
}

package meter

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ineyio/stockify"
)

// PromMeter exports pipeline events as Prometheus metrics.
type PromMeter struct {
	Dispatches   *prometheus.CounterVec
	Results      *prometheus.CounterVec
	CallDuration *prometheus.HistogramVec
	TasksDone    *prometheus.CounterVec
}

var _ stockify.Meter = (*PromMeter)(nil)

// NewPromMeter creates a PromMeter and registers its collectors with reg.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewPromMeter(reg prometheus.Registerer) *PromMeter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &PromMeter{
		Dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stockify",
			Name:      "dispatches_total",
			Help:      "Inference calls issued.",
		}, []string{"model"}),
		Results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stockify",
			Name:      "call_results_total",
			Help:      "Inference call outcomes by error kind.",
		}, []string{"model", "kind"}),
		CallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stockify",
			Name:      "call_duration_seconds",
			Help:      "Inference call latency.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 8),
		}, []string{"model"}),
		TasksDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stockify",
			Name:      "tasks_done_total",
			Help:      "Tasks reaching a terminal state.",
		}, []string{"model", "state", "kind"}),
	}

	reg.MustRegister(m.Dispatches, m.Results, m.CallDuration, m.TasksDone)
	return m
}

func (m *PromMeter) OnDispatch(e stockify.DispatchEvent) {
	m.Dispatches.WithLabelValues(e.Model).Inc()
}

func (m *PromMeter) OnResult(e stockify.ResultEvent) {
	kind := "ok"
	if !e.Success {
		kind = string(stockify.Kind(e.Err))
	}
	m.Results.WithLabelValues(e.Model, kind).Inc()
	m.CallDuration.WithLabelValues(e.Model).Observe(e.Duration.Seconds())
}

func (m *PromMeter) OnTaskDone(e stockify.TaskEvent) {
	m.TasksDone.WithLabelValues(e.Model, string(e.State), string(e.Kind)).Inc()
}

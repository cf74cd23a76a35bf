package metrics

import (
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once              sync.Once
	operationsOpened  prom.Counter
	operationsClosed  *prom.CounterVec
	operationDuration prom.Histogram
	stepTransitions   *prom.CounterVec
	rejectedWrites    *prom.CounterVec
	openOperations    prom.Gauge
	stalledOperations prom.Gauge
	liveInstances     prom.Gauge
	instancesSwept    prom.Counter
}

// NewPrometheusRecorder constructs and registers Prometheus metrics (idempotent).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.operationsOpened = prom.NewCounter(prom.CounterOpts{
			Namespace: "diskwarden",
			Name:      "operations_opened_total",
			Help:      "Operations opened on devices",
		})
		pr.operationsClosed = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "diskwarden",
			Name:      "operations_closed_total",
			Help:      "Operations closed by outcome",
		}, []string{"outcome"})
		pr.operationDuration = prom.NewHistogram(prom.HistogramOpts{
			Namespace: "diskwarden",
			Name:      "operation_duration_seconds",
			Help:      "Wall time from operation open to close",
			Buckets:   prom.ExponentialBuckets(1, 4, 12),
		})
		pr.stepTransitions = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "diskwarden",
			Name:      "step_transitions_total",
			Help:      "Sub-operation status transitions by type and new status",
		}, []string{"step_type", "status"})
		pr.rejectedWrites = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "diskwarden",
			Name:      "rejected_writes_total",
			Help:      "Writes rejected by invariant or ordering checks, by fault code",
		}, []string{"code"})
		pr.openOperations = prom.NewGauge(prom.GaugeOpts{
			Namespace: "diskwarden",
			Name:      "open_operations",
			Help:      "Operations currently open",
		})
		pr.stalledOperations = prom.NewGauge(prom.GaugeOpts{
			Namespace: "diskwarden",
			Name:      "stalled_operations",
			Help:      "Open operations whose snapshot age exceeds the stall threshold",
		})
		pr.liveInstances = prom.NewGauge(prom.GaugeOpts{
			Namespace: "diskwarden",
			Name:      "live_instances",
			Help:      "Registry entries presumed alive",
		})
		pr.instancesSwept = prom.NewCounter(prom.CounterOpts{
			Namespace: "diskwarden",
			Name:      "instances_swept_total",
			Help:      "Stale registry entries marked terminated by the liveness sweep",
		})
		reg.MustRegister(pr.operationsOpened, pr.operationsClosed, pr.operationDuration,
			pr.stepTransitions, pr.rejectedWrites, pr.openOperations,
			pr.stalledOperations, pr.liveInstances, pr.instancesSwept)
	})
	return pr
}

func (p *PrometheusRecorder) IncOperationOpened() {
	if p == nil || p.operationsOpened == nil {
		return
	}
	p.operationsOpened.Inc()
}

func (p *PrometheusRecorder) IncOperationClosed(outcome Outcome) {
	if p == nil || p.operationsClosed == nil {
		return
	}
	p.operationsClosed.WithLabelValues(string(outcome)).Inc()
}

func (p *PrometheusRecorder) ObserveOperationDuration(d time.Duration) {
	if p == nil || p.operationDuration == nil {
		return
	}
	p.operationDuration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncStepTransition(stepType, status string) {
	if p == nil || p.stepTransitions == nil {
		return
	}
	p.stepTransitions.WithLabelValues(stepType, status).Inc()
}

func (p *PrometheusRecorder) IncRejectedWrite(code string) {
	if p == nil || p.rejectedWrites == nil {
		return
	}
	p.rejectedWrites.WithLabelValues(code).Inc()
}

func (p *PrometheusRecorder) SetOpenOperations(n int) {
	if p == nil || p.openOperations == nil {
		return
	}
	p.openOperations.Set(float64(n))
}

func (p *PrometheusRecorder) SetStalledOperations(n int) {
	if p == nil || p.stalledOperations == nil {
		return
	}
	p.stalledOperations.Set(float64(n))
}

func (p *PrometheusRecorder) SetLiveInstances(n int) {
	if p == nil || p.liveInstances == nil {
		return
	}
	p.liveInstances.Set(float64(n))
}

func (p *PrometheusRecorder) IncInstancesSwept(n int) {
	if p == nil || p.instancesSwept == nil {
		return
	}
	p.instancesSwept.Add(float64(n))
}

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "embedapi"

// CostMetrics tracks attributed spend and token volume.
//
// Metrics:
//   - embedapi_cost_total: attributed cost by plan and model
//   - embedapi_cost_per_request: cost distribution per request
//   - embedapi_tokens_total: tokens by plan, model and direction
//   - embedapi_usage_record_failures_total: usage events that could not be queued or stored
type CostMetrics struct {
	registry *prometheus.Registry

	costTotal      *prometheus.CounterVec
	costPerRequest *prometheus.HistogramVec
	tokensTotal    *prometheus.CounterVec
	recordFailures prometheus.Counter
}

// NewCostMetrics creates and registers cost metrics. A nil registry gets a
// fresh one so tests never collide on the global default.
func NewCostMetrics(registry *prometheus.Registry) *CostMetrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	cm := &CostMetrics{
		registry: registry,
		costTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cost_total",
				Help:      "Total attributed cost in USD by plan and model",
			},
			[]string{"plan", "model"},
		),
		costPerRequest: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cost_per_request",
				Help:      "Cost distribution per request in USD",
				Buckets:   []float64{0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
			},
			[]string{"plan", "model"},
		),
		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tokens_total",
				Help:      "Tokens processed by plan, model and direction",
			},
			[]string{"plan", "model", "direction"},
		),
		recordFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "usage_record_failures_total",
				Help:      "Usage events that could not be queued or persisted",
			},
		),
	}

	registry.MustRegister(
		cm.costTotal,
		cm.costPerRequest,
		cm.tokensTotal,
		cm.recordFailures,
	)
	return cm
}

// RecordRequestCost records the cost of a single request. Zero-cost requests
// are not observed.
func (cm *CostMetrics) RecordRequestCost(plan, model string, costUSD float64) {
	if cm == nil || costUSD <= 0 {
		return
	}
	cm.costTotal.WithLabelValues(plan, model).Add(costUSD)
	cm.costPerRequest.WithLabelValues(plan, model).Observe(costUSD)
}

func (cm *CostMetrics) RecordTokens(plan, model string, input, output int) {
	if cm == nil {
		return
	}
	if input > 0 {
		cm.tokensTotal.WithLabelValues(plan, model, "input").Add(float64(input))
	}
	if output > 0 {
		cm.tokensTotal.WithLabelValues(plan, model, "output").Add(float64(output))
	}
}

func (cm *CostMetrics) RecordFailure() {
	if cm == nil {
		return
	}
	cm.recordFailures.Inc()
}

// Handler exposes the registry in the Prometheus text format.
func (cm *CostMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(cm.registry, promhttp.HandlerOpts{})
}

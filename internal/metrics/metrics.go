package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the API
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, path, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// DeliveryAttempts counts send outcomes by event type and resulting status
	DeliveryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_delivery_attempts_total", Help: "Webhook delivery attempts by event type and outcome."},
		[]string{"event", "outcome"},
	)
	// DeliveryLatency tracks outbound send latencies in milliseconds
	DeliveryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Webhook send latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
		[]string{"event", "outcome"},
	)
	// DeliveriesEnqueued counts fan-out rows created per event type
	DeliveriesEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_enqueued_total", Help: "Deliveries created by fan-out, by event type."},
		[]string{"event"},
	)
	// DeadLettered counts deliveries that exhausted their retry budget
	DeadLettered = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_dead_total", Help: "Deliveries dead-lettered after exhausting retries."},
		[]string{"event"},
	)
	// InboundVerifications counts inbound webhook verification outcomes
	InboundVerifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_inbound_total", Help: "Inbound webhook verifications by outcome."},
		[]string{"source", "outcome"},
	)
)

// RegisterDefault registers collectors to the package registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(DeliveryAttempts)
		Registry.MustRegister(DeliveryLatency)
		Registry.MustRegister(DeliveriesEnqueued)
		Registry.MustRegister(DeadLettered)
		Registry.MustRegister(InboundVerifications)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once

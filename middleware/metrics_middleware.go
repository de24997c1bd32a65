package middleware

import (
	"context"
	"time"

	"duplex-rpc/message"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the prometheus collectors of MetricsMiddleware.
type Metrics struct {
	Requests *prometheus.CounterVec   // by operation and outcome ("ok" or the error type)
	Duration *prometheus.HistogramVec // by operation
	InFlight prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg (prometheus.DefaultRegisterer
// when nil).
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "Invocations handled, by operation and outcome.",
		}, []string{"operation", "outcome"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_request_duration_seconds",
			Help:      "Invocation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rpc_requests_in_flight",
			Help:      "Invocations currently running.",
		}),
	}
	reg.MustRegister(m.Requests, m.Duration, m.InFlight)
	return m
}

// MetricsMiddleware records count, outcome and latency of every invocation.
func MetricsMiddleware(m *Metrics) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			m.InFlight.Inc()
			start := time.Now()
			resp := next(ctx, req)
			m.InFlight.Dec()

			outcome := "ok"
			if resp != nil && resp.Failed() {
				outcome = resp.ErrorType
			}
			m.Requests.WithLabelValues(req.OperationName, outcome).Inc()
			m.Duration.WithLabelValues(req.OperationName).Observe(time.Since(start).Seconds())
			return resp
		}
	}
}

package obs

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// HTTPMetrics holds the server-side request collectors.
type HTTPMetrics struct {
	ReqTotal *prometheus.CounterVec
	ReqDur   *prometheus.HistogramVec
	InFlight prometheus.Gauge
}

// NewHTTPMetrics creates and registers the HTTP collectors. Collectors already present
// in reg are reused.
func NewHTTPMetrics(namespace string, buckets []float64, reg prometheus.Registerer) *HTTPMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if len(buckets) == 0 {
		buckets = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 10000}
	}
	sort.Float64s(buckets)

	m := &HTTPMetrics{
		ReqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		ReqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_ms",
			Help:      "HTTP request latency in milliseconds.",
			Buckets:   buckets,
		}, []string{"method", "route"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_in_flight_requests",
			Help:      "HTTP requests currently being served.",
		}),
	}
	mustRegisterCollector(reg, m.ReqTotal, func(c prometheus.Collector) {
		if v, ok := c.(*prometheus.CounterVec); ok {
			m.ReqTotal = v
		}
	})
	mustRegisterCollector(reg, m.ReqDur, func(c prometheus.Collector) {
		if v, ok := c.(*prometheus.HistogramVec); ok {
			m.ReqDur = v
		}
	})
	mustRegisterCollector(reg, m.InFlight, func(c prometheus.Collector) {
		if v, ok := c.(prometheus.Gauge); ok {
			m.InFlight = v
		}
	})
	return m
}

// ParseBucketsCSV parses "5,10,25" into bucket bounds, skipping invalid entries.
func ParseBucketsCSV(csv string) []float64 {
	var out []float64
	for _, part := range strings.Split(csv, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil || v <= 0 {
			continue
		}
		out = append(out, v)
	}
	return out
}

// DurationMillis converts d to fractional milliseconds.
func DurationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// ObserveProviderCall records one outbound provider call. It is a no-op until
// MustRegisterDomainMetrics has run.
func ObserveProviderCall(provider, operation string, err error, d time.Duration) {
	if ProviderCallDuration == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	ProviderCallDuration.WithLabelValues(provider, operation, result).Observe(DurationMillis(d))
}

// CountOperation increments payment_operation_total when registered.
func CountOperation(provider, operation, result string) {
	if PaymentOperationTotal == nil {
		return
	}
	if provider == "" {
		provider = "unknown"
	}
	PaymentOperationTotal.WithLabelValues(provider, operation, result).Inc()
}

// CountWebhook increments payment_webhook_total when registered.
func CountWebhook(provider, state, outcome string) {
	if WebhookTotal == nil {
		return
	}
	if outcome == "" {
		outcome = "none"
	}
	WebhookTotal.WithLabelValues(provider, state, outcome).Inc()
}

// CountSettlement records a settlement event handled by the worker.
func CountSettlement(provider, outcome, result string) {
	if SettlementAppliedTotal == nil {
		return
	}
	SettlementAppliedTotal.WithLabelValues(provider, outcome, result).Inc()
}

func mustRegisterCollector(reg prometheus.Registerer, collector prometheus.Collector, reuse func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if reuse != nil {
				reuse(are.ExistingCollector)
			}
			return
		}
		panic(fmt.Errorf("register metric: %w", err))
	}
}

package obs

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// PaymentOperationTotal counts orchestrator calls by provider, operation and result.
	PaymentOperationTotal *prometheus.CounterVec
	// ProviderCallDuration observes outbound provider call latency in milliseconds.
	ProviderCallDuration *prometheus.HistogramVec
	// WebhookTotal counts inbound webhooks by provider, final state and outcome.
	WebhookTotal *prometheus.CounterVec
	// SettlementAppliedTotal counts settlement events applied (or skipped as duplicates) by the worker.
	SettlementAppliedTotal *prometheus.CounterVec

	domainMetricsOnce sync.Once
)

// MustRegisterDomainMetrics registers the payment metrics once per process.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainMetricsOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		namespace = strings.TrimSpace(namespace)

		PaymentOperationTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_operation_total",
			Help:      "Payment operations by provider, operation and result",
		}, []string{"provider", "operation", "result"})
		ProviderCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "payment_provider_call_duration_ms",
			Help:      "Latency of outbound provider calls in milliseconds",
			Buckets:   []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"provider", "operation", "result"})
		WebhookTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_webhook_total",
			Help:      "Inbound provider webhooks by final state and outcome",
		}, []string{"provider", "state", "outcome"})
		SettlementAppliedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_applied_total",
			Help:      "Settlement events handled by the worker",
		}, []string{"provider", "outcome", "result"})

		mustRegisterCollector(reg, PaymentOperationTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PaymentOperationTotal = v
			}
		})
		mustRegisterCollector(reg, ProviderCallDuration, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.HistogramVec); ok {
				ProviderCallDuration = v
			}
		})
		mustRegisterCollector(reg, WebhookTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				WebhookTotal = v
			}
		})
		mustRegisterCollector(reg, SettlementAppliedTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				SettlementAppliedTotal = v
			}
		})
	})
}

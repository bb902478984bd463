package resilience

import "github.com/prometheus/client_golang/prometheus"

var (
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "paygate",
			Subsystem: "provider",
			Name:      "breaker_state",
			Help:      "Provider breaker state: 0=closed,1=open,2=half-open",
		},
		[]string{"provider"},
	)
	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paygate",
			Subsystem: "provider",
			Name:      "breaker_transition_total",
			Help:      "Provider breaker state transitions",
		},
		[]string{"provider", "from", "to"},
	)
	BreakerRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paygate",
			Subsystem: "provider",
			Name:      "breaker_rejected_total",
			Help:      "Provider calls refused while the breaker was open",
		},
		[]string{"provider"},
	)
)

func init() {
	prometheus.MustRegister(BreakerState, BreakerTransitions, BreakerRejectedTotal)
}

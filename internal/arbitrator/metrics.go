package arbitrator

import "github.com/prometheus/client_golang/prometheus"

var (
	disputesCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Name:      "arbitrator_disputes_created_total",
		Help:      "Total disputes opened with the arbitrator.",
	})

	rulingsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Name:      "arbitrator_rulings_total",
		Help:      "Total final rulings by ruling value.",
	}, []string{"ruling"})

	appealsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Name:      "arbitrator_appeals_total",
		Help:      "Total paid appeals.",
	})
)

func init() {
	prometheus.MustRegister(disputesCreatedTotal, rulingsTotal, appealsTotal)
}

package callback

import "github.com/prometheus/client_golang/prometheus"

var (
	attemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "validator_callback_attempts_total",
			Help: "Total number of callback POST attempts by outcome.",
		},
		[]string{"outcome"},
	)

	deliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "validator_callback_deliveries_total",
			Help: "Total number of callback notifications by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(attemptsTotal, deliveriesTotal)

	for _, o := range []string{"ok", "http_error", "network_error", "mint_error"} {
		attemptsTotal.WithLabelValues(o)
	}
	for _, r := range []string{"delivered", "skipped", "failed"} {
		deliveriesTotal.WithLabelValues(r)
	}
}

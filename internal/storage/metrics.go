package storage

import "github.com/prometheus/client_golang/prometheus"

var retriesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "validator_storage_retries_total",
		Help: "Total number of retried cloud storage operations.",
	},
	[]string{"op"},
)

func init() {
	prometheus.MustRegister(retriesTotal)

	retriesTotal.WithLabelValues("fetch")
	retriesTotal.WithLabelValues("put")
}

package coordinator

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// PushJob is the Pushgateway job name used by PushMetrics.
const PushJob = "validator"

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "validator_runs_total",
			Help: "Total number of runs that persisted an output, by validator type and status.",
		},
		[]string{"validator_type", "status"},
	)

	fatalTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "validator_fatal_errors_total",
			Help: "Total number of runs aborted by a fatal failure, by stage.",
		},
		[]string{"stage"},
	)

	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "validator_stage_duration_seconds",
			Help:    "Time spent in each execution stage.",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"stage"},
	)
)

func init() {
	prometheus.MustRegister(runsTotal, fatalTotal, stageDuration)

	for _, s := range Stages {
		stageDuration.WithLabelValues(string(s))
	}
	for _, s := range []Stage{StageLoading, StageValidating, StagePersisting} {
		fatalTotal.WithLabelValues(string(s))
	}
}

// PushMetrics sends the default registry to a Prometheus Pushgateway, grouped
// by run id when one is known.
func PushMetrics(ctx context.Context, gatewayURL, runID string) error {
	p := push.New(gatewayURL, PushJob).Gatherer(prometheus.DefaultGatherer)
	if runID != "" {
		p = p.Grouping("run_id", runID)
	}
	if err := p.PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", gatewayURL, err)
	}
	return nil
}

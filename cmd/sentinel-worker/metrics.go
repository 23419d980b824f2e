package main

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Harshith-10/sentinel-community/types"
)

const metricsNamespace = "sentinel"

var (
	executionCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "worker",
		Name:      "executions_total",
		Help:      "Total executed jobs by language and result status",
	}, []string{"language", "status"})

	executionSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: "worker",
		Name:      "execution_seconds",
		Help:      "Wall-clock job duration including compile and all test cases",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"language"})
)

func initMetrics() {
	prometheus.MustRegister(executionCount, executionSeconds)
}

func execObserve(job *types.Job, res *types.ExecutionResult, d time.Duration) {
	executionCount.WithLabelValues(job.Language, res.Status).Inc()
	executionSeconds.WithLabelValues(job.Language).Observe(d.Seconds())
}

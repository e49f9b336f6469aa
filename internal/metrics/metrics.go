// Package metrics holds the process-wide Prometheus collectors. They are
// served by the debug HTTP server on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SendsTotal counts dispatch outcomes: sent, failed, skipped, ledger_error.
	SendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulksend_sends_total",
			Help: "Dispatch attempts by outcome",
		},
		[]string{"result"},
	)

	// SendDuration measures a single SendText call.
	SendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bulksend_send_duration_seconds",
		Help:    "Latency of message send calls",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	// ProbesTotal counts registration probe outcomes: registered, unregistered, known, error.
	ProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulksend_probes_total",
			Help: "Registration probes by outcome",
		},
		[]string{"result"},
	)

	// QuotaWaitsTotal counts suspensions caused by an exhausted window.
	QuotaWaitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulksend_quota_waits_total",
			Help: "Quota window suspensions",
		},
		[]string{"window"},
	)

	// QuotaUsed reports the current counter of each window.
	QuotaUsed = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bulksend_quota_used",
			Help: "Sends counted in the current quota window",
		},
		[]string{"window"},
	)

	// BatchesTotal counts completed dispatch batches.
	BatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bulksend_batches_total",
		Help: "Completed dispatch batches",
	})

	// RunsTotal counts pipeline runs by kind (run, retry, watch) and result.
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulksend_runs_total",
			Help: "Pipeline runs by kind and result",
		},
		[]string{"kind", "result"},
	)
)

// Package metrics registers the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "boxmeout"

// Unit-of-work metrics
var (
	TxAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tx_attempts_total",
			Help:      "Unit-of-work attempts, by unit name.",
		},
		[]string{"unit"},
	)

	TxRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tx_retries_total",
			Help:      "Unit-of-work retries caused by transient store conflicts.",
		},
		[]string{"unit"},
	)

	TxResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tx_results_total",
			Help:      "Unit-of-work outcomes by error class.",
		},
		[]string{"unit", "class"},
	)

	TxDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tx_duration_seconds",
			Help:      "Wall time of a unit of work including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"unit"},
	)
)

// Lifecycle metrics
var (
	MarketTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "market_transitions_total",
			Help:      "Market status changes by target status.",
		},
		[]string{"status"},
	)

	PredictionsCommitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "predictions_committed_total",
			Help:      "Predictions created.",
		},
	)

	Reveals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reveals_total",
			Help:      "Reveal attempts by result.",
		},
		[]string{"result"},
	)
)

// Settlement metrics
var (
	SettlementBatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_batches_total",
			Help:      "Settlement batches committed.",
		},
	)

	SettledPredictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settled_predictions_total",
			Help:      "Predictions settled by outcome.",
		},
		[]string{"outcome"},
	)

	AmountReleased = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "amount_released_minor_units_total",
			Help:      "Minor units credited back to accounts at settlement.",
		},
		[]string{"outcome"},
	)
)

// Ops server metrics
var (
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Ops API requests by route pattern and status code.",
		},
		[]string{"route", "code"},
	)
)

package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	proposalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "proposals_total",
		Help:      "Mutation proposals by origin and outcome.",
	}, []string{"collection", "origin", "outcome"})

	confirmLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gateway",
		Name:      "confirm_seconds",
		Help:      "Time from optimistic apply to remote confirmation or failure.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"collection"})

	queuedProposals = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "queued_proposals",
		Help:      "Proposals waiting behind an in-flight mutation on the same document.",
	}, []string{"collection"})

	rollbacksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "rollbacks_total",
		Help:      "Rollbacks by result of the compensating write.",
	}, []string{"collection", "result"})
)

func init() {
	prometheus.MustRegister(proposalsTotal, confirmLatency, queuedProposals, rollbacksTotal)
}

var tracer = otel.Tracer("github.com/example/hermes-sync/gateway")

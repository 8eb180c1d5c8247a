package mirror

import "github.com/prometheus/client_golang/prometheus"

var (
	pushesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mirror",
		Name:      "pushes_total",
		Help:      "Remote pushes handled by the mirror, by outcome.",
	}, []string{"collection", "status"})

	pendingDocuments = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mirror",
		Name:      "pending_documents",
		Help:      "Documents currently holding an optimistic-pending generation.",
	}, []string{"collection"})

	bufferedPushes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mirror",
		Name:      "buffered_pushes",
		Help:      "Remote pushes held back until a pending mutation resolves.",
	}, []string{"collection"})

	documentCount = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mirror",
		Name:      "documents",
		Help:      "Documents tracked per collection, tombstones included.",
	}, []string{"collection"})
)

func init() {
	prometheus.MustRegister(pushesTotal, pendingDocuments, bufferedPushes, documentCount)
}

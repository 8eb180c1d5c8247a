package remote

import "github.com/prometheus/client_golang/prometheus"

var (
	writesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "remote",
		Name:      "writes_total",
		Help:      "Remote document writes by backend and result.",
	}, []string{"backend", "result"})

	feedChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "remote",
		Name:      "feed_changes_total",
		Help:      "Changes delivered from remote change feeds.",
	}, []string{"backend", "collection"})

	feedReconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "remote",
		Name:      "feed_reconnects_total",
		Help:      "Change feed reconnect attempts.",
	}, []string{"backend"})
)

func init() {
	prometheus.MustRegister(writesTotal, feedChanges, feedReconnects)
}

func observeWrite(backend string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	writesTotal.WithLabelValues(backend, result).Inc()
}

package kafka

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Message results.
const (
	resultOK        = "ok"
	resultError     = "error"
	resultMalformed = "malformed"
	resultStale     = "stale_version"
)

type metricSet struct {
	msgs   *prometheus.CounterVec
	purged *prometheus.CounterVec
	proc   *prometheus.HistogramVec
	lag    *prometheus.GaugeVec
}

func newMetricSet(r prometheus.Registerer) *metricSet {
	m := &metricSet{
		msgs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tile_invalidation_messages_total",
			Help: "Change events consumed, by result.",
		}, []string{"result"}),
		purged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tile_invalidation_purged_tiles_total",
			Help: "Cached tiles removed by change events.",
		}, []string{"target"}),
		proc: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tile_invalidation_processing_seconds",
			Help:    "Time to purge the tiles of one change event.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}, []string{"target"}),
		lag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tile_invalidation_lag_seconds",
			Help: "Age of the last consumed change event, by partition.",
		}, []string{"partition"}),
	}
	if r != nil {
		r.MustRegister(m.msgs, m.purged, m.proc, m.lag)
	}
	return m
}

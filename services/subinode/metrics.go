package subinode

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metricsBucketsSeconds are the standard latency histogram buckets
// shared across this process's metrics, inlined here since no shared
// bucket-set helper was available to import.
var metricsBucketsSeconds = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

var (
	prometheusNodesKnown        prometheus.Gauge
	prometheusNodesEnabled      prometheus.Gauge
	prometheusAnnouncesAccepted prometheus.Counter
	prometheusAnnouncesRejected prometheus.Counter
	prometheusPingsAccepted     prometheus.Counter
	prometheusVotesAccepted     prometheus.Counter
	prometheusPoseBans          prometheus.Counter
	prometheusSyncStageDuration prometheus.Histogram

	prometheusMetricsOnce sync.Once
)

func initPrometheusMetrics() {
	prometheusMetricsOnce.Do(func() {
		prometheusNodesKnown = promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "subinode",
			Name:      "nodes_known",
			Help:      "Number of service-node records currently held by the manager",
		})

		prometheusNodesEnabled = promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "subinode",
			Name:      "nodes_enabled",
			Help:      "Number of service-node records in the Enabled state",
		})

		prometheusAnnouncesAccepted = promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "subinode",
			Name:      "announces_accepted_total",
			Help:      "Number of accepted mnb announce messages",
		})

		prometheusAnnouncesRejected = promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "subinode",
			Name:      "announces_rejected_total",
			Help:      "Number of rejected mnb announce messages",
		})

		prometheusPingsAccepted = promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "subinode",
			Name:      "pings_accepted_total",
			Help:      "Number of accepted mnp ping messages",
		})

		prometheusVotesAccepted = promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "subinode",
			Name:      "payment_votes_accepted_total",
			Help:      "Number of accepted mnw payment vote messages",
		})

		prometheusPoseBans = promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "subinode",
			Name:      "pose_bans_total",
			Help:      "Number of nodes transitioned into PoSeBanned",
		})

		prometheusSyncStageDuration = promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "subinode",
			Name:      "sync_stage_duration_seconds",
			Help:      "Duration of each sync driver stage",
			Buckets:   metricsBucketsSeconds,
		})
	})
}

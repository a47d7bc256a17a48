package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collectors are the Prometheus series exported while a run is in progress
type Collectors struct {
	Requests         *prometheus.CounterVec
	Pages            prometheus.Counter
	Records          *prometheus.CounterVec
	Errors           *prometheus.CounterVec
	Progress         prometheus.Gauge
	QuotaRemaining   prometheus.Gauge
	QuotaWaitSeconds prometheus.Counter
	Checkpoints      prometheus.Counter
	FetchDuration    prometheus.Histogram
}

// NewCollectors creates the collectors and registers them on reg when it is not nil
func NewCollectors(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_requests_total",
			Help: "Batch requests issued, by outcome",
		}, []string{"outcome"}),
		Pages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_pages_total",
			Help: "Page nodes processed in this run",
		}),
		Records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_records_total",
			Help: "Records produced by normalization, by kind",
		}, []string{"kind"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_errors_total",
			Help: "Failed batch attempts, by class",
		}, []string{"class"}),
		Progress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_progress",
			Help: "Items processed including resumed progress",
		}),
		QuotaRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_quota_remaining",
			Help: "Remaining API budget reported by the last response",
		}),
		QuotaWaitSeconds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_quota_wait_seconds_total",
			Help: "Time spent waiting for the API quota to reset",
		}),
		Checkpoints: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_checkpoints_total",
			Help: "Checkpoint artifacts written",
		}),
		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "harvester_fetch_duration_seconds",
			Help:    "Latency of successful batch requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
	}

	if reg != nil {
		reg.MustRegister(
			c.Requests,
			c.Pages,
			c.Records,
			c.Errors,
			c.Progress,
			c.QuotaRemaining,
			c.QuotaWaitSeconds,
			c.Checkpoints,
			c.FetchDuration,
		)
	}
	return c
}

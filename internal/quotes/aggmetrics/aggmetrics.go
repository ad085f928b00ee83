package aggmetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TradesInTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cluster_trades_in_total",
		Help: "Total trades read from the source and handed to the distributor",
	})
	SegmentFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cluster_source_segment_failures_total",
		Help: "Total source segments (days/files) that failed to load",
	}, []string{"source"})
	RejectedRowsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cluster_source_rejected_rows_total",
		Help: "Total source rows rejected by trade validation",
	})

	DroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cluster_trades_dropped_total",
		Help: "Total trades dropped for a subscriber whose buffer was full",
	}, []string{"tf"})
	InvalidTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cluster_trades_invalid_total",
		Help: "Total trades skipped by an aggregator because of an invalid side",
	}, []string{"tf"})
	EmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cluster_clusters_emitted_total",
		Help: "Total finalized clusters emitted, empty ones included",
	}, []string{"tf"})
	EmptyWindowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cluster_empty_windows_total",
		Help: "Total windows that received no trades",
	}, []string{"tf"})
	TimeframeFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cluster_timeframe_failures_total",
		Help: "Total timeframes that ended with an error",
	}, []string{"tf"})

	WriteErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cluster_write_errors_total",
		Help: "Total sink write errors",
	}, []string{"tf"})
	WriteDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cluster_write_duration_seconds",
		Help:    "Duration of a single cluster write to the sink",
		Buckets: prometheus.ExponentialBuckets(0.00005, 2, 16), // 50us -> ~1.6s
	}, []string{"tf"})
)

func OnDrop(tf string) { DroppedTotal.WithLabelValues(tf).Inc() }

func ObserveWrite(tf string, dur time.Duration, err error) {
	WriteDuration.WithLabelValues(tf).Observe(dur.Seconds())
	if err != nil {
		WriteErrorsTotal.WithLabelValues(tf).Inc()
	}
}

// ObserveTimeframe 在一个 timeframe 结束时把聚合器计数一次性记上
func ObserveTimeframe(tf string, invalid, emitted, empty int64, err error) {
	if invalid > 0 {
		InvalidTotal.WithLabelValues(tf).Add(float64(invalid))
	}
	if emitted > 0 {
		EmittedTotal.WithLabelValues(tf).Add(float64(emitted))
	}
	if empty > 0 {
		EmptyWindowsTotal.WithLabelValues(tf).Add(float64(empty))
	}
	if err != nil {
		TimeframeFailuresTotal.WithLabelValues(tf).Inc()
	}
}

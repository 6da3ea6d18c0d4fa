package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gator_jobs_started_total",
		Help: "Total number of download jobs started",
	})

	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gator_jobs_finished_total",
		Help: "Total number of download jobs finished, by outcome",
	}, []string{"outcome"})

	JobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gator_job_duration_seconds",
		Help:    "Download job duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
	})

	SegmentsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gator_segments_started_total",
		Help: "Total number of segment downloads started",
	})

	SegmentsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gator_segments_completed_total",
		Help: "Total number of segments written completely",
	})

	SegmentsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gator_segments_failed_total",
		Help: "Total number of segments that exhausted their attempts, by error kind",
	}, []string{"kind"})

	SegmentsResumed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gator_segments_resumed_total",
		Help: "Total number of segments skipped because a previous run completed them",
	})

	SegmentRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gator_segment_retries_total",
		Help: "Total number of segment attempts that were retried, by error kind",
	}, []string{"kind"})

	SegmentDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gator_segment_duration_seconds",
		Help:    "Time to fetch and write one segment, including retries",
		Buckets: prometheus.DefBuckets,
	})

	BytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gator_bytes_written_total",
		Help: "Total bytes written to destination files",
	})

	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gator_active_workers",
		Help: "Number of workers currently fetching a segment",
	})
)

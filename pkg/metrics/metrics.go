// Package metrics registers the ledger's Prometheus instruments and a
// periodic collector sampling consensus and tiering state.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Raft metrics
	RaftIsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scribe_raft_is_leader",
			Help: "Whether this node is the raft leader (1 = leader, 0 = otherwise)",
		},
	)

	RaftTerm = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scribe_raft_term",
			Help: "Current raft term",
		},
	)

	RaftLastLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scribe_raft_last_log_index",
			Help: "Index of the last entry in the raft log",
		},
	)

	RaftLastApplied = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scribe_raft_last_applied",
			Help: "Index of the last entry applied to the state machine",
		},
	)

	// Storage metrics
	SegmentActiveBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scribe_segment_active_bytes",
			Help: "Byte size of the active segment",
		},
	)

	SegmentsSealed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scribe_segments_sealed",
			Help: "Number of sealed segments resident locally",
		},
	)

	SegmentsArchivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scribe_segments_archived_total",
			Help: "Total number of segments archived to object storage",
		},
	)

	ManifestVersion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scribe_manifest_version",
			Help: "Current manifest version",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribe_api_requests_total",
			Help: "Total API requests by operation and outcome",
		},
		[]string{"op", "outcome"},
	)

	CacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scribe_cache_hits_total",
			Help: "Hot cache hits on stale reads",
		},
	)

	CacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scribe_cache_misses_total",
			Help: "Hot cache misses on stale reads",
		},
	)

	// S3 metrics
	S3OpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribe_s3_operations_total",
			Help: "Object storage calls by operation and outcome",
		},
		[]string{"op", "outcome"},
	)
)

// Register installs all instruments on the default registry. Call once
// at process start.
func Register() {
	prometheus.MustRegister(
		RaftIsLeader,
		RaftTerm,
		RaftLastLogIndex,
		RaftLastApplied,
		SegmentActiveBytes,
		SegmentsSealed,
		SegmentsArchivedTotal,
		ManifestVersion,
		APIRequestsTotal,
		CacheHitsTotal,
		CacheMissesTotal,
		S3OpsTotal,
	)
}

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "walstore"

// Metrics holds the collectors of one store instance. A nil *Metrics is valid
// and records nothing, so components never need to check for it.
type Metrics struct {
	WALBytes          prometheus.Counter
	WALSegments       prometheus.Counter
	Commits           prometheus.Counter
	Rollbacks         prometheus.Counter
	ReplayedTx        prometheus.Counter
	ReplayCorruptions prometheus.Counter
	Compactions       *prometheus.CounterVec
	CommitDuration    prometheus.Histogram
	CompactDuration   prometheus.Histogram
}

// New creates the collectors and registers them on reg. A nil reg skips
// registration, which is what tests opening many stores want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		WALBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wal_bytes_appended_total",
			Help:      "Bytes appended to write-ahead log segments",
		}),
		WALSegments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wal_segments_started_total",
			Help:      "Write-ahead log segment files started",
		}),
		Commits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_total",
			Help:      "Transactions committed",
		}),
		Rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollbacks_total",
			Help:      "Transactions rolled back",
		}),
		ReplayedTx: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replayed_transactions_total",
			Help:      "Committed transactions applied from the log during recovery",
		}),
		ReplayCorruptions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replay_corruption_stops_total",
			Help:      "Log replays that stopped early on a malformed or unverified entry",
		}),
		Compactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compactions_total",
			Help:      "Compaction runs by outcome",
		}, []string{"outcome"}),
		CommitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "commit_duration_seconds",
			Help:      "Time spent in commit, from log marker to main file sync",
			Buckets:   prometheus.DefBuckets,
		}),
		CompactDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "compaction_duration_seconds",
			Help:      "Time spent compacting the main file",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.WALBytes, m.WALSegments, m.Commits, m.Rollbacks, m.ReplayedTx,
			m.ReplayCorruptions, m.Compactions, m.CommitDuration, m.CompactDuration,
		)
	}
	return m
}

func (m *Metrics) AddWALBytes(n int) {
	if m == nil {
		return
	}
	m.WALBytes.Add(float64(n))
}

func (m *Metrics) SegmentStarted() {
	if m == nil {
		return
	}
	m.WALSegments.Inc()
}

func (m *Metrics) Committed(took time.Duration) {
	if m == nil {
		return
	}
	m.Commits.Inc()
	m.CommitDuration.Observe(took.Seconds())
}

func (m *Metrics) RolledBack() {
	if m == nil {
		return
	}
	m.Rollbacks.Inc()
}

func (m *Metrics) Replayed(transactions int) {
	if m == nil {
		return
	}
	m.ReplayedTx.Add(float64(transactions))
}

func (m *Metrics) ReplayCorruption() {
	if m == nil {
		return
	}
	m.ReplayCorruptions.Inc()
}

// Compacted records a compaction run; outcome is one of "promoted",
// "aborted" or "failed".
func (m *Metrics) Compacted(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.Compactions.WithLabelValues(outcome).Inc()
	m.CompactDuration.Observe(took.Seconds())
}

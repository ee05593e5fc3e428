// Package metrics derives observability rollups from the editing core
// without ever sitting on its hot path: the edit loop records into atomic
// counters and a small sample ring, and a fixed tick recomputes the
// externally visible SessionMetrics snapshot.
package metrics

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	promOpsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cloudocs_operations_applied_total",
		Help: "Operations applied to document content.",
	}, []string{"doc_id", "origin"})

	promConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cloudocs_conflicts_resolved_total",
		Help: "Conflicts detected and resolved.",
	}, []string{"doc_id"})

	promBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cloudocs_transport_bytes_total",
		Help: "Bytes moved over the transport channel.",
	}, []string{"doc_id", "direction"})

	promActiveUsers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cloudocs_active_users",
		Help: "Collaborators currently active on a document.",
	}, []string{"doc_id"})

	promSyncLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cloudocs_sync_latency_seconds",
		Help:    "Round-trip time from local apply to authority ack.",
		Buckets: prometheus.DefBuckets,
	}, []string{"doc_id"})
)

// SessionMetrics is the derived rollup exposed to dashboards. It is a value
// snapshot recomputed on a fixed interval, never mutated by callers.
type SessionMetrics struct {
	ActiveUsers       int     `json:"active_users"`
	OpsPerSecond      float64 `json:"ops_per_second"`
	SyncLatencyMs     float64 `json:"sync_latency_ms"`
	ConflictsResolved uint64  `json:"conflicts_resolved"`
	BytesTransferred  uint64  `json:"bytes_transferred"`
}

// DefaultInterval is the rollup recomputation tick.
const DefaultInterval = 5 * time.Second

// latencyWindow is how many recent acks feed the latency figure.
const latencyWindow = 64

// Aggregator collects counters for one document. Record methods are safe
// to call from the document actor and the transport concurrently; they
// never block on the tick.
type Aggregator struct {
	docID    string
	interval time.Duration

	opsLocal    atomic.Uint64
	opsRemote   atomic.Uint64
	conflicts   atomic.Uint64
	bytesIn     atomic.Uint64
	bytesOut    atomic.Uint64
	activeUsers atomic.Int64

	latMu   sync.Mutex
	lat     [latencyWindow]time.Duration
	latLen  int
	latNext int

	snapMu   sync.RWMutex
	snap     SessionMetrics
	lastOps  uint64
	lastTick time.Time
}

// NewAggregator creates an aggregator for docID ticking every interval;
// zero means DefaultInterval.
func NewAggregator(docID string, interval time.Duration) *Aggregator {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Aggregator{docID: docID, interval: interval, lastTick: time.Now()}
}

// RecordLocalOp counts one locally-originated operation applied.
func (a *Aggregator) RecordLocalOp() {
	a.opsLocal.Add(1)
	promOpsApplied.WithLabelValues(a.docID, "local").Inc()
}

// RecordRemoteOp counts one authority-ordered operation applied.
func (a *Aggregator) RecordRemoteOp() {
	a.opsRemote.Add(1)
	promOpsApplied.WithLabelValues(a.docID, "remote").Inc()
}

// RecordAckLatency feeds the round-trip time of an acknowledged operation
// into the sliding sample window.
func (a *Aggregator) RecordAckLatency(d time.Duration) {
	promSyncLatency.WithLabelValues(a.docID).Observe(d.Seconds())
	a.latMu.Lock()
	a.lat[a.latNext] = d
	a.latNext = (a.latNext + 1) % latencyWindow
	if a.latLen < latencyWindow {
		a.latLen++
	}
	a.latMu.Unlock()
}

// RecordConflictResolved counts one finalized conflict.
func (a *Aggregator) RecordConflictResolved() {
	a.conflicts.Add(1)
	promConflicts.WithLabelValues(a.docID).Inc()
}

// AddBytes accumulates transport byte counters.
func (a *Aggregator) AddBytes(in, out int) {
	if in > 0 {
		a.bytesIn.Add(uint64(in))
		promBytes.WithLabelValues(a.docID, "in").Add(float64(in))
	}
	if out > 0 {
		a.bytesOut.Add(uint64(out))
		promBytes.WithLabelValues(a.docID, "out").Add(float64(out))
	}
}

// SetActiveUsers records the current active collaborator count.
func (a *Aggregator) SetActiveUsers(n int) {
	a.activeUsers.Store(int64(n))
	promActiveUsers.WithLabelValues(a.docID).Set(float64(n))
}

// Run recomputes the rollup on the aggregator's interval until ctx is
// cancelled. The tick only reads atomics and the sample ring, so a slow
// tick can never delay the edit path.
func (a *Aggregator) Run(ctx context.Context) {
	t := time.NewTicker(a.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			a.Tick(now)
		}
	}
}

// Tick recomputes the SessionMetrics snapshot as of now.
func (a *Aggregator) Tick(now time.Time) {
	total := a.opsLocal.Load() + a.opsRemote.Load()

	a.latMu.Lock()
	var sum time.Duration
	for i := 0; i < a.latLen; i++ {
		sum += a.lat[i]
	}
	n := a.latLen
	a.latMu.Unlock()

	var meanMs float64
	if n > 0 {
		meanMs = float64(sum.Milliseconds()) / float64(n)
	}

	a.snapMu.Lock()
	elapsed := now.Sub(a.lastTick).Seconds()
	var rate float64
	if elapsed > 0 {
		rate = float64(total-a.lastOps) / elapsed
	}
	a.lastOps = total
	a.lastTick = now
	a.snap = SessionMetrics{
		ActiveUsers:       int(a.activeUsers.Load()),
		OpsPerSecond:      rate,
		SyncLatencyMs:     meanMs,
		ConflictsResolved: a.conflicts.Load(),
		BytesTransferred:  a.bytesIn.Load() + a.bytesOut.Load(),
	}
	a.snapMu.Unlock()
}

// Snapshot returns the last computed rollup. Read-only accessor.
func (a *Aggregator) Snapshot() SessionMetrics {
	a.snapMu.RLock()
	defer a.snapMu.RUnlock()
	return a.snap
}

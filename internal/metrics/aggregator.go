// Package metrics implements the Metrics Aggregator (component F):
// named histograms with exact percentiles, counters with rolling
// per-minute rates, fixed-bucket rolling windows, and a snapshot ring.
// Generalized from the teacher's MetricsCollector (circular history,
// snapshot-on-demand, per-agent metrics map), keeping its
// TakeSnapshot/GetHistory/maxHistory-style pruning in spirit.
package metrics

import (
	"sync"
	"time"

	"github.com/coordinationcore/coordination-core/internal/events"
	"github.com/coordinationcore/coordination-core/internal/logging"
	"github.com/coordinationcore/coordination-core/internal/types"
)

var log = logging.New("METRICS")

const defaultSnapshotCapacity = 100

// Snapshot is the full counter+histogram+window state at one instant,
// captured atomically, per spec.md §4.7.
type Snapshot struct {
	TakenAt    time.Time
	Counters   map[string]float64
	Histograms map[string]HistogramStats
	Windows    map[string]float64
}

// Aggregator is the single-writer metrics service, matching the
// teacher's MetricsCollector.mu shape.
type Aggregator struct {
	mu sync.RWMutex

	cfg types.Config
	bus *events.Bus

	durationBoundaries []float64
	subtaskBoundaries  []float64
	depthBoundaries    []float64

	histograms map[string]*histogram
	counters   map[string]*counter
	windows    map[string]*rollingWindow

	snapshots   []Snapshot
	snapshotCap int
}

func New(cfg types.Config, bus *events.Bus) *Aggregator {
	return &Aggregator{
		cfg:                cfg,
		bus:                bus,
		durationBoundaries: msToFloat(cfg.DurationHistogramBucketsMs),
		subtaskBoundaries:  intToFloat(cfg.SubtaskBuckets),
		depthBoundaries:    intToFloat(cfg.DepthBuckets),
		histograms:         make(map[string]*histogram),
		counters:           make(map[string]*counter),
		windows:            make(map[string]*rollingWindow),
		snapshotCap:        defaultSnapshotCapacity,
	}
}

// UpdateConfig swaps in new bucket boundaries. Nothing is flushed:
// histograms that already exist keep their contents and the boundaries
// they were created with; only histograms created after the call bucket
// against the new boundaries.
func (a *Aggregator) UpdateConfig(cfg types.Config) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg = cfg
	a.durationBoundaries = msToFloat(cfg.DurationHistogramBucketsMs)
	a.subtaskBoundaries = intToFloat(cfg.SubtaskBuckets)
	a.depthBoundaries = intToFloat(cfg.DepthBuckets)
}

func msToFloat(ms []int64) []float64 {
	out := make([]float64, len(ms))
	for i, v := range ms {
		out[i] = float64(v)
	}
	return out
}

func intToFloat(vs []int) []float64 {
	out := make([]float64, len(vs))
	for i, v := range vs {
		out[i] = float64(v)
	}
	return out
}

// RecordDuration observes a duration sample against the configured
// duration-histogram buckets.
func (a *Aggregator) RecordDuration(name string, d time.Duration) {
	a.observe(name, a.durationBoundaries, float64(d.Milliseconds()))
}

// RecordSubtaskCount observes a subtask-count sample against the
// configured subtask buckets.
func (a *Aggregator) RecordSubtaskCount(name string, n int) {
	a.observe(name, a.subtaskBoundaries, float64(n))
}

// RecordDepth observes a delegation-depth sample against the
// configured depth buckets.
func (a *Aggregator) RecordDepth(name string, depth int) {
	a.observe(name, a.depthBoundaries, float64(depth))
}

// RecordValue observes a sample on an unbucketed histogram (no fixed
// boundaries, percentiles and min/max/sum only).
func (a *Aggregator) RecordValue(name string, v float64) {
	a.observe(name, nil, v)
}

func (a *Aggregator) observe(name string, boundaries []float64, v float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.histograms[name]
	if !ok {
		h = newHistogram(defaultHistogramCapacity, boundaries)
		a.histograms[name] = h
	}
	h.observe(v)
}

// IncrCounter increments a named counter and records the event for its
// rolling per-minute rate.
func (a *Aggregator) IncrCounter(name string, delta float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.counters[name]
	if !ok {
		c = newCounter()
		a.counters[name] = c
	}
	c.add(delta, time.Now())
}

// CounterValue returns a counter's current total and its rolling
// per-minute rate.
func (a *Aggregator) CounterValue(name string) (value, perMinuteRate float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.counters[name]
	if !ok {
		return 0, 0
	}
	return c.value, c.ratePerMinute(time.Now())
}

// RecordWindow adds v to the current bucket of a named fixed-bucket
// rolling window, creating it on first use.
func (a *Aggregator) RecordWindow(name string, numBuckets int, bucketWidth time.Duration, v float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	w, ok := a.windows[name]
	if !ok {
		w = newRollingWindow(numBuckets, bucketWidth, time.Now())
		a.windows[name] = w
	}
	w.add(v, time.Now())
}

// WindowSum returns the sum of all non-expired buckets in a named
// rolling window.
func (a *Aggregator) WindowSum(name string) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	w, ok := a.windows[name]
	if !ok {
		return 0
	}
	return w.sum(time.Now())
}

// HistogramStats returns the current computed stats for a named
// histogram, or the zero value if it has no samples yet.
func (a *Aggregator) HistogramStats(name string) HistogramStats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	h, ok := a.histograms[name]
	if !ok {
		return HistogramStats{}
	}
	return h.stats()
}

// TakeSnapshot captures the full counter+histogram+window state
// atomically and appends it to the retained ring, pruning to
// snapshotCap, matching the teacher's TakeSnapshot/maxHistory pruning.
func (a *Aggregator) TakeSnapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	snap := Snapshot{
		TakenAt:    now,
		Counters:   make(map[string]float64, len(a.counters)),
		Histograms: make(map[string]HistogramStats, len(a.histograms)),
		Windows:    make(map[string]float64, len(a.windows)),
	}
	for name, c := range a.counters {
		snap.Counters[name] = c.value
	}
	for name, h := range a.histograms {
		snap.Histograms[name] = h.stats()
	}
	for name, w := range a.windows {
		snap.Windows[name] = w.sum(now)
	}

	a.snapshots = append(a.snapshots, snap)
	if len(a.snapshots) > a.snapshotCap {
		a.snapshots = a.snapshots[len(a.snapshots)-a.snapshotCap:]
	}
	a.emit(events.EventMetricsSnapshot, nil)
	return snap
}

// GetHistory returns the retained snapshot ring, oldest first.
func (a *Aggregator) GetHistory() []Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Snapshot, len(a.snapshots))
	copy(out, a.snapshots)
	return out
}

// Reset clears all counters, histograms, windows and the snapshot
// ring. Used by operators to start a fresh measurement period.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.counters = make(map[string]*counter)
	a.histograms = make(map[string]*histogram)
	a.windows = make(map[string]*rollingWindow)
	a.snapshots = nil
	log.Infof("metrics reset: all counters, histograms, and windows cleared")
	a.emit(events.EventMetricsReset, nil)
}

// Close flushes a final snapshot and emits metrics:closed. It does not
// otherwise release resources, since the aggregator holds no timers or
// file handles of its own.
func (a *Aggregator) Close() {
	a.TakeSnapshot()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.emit(events.EventMetricsClosed, nil)
}

func (a *Aggregator) emit(t events.EventType, payload map[string]interface{}) {
	if a.bus == nil {
		return
	}
	a.bus.Publish(events.NewEvent(t, "metrics", "", events.PriorityLow, payload))
}

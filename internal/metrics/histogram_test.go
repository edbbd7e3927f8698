package metrics

import (
	"testing"
	"time"
)

func TestHistogram_StatsComputeExactPercentiles(t *testing.T) {
	h := newHistogram(100, nil)
	for i := 1; i <= 100; i++ {
		h.observe(float64(i))
	}
	stats := h.stats()
	if stats.Count != 100 {
		t.Fatalf("Count = %d, want 100", stats.Count)
	}
	if stats.Min != 1 || stats.Max != 100 {
		t.Errorf("Min/Max = %v/%v, want 1/100", stats.Min, stats.Max)
	}
	if stats.P50 != 51 {
		t.Errorf("P50 = %v, want 51", stats.P50)
	}
	if stats.P99 != 100 {
		t.Errorf("P99 = %v, want 100", stats.P99)
	}
}

func TestHistogram_CircularBufferEvictsOldestOnOverflow(t *testing.T) {
	h := newHistogram(3, nil)
	h.observe(1)
	h.observe(2)
	h.observe(3)
	h.observe(4) // evicts the 1

	samples := h.samples()
	if len(samples) != 3 {
		t.Fatalf("len(samples) = %d, want 3", len(samples))
	}
	for _, s := range samples {
		if s == 1 {
			t.Error("expected the oldest sample to have been evicted")
		}
	}
}

func TestHistogram_BucketCountsFollowConfiguredBoundaries(t *testing.T) {
	h := newHistogram(10, []float64{1000, 5000, 30000})
	h.observe(500)   // bucket 0
	h.observe(4000)  // bucket 1
	h.observe(60000) // overflow bucket (3)

	stats := h.stats()
	want := []int64{1, 1, 0, 1}
	for i, w := range want {
		if stats.BucketCounts[i] != w {
			t.Errorf("BucketCounts[%d] = %d, want %d", i, stats.BucketCounts[i], w)
		}
	}
}

func TestCounter_RatePerMinutePrunesOldEvents(t *testing.T) {
	c := newCounter()
	now := time.Now()
	c.add(5, now.Add(-90*time.Second))
	c.add(3, now.Add(-10*time.Second))

	rate := c.ratePerMinute(now)
	if rate != 3 {
		t.Errorf("ratePerMinute = %v, want 3 (the 90s-old event should be pruned)", rate)
	}
	if len(c.events) != 1 {
		t.Errorf("len(events) = %d, want 1 after pruning", len(c.events))
	}
}

func TestRollingWindow_AdvanceZeroesElapsedBuckets(t *testing.T) {
	start := time.Now()
	w := newRollingWindow(3, time.Minute, start)
	w.add(10, start)

	if got := w.sum(start); got != 10 {
		t.Fatalf("sum immediately after add = %v, want 10", got)
	}

	// advancing by 3 bucket widths (the whole window) rotates past the
	// bucket holding the 10
	later := start.Add(3 * time.Minute)
	if got := w.sum(later); got != 0 {
		t.Errorf("sum after advancing three buckets = %v, want 0", got)
	}
}

func TestRollingWindow_AdvancePastCapacityClearsAllBuckets(t *testing.T) {
	start := time.Now()
	w := newRollingWindow(3, time.Minute, start)
	w.add(10, start)
	w.add(20, start)

	far := start.Add(10 * time.Minute)
	if got := w.sum(far); got != 0 {
		t.Errorf("sum after advancing past capacity = %v, want 0", got)
	}
}

package utils

import (
	"slices"
	"sync"
	"time"
)

// LatencyStats summarises the samples held by a LatencyTracker.
type LatencyStats struct {
	Samples int           `json:"samples"`
	Mean    time.Duration `json:"mean"`
	P50     time.Duration `json:"p50"`
	P95     time.Duration `json:"p95"`
	P99     time.Duration `json:"p99"`
	Max     time.Duration `json:"max"`
}

// LatencyTracker keeps the most recent durations in a fixed ring.
type LatencyTracker struct {
	mu       sync.Mutex
	ring     []time.Duration
	next     int
	filled   bool
	observed uint64
}

// NewLatencyTracker creates a tracker retaining up to size samples.
func NewLatencyTracker(size int) *LatencyTracker {
	if size <= 0 {
		size = 512
	}
	return &LatencyTracker{ring: make([]time.Duration, size)}
}

// Observe records d, overwriting the oldest sample once the ring is full, and
// returns the number of observations made over the tracker's lifetime.
func (l *LatencyTracker) Observe(d time.Duration) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.ring[l.next] = d
	l.next++
	if l.next == len(l.ring) {
		l.next = 0
		l.filled = true
	}
	l.observed++
	return l.observed
}

// Count returns the number of retained samples.
func (l *LatencyTracker) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.countLocked()
}

// Percentile returns the nearest-rank percentile (0-100) of the retained samples.
func (l *LatencyTracker) Percentile(p float64) time.Duration {
	return percentile(l.sorted(), p)
}

// Mean returns the average of the retained samples.
func (l *LatencyTracker) Mean() time.Duration {
	return mean(l.sorted())
}

// Stats computes every summary value from a single sorted copy.
func (l *LatencyTracker) Stats() LatencyStats {
	sorted := l.sorted()
	if len(sorted) == 0 {
		return LatencyStats{}
	}
	return LatencyStats{
		Samples: len(sorted),
		Mean:    mean(sorted),
		P50:     percentile(sorted, 50),
		P95:     percentile(sorted, 95),
		P99:     percentile(sorted, 99),
		Max:     sorted[len(sorted)-1],
	}
}

func (l *LatencyTracker) countLocked() int {
	if l.filled {
		return len(l.ring)
	}
	return l.next
}

func (l *LatencyTracker) sorted() []time.Duration {
	l.mu.Lock()
	out := append([]time.Duration(nil), l.ring[:l.countLocked()]...)
	l.mu.Unlock()
	slices.Sort(out)
	return out
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	switch {
	case p <= 0:
		return sorted[0]
	case p >= 100:
		return sorted[len(sorted)-1]
	}
	index := int((p / 100.0) * float64(len(sorted)-1))
	return sorted[index]
}

func mean(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, s := range samples {
		total += s
	}
	return total / time.Duration(len(samples))
}

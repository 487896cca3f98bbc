package reliability

import (
	"sort"
	"sync"
	"time"
)

// HealthState classifies a source by its rolling success rate
type HealthState string

const (
	Healthy  HealthState = "healthy"  // success rate >= 99%
	Degraded HealthState = "degraded" // success rate >= 90%
	Failed   HealthState = "failed"
)

// SLAStatus is the exported view of one source's service level
type SLAStatus struct {
	Source      string        `json:"source"`
	LatencyP50  time.Duration `json:"latency_p50"`
	LatencyP95  time.Duration `json:"latency_p95"`
	LatencyP99  time.Duration `json:"latency_p99"`
	SuccessRate float64       `json:"success_rate"`
	UptimePct   float64       `json:"uptime_pct"`
	Requests    int           `json:"requests"`
	State       HealthState   `json:"state"`
}

type slaSample struct {
	at      time.Time
	latency time.Duration
	success bool
}

// SLATracker records per-request outcomes over a rolling time window and
// derives latency percentiles, success rate and health state.
type SLATracker struct {
	mu      sync.Mutex
	source  string
	window  time.Duration
	samples []slaSample
}

// NewSLATracker creates a tracker with the given rolling window;
// 5 minutes when zero.
func NewSLATracker(source string, window time.Duration) *SLATracker {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &SLATracker{source: source, window: window}
}

// Record adds one request outcome
func (t *SLATracker) Record(start, end time.Time, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.samples = append(t.samples, slaSample{at: end, latency: end.Sub(start), success: success})
	t.prune(end)
}

// prune drops samples outside the window. Caller holds t.mu. Concurrent
// Record calls can append end times out of order, so every sample is
// checked rather than a sorted prefix.
func (t *SLATracker) prune(now time.Time) {
	cutoff := now.Add(-t.window)
	kept := t.samples[:0]
	for _, s := range t.samples {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	t.samples = kept
}

// Status computes the current service level over the rolling window
func (t *SLATracker) Status() SLAStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prune(time.Now())

	status := SLAStatus{Source: t.source, Requests: len(t.samples)}
	if len(t.samples) == 0 {
		status.SuccessRate = 1.0
		status.UptimePct = 100.0
		status.State = Healthy
		return status
	}

	latencies := make([]time.Duration, 0, len(t.samples))
	successes := 0
	for _, s := range t.samples {
		latencies = append(latencies, s.latency)
		if s.success {
			successes++
		}
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	status.LatencyP50 = percentile(latencies, 0.50)
	status.LatencyP95 = percentile(latencies, 0.95)
	status.LatencyP99 = percentile(latencies, 0.99)
	status.SuccessRate = float64(successes) / float64(len(t.samples))
	status.UptimePct = status.SuccessRate * 100

	switch {
	case status.SuccessRate >= 0.99:
		status.State = Healthy
	case status.SuccessRate >= 0.90:
		status.State = Degraded
	default:
		status.State = Failed
	}
	return status
}

// percentile returns the nearest-rank percentile of sorted latencies
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

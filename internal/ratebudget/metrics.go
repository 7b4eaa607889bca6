package ratebudget

import (
	"math"
	"sync"
	"time"
)

// metricsSnapshot is the rolling-window metrics surface from §4.3: latency
// percentiles, scheduler lag, jitter, and request/rejection/429 counters.
type metricsSnapshot struct {
	LatencyP50, LatencyP95, LatencyP99 time.Duration
	schedulerLag                      time.Duration
	jitterMean, jitterStdDev          time.Duration
	Requests, Rejections, Hits429     int64
	Recoveries                        int64
	BucketUtilization                 map[string]float64
	DataStaleness                     time.Duration
	WindowStart                       time.Time
}

// metricsWindow accumulates samples over a rolling window and resets on
// each snapshot, grounded on the teacher's periodic-tick metrics idiom.
type metricsWindow struct {
	mu         sync.Mutex
	window     time.Duration
	latencies  []time.Duration
	requests   int64
	rejections int64
	hits429    int64
	recoveries int64
	lastSample time.Time
	jitters    []time.Duration
	lastEventAt time.Time

	// schedulerLag and bucketUtilization are instantaneous gauges sampled
	// from the token buckets just before a snapshot, not rolling counters,
	// so they are not reset on snapshot().
	schedulerLag      time.Duration
	bucketUtilization map[string]float64
}

func newMetricsWindow(window time.Duration) *metricsWindow {
	if window <= 0 {
		window = 60 * time.Second
	}
	return &metricsWindow{window: window, lastSample: time.Now()}
}

func (w *metricsWindow) recordLatency(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.latencies = append(w.latencies, d)
	now := time.Now()
	if !w.lastEventAt.IsZero() {
		w.jitters = append(w.jitters, now.Sub(w.lastEventAt))
	}
	w.lastEventAt = now
	w.lastSample = now
}

func (w *metricsWindow) recordRequest()  { w.mu.Lock(); w.requests++; w.mu.Unlock() }
func (w *metricsWindow) recordRejection() { w.mu.Lock(); w.rejections++; w.mu.Unlock() }
func (w *metricsWindow) recordQueued()    { w.mu.Lock(); w.mu.Unlock() }
func (w *metricsWindow) record429()      { w.mu.Lock(); w.hits429++; w.mu.Unlock() }
func (w *metricsWindow) recordRecovery() { w.mu.Lock(); w.recoveries++; w.mu.Unlock() }

// recordBucketSample stores the latest per-bucket scheduler lag (the
// maximum across classes) and per-class utilization, sampled just before
// a metrics snapshot.
func (w *metricsWindow) recordBucketSample(lag time.Duration, utilization map[string]float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.schedulerLag = lag
	w.bucketUtilization = utilization
}

func (w *metricsWindow) snapshot() metricsSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := metricsSnapshot{
		Requests:       w.requests,
		Rejections:     w.rejections,
		Hits429:        w.hits429,
		Recoveries:     w.recoveries,
		DataStaleness:  time.Since(w.lastSample),
		WindowStart:    time.Now().Add(-w.window),
	}
	snap.LatencyP50, snap.LatencyP95, snap.LatencyP99 = percentiles(w.latencies)
	snap.jitterMean, snap.jitterStdDev = meanStdDev(w.jitters)
	snap.schedulerLag = w.schedulerLag
	snap.BucketUtilization = w.bucketUtilization

	w.latencies = w.latencies[:0]
	w.jitters = w.jitters[:0]
	w.requests, w.rejections, w.hits429, w.recoveries = 0, 0, 0, 0

	return snap
}

func percentiles(samples []time.Duration) (p50, p95, p99 time.Duration) {
	if len(samples) == 0 {
		return 0, 0, 0
	}
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	at := func(q float64) time.Duration {
		idx := int(q * float64(len(sorted)-1))
		return sorted[idx]
	}
	return at(0.50), at(0.95), at(0.99)
}

func meanStdDev(samples []time.Duration) (mean, stddev time.Duration) {
	if len(samples) == 0 {
		return 0, 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s)
	}
	m := sum / float64(len(samples))

	var variance float64
	for _, s := range samples {
		diff := float64(s) - m
		variance += diff * diff
	}
	variance /= float64(len(samples))

	return time.Duration(m), time.Duration(math.Sqrt(variance))
}

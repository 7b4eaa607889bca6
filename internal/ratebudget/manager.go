package ratebudget

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"perp-orchestrator/internal/events"
	"perp-orchestrator/pkg/types"
)

// ClassConfig configures one priority class's bucket.
type ClassConfig struct {
	ConfiguredRate float64 // tokens/sec before headroom
}

// Config configures the whole Rate/Budget Manager.
type Config struct {
	Classes           map[types.Priority]ClassConfig
	Headroom          float64 // reserve fraction, default 0.3
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64
	CriticalQueueCap  int
	MetricsWindow     time.Duration
	HighLagThreshold  time.Duration
	HighJitterThreshold time.Duration
}

// DefaultConfig returns the §6 configuration defaults.
func DefaultConfig() Config {
	return Config{
		Classes: map[types.Priority]ClassConfig{
			types.PriorityCritical: {ConfiguredRate: 10},
			types.PriorityHigh:     {ConfiguredRate: 20},
			types.PriorityMedium:   {ConfiguredRate: 30},
			types.PriorityLow:      {ConfiguredRate: 20},
		},
		Headroom:            0.3,
		BackoffInitial:      1000 * time.Millisecond,
		BackoffMax:          60000 * time.Millisecond,
		BackoffMultiplier:   2,
		CriticalQueueCap:    64,
		MetricsWindow:       60 * time.Second,
		HighLagThreshold:    250 * time.Millisecond,
		HighJitterThreshold: 250 * time.Millisecond,
	}
}

var classOrder = []types.Priority{types.PriorityCritical, types.PriorityHigh, types.PriorityMedium, types.PriorityLow}

// Manager is the C3 Rate/Budget Manager: four priority-class token buckets,
// a global backoff state, and a bounded critical-priority waiter queue.
type Manager struct {
	cfg Config
	bus *events.Bus
	log *slog.Logger

	buckets map[types.Priority]*tokenBucket

	mu             sync.Mutex
	backoffActive  bool
	backoffUntil   time.Time
	currentBackoff time.Duration
	hits429        int64
	recoveries     int64
	reconnects     int64

	criticalQueue chan struct{} // semaphore bounding queued critical waiters

	metrics *metricsWindow
}

// New constructs a Rate/Budget Manager with the given config.
func New(cfg Config, bus *events.Bus, logger *slog.Logger) *Manager {
	buckets := make(map[types.Priority]*tokenBucket, len(classOrder))
	for _, p := range classOrder {
		cc := cfg.Classes[p]
		effRate := cc.ConfiguredRate * (1 - cfg.Headroom)
		buckets[p] = newTokenBucket(effRate, effRate)
	}
	if cfg.CriticalQueueCap <= 0 {
		cfg.CriticalQueueCap = 64
	}
	return &Manager{
		cfg:           cfg,
		bus:           bus,
		log:           logger.With("component", "ratebudget"),
		buckets:       buckets,
		currentBackoff: cfg.BackoffInitial,
		criticalQueue: make(chan struct{}, cfg.CriticalQueueCap),
		metrics:       newMetricsWindow(cfg.MetricsWindow),
	}
}

// Request attempts to debit cost tokens (default 1) from priority's bucket,
// borrowing from lower classes if priority is critical and its own bucket
// is short. Blocks (subject to ctx) only when the outcome is Queued.
func (m *Manager) Request(ctx context.Context, priority types.Priority, cost float64) (types.RequestOutcome, error) {
	if cost <= 0 {
		cost = 1
	}
	start := time.Now()
	outcome, err := m.request(ctx, priority, cost)
	m.metrics.recordLatency(time.Since(start))
	return outcome, err
}

func (m *Manager) request(ctx context.Context, priority types.Priority, cost float64) (types.RequestOutcome, error) {
	m.mu.Lock()
	backoffActive := m.backoffActive
	expired := backoffActive && time.Now().After(m.backoffUntil)
	m.mu.Unlock()

	if expired {
		m.ReportRecovery()
		backoffActive = false
	}

	if backoffActive {
		if priority != types.PriorityCritical {
			m.metrics.recordRejection()
			return types.Rejected, nil
		}
		return m.queueCritical(ctx, cost)
	}

	bucket := m.buckets[priority]
	if bucket.tryTake(cost) {
		m.metrics.recordRequest()
		return types.Allowed, nil
	}

	if priority == types.PriorityCritical {
		if m.borrow(cost) {
			m.metrics.recordRequest()
			return types.Allowed, nil
		}
		return m.queueCritical(ctx, cost)
	}

	m.metrics.recordRejection()
	return types.Rejected, nil
}

// borrow lets a short critical request draw from high→medium→low, first
// class with enough tokens pays in full.
func (m *Manager) borrow(cost float64) bool {
	for _, p := range []types.Priority{types.PriorityHigh, types.PriorityMedium, types.PriorityLow} {
		if m.buckets[p].tryTake(cost) {
			return true
		}
	}
	return false
}

// queueCritical blocks the caller until the critical bucket can pay, bounded
// by the queue capacity semaphore; a cancelled waiter frees its slot
// without consuming tokens.
func (m *Manager) queueCritical(ctx context.Context, cost float64) (types.RequestOutcome, error) {
	select {
	case m.criticalQueue <- struct{}{}:
	default:
		m.metrics.recordRejection()
		return types.Rejected, nil
	}
	defer func() { <-m.criticalQueue }()

	m.metrics.recordQueued()
	if err := m.buckets[types.PriorityCritical].wait(ctx, cost); err != nil {
		return types.Rejected, err
	}
	m.metrics.recordRequest()
	return types.Queued, nil
}

// Report429 doubles (×backoffMultiplier) the current backoff, clamped to
// [initial, max], and engages global backoff.
func (m *Manager) Report429() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.hits429++
	m.metrics.record429()

	next := time.Duration(float64(m.currentBackoff) * m.cfg.BackoffMultiplier)
	if next < m.cfg.BackoffInitial {
		next = m.cfg.BackoffInitial
	}
	if next > m.cfg.BackoffMax {
		next = m.cfg.BackoffMax
	}
	m.currentBackoff = next
	m.backoffActive = true
	m.backoffUntil = time.Now().Add(next)

	m.bus.Publish(events.TypeRateBackoff, types.BackoffEvent{
		Duration: next, Count: m.hits429, Until: m.backoffUntil,
	})
}

// ReportRecovery exits backoff cleanly.
func (m *Manager) ReportRecovery() {
	m.mu.Lock()
	wasActive := m.backoffActive
	afterBackoff := m.currentBackoff
	m.clearBackoffLocked()
	m.recoveries++
	total := m.hits429
	m.mu.Unlock()

	m.metrics.recordRecovery()
	if wasActive {
		m.bus.Publish(events.TypeRateRecovery, types.RecoveryEvent{AfterBackoff: afterBackoff, TotalHits: total})
	}
}

func (m *Manager) clearBackoffLocked() {
	m.backoffActive = false
	m.currentBackoff = m.cfg.BackoffInitial
}

// ReportReconnect records a market/account feed reconnect for telemetry.
func (m *Manager) ReportReconnect() {
	m.mu.Lock()
	m.reconnects++
	total := m.reconnects
	m.mu.Unlock()
	m.bus.Publish(events.TypeRateReconnect, types.ReconnectEvent{Total: total})
}

// Snapshot returns the current RateBudgetState for telemetry/diagnostics.
func (m *Manager) Snapshot() types.RateBudgetState {
	m.mu.Lock()
	state := types.RateBudgetState{
		BackoffActive:    m.backoffActive,
		BackoffUntil:     m.backoffUntil,
		CurrentBackoffMs: m.currentBackoff.Milliseconds(),
		Hits429:          m.hits429,
		Recoveries:       m.recoveries,
	}
	m.mu.Unlock()

	state.Buckets = make(map[types.Priority]types.PriorityBucketState, len(classOrder))
	for _, p := range classOrder {
		cur, max, rate, _ := m.buckets[p].state()
		state.Buckets[p] = types.PriorityBucketState{CurrentTokens: cur, MaxTokens: max, EffectiveRate: rate}
	}
	return state
}

// sampleBucketMetrics reads each class's bucket state, recording the worst
// observed scheduler lag and a per-class utilization ratio (fraction of
// capacity currently spent) into the rolling metrics window.
func (m *Manager) sampleBucketMetrics() {
	utilization := make(map[string]float64, len(classOrder))
	var worstLag time.Duration
	for _, p := range classOrder {
		cur, max, _, gap := m.buckets[p].state()
		if max > 0 {
			utilization[string(p)] = (max - cur) / max
		}
		if gap > worstLag {
			worstLag = gap
		}
	}
	m.metrics.recordBucketSample(worstLag, utilization)
}

// PublishMetrics emits the periodic rolling-window metrics snapshot and
// checks scheduler-lag/jitter thresholds, firing highLag/highJitter events.
func (m *Manager) PublishMetrics() {
	m.sampleBucketMetrics()
	snap := m.metrics.snapshot()
	m.bus.Publish(events.TypeTelemetryMetrics, snap)
	m.bus.Publish("rate:metrics", types.RateMetricsEvent{Snapshot: m.Snapshot()})

	if snap.schedulerLag > m.cfg.HighLagThreshold {
		m.bus.Publish(events.TypeRateHighLag, types.HighLagEvent{Lag: snap.schedulerLag, Threshold: m.cfg.HighLagThreshold})
	}
	if snap.jitterStdDev > m.cfg.HighJitterThreshold {
		m.bus.Publish(events.TypeRateHighJitter, types.HighJitterEvent{
			Mean: snap.jitterMean, StdDev: snap.jitterStdDev, Threshold: m.cfg.HighJitterThreshold,
		})
	}
}

// JitteredBackoffDelay computes the C7 retry jitter formula shared between
// packages: min(maxDelay, baseDelay × 2^k × uniform(0.8,1.2)).
func JitteredBackoffDelay(baseDelay, maxDelay time.Duration, retryIndex int) time.Duration {
	factor := math.Pow(2, float64(retryIndex))
	jitter := 0.8 + rand.Float64()*0.4
	d := time.Duration(float64(baseDelay) * factor * jitter)
	if d > maxDelay {
		return maxDelay
	}
	return d
}

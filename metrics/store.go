// Package metrics implements the Metrics Store (C2): rolling per-backend
// counters, percentiles computed from a bounded recent sample, and hourly
// rollups, all updated without blocking the caller beyond an in-memory
// counter update (spec.md §4.2). Persistence of rollups to a shared KV
// store is asynchronous and best-effort — see RollupSyncer and
// (*Store).closeBucket.
package metrics

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/docuscale/scheduler/clock"
)

// emaAlpha is the fixed latency EMA smoothing factor (spec.md §4.2).
const emaAlpha = 0.1

// sampleSize is the bounded recent-latency sample percentiles are computed
// over (spec.md: "N ≥ 1000 where available").
const sampleSize = 1000

// hourlyBuckets is the number of hourly rollup buckets retained per backend.
const hourlyBuckets = 24

// HourlyRollup is one closed hour of aggregated activity for a backend.
type HourlyRollup struct {
	BucketStart time.Time
	Count       int64
	AvgLatency  time.Duration
	ErrorRate   float64
	Cost        float64
}

// Snapshot is a read-only, race-free copy of a backend's current metrics.
type Snapshot struct {
	BackendID    string
	Count        int64
	Successes    int64
	Failures     int64
	EMALatency   time.Duration
	AggregateCost float64
	SuccessRate  float64
}

// backendState holds the live, mutable metrics for one backend. Counters
// use atomic updates; the latency ring is guarded by its own short
// critical section, matching the lock-order rule of spec.md §5 (no path
// acquires a lock and then calls out across a backend boundary).
type backendState struct {
	backendID string
	count     int64 // atomic
	successes int64 // atomic
	failures  int64 // atomic
	costCents int64 // atomic, cost accumulated in micro-dollars to stay integer-atomic

	mu          sync.Mutex
	emaLatency  time.Duration
	latencies   []time.Duration // ring buffer, most recent sampleSize latencies
	ringPos     int
	ringFilled  bool
	currentHour time.Time
	currentBucket HourlyRollup
	rollups     []HourlyRollup // ring of closed hours, newest last, capped at hourlyBuckets
}

// Store is the process-wide Metrics Store singleton (C2). Its lifetime
// brackets the service per the init/teardown order of spec.md §9:
// registry → metrics → cache → queues → facade → maintenance loop.
type Store struct {
	clock  clock.Clock
	logger *zap.SugaredLogger

	mu       sync.RWMutex
	backends map[string]*backendState

	syncer RollupSyncer
}

// RollupSyncer persists a closed hourly bucket to a shared KV store. A nil
// syncer disables persistence entirely; a failing syncer only logs — per
// spec.md §4.2, persistence is best-effort and never blocks foreground
// metric recording.
type RollupSyncer interface {
	SyncHourlyRollup(ctx context.Context, backendID string, rollup HourlyRollup) error
}

// New constructs an empty Metrics Store.
func New(clk clock.Clock, logger *zap.SugaredLogger, syncer RollupSyncer) *Store {
	return &Store{
		clock:    clk,
		logger:   logger,
		backends: make(map[string]*backendState),
		syncer:   syncer,
	}
}

func (s *Store) state(backendID string) *backendState {
	s.mu.RLock()
	st, ok := s.backends[backendID]
	s.mu.RUnlock()
	if ok {
		return st
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.backends[backendID]; ok {
		return st
	}
	st = &backendState{
		backendID: backendID,
		latencies: make([]time.Duration, 0, sampleSize),
	}
	s.backends[backendID] = st
	return st
}

// Record updates a backend's rolling metrics in response to a completed
// call. It never blocks on anything but an in-memory update.
func (s *Store) Record(backendID string, latency time.Duration, success bool, cost float64) {
	st := s.state(backendID)

	atomic.AddInt64(&st.count, 1)
	if success {
		atomic.AddInt64(&st.successes, 1)
	} else {
		atomic.AddInt64(&st.failures, 1)
	}
	atomic.AddInt64(&st.costCents, int64(cost*1e6))

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.emaLatency == 0 {
		st.emaLatency = latency
	} else {
		st.emaLatency = time.Duration(float64(st.emaLatency)*(1-emaAlpha) + float64(latency)*emaAlpha)
	}

	if len(st.latencies) < sampleSize {
		st.latencies = append(st.latencies, latency)
	} else {
		st.latencies[st.ringPos] = latency
		st.ringFilled = true
	}
	st.ringPos = (st.ringPos + 1) % sampleSize

	s.recordIntoHourlyBucket(st, latency, success, cost)
}

// recordIntoHourlyBucket folds a completion into the in-progress hourly
// bucket, closing and rolling the previous bucket onto the ring if the
// wall clock has crossed an hour boundary. Must be called with st.mu held.
func (s *Store) recordIntoHourlyBucket(st *backendState, latency time.Duration, success bool, cost float64) {
	now := s.clock.Now()
	hour := now.Truncate(time.Hour)

	if st.currentHour.IsZero() {
		st.currentHour = hour
		st.currentBucket = HourlyRollup{BucketStart: hour}
	} else if hour.After(st.currentHour) {
		s.closeBucket(st)
		st.currentHour = hour
		st.currentBucket = HourlyRollup{BucketStart: hour}
	}

	b := &st.currentBucket
	prevCount := b.Count
	b.Count++
	if b.Count == 1 {
		b.AvgLatency = latency
	} else {
		b.AvgLatency = time.Duration((float64(b.AvgLatency)*float64(prevCount) + float64(latency)) / float64(b.Count))
	}
	failures := b.ErrorRate * float64(prevCount)
	if !success {
		failures++
	}
	b.ErrorRate = failures / float64(b.Count)
	b.Cost += cost
}

// closeBucket pushes the in-progress bucket onto the rollup ring, dropping
// the oldest bucket once hourlyBuckets is exceeded, and best-effort
// persists it. Must be called with st.mu held.
func (s *Store) closeBucket(st *backendState) {
	closed := st.currentBucket
	st.rollups = append(st.rollups, closed)
	if len(st.rollups) > hourlyBuckets {
		st.rollups = st.rollups[len(st.rollups)-hourlyBuckets:]
	}

	if s.syncer == nil {
		return
	}
	go func(backendID string, rollup HourlyRollup) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.syncer.SyncHourlyRollup(ctx, backendID, rollup); err != nil && s.logger != nil {
			s.logger.Warnw("hourly rollup sync failed", "error", err, "backend_id", backendID)
		}
	}(st.backendID, closed)
}

// Snapshot returns a race-free copy of a backend's current metrics.
func (s *Store) Snapshot(backendID string) Snapshot {
	st := s.state(backendID)
	count := atomic.LoadInt64(&st.count)
	successes := atomic.LoadInt64(&st.successes)
	failures := atomic.LoadInt64(&st.failures)
	cost := float64(atomic.LoadInt64(&st.costCents)) / 1e6

	st.mu.Lock()
	ema := st.emaLatency
	st.mu.Unlock()

	snap := Snapshot{
		BackendID:     backendID,
		Count:         count,
		Successes:     successes,
		Failures:      failures,
		EMALatency:    ema,
		AggregateCost: cost,
	}
	if count > 0 {
		snap.SuccessRate = float64(successes) / float64(count)
	}
	return snap
}

// Percentiles computes the requested quantiles (e.g. 0.5, 0.95, 0.99) over
// the bounded recent-latency sample. qs outside [0,1] are clamped.
func (s *Store) Percentiles(backendID string, qs []float64) map[float64]time.Duration {
	st := s.state(backendID)

	st.mu.Lock()
	sample := append([]time.Duration(nil), st.latencies...)
	st.mu.Unlock()

	result := make(map[float64]time.Duration, len(qs))
	if len(sample) == 0 {
		for _, q := range qs {
			result[q] = 0
		}
		return result
	}

	sort.Slice(sample, func(i, j int) bool { return sample[i] < sample[j] })

	for _, q := range qs {
		clamped := q
		if clamped < 0 {
			clamped = 0
		}
		if clamped > 1 {
			clamped = 1
		}
		idx := int(clamped * float64(len(sample)-1))
		result[q] = sample[idx]
	}
	return result
}

// Hourly returns the closed hourly rollup sequence for a backend, oldest
// first, capped at the last 24 buckets.
func (s *Store) Hourly(backendID string) []HourlyRollup {
	st := s.state(backendID)
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]HourlyRollup, len(st.rollups))
	copy(out, st.rollups)
	return out
}

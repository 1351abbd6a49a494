package metrics

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestStore(t *testing.T) (*Store, *clock.Mock) {
	mock := clock.NewMock()
	logger := zaptest.NewLogger(t).Sugar()
	return New(mock, logger, nil), mock
}

func TestRecordUpdatesCountsAndSuccessRate(t *testing.T) {
	s, _ := newTestStore(t)

	s.Record("a", 10*time.Millisecond, true, 0.01)
	s.Record("a", 10*time.Millisecond, false, 0.01)
	s.Record("a", 10*time.Millisecond, true, 0.01)

	snap := s.Snapshot("a")
	assert.Equal(t, int64(3), snap.Count)
	assert.Equal(t, int64(2), snap.Successes)
	assert.Equal(t, int64(1), snap.Failures)
	assert.InDelta(t, 2.0/3.0, snap.SuccessRate, 1e-9)
	assert.InDelta(t, 0.03, snap.AggregateCost, 1e-9)
}

func TestSnapshotOfUnknownBackendIsZeroValue(t *testing.T) {
	s, _ := newTestStore(t)
	snap := s.Snapshot("never-recorded")
	assert.Zero(t, snap.Count)
	assert.Zero(t, snap.SuccessRate)
}

// EMA latency should converge toward a new steady-state value as repeated
// samples at that value are recorded, per the fixed emaAlpha smoothing
// factor, without ever jumping straight to it.
func TestRecordEMALatencyConverges(t *testing.T) {
	s, _ := newTestStore(t)

	s.Record("a", 100*time.Millisecond, true, 0)
	first := s.Snapshot("a").EMALatency
	assert.Equal(t, 100*time.Millisecond, first, "the first sample seeds the EMA directly")

	var prev time.Duration = first
	for i := 0; i < 200; i++ {
		s.Record("a", 200*time.Millisecond, true, 0)
		cur := s.Snapshot("a").EMALatency
		assert.GreaterOrEqual(t, cur, prev, "EMA should monotonically approach a higher steady-state value")
		prev = cur
	}
	assert.InDelta(t, float64(200*time.Millisecond), float64(prev), float64(2*time.Millisecond),
		"EMA should have converged close to the steady-state value after many samples")
}

func TestPercentilesOnEmptySampleReturnsZero(t *testing.T) {
	s, _ := newTestStore(t)
	result := s.Percentiles("never-recorded", []float64{0.5, 0.95})
	assert.Equal(t, time.Duration(0), result[0.5])
	assert.Equal(t, time.Duration(0), result[0.95])
}

func TestPercentilesComputesExpectedQuantiles(t *testing.T) {
	s, _ := newTestStore(t)

	for i := 1; i <= 100; i++ {
		s.Record("a", time.Duration(i)*time.Millisecond, true, 0)
	}

	result := s.Percentiles("a", []float64{0, 0.5, 0.99, 1})
	assert.Equal(t, 1*time.Millisecond, result[0], "the minimum value anchors the 0th percentile")
	assert.Equal(t, 100*time.Millisecond, result[1], "the maximum value anchors the 100th percentile")
	assert.Equal(t, 50*time.Millisecond, result[0.5])
	assert.Equal(t, 99*time.Millisecond, result[0.99])
}

func TestPercentilesClampsOutOfRangeQuantiles(t *testing.T) {
	s, _ := newTestStore(t)
	s.Record("a", 10*time.Millisecond, true, 0)
	s.Record("a", 20*time.Millisecond, true, 0)

	result := s.Percentiles("a", []float64{-1, 2})
	assert.Equal(t, 10*time.Millisecond, result[-1], "a negative quantile clamps to the minimum sample")
	assert.Equal(t, 20*time.Millisecond, result[2], "a quantile above 1 clamps to the maximum sample")
}

// The bounded recent-latency sample is a ring buffer of sampleSize entries;
// once full, new samples overwrite the oldest ones rather than growing the
// slice, so percentiles only ever reflect the most recent sampleSize calls.
func TestPercentilesOnlyReflectBoundedRecentSample(t *testing.T) {
	s, _ := newTestStore(t)

	for i := 0; i < sampleSize; i++ {
		s.Record("a", 1*time.Millisecond, true, 0)
	}
	result := s.Percentiles("a", []float64{1})
	require.Equal(t, 1*time.Millisecond, result[1])

	// Overwrite the entire ring with a much larger latency; the 1ms samples
	// should have been fully evicted.
	for i := 0; i < sampleSize; i++ {
		s.Record("a", 500*time.Millisecond, true, 0)
	}
	result = s.Percentiles("a", []float64{0, 1})
	assert.Equal(t, 500*time.Millisecond, result[0])
	assert.Equal(t, 500*time.Millisecond, result[1])
}

func TestHourlyRollupClosesOnHourBoundary(t *testing.T) {
	s, mock := newTestStore(t)
	mock.Set(time.Unix(1_700_000_000, 0).UTC().Truncate(time.Hour))

	s.Record("a", 100*time.Millisecond, true, 1.0)
	s.Record("a", 300*time.Millisecond, false, 2.0)
	assert.Empty(t, s.Hourly("a"), "the in-progress hour hasn't closed yet")

	mock.Add(time.Hour)
	s.Record("a", 50*time.Millisecond, true, 0.5)

	rollups := s.Hourly("a")
	require.Len(t, rollups, 1, "crossing the hour boundary closes the previous bucket")
	closed := rollups[0]
	assert.Equal(t, int64(2), closed.Count)
	assert.InDelta(t, 0.5, closed.ErrorRate, 1e-9)
	assert.Equal(t, 200*time.Millisecond, closed.AvgLatency)
	assert.InDelta(t, 3.0, closed.Cost, 1e-9)
}

func TestHourlyRollupRingEvictsOldestBucket(t *testing.T) {
	s, mock := newTestStore(t)
	mock.Set(time.Unix(1_700_000_000, 0).UTC().Truncate(time.Hour))

	for i := 0; i < hourlyBuckets+3; i++ {
		s.Record("a", time.Millisecond, true, 0)
		mock.Add(time.Hour)
	}

	rollups := s.Hourly("a")
	require.Len(t, rollups, hourlyBuckets, "the rollup ring never grows past its cap")
}

type recordingSyncer struct {
	mu    sync.Mutex
	calls []HourlyRollup
	done  chan struct{}
}

func (r *recordingSyncer) SyncHourlyRollup(_ context.Context, _ string, rollup HourlyRollup) error {
	r.mu.Lock()
	r.calls = append(r.calls, rollup)
	r.mu.Unlock()
	if r.done != nil {
		r.done <- struct{}{}
	}
	return nil
}

func TestClosedBucketIsSyncedAsynchronously(t *testing.T) {
	mock := clock.NewMock()
	logger := zaptest.NewLogger(t).Sugar()
	syncer := &recordingSyncer{done: make(chan struct{}, 1)}
	s := New(mock, logger, syncer)

	mock.Set(time.Unix(1_700_000_000, 0).UTC().Truncate(time.Hour))
	s.Record("a", time.Millisecond, true, 0)
	mock.Add(time.Hour)
	s.Record("a", time.Millisecond, true, 0) // closes the first bucket, triggers the syncer

	select {
	case <-syncer.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for async rollup sync")
	}

	syncer.mu.Lock()
	defer syncer.mu.Unlock()
	require.Len(t, syncer.calls, 1)
	assert.Equal(t, int64(1), syncer.calls[0].Count)
}

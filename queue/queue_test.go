package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	realclock "github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	schedbackend "github.com/docuscale/scheduler/backend"
	"github.com/docuscale/scheduler/domain"
	"github.com/docuscale/scheduler/metrics"
	"github.com/docuscale/scheduler/registry"
)

type scriptedBackend struct {
	mu      sync.Mutex
	calls   int
	results []domain.Result
	errs    []error
	delay   time.Duration
}

func (b *scriptedBackend) Call(ctx context.Context, req domain.Request) (domain.Result, error) {
	b.mu.Lock()
	i := b.calls
	b.calls++
	b.mu.Unlock()

	if b.delay > 0 {
		select {
		case <-ctx.Done():
			return domain.Result{}, ctx.Err()
		case <-time.After(b.delay):
		}
	}
	if i < len(b.errs) && b.errs[i] != nil {
		return domain.Result{}, b.errs[i]
	}
	if i < len(b.results) {
		return b.results[i], nil
	}
	return domain.Result{Value: []byte("ok")}, nil
}

func (b *scriptedBackend) Probe(ctx context.Context) error { return nil }

func newTestManager(t *testing.T, clk *realclock.Mock, b *scriptedBackend) (*Manager, *registry.Registry) {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	reg := registry.New(clk, logger)
	met := metrics.New(clk, logger, nil)
	reg.Register(domain.BackendSpec{ID: "b1", MaxInFlight: 2, Timeout: time.Second, CostPerRequest: 1})
	mgr := New(reg, met, clk, logger, map[string]schedbackend.Backend{"b1": b})
	return mgr, reg
}

func TestEnqueueDispatchesAndCompletes(t *testing.T) {
	clk := realclock.NewMock()
	b := &scriptedBackend{}
	mgr, _ := newTestManager(t, clk, b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr.Start(ctx)

	require.NoError(t, mgr.Enqueue("job1", "b1", domain.Request{Tier: domain.TierEnterprise, Priority: domain.PriorityHigh}))

	waitForState(t, mgr, "b1", "job1", domain.JobCompleted)
	snap, ok := mgr.Status("b1", "job1")
	require.True(t, ok)
	assert.Equal(t, "ok", string(snap.Result.Value))
}

func TestRetryThenFailAfterMaxAttempts(t *testing.T) {
	clk := realclock.NewMock()
	b := &scriptedBackend{errs: []error{errors.New("e1"), errors.New("e2"), errors.New("e3")}}
	mgr, _ := newTestManager(t, clk, b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr.Start(ctx)

	require.NoError(t, mgr.Enqueue("job1", "b1", domain.Request{}))

	for i := 0; i < 5; i++ {
		clk.Add(5 * time.Second)
		time.Sleep(5 * time.Millisecond)
	}
	waitForState(t, mgr, "b1", "job1", domain.JobFailed)
}

func TestCancelPendingJobRemovesItSilently(t *testing.T) {
	clk := realclock.NewMock()
	b := &scriptedBackend{delay: 200 * time.Millisecond}
	mgr, _ := newTestManager(t, clk, b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr.Start(ctx)

	require.NoError(t, mgr.Enqueue("blocker", "b1", domain.Request{}))
	require.NoError(t, mgr.Enqueue("blocker2", "b1", domain.Request{}))
	require.NoError(t, mgr.Enqueue("job1", "b1", domain.Request{}))
	time.Sleep(5 * time.Millisecond)

	ok := mgr.Cancel("b1", "job1")
	assert.True(t, ok)
	snap, found := mgr.Status("b1", "job1")
	require.True(t, found)
	assert.Equal(t, domain.JobCancelled, snap.State)
}

func TestBackendSaturatedWhenPendingCeilingExceeded(t *testing.T) {
	clk := realclock.NewMock()
	b := &scriptedBackend{delay: 200 * time.Millisecond}
	mgr, _ := newTestManager(t, clk, b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr.Start(ctx)

	q, ok := mgr.queueFor("b1")
	require.True(t, ok)
	q.mu.Lock()
	q.pendingCeiling = 1
	q.mu.Unlock()

	require.NoError(t, mgr.Enqueue("a", "b1", domain.Request{}))
	require.NoError(t, mgr.Enqueue("b", "b1", domain.Request{}))
	err := mgr.Enqueue("c", "b1", domain.Request{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrBackendSaturated)
}

func waitForState(t *testing.T, mgr *Manager, backendID, jobID string, want domain.JobState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap, ok := mgr.Status(backendID, jobID)
		if ok && snap.State == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("job %s never reached state %s", jobID, want)
}

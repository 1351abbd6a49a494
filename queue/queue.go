// Package queue implements the Queue / Worker (C6): one logical priority
// queue per backend, concurrency-limited to the backend's declared
// maximum in-flight count, with retry and cancellation (spec.md §4.5).
// Grounded on the teacher's generic heap (utils/heap) for the pending
// ordering and on state/memory.go's pattern of a goroutine-owned mutable
// structure exposing only race-free snapshots to callers.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/docuscale/scheduler/backend"
	"github.com/docuscale/scheduler/clock"
	"github.com/docuscale/scheduler/domain"
	"github.com/docuscale/scheduler/metrics"
	"github.com/docuscale/scheduler/registry"
	"github.com/docuscale/scheduler/utils/heap"
)

// defaultPendingCeiling bounds per-backend pending jobs before Enqueue
// starts rejecting with backend-saturated (spec.md §4.5).
const defaultPendingCeiling = 256

// Retention windows, spec.md §4.5.
const (
	completedRetentionAge   = time.Hour
	completedRetentionCount = 100
	failedRetentionAge      = 24 * time.Hour
	failedRetentionCount    = 500
)

// backendQueue owns the mutable state of one backend's pending, in-flight,
// and recently terminal jobs. All mutation happens on the dispatch
// goroutine or under mu; callers only ever see Snapshot copies.
type backendQueue struct {
	id       string
	backend  backend.Backend
	registry *registry.Registry
	metrics  *metrics.Store
	clock    clock.Clock
	logger   *zap.SugaredLogger
	events   chan<- Event

	pendingCeiling int
	maxInFlight    int

	mu         sync.Mutex
	pending    *heap.MinHeap[*Job]
	byID       map[string]*Job
	processing map[string]*Job
	completed  []*Job
	failed     []*Job
	inFlight   int
	paused     bool
	nextSeq    int64
	wake       chan struct{}
}

func newBackendQueue(id string, maxInFlight int, b backend.Backend, reg *registry.Registry, met *metrics.Store, clk clock.Clock, logger *zap.SugaredLogger, events chan<- Event) *backendQueue {
	less := func(a, b *Job) bool {
		if a.Priority != b.Priority {
			return a.Priority > b.Priority // higher priority first
		}
		return a.seq < b.seq
	}
	return &backendQueue{
		id:             id,
		backend:        b,
		registry:       reg,
		metrics:        met,
		clock:          clk,
		logger:         logger,
		events:         events,
		pendingCeiling: defaultPendingCeiling,
		maxInFlight:    maxInFlight,
		pending:        heap.NewMinHeap(less),
		byID:           make(map[string]*Job),
		processing:     make(map[string]*Job),
		wake:           make(chan struct{}, 1),
	}
}

func (q *backendQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// enqueue adds a job to the pending heap, returning backend-saturated if
// the pending ceiling is exceeded (spec.md §4.5's backpressure rule).
func (q *backendQueue) enqueue(job *Job) error {
	q.mu.Lock()
	if q.pending.Len() >= q.pendingCeiling {
		q.mu.Unlock()
		return fmt.Errorf("%w: backend %s has %d pending jobs", domain.ErrBackendSaturated, q.id, q.pending.Len())
	}
	q.nextSeq++
	job.seq = q.nextSeq
	job.State = domain.JobPending
	q.pending.Push(job)
	q.byID[job.ID] = job
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *backendQueue) status(jobID string) (Snapshot, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.byID[jobID]
	if !ok {
		return Snapshot{}, false
	}
	return job.snapshot(), true
}

// cancel implements spec.md §4.5's cancellation semantics.
func (q *backendQueue) cancel(jobID string) bool {
	q.mu.Lock()
	job, ok := q.byID[jobID]
	if !ok {
		q.mu.Unlock()
		return false
	}
	if job.State.IsTerminal() {
		q.mu.Unlock()
		return false
	}
	if job.State == domain.JobPending || job.State == domain.JobRetrying {
		q.pending.Remove(job)
		job.State = domain.JobCancelled
		job.UpdatedAt = q.clock.Now()
		q.mu.Unlock()
		q.publish(job)
		return true
	}
	// processing: signal the in-flight call to abort; the dispatch
	// goroutine observes cancelRequested when the call returns.
	job.cancelRequested = true
	cancel := job.cancelFunc
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return true
}

func (q *backendQueue) setPaused(paused bool) {
	q.mu.Lock()
	q.paused = paused
	q.mu.Unlock()
	if !paused {
		q.signal()
	}
}

// StatsSnapshot is a point-in-time view of one backend's queue counters.
type StatsSnapshot struct {
	BackendID  string
	Pending    int
	Processing int
	Completed  int
	Failed     int
	Paused     bool
}

func (q *backendQueue) stats() StatsSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return StatsSnapshot{
		BackendID:  q.id,
		Pending:    q.pending.Len(),
		Processing: len(q.processing),
		Completed:  len(q.completed),
		Failed:     len(q.failed),
		Paused:     q.paused,
	}
}

// run is the dispatch loop: one goroutine per backend, woken whenever
// work is enqueued, a slot frees up, or an attempt's backoff elapses.
func (q *backendQueue) run(ctx context.Context) {
	timer := q.clock.Timer(time.Hour)
	defer timer.Stop()
	for {
		wait := q.tryDispatchAll(ctx)
		if wait > 0 {
			timer.Reset(wait)
		}
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-timer.C:
		}
	}
}

// tryDispatchAll dispatches every pending job for which a concurrency
// slot is available, returning the delay until the next eligible job
// (e.g. a free-tier enqueue delay or retry backoff) becomes ready, or 0
// if nothing remains or everything is already dispatched.
func (q *backendQueue) tryDispatchAll(ctx context.Context) time.Duration {
	for {
		job, ready, wait := q.nextDispatchable()
		if job == nil {
			return wait
		}
		if !ready {
			return wait
		}
		go q.execute(ctx, job)
	}
}

// nextDispatchable pops and returns the next job ready to run, if a
// concurrency slot is free and its eligibility delay has elapsed; it
// leaves the job in place (returning ready=false) if the job exists but
// isn't yet eligible, or if the queue is paused or out of capacity.
func (q *backendQueue) nextDispatchable() (job *Job, ready bool, wait time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.paused || q.inFlight >= q.maxInFlight {
		return nil, false, 0
	}
	top, ok := q.pending.Peek()
	if !ok {
		return nil, false, 0
	}
	now := q.clock.Now()
	if top.EligibleAt.After(now) {
		return top, false, top.EligibleAt.Sub(now)
	}
	q.pending.Pop()
	top.State = domain.JobProcessing
	top.Attempt++
	top.UpdatedAt = now
	q.processing[top.ID] = top
	q.inFlight++
	return top, true, 0
}

// execute runs one attempt of job against the backend, recording the
// result into Metrics and driving the retry/terminal transition
// (spec.md §4.5).
func (q *backendQueue) execute(ctx context.Context, job *Job) {
	if q.registry != nil {
		q.registry.IncInFlight(q.id)
	}
	callCtx, cancel := context.WithTimeout(ctx, q.backendTimeout())
	q.mu.Lock()
	job.cancelFunc = cancel
	cancelled := job.cancelRequested
	q.mu.Unlock()

	start := q.clock.Now()
	var result domain.Result
	var callErr error
	if cancelled {
		callErr = domain.ErrCancelled
	} else if q.backend == nil {
		callErr = fmt.Errorf("%w: backend %s has no adapter", domain.ErrBackendFatal, q.id)
	} else {
		result, callErr = q.backend.Call(callCtx, job.Request)
	}
	cancel()
	latency := q.clock.Now().Sub(start)

	if q.registry != nil {
		q.registry.DecInFlight(q.id)
	}
	q.mu.Lock()
	q.inFlight--
	delete(q.processing, job.ID)
	cancelled = job.cancelRequested
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.Record(q.id, latency, callErr == nil, q.incurredCost())
	}

	if cancelled {
		q.finish(job, domain.JobCancelled, domain.Result{}, domain.ErrCancelled)
		return
	}
	if callErr == nil {
		q.finish(job, domain.JobCompleted, result, nil)
		return
	}
	if job.Attempt >= maxAttempts {
		q.finish(job, domain.JobFailed, domain.Result{}, callErr)
		return
	}
	q.retry(job, callErr)
}

// incurredCost uses the backend's declared per-request cost as the
// actual cost recorded into Metrics; the system has no per-call billing
// feedback from providers, only the declared rate cards in BackendSpec.
func (q *backendQueue) incurredCost() float64 {
	if q.registry == nil {
		return 0
	}
	snap, ok := q.registry.Get(q.id)
	if !ok {
		return 0
	}
	return snap.Spec.CostPerRequest
}

func (q *backendQueue) backendTimeout() time.Duration {
	if q.registry == nil {
		return 30 * time.Second
	}
	snap, ok := q.registry.Get(q.id)
	if !ok || snap.Spec.Timeout <= 0 {
		return 30 * time.Second
	}
	return snap.Spec.Timeout
}

func (q *backendQueue) retry(job *Job, cause error) {
	q.mu.Lock()
	job.State = domain.JobRetrying
	job.Err = cause
	job.EligibleAt = q.clock.Now().Add(backoffFor(job.Attempt))
	job.UpdatedAt = q.clock.Now()
	q.pending.Push(job)
	q.mu.Unlock()
	q.publish(job)
	q.signal()
}

func (q *backendQueue) finish(job *Job, state domain.JobState, result domain.Result, err error) {
	q.mu.Lock()
	job.State = state
	job.Result = result
	job.Err = err
	job.UpdatedAt = q.clock.Now()
	switch state {
	case domain.JobCompleted:
		q.completed = append(q.completed, job)
	case domain.JobFailed:
		q.failed = append(q.failed, job)
	}
	q.mu.Unlock()
	q.publish(job)
}

func (q *backendQueue) publish(job *Job) {
	if q.events == nil {
		return
	}
	select {
	case q.events <- Event{Job: job.snapshot()}:
	default:
	}
}

// sweep enforces the retention windows of spec.md §4.5, dropping
// completed/failed jobs past their age or count limit. Called by the
// maintenance loop (C8).
func (q *backendQueue) sweep(now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	q.completed, removed = sweepSlice(q.completed, now, completedRetentionAge, completedRetentionCount, q.byID, removed)
	q.failed, removed = sweepSlice(q.failed, now, failedRetentionAge, failedRetentionCount, q.byID, removed)
	return removed
}

func sweepSlice(jobs []*Job, now time.Time, maxAge time.Duration, maxCount int, byID map[string]*Job, removed int) ([]*Job, int) {
	kept := jobs[:0:0]
	for _, j := range jobs {
		if now.Sub(j.UpdatedAt) > maxAge {
			delete(byID, j.ID)
			removed++
			continue
		}
		kept = append(kept, j)
	}
	if len(kept) > maxCount {
		excess := len(kept) - maxCount
		for _, j := range kept[:excess] {
			delete(byID, j.ID)
			removed++
		}
		kept = kept[excess:]
	}
	return kept, removed
}

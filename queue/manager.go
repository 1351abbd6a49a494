package queue

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/docuscale/scheduler/backend"
	"github.com/docuscale/scheduler/clock"
	"github.com/docuscale/scheduler/domain"
	"github.com/docuscale/scheduler/metrics"
	"github.com/docuscale/scheduler/registry"
)

// Manager owns one backendQueue per registered backend and fans out
// terminal/retry transitions on a shared Events channel the scheduler
// facade (C7) subscribes to.
type Manager struct {
	registry *registry.Registry
	metrics  *metrics.Store
	clock    clock.Clock
	logger   *zap.SugaredLogger
	backends map[string]backend.Backend

	mu     sync.Mutex
	queues map[string]*backendQueue

	events chan Event
}

// New constructs a Manager. backends maps backend ID to the collaborator
// the queue dispatches calls onto.
func New(reg *registry.Registry, met *metrics.Store, clk clock.Clock, logger *zap.SugaredLogger, backends map[string]backend.Backend) *Manager {
	return &Manager{
		registry: reg,
		metrics:  met,
		clock:    clk,
		logger:   logger,
		backends: backends,
		queues:   make(map[string]*backendQueue),
		events:   make(chan Event, 256),
	}
}

// Events returns the channel of job state transitions the scheduler
// facade consumes to store cache entries and record completions.
func (m *Manager) Events() <-chan Event { return m.events }

// Start launches the dispatch goroutine for every backend currently
// registered. Backends registered after Start must be started
// individually via StartBackend.
func (m *Manager) Start(ctx context.Context) {
	for _, snap := range m.registry.List() {
		m.StartBackend(ctx, snap.Spec)
	}
}

// StartBackend lazily creates and launches a backend's queue.
func (m *Manager) StartBackend(ctx context.Context, spec domain.BackendSpec) {
	m.mu.Lock()
	if _, ok := m.queues[spec.ID]; ok {
		m.mu.Unlock()
		return
	}
	b := m.backends[spec.ID]
	q := newBackendQueue(spec.ID, spec.MaxInFlight, b, m.registry, m.metrics, m.clock, m.logger, m.events)
	m.queues[spec.ID] = q
	m.mu.Unlock()
	go q.run(ctx)
}

func (m *Manager) queueFor(backendID string) (*backendQueue, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[backendID]
	return q, ok
}

// Enqueue submits a job for backendID, returning its ID as the handle.
// Free-tier, non-urgent jobs are enqueued with a small fixed delay to
// rate-shape the cheapest class without starving it (spec.md §4.5).
func (m *Manager) Enqueue(jobID string, backendID string, req domain.Request) error {
	q, ok := m.queueFor(backendID)
	if !ok {
		return fmt.Errorf("%w: backend %s has no queue", domain.ErrNoEligibleBackend, backendID)
	}
	now := m.clock.Now()
	job := &Job{
		ID:         jobID,
		Request:    req,
		BackendID:  backendID,
		Priority:   jobPriority(req),
		CreatedAt:  now,
		UpdatedAt:  now,
		EligibleAt: now,
	}
	if req.Tier == domain.TierFree && req.Priority != domain.PriorityUrgent {
		job.EligibleAt = now.Add(freeTierDelay)
	}
	return q.enqueue(job)
}

// Cancel implements spec.md §4.5's cancellation semantics for the job's
// current backend queue.
func (m *Manager) Cancel(backendID, jobID string) bool {
	q, ok := m.queueFor(backendID)
	if !ok {
		return false
	}
	return q.cancel(jobID)
}

// Status returns a job's current snapshot.
func (m *Manager) Status(backendID, jobID string) (Snapshot, bool) {
	q, ok := m.queueFor(backendID)
	if !ok {
		return Snapshot{}, false
	}
	return q.status(jobID)
}

// Pause stops a backend's queue from dispatching new jobs without
// affecting in-flight ones.
func (m *Manager) Pause(backendID string) {
	if q, ok := m.queueFor(backendID); ok {
		q.setPaused(true)
	}
}

// Resume re-enables dispatch for a paused backend.
func (m *Manager) Resume(backendID string) {
	if q, ok := m.queueFor(backendID); ok {
		q.setPaused(false)
	}
}

// Stats returns a point-in-time snapshot of every backend's queue.
func (m *Manager) Stats() []StatsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StatsSnapshot, 0, len(m.queues))
	for _, q := range m.queues {
		out = append(out, q.stats())
	}
	return out
}

// Sweep enforces retention windows across every backend's queue,
// returning the total number of jobs dropped (spec.md §4.5). Called by
// the maintenance loop (C8).
func (m *Manager) Sweep() int {
	m.mu.Lock()
	queues := make([]*backendQueue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.Unlock()

	now := m.clock.Now()
	total := 0
	for _, q := range queues {
		total += q.sweep(now)
	}
	return total
}

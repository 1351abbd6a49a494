// Package registry implements the Backend Registry (C3): the single
// source of truth for which backends exist, their declared capabilities,
// and their live availability state machine (spec.md §4.1, §4.4).
package registry

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/docuscale/scheduler/clock"
	"github.com/docuscale/scheduler/domain"
)

// maxConsecutiveFailures is the number of consecutive probe failures after
// which a degraded backend is marked unavailable (spec.md §4.1).
const maxConsecutiveFailures = 3

// entry is the registry's internal, mutable record for one backend. The
// spec is treated as immutable after registration; status and counters
// change under the registry's lock.
type entry struct {
	spec domain.BackendSpec

	status               domain.BackendStatus
	maintenance          bool
	consecutiveFailures  int
	inFlight             int64
	lastStatusChange     time.Time
	lastProbe            time.Time
}

// Snapshot is a read-only, race-free view of one backend's declared spec
// and current status, handed out by List/ByCapability/ByStatus/ByKind so
// callers never hold a reference into the registry's internal state.
type Snapshot struct {
	Spec      domain.BackendSpec
	Status    domain.BackendStatus
	InFlight  int64
	LastProbe time.Time
}

// StatusChange is published to subscribers whenever a backend transitions
// between BackendStatus values.
type StatusChange struct {
	BackendID string
	Previous  domain.BackendStatus
	Current   domain.BackendStatus
	At        time.Time
}

// Registry holds every known backend and its live status. It never calls
// back into the router, queue, or scheduler facade — those depend on the
// registry, never the reverse (spec.md §5 lock-order/dependency rule).
type Registry struct {
	clock  clock.Clock
	logger *zap.SugaredLogger

	mu       sync.RWMutex
	backends map[string]*entry

	subMu       sync.Mutex
	subscribers []chan StatusChange
}

// New constructs an empty registry.
func New(clk clock.Clock, logger *zap.SugaredLogger) *Registry {
	return &Registry{
		clock:    clk,
		logger:   logger,
		backends: make(map[string]*entry),
	}
}

// Register adds a backend or, if the ID is already registered, replaces
// its declared spec while preserving live status and counters. Idempotent
// by design: registering the same spec twice is a no-op beyond refreshing
// the declared fields.
func (r *Registry) Register(spec domain.BackendSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.backends[spec.ID]; ok {
		e.spec = spec
		return
	}

	r.backends[spec.ID] = &entry{
		spec:             spec,
		status:           domain.StatusAvailable,
		lastStatusChange: r.clock.Now(),
	}
}

// Get returns a snapshot of a single backend.
func (r *Registry) Get(id string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.backends[id]
	if !ok {
		return Snapshot{}, false
	}
	return snapshotOf(e), true
}

// List returns a copy-on-write snapshot of every registered backend.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.backends))
	for _, e := range r.backends {
		out = append(out, snapshotOf(e))
	}
	return out
}

// ByCapability returns every backend whose declared capabilities are a
// superset of required (invariant I1).
func (r *Registry) ByCapability(required domain.CapabilitySet) []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Snapshot
	for _, e := range r.backends {
		if e.spec.Capabilities.Superset(required) {
			out = append(out, snapshotOf(e))
		}
	}
	return out
}

// ByStatus returns every backend currently in the given status.
func (r *Registry) ByStatus(status domain.BackendStatus) []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Snapshot
	for _, e := range r.backends {
		if e.status == status {
			out = append(out, snapshotOf(e))
		}
	}
	return out
}

// ByKind returns every backend of the given kind.
func (r *Registry) ByKind(kind domain.BackendKind) []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Snapshot
	for _, e := range r.backends {
		if e.spec.Kind == kind {
			out = append(out, snapshotOf(e))
		}
	}
	return out
}

// IncInFlight records that a call to id has started, flipping an
// available backend to busy. Must be paired with DecInFlight.
func (r *Registry) IncInFlight(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.backends[id]
	if !ok {
		return
	}
	e.inFlight++
	if e.status == domain.StatusAvailable && int(e.inFlight) >= e.spec.MaxInFlight {
		r.transition(e, domain.StatusBusy)
	}
}

// DecInFlight records that a call to id has finished.
func (r *Registry) DecInFlight(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.backends[id]
	if !ok || e.inFlight == 0 {
		return
	}
	e.inFlight--
	if e.status == domain.StatusBusy && int(e.inFlight) < e.spec.MaxInFlight {
		r.transition(e, domain.StatusAvailable)
	}
}

// RecordProbe feeds a health probe's outcome into the backend's status
// state machine: a single failure degrades an available/busy backend; a
// third consecutive failure marks it unavailable; any success on a
// degraded or unavailable backend recovers it to available. A backend
// under maintenance is never moved by probes (spec.md §4.4).
func (r *Registry) RecordProbe(id string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, exists := r.backends[id]
	if !exists {
		return
	}
	e.lastProbe = r.clock.Now()
	if e.maintenance {
		return
	}

	if ok {
		e.consecutiveFailures = 0
		if e.status == domain.StatusDegraded || e.status == domain.StatusUnavailable {
			r.transition(e, domain.StatusAvailable)
		}
		return
	}

	e.consecutiveFailures++
	switch {
	case e.consecutiveFailures >= maxConsecutiveFailures:
		r.transition(e, domain.StatusUnavailable)
	case e.status == domain.StatusAvailable || e.status == domain.StatusBusy:
		r.transition(e, domain.StatusDegraded)
	}
}

// SetMaintenance toggles the maintenance override. Entering maintenance
// immediately forces status to maintenance regardless of probe history;
// leaving it resets the failure counter and returns the backend to
// available, letting the next probe re-establish its real health.
func (r *Registry) SetMaintenance(id string, on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.backends[id]
	if !ok {
		return
	}
	e.maintenance = on
	if on {
		r.transition(e, domain.StatusMaintenance)
		return
	}
	e.consecutiveFailures = 0
	r.transition(e, domain.StatusAvailable)
}

// transition must be called with r.mu held. It updates status and
// publishes a StatusChange to every subscriber without blocking on slow
// receivers (sends are best-effort/non-blocking).
func (r *Registry) transition(e *entry, next domain.BackendStatus) {
	if e.status == next {
		return
	}
	prev := e.status
	e.status = next
	e.lastStatusChange = r.clock.Now()

	if r.logger != nil {
		r.logger.Infow("backend status transition",
			"backend_id", e.spec.ID, "from", prev, "to", next)
	}
	r.publish(StatusChange{
		BackendID: e.spec.ID,
		Previous:  prev,
		Current:   next,
		At:        e.lastStatusChange,
	})
}

// Subscribe returns a channel that receives every future status change.
// The channel is buffered; a subscriber that falls behind drops events
// rather than stalling the registry.
func (r *Registry) Subscribe() <-chan StatusChange {
	ch := make(chan StatusChange, 32)
	r.subMu.Lock()
	r.subscribers = append(r.subscribers, ch)
	r.subMu.Unlock()
	return ch
}

func (r *Registry) publish(change StatusChange) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subscribers {
		select {
		case ch <- change:
		default:
		}
	}
}

func snapshotOf(e *entry) Snapshot {
	return Snapshot{
		Spec:      e.spec,
		Status:    e.status,
		InFlight:  e.inFlight,
		LastProbe: e.lastProbe,
	}
}

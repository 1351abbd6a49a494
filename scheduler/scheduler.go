// Package scheduler implements the Scheduler Facade (C7): the single
// entry point submissions flow through (spec.md §4.6). It wires the
// registry, metrics store, tiered cache, router, and queue manager
// together without any of them calling back into it — the one-way
// dependency-injection shape spec.md §9 calls for, grounded on the
// teacher's own avoidance of callback cycles between its routing,
// cache, and provider layers.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/docuscale/scheduler/cache"
	"github.com/docuscale/scheduler/clock"
	"github.com/docuscale/scheduler/domain"
	"github.com/docuscale/scheduler/metrics"
	"github.com/docuscale/scheduler/queue"
	"github.com/docuscale/scheduler/registry"
	"github.com/docuscale/scheduler/routing"
	"github.com/docuscale/scheduler/utils/array"
)

// Handle identifies a submission; callers poll Status or await completion.
type Handle string

// defaultTTL is used for any request kind not present in ttlByKind
// (spec.md §4.6: "TTL derived from request kind (e.g. 24 h default)").
const defaultTTL = 24 * time.Hour

var ttlByKind = map[domain.RequestKind]time.Duration{
	domain.KindQuickScan:      time.Hour,
	domain.KindDocAnalysis:    24 * time.Hour,
	domain.KindDetailedReview: 24 * time.Hour,
	domain.KindPatternSearch:  12 * time.Hour,
	domain.KindRiskAssessment: 6 * time.Hour,
	domain.KindBusinessQuery:  time.Hour,
}

func ttlForKind(kind domain.RequestKind) time.Duration {
	if ttl, ok := ttlByKind[kind]; ok {
		return ttl
	}
	return defaultTTL
}

// EmbeddingFunc computes a request's embedding for semantic cache lookups.
// A nil EmbeddingFunc disables semantic matching entirely (spec.md §9's
// embedding plug-point: "a parameter, not a hard dependency").
type EmbeddingFunc func(payload []byte) []float32

// Exporter forwards a completed job's outcome to an external monitor
// (e.g. monitoring.Sink). A nil Exporter disables external export
// entirely; the in-process metrics.Store always records regardless.
type Exporter interface {
	ExportBackendResult(backendID, kind, tier, principalID string, duration time.Duration, cost float64, cacheHit bool, callErr error)
}

// submission is the facade's bookkeeping for one handle, covering both
// the cache-hit (already terminal) and queued paths.
type submission struct {
	mu        sync.Mutex
	requestID string
	backendID string
	decision  domain.RoutingDecision
	state     domain.JobState
	attempts  int
	startedAt *time.Time
	completedAt *time.Time
	result    domain.Result
	err       error
	done      chan struct{}
}

func (s *submission) snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		State:       s.state,
		Attempts:    s.attempts,
		StartedAt:   s.startedAt,
		CompletedAt: s.completedAt,
		Result:      s.result,
		Err:         s.err,
		Decision:    s.decision,
	}
}

// Status is the observation-API response shape (spec.md §6).
type Status struct {
	State       domain.JobState
	Attempts    int
	StartedAt   *time.Time
	CompletedAt *time.Time
	Result      domain.Result
	Err         error
	Decision    domain.RoutingDecision
}

// Facade is the Scheduler Facade (C7).
type Facade struct {
	registry  *registry.Registry
	metrics   *metrics.Store
	cache     *cache.Store
	router    *routing.Router
	queue     *queue.Manager
	clock     clock.Clock
	logger    *zap.SugaredLogger
	embedding EmbeddingFunc
	exporter  Exporter

	mu               sync.Mutex
	submissions      map[Handle]*submission
	originalRequests map[Handle]domain.Request
}

// New constructs a Facade over already-wired collaborators, with no
// external exporter. Use NewWithExporter to feed completed jobs to an
// external monitor as well as the in-process metrics.Store.
func New(reg *registry.Registry, met *metrics.Store, c *cache.Store, router *routing.Router, qm *queue.Manager, clk clock.Clock, logger *zap.SugaredLogger, embedding EmbeddingFunc) *Facade {
	return NewWithExporter(reg, met, c, router, qm, clk, logger, embedding, nil)
}

// NewWithExporter constructs a Facade over already-wired collaborators.
// exporter may be nil.
func NewWithExporter(reg *registry.Registry, met *metrics.Store, c *cache.Store, router *routing.Router, qm *queue.Manager, clk clock.Clock, logger *zap.SugaredLogger, embedding EmbeddingFunc, exporter Exporter) *Facade {
	return &Facade{
		registry:         reg,
		metrics:          met,
		cache:            c,
		router:           router,
		queue:            qm,
		clock:            clk,
		logger:           logger,
		embedding:        embedding,
		exporter:         exporter,
		submissions:      make(map[Handle]*submission),
		originalRequests: make(map[Handle]domain.Request),
	}
}

// Run consumes queue completion events until ctx is cancelled. Must be
// started once, after the queue manager's own dispatch goroutines.
func (f *Facade) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-f.queue.Events():
			if !ok {
				return
			}
			f.handleEvent(ctx, ev)
		}
	}
}

func (f *Facade) handleEvent(ctx context.Context, ev queue.Event) {
	handle := Handle(ev.Job.ID)
	f.mu.Lock()
	sub, ok := f.submissions[handle]
	f.mu.Unlock()
	if !ok {
		return
	}

	sub.mu.Lock()
	sub.attempts = ev.Job.Attempt
	sub.state = ev.Job.State
	sub.result = ev.Job.Result
	sub.err = ev.Job.Err
	if sub.startedAt == nil && ev.Job.State != domain.JobPending {
		t := ev.Job.CreatedAt
		sub.startedAt = &t
	}
	terminal := ev.Job.State.IsTerminal()
	if terminal {
		t := ev.Job.UpdatedAt
		sub.completedAt = &t
	}
	sub.mu.Unlock()

	if !terminal {
		return
	}
	defer close(sub.done)

	f.exportCompletion(Handle(ev.Job.ID), sub, ev)

	if ev.Job.State != domain.JobCompleted {
		return
	}
	f.storeCompletion(ctx, sub, ev)
}

// exportCompletion forwards a terminal job's outcome to the configured
// Exporter, if any, alongside the metrics.Store recording the queue
// already performed on every attempt.
func (f *Facade) exportCompletion(handle Handle, sub *submission, ev queue.Event) {
	if f.exporter == nil {
		return
	}
	f.mu.Lock()
	reqCopy, ok := f.originalRequests[handle]
	f.mu.Unlock()
	if !ok {
		return
	}

	sub.mu.Lock()
	started, completed := sub.startedAt, sub.completedAt
	sub.mu.Unlock()
	var duration time.Duration
	if started != nil && completed != nil {
		duration = completed.Sub(*started)
	}

	f.exporter.ExportBackendResult(
		ev.Job.BackendID,
		string(reqCopy.Kind),
		string(reqCopy.Tier),
		reqCopy.PrincipalID,
		duration,
		sub.decision.EstimatedCost,
		false,
		ev.Job.Err,
	)
}

// storeCompletion implements spec.md §4.6's "on completion, store into
// the cache and record metrics" step. Metrics are already recorded by
// the queue on every attempt; this only covers the cache write.
func (f *Facade) storeCompletion(ctx context.Context, sub *submission, ev queue.Event) {
	f.mu.Lock()
	reqCopy, ok := f.originalRequests[Handle(ev.Job.ID)]
	f.mu.Unlock()
	if !ok {
		return
	}

	value := cache.Value{
		Data:         ev.Job.Result.Value,
		Capabilities: reqCopy.RequiredCapabilities,
		Metadata:     ev.Job.Result.Metadata,
		Embedding:    reqCopy.Embedding,
		DocumentType: reqCopy.DocumentType,
	}
	ttl := ttlForKind(reqCopy.Kind)
	storeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := f.cache.Put(storeCtx, reqCopy.FingerprintHash, value, ttl, reqCopy.Tier); err != nil && f.logger != nil {
		f.logger.Warnw("cache store failed after job completion", "error", err, "job_id", ev.Job.ID)
	}
}

// Submit implements spec.md §4.6's submit operation.
func (f *Facade) Submit(ctx context.Context, req domain.Request) (Handle, error) {
	if err := validate(req); err != nil {
		return "", err
	}
	if req.ID == "" {
		req.ID = clock.NewRequestID()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = f.clock.Now()
	}
	if req.FingerprintHash == "" {
		req.FingerprintHash = clock.Fingerprint(req.Payload, capabilityStrings(req.RequiredCapabilities))
	}
	if req.Embedding == nil && f.embedding != nil {
		req.Embedding = f.embedding(req.Payload)
	}

	handle := Handle(req.ID)

	if result, decision, hit, err := f.lookupCache(ctx, req); err != nil {
		if f.logger != nil {
			f.logger.Warnw("cache lookup failed, falling through to routing", "error", err, "request_id", req.ID)
		}
	} else if hit {
		f.recordCacheHit(handle, req, result, decision)
		return handle, nil
	}

	decision, err := f.router.Route(req)
	if err != nil {
		return "", err
	}
	if err := f.queue.Enqueue(req.ID, decision.SelectedBackend, req); err != nil {
		return "", err
	}

	sub := &submission{
		requestID: req.ID,
		backendID: decision.SelectedBackend,
		decision:  decision,
		state:     domain.JobPending,
		done:      make(chan struct{}),
	}
	f.mu.Lock()
	f.submissions[handle] = sub
	f.originalRequests[handle] = req
	f.mu.Unlock()

	return handle, nil
}

func (f *Facade) lookupCache(ctx context.Context, req domain.Request) (domain.Result, domain.RoutingDecision, bool, error) {
	result, hit, err := f.cache.Lookup(ctx, req.FingerprintHash, req.RequiredCapabilities, req.Embedding, req.DocumentType)
	if err != nil || !hit {
		return domain.Result{}, domain.RoutingDecision{}, false, err
	}
	decision := domain.RoutingDecision{
		RequestID:       req.ID,
		CacheHit:        true,
		Similarity:      result.Similarity,
		Timestamp:       f.clock.Now(),
		EstimatedCost:   0,
		EstimatedLatency: 0,
	}
	return domain.Result{Value: result.Value.Data, Metadata: result.Value.Metadata}, decision, true, nil
}

func (f *Facade) recordCacheHit(handle Handle, req domain.Request, result domain.Result, decision domain.RoutingDecision) {
	now := f.clock.Now()
	sub := &submission{
		requestID:   req.ID,
		decision:    decision,
		state:       domain.JobCompleted,
		attempts:    0,
		startedAt:   &now,
		completedAt: &now,
		result:      result,
		done:        make(chan struct{}),
	}
	close(sub.done)
	f.mu.Lock()
	f.submissions[handle] = sub
	f.mu.Unlock()

	if f.exporter != nil {
		f.exporter.ExportBackendResult(decision.SelectedBackend, string(req.Kind), string(req.Tier), req.PrincipalID, 0, 0, true, nil)
	}
}

// Await blocks until the handle reaches a terminal state or timeout
// elapses, returning ErrPending on timeout (spec.md §4.6).
func (f *Facade) Await(ctx context.Context, handle Handle, timeout time.Duration) (Status, error) {
	f.mu.Lock()
	sub, ok := f.submissions[handle]
	f.mu.Unlock()
	if !ok {
		return Status{}, fmt.Errorf("unknown handle %q", handle)
	}

	if timeout <= 0 {
		<-sub.done
		return sub.snapshot(), nil
	}

	timer := f.clock.Timer(timeout)
	defer timer.Stop()
	select {
	case <-sub.done:
		return sub.snapshot(), nil
	case <-timer.C:
		return sub.snapshot(), ErrPending
	case <-ctx.Done():
		return sub.snapshot(), ctx.Err()
	}
}

// ErrPending is returned by Await when the timeout elapses before the
// job reaches a terminal state.
var ErrPending = fmt.Errorf("pending")

// Status returns a handle's current observation-API view.
func (f *Facade) Status(handle Handle) (Status, bool) {
	f.mu.Lock()
	sub, ok := f.submissions[handle]
	f.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	return sub.snapshot(), true
}

// Cancel cancels the job underlying handle, if it has one and is not
// already terminal (spec.md §4.6, §8: idempotent cancellation).
func (f *Facade) Cancel(handle Handle) bool {
	f.mu.Lock()
	sub, ok := f.submissions[handle]
	f.mu.Unlock()
	if !ok {
		return false
	}
	sub.mu.Lock()
	backendID := sub.backendID
	terminal := sub.state.IsTerminal()
	sub.mu.Unlock()
	if terminal || backendID == "" {
		return false
	}
	return f.queue.Cancel(backendID, sub.requestID)
}

// Metrics returns a backend's current metrics snapshot.
func (f *Facade) Metrics(backendID string) metrics.Snapshot {
	return f.metrics.Snapshot(backendID)
}

// QueueStats returns per-backend queue counters.
func (f *Facade) QueueStats() []queue.StatsSnapshot {
	return f.queue.Stats()
}

// CacheStats returns per-tier cache counters.
func (f *Facade) CacheStats() cache.Stats {
	return f.cache.Stats()
}

func capabilityStrings(set domain.CapabilitySet) []string {
	return array.Map(set.Slice(), func(c domain.Capability) string { return string(c) })
}

// validate rejects unknown enum values per spec.md §6.
func validate(req domain.Request) error {
	switch req.Tier {
	case domain.TierFree, domain.TierPremium, domain.TierEnterprise:
	default:
		return fmt.Errorf("%w: unknown tier %q", domain.ErrInvalidArgument, req.Tier)
	}
	switch req.Priority {
	case domain.PriorityLow, domain.PriorityMedium, domain.PriorityHigh, domain.PriorityUrgent:
	default:
		return fmt.Errorf("%w: unknown priority %q", domain.ErrInvalidArgument, req.Priority)
	}
	switch req.Complexity {
	case domain.ComplexitySimple, domain.ComplexityModerate, domain.ComplexityComplex, domain.ComplexityVeryComplex:
	default:
		return fmt.Errorf("%w: unknown complexity %q", domain.ErrInvalidArgument, req.Complexity)
	}
	switch req.Kind {
	case domain.KindDocAnalysis, domain.KindQuickScan, domain.KindDetailedReview, domain.KindPatternSearch, domain.KindRiskAssessment, domain.KindBusinessQuery:
	default:
		return fmt.Errorf("%w: unknown kind %q", domain.ErrInvalidArgument, req.Kind)
	}
	return nil
}

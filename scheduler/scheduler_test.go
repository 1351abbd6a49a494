package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	realclock "github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	schedbackend "github.com/docuscale/scheduler/backend"
	"github.com/docuscale/scheduler/cache"
	"github.com/docuscale/scheduler/clock"
	"github.com/docuscale/scheduler/domain"
	"github.com/docuscale/scheduler/metrics"
	"github.com/docuscale/scheduler/queue"
	"github.com/docuscale/scheduler/registry"
	"github.com/docuscale/scheduler/routing"
)

// okBackend always succeeds immediately.
type okBackend struct{}

func (okBackend) Call(ctx context.Context, req domain.Request) (domain.Result, error) {
	return domain.Result{Value: []byte("ok")}, nil
}
func (okBackend) Probe(ctx context.Context) error { return nil }

// failingBackend always fails.
type failingBackend struct{}

func (failingBackend) Call(ctx context.Context, req domain.Request) (domain.Result, error) {
	return domain.Result{}, domain.ErrBackendTransient
}
func (failingBackend) Probe(ctx context.Context) error { return nil }

// orderRecordingBackend records the tier of every call it receives, in
// the order the queue dispatched them.
type orderRecordingBackend struct {
	mu    sync.Mutex
	order []domain.Tier
}

func (b *orderRecordingBackend) Call(ctx context.Context, req domain.Request) (domain.Result, error) {
	b.mu.Lock()
	b.order = append(b.order, req.Tier)
	b.mu.Unlock()
	return domain.Result{Value: []byte("ok")}, nil
}
func (b *orderRecordingBackend) Probe(ctx context.Context) error { return nil }

func newHarness(t *testing.T, clk *realclock.Mock, specs []domain.BackendSpec, backends map[string]schedbackend.Backend) (*Facade, *registry.Registry) {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	reg := registry.New(clk, logger)
	for _, s := range specs {
		reg.Register(s)
	}
	met := metrics.New(clk, logger, nil)
	c := cache.New(cache.DefaultConfig(), clk, logger, nil, nil)
	router := routing.New(reg, met, logger)
	qm := queue.New(reg, met, clk, logger, backends)

	f := New(reg, met, c, router, qm, clk, logger, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	qm.Start(ctx)
	go f.Run(ctx)

	return f, reg
}

func awaitTerminal(t *testing.T, f *Facade, h Handle) Status {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st, ok := f.Status(h)
		require.True(t, ok)
		if st.State.IsTerminal() {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("handle %s never reached a terminal state", h)
	return Status{}
}

func TestSubmitUrgentSimpleCacheHitSkipsBackend(t *testing.T) {
	clk := realclock.NewMock()
	f, reg := newHarness(t, clk, []domain.BackendSpec{
		{ID: "b1", MaxInFlight: 2, Timeout: time.Second, CostPerRequest: 1},
	}, map[string]schedbackend.Backend{"b1": okBackend{}})

	caps := domain.NewCapabilitySet([]domain.Capability{domain.CapDocumentAnalysis})
	payload := []byte("quarterly filing")
	fingerprint := clock.Fingerprint(payload, []string{string(domain.CapDocumentAnalysis)})

	require.NoError(t, f.cache.Put(context.Background(), fingerprint, cache.Value{
		Data:         []byte("cached result"),
		Capabilities: caps,
	}, time.Hour))

	handle, err := f.Submit(context.Background(), domain.Request{
		Tier:                 domain.TierFree,
		Kind:                 domain.KindQuickScan,
		Priority:             domain.PriorityUrgent,
		Complexity:           domain.ComplexitySimple,
		RequiredCapabilities: caps,
		Payload:              payload,
	})
	require.NoError(t, err)

	st, ok := f.Status(handle)
	require.True(t, ok)
	assert.True(t, st.Decision.CacheHit)
	assert.Equal(t, domain.JobCompleted, st.State)
	assert.Equal(t, "cached result", string(st.Result.Value))

	snap, ok := reg.Get("b1")
	require.True(t, ok)
	assert.Zero(t, snap.InFlight, "a cache hit must never touch a backend's in-flight count")
}

func TestSubmitCapabilityFilterExcludesNonMatchingBackend(t *testing.T) {
	clk := realclock.NewMock()
	capSet := func(caps ...domain.Capability) domain.CapabilitySet { return domain.NewCapabilitySet(caps) }

	f, _ := newHarness(t, clk, []domain.BackendSpec{
		{ID: "b1", MaxInFlight: 2, Timeout: time.Second, Capabilities: capSet(domain.CapDocumentAnalysis)},
		{ID: "b2", MaxInFlight: 2, Timeout: time.Second, Capabilities: capSet(domain.CapDocumentAnalysis, domain.CapLegalInterpretation)},
	}, map[string]schedbackend.Backend{"b1": okBackend{}, "b2": okBackend{}})

	handle, err := f.Submit(context.Background(), domain.Request{
		Tier:                 domain.TierPremium,
		Kind:                 domain.KindDetailedReview,
		Priority:             domain.PriorityMedium,
		Complexity:           domain.ComplexityModerate,
		RequiredCapabilities: capSet(domain.CapDocumentAnalysis, domain.CapLegalInterpretation),
		Payload:              []byte("contract"),
	})
	require.NoError(t, err)

	st, ok := f.Status(handle)
	require.True(t, ok)
	assert.Equal(t, "b2", st.Decision.SelectedBackend)
	assert.NotContains(t, st.Decision.Alternatives, "b1")

	awaitTerminal(t, f, handle)
}

func TestQueuePrioritizesEnterpriseOverFreeTier(t *testing.T) {
	clk := realclock.NewMock()
	b := &orderRecordingBackend{}
	f, _ := newHarness(t, clk, []domain.BackendSpec{
		{ID: "b1", MaxInFlight: 1, Timeout: time.Second},
	}, map[string]schedbackend.Backend{"b1": b})

	f.queue.Pause("b1")

	// Urgent priority keeps the free-tier submission off the rate-shaping
	// delay (spec.md §4.5) so both jobs are immediately eligible and the
	// test isolates priority ordering, not delay timing.
	freeHandle, err := f.Submit(context.Background(), domain.Request{
		Tier: domain.TierFree, Kind: domain.KindQuickScan,
		Priority: domain.PriorityUrgent, Complexity: domain.ComplexitySimple,
		Payload: []byte("free job"),
	})
	require.NoError(t, err)

	entHandle, err := f.Submit(context.Background(), domain.Request{
		Tier: domain.TierEnterprise, Kind: domain.KindQuickScan,
		Priority: domain.PriorityHigh, Complexity: domain.ComplexitySimple,
		Payload: []byte("enterprise job"),
	})
	require.NoError(t, err)

	f.queue.Resume("b1")

	awaitTerminal(t, f, freeHandle)
	awaitTerminal(t, f, entHandle)

	b.mu.Lock()
	order := append([]domain.Tier(nil), b.order...)
	b.mu.Unlock()
	require.Len(t, order, 2)
	assert.Equal(t, domain.TierEnterprise, order[0], "higher-priority enterprise job should dispatch first")
	assert.Equal(t, domain.TierFree, order[1])
}

func TestFreeTierPrefersCheapestBackend(t *testing.T) {
	clk := realclock.NewMock()
	f, _ := newHarness(t, clk, []domain.BackendSpec{
		{ID: "expensive", MaxInFlight: 4, Timeout: time.Second, CostPerRequest: 5.0, BasePriority: 5},
		{ID: "cheap", MaxInFlight: 4, Timeout: time.Second, CostPerRequest: 0.1, BasePriority: 5},
	}, map[string]schedbackend.Backend{
		"expensive": okBackend{},
		"cheap":     okBackend{},
	})

	handle, err := f.Submit(context.Background(), domain.Request{
		Tier: domain.TierFree, Kind: domain.KindQuickScan,
		Priority: domain.PriorityMedium, Complexity: domain.ComplexitySimple,
		Payload: []byte("budget job"),
	})
	require.NoError(t, err)

	st, ok := f.Status(handle)
	require.True(t, ok)
	assert.Equal(t, "cheap", st.Decision.SelectedBackend)

	awaitTerminal(t, f, handle)
}

func TestSubmitRetriesThenFails(t *testing.T) {
	clk := realclock.NewMock()
	f, _ := newHarness(t, clk, []domain.BackendSpec{
		{ID: "b1", MaxInFlight: 2, Timeout: time.Second},
	}, map[string]schedbackend.Backend{"b1": failingBackend{}})

	handle, err := f.Submit(context.Background(), domain.Request{
		Tier: domain.TierPremium, Kind: domain.KindDocAnalysis,
		Priority: domain.PriorityHigh, Complexity: domain.ComplexityModerate,
		Payload: []byte("doomed job"),
	})
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	var st Status
	for time.Now().Before(deadline) {
		var ok bool
		st, ok = f.Status(handle)
		require.True(t, ok)
		if st.State == domain.JobFailed {
			break
		}
		clk.Add(5 * time.Second)
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, domain.JobFailed, st.State)
	assert.Equal(t, 3, st.Attempts)
}

func TestSubmitSemanticHit(t *testing.T) {
	clk := realclock.NewMock()
	f, _ := newHarness(t, clk, []domain.BackendSpec{
		{ID: "b1", MaxInFlight: 2, Timeout: time.Second},
	}, map[string]schedbackend.Backend{"b1": okBackend{}})

	caps := domain.NewCapabilitySet([]domain.Capability{domain.CapPatternDetection})
	embedding := []float32{0.1, 0.2, 0.3, 0.4}

	require.NoError(t, f.cache.Put(context.Background(), "unrelated-fingerprint", cache.Value{
		Data:         []byte("pattern result"),
		Capabilities: caps,
		Embedding:    embedding,
	}, time.Hour))

	handle, err := f.Submit(context.Background(), domain.Request{
		Tier:                 domain.TierPremium,
		Kind:                 domain.KindPatternSearch,
		Priority:             domain.PriorityMedium,
		Complexity:           domain.ComplexityModerate,
		RequiredCapabilities: caps,
		Payload:              []byte("a completely different document"),
		Embedding:            embedding,
	})
	require.NoError(t, err)

	st, ok := f.Status(handle)
	require.True(t, ok)
	assert.True(t, st.Decision.CacheHit)
	assert.InDelta(t, 1.0, st.Decision.Similarity, 0.001)
	assert.Equal(t, "pattern result", string(st.Result.Value))
}

// recordingExporter is a test double for Exporter: it records every call
// it receives so tests can assert on the fields the Facade forwards.
type recordingExporter struct {
	mu    sync.Mutex
	calls []exportCall
}

type exportCall struct {
	backendID   string
	kind        string
	tier        string
	principalID string
	duration    time.Duration
	cost        float64
	cacheHit    bool
	err         error
}

func (e *recordingExporter) ExportBackendResult(backendID, kind, tier, principalID string, duration time.Duration, cost float64, cacheHit bool, callErr error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, exportCall{backendID, kind, tier, principalID, duration, cost, cacheHit, callErr})
}

func (e *recordingExporter) snapshot() []exportCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]exportCall, len(e.calls))
	copy(out, e.calls)
	return out
}

func TestExporterReceivesCacheHitWithoutTouchingBackend(t *testing.T) {
	clk := realclock.NewMock()
	logger := zaptest.NewLogger(t).Sugar()
	reg := registry.New(clk, logger)
	reg.Register(domain.BackendSpec{ID: "b1", MaxInFlight: 2, Timeout: time.Second, CostPerRequest: 1})
	met := metrics.New(clk, logger, nil)
	c := cache.New(cache.DefaultConfig(), clk, logger, nil, nil)
	router := routing.New(reg, met, logger)
	qm := queue.New(reg, met, clk, logger, map[string]schedbackend.Backend{"b1": okBackend{}})
	exporter := &recordingExporter{}

	f := NewWithExporter(reg, met, c, router, qm, clk, logger, nil, exporter)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	qm.Start(ctx)
	go f.Run(ctx)

	caps := domain.NewCapabilitySet([]domain.Capability{domain.CapDocumentAnalysis})
	payload := []byte("quarterly filing")
	fingerprint := clock.Fingerprint(payload, []string{string(domain.CapDocumentAnalysis)})

	require.NoError(t, c.Put(context.Background(), fingerprint, cache.Value{
		Data:         []byte("cached result"),
		Capabilities: caps,
	}, time.Hour))

	_, err := f.Submit(context.Background(), domain.Request{
		Tier:                 domain.TierFree,
		Kind:                 domain.KindQuickScan,
		Priority:             domain.PriorityUrgent,
		Complexity:           domain.ComplexitySimple,
		RequiredCapabilities: caps,
		PrincipalID:          "acct-1",
		Payload:              payload,
	})
	require.NoError(t, err)

	calls := exporter.snapshot()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].cacheHit)
	assert.NoError(t, calls[0].err)
	assert.Equal(t, "acct-1", calls[0].principalID)
	assert.Equal(t, string(domain.KindQuickScan), calls[0].kind)
}

func TestExporterReceivesBackendCompletion(t *testing.T) {
	clk := realclock.NewMock()
	logger := zaptest.NewLogger(t).Sugar()
	reg := registry.New(clk, logger)
	reg.Register(domain.BackendSpec{ID: "b1", MaxInFlight: 2, Timeout: time.Second, CostPerRequest: 2})
	met := metrics.New(clk, logger, nil)
	c := cache.New(cache.DefaultConfig(), clk, logger, nil, nil)
	router := routing.New(reg, met, logger)
	qm := queue.New(reg, met, clk, logger, map[string]schedbackend.Backend{"b1": okBackend{}})
	exporter := &recordingExporter{}

	f := NewWithExporter(reg, met, c, router, qm, clk, logger, nil, exporter)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	qm.Start(ctx)
	go f.Run(ctx)

	handle, err := f.Submit(context.Background(), domain.Request{
		Tier:         domain.TierPremium,
		Kind:         domain.KindDetailedReview,
		Priority:     domain.PriorityMedium,
		Complexity:   domain.ComplexityModerate,
		PrincipalID:  "acct-2",
		Payload:      []byte("contract"),
	})
	require.NoError(t, err)

	awaitTerminal(t, f, handle)

	calls := exporter.snapshot()
	require.Len(t, calls, 1)
	assert.False(t, calls[0].cacheHit)
	assert.Equal(t, "b1", calls[0].backendID)
	assert.Equal(t, "acct-2", calls[0].principalID)
	assert.NoError(t, calls[0].err)
}

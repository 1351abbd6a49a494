package registry

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/docuscale/scheduler/domain"
)

func newTestRegistry(t *testing.T) (*Registry, *clock.Mock) {
	mock := clock.NewMock()
	logger := zaptest.NewLogger(t).Sugar()
	return New(mock, logger), mock
}

func testSpec(id string, kind domain.BackendKind, caps ...domain.Capability) domain.BackendSpec {
	return domain.BackendSpec{
		ID:           id,
		Kind:         kind,
		Capabilities: domain.NewCapabilitySet(caps),
		MaxInFlight:  2,
		BasePriority: 1,
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	r, _ := newTestRegistry(t)
	spec := testSpec("a", domain.BackendPrimary, domain.CapDocumentAnalysis)
	r.Register(spec)
	r.RecordProbe("a", false)

	spec.CostPerRequest = 0.5
	r.Register(spec)

	snap, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, 0.5, snap.Spec.CostPerRequest)
	assert.Equal(t, domain.StatusDegraded, snap.Status)
}

func TestByCapabilityFiltersOnSuperset(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Register(testSpec("docs", domain.BackendPrimary, domain.CapDocumentAnalysis))
	r.Register(testSpec("risk", domain.BackendComplex, domain.CapDocumentAnalysis, domain.CapRiskAssessment))

	matches := r.ByCapability(domain.NewCapabilitySet([]domain.Capability{domain.CapRiskAssessment}))
	require.Len(t, matches, 1)
	assert.Equal(t, "risk", matches[0].Spec.ID)
}

func TestProbeStateMachine(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Register(testSpec("a", domain.BackendPrimary, domain.CapDocumentAnalysis))

	snap, _ := r.Get("a")
	assert.Equal(t, domain.StatusAvailable, snap.Status)

	r.RecordProbe("a", false)
	snap, _ = r.Get("a")
	assert.Equal(t, domain.StatusDegraded, snap.Status)

	r.RecordProbe("a", false)
	r.RecordProbe("a", false)
	snap, _ = r.Get("a")
	assert.Equal(t, domain.StatusUnavailable, snap.Status)

	r.RecordProbe("a", true)
	snap, _ = r.Get("a")
	assert.Equal(t, domain.StatusAvailable, snap.Status)
}

func TestMaintenanceOverridesProbes(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Register(testSpec("a", domain.BackendPrimary, domain.CapDocumentAnalysis))

	r.SetMaintenance("a", true)
	r.RecordProbe("a", true)

	snap, _ := r.Get("a")
	assert.Equal(t, domain.StatusMaintenance, snap.Status)

	r.SetMaintenance("a", false)
	snap, _ = r.Get("a")
	assert.Equal(t, domain.StatusAvailable, snap.Status)
}

func TestInFlightTracksBusyStatus(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Register(testSpec("a", domain.BackendPrimary, domain.CapDocumentAnalysis))

	r.IncInFlight("a")
	r.IncInFlight("a")
	snap, _ := r.Get("a")
	assert.Equal(t, domain.StatusBusy, snap.Status)
	assert.EqualValues(t, 2, snap.InFlight)

	r.DecInFlight("a")
	snap, _ = r.Get("a")
	assert.Equal(t, domain.StatusAvailable, snap.Status)
}

func TestSubscribeReceivesStatusChanges(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Register(testSpec("a", domain.BackendPrimary, domain.CapDocumentAnalysis))
	ch := r.Subscribe()

	r.RecordProbe("a", false)

	select {
	case change := <-ch:
		assert.Equal(t, "a", change.BackendID)
		assert.Equal(t, domain.StatusAvailable, change.Previous)
		assert.Equal(t, domain.StatusDegraded, change.Current)
	case <-time.After(time.Second):
		t.Fatal("expected a status change notification")
	}
}

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	valkeymock "github.com/valkey-io/valkey-go/mock"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap/zaptest"

	"github.com/docuscale/scheduler/domain"
)

func newTestStore(t *testing.T) (*Store, *clock.Mock) {
	mock := clock.NewMock()
	cfg := DefaultConfig()
	cfg.MemoryMaxBytes = 1 << 20
	logger := zaptest.NewLogger(t).Sugar()
	return New(cfg, mock, logger, nil, nil), mock
}

func TestStoreExactHitRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	v := Value{Data: []byte("payload"), Capabilities: capSet(domain.CapDocumentAnalysis)}
	require.NoError(t, s.Put(ctx, "fp1", v, time.Minute, domain.TierFree))

	res, hit, err := s.Lookup(ctx, "fp1", capSet(domain.CapDocumentAnalysis), nil, "")
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, []byte("payload"), res.Value.Data)
	assert.Equal(t, domain.TierMemory, res.Tier)
	assert.Equal(t, 1.0, res.Similarity)
}

func TestStoreMissWhenCapabilitiesInsufficient(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	v := Value{Data: []byte("payload"), Capabilities: capSet(domain.CapDocumentAnalysis)}
	require.NoError(t, s.Put(ctx, "fp1", v, time.Minute, domain.TierFree))

	_, hit, err := s.Lookup(ctx, "fp1", capSet(domain.CapRiskAssessment), nil, "")
	require.NoError(t, err)
	assert.False(t, hit, "cached capabilities must be a superset of what's required")
}

func TestStoreEmptyRequiredCapabilitiesAlwaysSatisfied(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	v := Value{Data: []byte("payload"), Capabilities: capSet()}
	require.NoError(t, s.Put(ctx, "fp1", v, time.Minute, domain.TierFree))

	_, hit, err := s.Lookup(ctx, "fp1", capSet(), nil, "")
	require.NoError(t, err)
	assert.True(t, hit)
}

func TestStoreSemanticFallbackOnMiss(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	s.semantic = newSemanticIndex(0.9, 10)

	v := Value{
		Data:         []byte("payload"),
		Capabilities: capSet(domain.CapDocumentAnalysis),
		Embedding:    []float32{1, 0},
	}
	require.NoError(t, s.Put(ctx, "fp1", v, time.Minute, domain.TierFree))

	res, hit, err := s.Lookup(ctx, "fp-different-key", capSet(domain.CapDocumentAnalysis), []float32{0.999, 0.045}, "")
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, []byte("payload"), res.Value.Data)
	assert.Less(t, res.Similarity, 1.0)
	assert.Greater(t, res.Similarity, 0.9)
}

func TestStoreDeleteRemovesFromEveryTierAndIndex(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	v := Value{Data: []byte("payload"), Capabilities: capSet(), Embedding: []float32{1, 0}}
	require.NoError(t, s.Put(ctx, "fp1", v, time.Minute, domain.TierFree))

	s.Delete(ctx, "fp1")

	_, hit, err := s.Lookup(ctx, "fp1", capSet(), nil, "")
	require.NoError(t, err)
	assert.False(t, hit)

	_, _, found := s.semantic.bestMatch([]float32{1, 0}, capSet(), "")
	assert.False(t, found)
}

func TestStoreInitialPlacementFallsBackToMemoryWithoutSharedOrArchive(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	s.cfg.SharedThresholdBytes = 1
	s.cfg.ArchiveThresholdBytes = 10

	big := Value{Data: make([]byte, 100), Capabilities: capSet()}
	require.NoError(t, s.Put(ctx, "big", big, time.Minute, domain.TierFree))
	_, ok := s.memory.get("big")
	assert.True(t, ok, "oversized entries fall back to the memory tier when no shared/archive tier is configured")
}

func TestStoreInitialPlacementBySizeThresholds(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	s.cfg.SharedThresholdBytes = 10
	s.cfg.ArchiveThresholdBytes = 20

	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	mockClient := valkeymock.NewClient(ctrl)
	s.shared = newSharedTier(mockClient)

	small := Value{Data: []byte("ab"), Capabilities: capSet()}
	require.NoError(t, s.Put(ctx, "small", small, time.Minute, domain.TierFree))
	_, ok := s.memory.get("small")
	assert.True(t, ok, "entries at or under the shared threshold start in memory")

	mockClient.EXPECT().
		Do(ctx, valkeymock.MatchFn(func(cmd []string) bool {
			return len(cmd) > 0 && cmd[0] == "SET"
		})).
		Return(valkeymock.Result(valkeymock.ValkeyString("OK")))

	mid := Value{Data: make([]byte, 15), Capabilities: capSet()}
	require.NoError(t, s.Put(ctx, "mid", mid, time.Minute, domain.TierFree))
	_, ok = s.memory.get("mid")
	assert.False(t, ok, "entries over the shared threshold but under the archive threshold go to shared")
}

func TestStoreEnterprisePrincipalPinnedToMemoryUnlessOversized(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	s.cfg.SharedThresholdBytes = 1
	s.cfg.ArchiveThresholdBytes = 50

	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	mockClient := valkeymock.NewClient(ctrl)
	s.shared = newSharedTier(mockClient)

	midSize := Value{Data: make([]byte, 10), Capabilities: capSet()}
	require.NoError(t, s.Put(ctx, "enterprise-mid", midSize, time.Minute, domain.TierEnterprise))
	_, ok := s.memory.get("enterprise-mid")
	assert.True(t, ok, "an enterprise entry well over the shared threshold still pins to memory")
}

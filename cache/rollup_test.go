package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	valkeymock "github.com/valkey-io/valkey-go/mock"
	"go.uber.org/mock/gomock"

	"github.com/docuscale/scheduler/metrics"
)

func TestRollupSyncerSyncHourlyRollupWritesExpiringKey(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockClient := valkeymock.NewClient(ctrl)
	syncer := NewRollupSyncer(mockClient)
	ctx := context.Background()

	bucketStart := time.Unix(1_700_000_000, 0).UTC()
	rollup := metrics.HourlyRollup{
		BucketStart: bucketStart,
		Count:       42,
		AvgLatency:  250 * time.Millisecond,
		ErrorRate:   0.05,
		Cost:        1.23,
	}

	expectedKey := "backends:metrics/primary-analyzer/1700000000"
	mockClient.EXPECT().
		Do(ctx, valkeymock.MatchFn(func(cmd []string) bool {
			return cmd[0] == "SET" && cmd[1] == expectedKey && cmd[len(cmd)-2] == "EX"
		}, "SET rollup key with expiry")).
		Return(valkeymock.Result(valkeymock.ValkeyString("OK")))

	err := syncer.SyncHourlyRollup(ctx, "primary-analyzer", rollup)
	require.NoError(t, err)
}

func TestRollupSyncerSyncHourlyRollupPropagatesClientError(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockClient := valkeymock.NewClient(ctrl)
	syncer := NewRollupSyncer(mockClient)
	ctx := context.Background()

	rollup := metrics.HourlyRollup{BucketStart: time.Unix(1_700_000_000, 0).UTC()}

	mockClient.EXPECT().
		Do(ctx, gomock.Any()).
		Return(valkeymock.ErrorResult(errors.New("valkey error")))

	err := syncer.SyncHourlyRollup(ctx, "secondary-analyzer", rollup)
	assert.Error(t, err)
}

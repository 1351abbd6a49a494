package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/docuscale/scheduler/metrics"
)

// rollupKeyPrefix matches spec.md §6's persisted-state layout:
// "backends:metrics/<id>/<bucket-epoch>".
const rollupKeyPrefix = "backends:metrics/"

// rollupTTL bounds how long a closed bucket survives on the shared tier;
// nothing in this system reads a bucket back once it's written (spec.md
// §4.2 calls the persistence best-effort, not a system of record), so
// there's no reason to keep it past a week of retention.
const rollupTTL = 7 * 24 * time.Hour

// RollupSyncer persists the Metrics Store's (C2) closed hourly buckets to
// the shared Valkey tier, satisfying metrics.RollupSyncer without the
// metrics package importing Valkey directly (spec.md §4.2's design note).
// Grounded on the shared cache tier's own Valkey client usage
// (cache/shared.go) and the teacher's rate/rate.go client-handling idiom.
type RollupSyncer struct {
	client valkey.Client
}

// NewRollupSyncer constructs a RollupSyncer over an existing Valkey client.
func NewRollupSyncer(client valkey.Client) *RollupSyncer {
	return &RollupSyncer{client: client}
}

func rollupKey(backendID string, rollup metrics.HourlyRollup) string {
	return fmt.Sprintf("%s%s/%d", rollupKeyPrefix, backendID, rollup.BucketStart.Unix())
}

// SyncHourlyRollup implements metrics.RollupSyncer.
func (s *RollupSyncer) SyncHourlyRollup(ctx context.Context, backendID string, rollup metrics.HourlyRollup) error {
	encoded, err := json.Marshal(rollup)
	if err != nil {
		return err
	}
	cmd := s.client.B().Set().Key(rollupKey(backendID, rollup)).Value(string(encoded)).Ex(rollupTTL).Build()
	return s.client.Do(ctx, cmd).Error()
}

// Package rate provides a Valkey-backed temporary-disable primitive for
// backends, shared across every scheduler process pointed at the same
// Valkey instance. The local registry's health state machine (spec.md
// §4.1, §4.4) only sees the probes this one process runs; Disabler lets
// a failure observed by one process hold a backend out of rotation for
// every other process too, for the duration of a single backoff window.
package rate

import (
	"context"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"
	"go.uber.org/zap"
)

// Disabler manages cross-process temporary backend disablement using Valkey.
type Disabler struct {
	valkeyClient valkey.Client
	logger       *zap.SugaredLogger
}

// NewDisabler creates a new Disabler backed by the given Valkey client.
func NewDisabler(valkeyClient valkey.Client, logger *zap.SugaredLogger) *Disabler {
	return &Disabler{
		valkeyClient: valkeyClient,
		logger:       logger,
	}
}

func disableKey(backendID string) string {
	return fmt.Sprintf("scheduler:disabled:%s", backendID)
}

// CanProceed reports whether backendID is currently eligible for routing.
// If it is, and no disable window is active, CanProceed also opens a new
// window of the given interval — matching the teacher's atomic
// check-and-set Lua script so concurrent callers across processes never
// race past each other into double-opening a window.
func (d *Disabler) CanProceed(ctx context.Context, backendID string, interval time.Duration) (bool, time.Duration, error) {
	key := disableKey(backendID)

	script := `
local valkey_time = redis.call('TIME')
local current_time_micro = tonumber(valkey_time[1]) * 1000000 + tonumber(valkey_time[2])
local disabled_until_micro = redis.call('GET', KEYS[1])

if not disabled_until_micro or tonumber(disabled_until_micro) <= current_time_micro then
	local new_disabled_until_micro = current_time_micro + tonumber(ARGV[1]) * 1000
	redis.call('SET', KEYS[1], new_disabled_until_micro)
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	return {1}
else
	return {0, tonumber(disabled_until_micro) - current_time_micro}
end
`

	resp := d.valkeyClient.Do(ctx, d.valkeyClient.B().Eval().Script(script).Numkeys(1).Key(key).Arg(
		fmt.Sprintf("%d", interval.Milliseconds()),
	).Build())

	result, err := resp.AsIntSlice()
	if err != nil {
		return false, 0, err
	}

	if result[0] == 1 {
		return true, 0, nil
	}
	return false, time.Duration(result[1]) * time.Microsecond, nil
}

// DisableTemporarily forces backendID out of rotation for every process
// sharing this Valkey instance, for the given duration. Called by the
// maintenance loop when a local probe fails (spec.md §4.7), so a backend
// outage propagates to peer schedulers without waiting for each of them
// to independently observe the same failure.
func (d *Disabler) DisableTemporarily(ctx context.Context, backendID string, duration time.Duration) error {
	key := disableKey(backendID)

	script := `
local valkey_time = redis.call('TIME')
local current_time_micro = tonumber(valkey_time[1]) * 1000000 + tonumber(valkey_time[2])
local new_disabled_until_micro = current_time_micro + tonumber(ARGV[1]) * 1000
redis.call('SET', KEYS[1], new_disabled_until_micro)
redis.call('PEXPIRE', KEYS[1], ARGV[1])
return new_disabled_until_micro
`

	resp := d.valkeyClient.Do(ctx, d.valkeyClient.B().Eval().Script(script).Numkeys(1).Key(key).Arg(
		fmt.Sprintf("%d", duration.Milliseconds()),
	).Build())

	return resp.Error()
}

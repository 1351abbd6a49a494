// Package maintenance implements the Maintenance Loop (C8): a single
// cooperative ticker that drives health probes, cache eviction pressure,
// and retention sweeping (spec.md §4.7, §9). Grounded on the teacher's
// own periodic-check scheduler (monitor/schema/scheduler.go), which
// pairs a time.Ticker with a stop channel around a single run-all-checks
// method rather than one goroutine per concern.
package maintenance

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/docuscale/scheduler/backend"
	"github.com/docuscale/scheduler/cache"
	"github.com/docuscale/scheduler/clock"
	"github.com/docuscale/scheduler/queue"
	"github.com/docuscale/scheduler/rate"
	"github.com/docuscale/scheduler/registry"
)

// DefaultInterval is the loop's default cadence (spec.md §4.7: "every
// 10-30 seconds").
const DefaultInterval = 20 * time.Second

// evictionPressureRatio is the fraction of the configured memory budget at
// or above which a tick runs an extra cache sweep before its regular one.
// The check runs only on the loop's ticks, never between them.
const evictionPressureRatio = 0.9

// crossProcessDisableWindow is how long a failed probe holds a backend
// out of rotation for every process sharing the same Disabler, before
// the next failing probe renews it.
const crossProcessDisableWindow = 30 * time.Second

// Loop owns the scheduler's background upkeep: backend health probes fed
// into the registry's status state machine, cache and queue retention
// sweeps, and eviction-pressure relief.
type Loop struct {
	registry     *registry.Registry
	cache        *cache.Store
	queue        *queue.Manager
	backends     map[string]backend.Backend
	disabler     *rate.Disabler
	clock        clock.Clock
	logger       *zap.SugaredLogger
	interval     time.Duration
	memoryBudget int64

	stop chan struct{}
	done chan struct{}
}

// New constructs a Loop. memoryBudget is the cache's configured
// MemoryMaxBytes, used only to gauge eviction pressure; the cache owns
// eviction itself. disabler may be nil, in which case failed probes stay
// local to this process's registry.
func New(reg *registry.Registry, c *cache.Store, qm *queue.Manager, backends map[string]backend.Backend, disabler *rate.Disabler, clk clock.Clock, logger *zap.SugaredLogger, interval time.Duration, memoryBudget int64) *Loop {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Loop{
		registry:     reg,
		cache:        c,
		queue:        qm,
		backends:     backends,
		disabler:     disabler,
		clock:        clk,
		logger:       logger,
		interval:     interval,
		memoryBudget: memoryBudget,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start launches the loop's goroutine. Call Stop to shut it down; Start
// must not be called more than once per Loop.
func (l *Loop) Start(ctx context.Context) {
	ticker := l.clock.Ticker(l.interval)
	go func() {
		defer close(l.done)
		defer ticker.Stop()
		l.runAll(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stop:
				return
			case <-ticker.C:
				l.runAll(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for its goroutine to exit.
func (l *Loop) Stop() {
	close(l.stop)
	<-l.done
}

// runAll executes every maintenance concern once. Probes run one after
// another and the sweep steps run after the last probe returns, so a slow
// probe delays the rest until it returns; a failing probe does not stop
// the remaining probes or the sweeps.
func (l *Loop) runAll(ctx context.Context) {
	l.probeBackends(ctx)
	l.checkEvictionPressure()
	l.sweepExpired()
}

// probeBackends calls every backend's cheap Probe and feeds the outcome
// into the registry's health state machine (spec.md §4.1, §4.4).
func (l *Loop) probeBackends(ctx context.Context) {
	for _, snap := range l.registry.List() {
		b, ok := l.backends[snap.Spec.ID]
		if !ok {
			continue
		}
		err := b.Probe(ctx)
		l.registry.RecordProbe(snap.Spec.ID, err == nil)
		if err != nil {
			if l.logger != nil {
				l.logger.Warnw("backend probe failed", "backend_id", snap.Spec.ID, "error", err)
			}
			if l.disabler != nil {
				if derr := l.disabler.DisableTemporarily(ctx, snap.Spec.ID, crossProcessDisableWindow); derr != nil && l.logger != nil {
					l.logger.Warnw("failed to propagate probe failure to peer schedulers", "backend_id", snap.Spec.ID, "error", derr)
				}
			}
		}
	}
}

// checkEvictionPressure logs and runs an extra cache sweep when memory-tier
// usage is at or above evictionPressureRatio of its configured budget. It
// is called only from runAll, so it acts on the regular tick.
func (l *Loop) checkEvictionPressure() {
	if l.memoryBudget <= 0 {
		return
	}
	usage := l.cache.MemoryUsageBytes()
	if float64(usage) < float64(l.memoryBudget)*evictionPressureRatio {
		return
	}
	if l.logger != nil {
		l.logger.Warnw("cache memory tier under eviction pressure", "usage_bytes", usage, "budget_bytes", l.memoryBudget)
	}
	l.cache.SweepExpired()
}

// sweepExpired enforces the cache's TTL expiry and the queue's retention
// windows (spec.md §4.3, §4.5).
func (l *Loop) sweepExpired() {
	expired := l.cache.SweepExpired()
	dropped := l.queue.Sweep()
	if l.logger != nil && (expired > 0 || dropped > 0) {
		l.logger.Debugw("maintenance sweep completed", "cache_expired", expired, "queue_dropped", dropped)
	}
}

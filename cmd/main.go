// Command scheduler wires together the Backend Registry (C3), Metrics
// Store (C2), Tiered Cache (C4), Router (C5), Queue Manager (C6),
// Scheduler Facade (C7), and Maintenance Loop (C8) into a running
// process, and starts their background goroutines in dependency order.
// Grounded on the teacher's cmd/main.go: flag-driven config path, a
// production zap logger, and a signal-driven graceful shutdown that
// tears components down in the reverse of their startup order.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/anthropics/anthropic-sdk-go"
	"github.com/valkey-io/valkey-go"
	"go.uber.org/zap"

	"github.com/docuscale/scheduler/backend"
	"github.com/docuscale/scheduler/cache"
	schedclock "github.com/docuscale/scheduler/clock"
	"github.com/docuscale/scheduler/config"
	"github.com/docuscale/scheduler/domain"
	"github.com/docuscale/scheduler/maintenance"
	"github.com/docuscale/scheduler/metrics"
	"github.com/docuscale/scheduler/monitoring"
	"github.com/docuscale/scheduler/queue"
	"github.com/docuscale/scheduler/rate"
	"github.com/docuscale/scheduler/registry"
	"github.com/docuscale/scheduler/routing"
	"github.com/docuscale/scheduler/scheduler"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath, sugar)
	if err != nil {
		sugar.Fatalw("failed to load config", "error", err)
	}
	sugar.Infow("loaded config", "backends", len(cfg.Backends), "valkey_endpoint", cfg.ValkeyEndpoint != "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := schedclock.New()

	var valkeyClient valkey.Client
	if cfg.ValkeyEndpoint != "" {
		valkeyClient, err = valkey.NewClient(valkey.ClientOption{InitAddress: []string{cfg.ValkeyEndpoint}})
		if err != nil {
			sugar.Fatalw("failed to create valkey client", "error", err)
		}
		defer valkeyClient.Close()
	}

	var rollupSyncer metrics.RollupSyncer
	if valkeyClient != nil {
		rollupSyncer = cache.NewRollupSyncer(valkeyClient)
	}
	metricsStore := metrics.New(clk, sugar, rollupSyncer)

	reg := registry.New(clk, sugar)
	backends := buildBackends(ctx, cfg, sugar)
	for _, bc := range cfg.Backends {
		reg.Register(bc.ToSpec())
		if bc.InitialStatus == string(domain.StatusMaintenance) {
			reg.SetMaintenance(bc.ID, true)
		}
	}

	var gcsClient *storage.Client
	if cfg.Cache.Archive.Enabled {
		gcsClient, err = storage.NewClient(ctx)
		if err != nil {
			sugar.Fatalw("failed to create GCS client", "error", err)
		}
		defer gcsClient.Close()
	}
	cacheStore := cache.NewWithBackends(cacheConfigFrom(cfg), clk, sugar, valkeyClient, gcsClient, cfg.Cache.Archive.ArchiveBucket)

	router := routing.NewWithThresholds(reg, metricsStore, sugar, cfg.Thresholds.FreeTierLoadCeiling, cfg.Thresholds.AvailableLoadCeiling)
	qm := queue.New(reg, metricsStore, clk, sugar, backends)

	var disabler *rate.Disabler
	if valkeyClient != nil {
		disabler = rate.NewDisabler(valkeyClient, sugar)
	}

	var exporter scheduler.Exporter
	if monitor, err := monitoring.NewMonitoringManager(monitoring.DefaultMonitoringConfig(), sugar); err != nil {
		sugar.Warnw("external monitoring disabled", "error", err)
	} else {
		exporter = monitoring.NewSink(monitor)
		defer monitor.Close()
	}

	facade := scheduler.NewWithExporter(reg, metricsStore, cacheStore, router, qm, clk, sugar, nil, exporter)
	maintLoop := maintenance.New(reg, cacheStore, qm, backends, disabler, clk, sugar, cfg.MaintenanceInterval, cfg.Cache.Memory.MaxBytes)

	qm.Start(ctx)
	go facade.Run(ctx)
	maintLoop.Start(ctx)

	sugar.Infow("scheduler started")

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	<-shutdown

	sugar.Infow("shutting down")
	maintLoop.Stop()
	cancel()
	time.Sleep(100 * time.Millisecond)
	sugar.Infow("scheduler exited gracefully")
}

// buildBackends constructs the concrete Backend adapter for every
// configured backend whose Kind selects one (spec.md §9 design note):
// "complex" via Claude, "backup" via Bedrock, "primary" via Vertex/GenAI.
// Any other kind is left unbacked — requests can still be routed to it
// for testing/observation purposes, but calling it fails until a real
// adapter is registered here.
func buildBackends(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) map[string]backend.Backend {
	backends := make(map[string]backend.Backend, len(cfg.Backends))
	for _, bc := range cfg.Backends {
		switch domain.BackendKind(bc.Kind) {
		case domain.BackendComplex:
			if cfg.AnthropicAPIKey == "" {
				logger.Warnw("skipping complex backend: no Anthropic API key configured", "backend_id", bc.ID)
				continue
			}
			backends[bc.ID] = backend.NewClaudeBackend(cfg.AnthropicAPIKey, anthropic.Model(bc.Endpoint))
		case domain.BackendBackup:
			b, err := backend.NewBedrockBackend(ctx, cfg.BedrockRegion, bc.Endpoint)
			if err != nil {
				logger.Warnw("skipping backup backend: failed to construct Bedrock client", "backend_id", bc.ID, "error", err)
				continue
			}
			backends[bc.ID] = b
		case domain.BackendPrimary:
			b, err := backend.NewPrimaryBackend(ctx, cfg.VertexProject, bc.Location, bc.Endpoint)
			if err != nil {
				logger.Warnw("skipping primary backend: failed to construct Vertex client", "backend_id", bc.ID, "error", err)
				continue
			}
			backends[bc.ID] = b
		default:
			logger.Warnw("backend kind has no concrete adapter; routable but not callable", "backend_id", bc.ID, "kind", bc.Kind)
		}
	}
	return backends
}

func cacheConfigFrom(cfg *config.Config) cache.Config {
	def := cache.DefaultConfig()
	if cfg.Cache.Memory.MaxBytes > 0 {
		def.MemoryMaxBytes = cfg.Cache.Memory.MaxBytes
	}
	if cfg.Cache.Shared.MaxBytes > 0 {
		def.SharedThresholdBytes = cfg.Cache.Shared.MaxBytes
	}
	if cfg.Cache.Archive.MaxBytes > 0 {
		def.ArchiveThresholdBytes = cfg.Cache.Archive.MaxBytes
	}
	if cfg.Cache.Shared.DefaultTTL > 0 {
		def.DefaultTTL = cfg.Cache.Shared.DefaultTTL
	}
	if cfg.Cache.Similarity.Threshold > 0 {
		def.SimilarityThreshold = cfg.Cache.Similarity.Threshold
	}
	if cfg.Cache.Archive.ArchiveBucket != "" {
		def.ArchiveBucket = cfg.Cache.Archive.ArchiveBucket
	}
	return def
}

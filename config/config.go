// Package config loads the scheduler's enumerated startup configuration
// (spec.md §6): backends, cache tiers, eviction, and routing/queue
// thresholds. Grounded on the teacher's config/config.go — YAML with a
// remote-fetch option, then environment-variable overrides taking
// precedence over the YAML, which takes precedence over built-in
// defaults.
package config

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/docuscale/scheduler/domain"
	"github.com/docuscale/scheduler/utils/env"
)

// BackendConfig declares one backend's identity, routing-relevant
// attributes, and initial state (spec.md §6 "backends[]").
type BackendConfig struct {
	ID                  string        `yaml:"id"`
	Kind                string        `yaml:"kind"`
	Endpoint            string        `yaml:"endpoint"`
	// Location is only consulted for "primary" (Vertex) backends, whose
	// concrete adapter needs a GCP region distinct from the model
	// identifier carried in Endpoint.
	Location            string        `yaml:"location"`
	DeclaredMeanLatency time.Duration `yaml:"declared_mean_latency"`
	CostPerRequest      float64       `yaml:"cost_per_request"`
	MaxInFlight         int           `yaml:"max_in_flight"`
	Timeout             time.Duration `yaml:"timeout"`
	BasePriority        int           `yaml:"base_priority"`
	Tags                []string      `yaml:"tags"`
	Capabilities        []string      `yaml:"capabilities"`

	// InitialStatus seeds the registry's state machine at startup:
	// "maintenance" holds a backend out of rotation until explicitly
	// released; any other value (or empty) starts it available, letting
	// the first probe establish its real health.
	InitialStatus string `yaml:"initial_status"`
}

// ToSpec converts the declared YAML shape into the registry's domain type.
func (b BackendConfig) ToSpec() domain.BackendSpec {
	caps := make([]domain.Capability, 0, len(b.Capabilities))
	for _, c := range b.Capabilities {
		caps = append(caps, domain.Capability(c))
	}
	tags := make(map[string]struct{}, len(b.Tags))
	for _, t := range b.Tags {
		tags[t] = struct{}{}
	}
	return domain.BackendSpec{
		ID:                  b.ID,
		Kind:                domain.BackendKind(b.Kind),
		Endpoint:            b.Endpoint,
		Capabilities:        domain.NewCapabilitySet(caps),
		DeclaredMeanLatency: b.DeclaredMeanLatency,
		CostPerRequest:      b.CostPerRequest,
		MaxInFlight:         b.MaxInFlight,
		Timeout:             b.Timeout,
		BasePriority:        b.BasePriority,
		Tags:                tags,
	}
}

// CacheTierConfig is one tier's {enabled, sizing, TTL} settings (spec.md
// §6 "cache").
type CacheTierConfig struct {
	Enabled         bool          `yaml:"enabled"`
	MaxBytes        int64         `yaml:"max_bytes"`
	DefaultTTL      time.Duration `yaml:"default_ttl"`
	Compression     bool          `yaml:"compression"`
	KeyPrefix       string        `yaml:"key_prefix"`
	ArchiveBucket   string        `yaml:"archive_bucket"`
	ArchiveRegion   string        `yaml:"archive_region"`
	ArchivePrefix   string        `yaml:"archive_prefix"`
	ArchiveTTL      time.Duration `yaml:"archive_ttl"`
	ArchiveAfterAge time.Duration `yaml:"archive_after"`
}

// SimilarityConfig gates semantic-lookup sensitivity (spec.md §6 "cache
// ... similarity").
type SimilarityConfig struct {
	Threshold       float64 `yaml:"threshold"`
	VectorDimensions int    `yaml:"vector_dimensions"`
	EmbeddingID     string  `yaml:"embedding_identifier"`
}

// CacheConfig is the full tiered-cache section (spec.md §6 "cache").
type CacheConfig struct {
	Memory     CacheTierConfig  `yaml:"memory"`
	Shared     CacheTierConfig  `yaml:"shared"`
	Archive    CacheTierConfig  `yaml:"archive"`
	Similarity SimilarityConfig `yaml:"similarity"`
}

// EvictionTierConfig is one tier's eviction policy (spec.md §6
// "eviction"). Strategy is one of LRU, LFU, FIFO, TTL, cost, hybrid. The
// section is loaded but no cache tier reads it: every tier evicts by TTL
// and the configured byte budgets regardless of Strategy's value.
type EvictionTierConfig struct {
	Strategy             string   `yaml:"strategy"`
	HighWatermarkPercent float64  `yaml:"high_watermark_percent"`
	TargetPercent        float64  `yaml:"target_percent"`
	ProtectedKeyPatterns []string `yaml:"protected_key_patterns"`
	MaxAge               time.Duration `yaml:"max_age"`
}

// EvictionConfig is the full eviction section, one entry per cache tier.
type EvictionConfig struct {
	Memory  EvictionTierConfig `yaml:"memory"`
	Shared  EvictionTierConfig `yaml:"shared"`
	Archive EvictionTierConfig `yaml:"archive"`
}

// ThresholdsConfig is the routing/queue tuning section (spec.md §6
// "thresholds").
type ThresholdsConfig struct {
	FreeTierLoadCeiling      float64       `yaml:"free_tier_load_ceiling"`
	AvailableLoadCeiling     float64       `yaml:"available_load_ceiling"`
	QueueSaturationCeiling   int           `yaml:"queue_saturation_ceiling"`
	CompletedRetentionWindow time.Duration `yaml:"completed_retention_window"`
	FailedRetentionWindow    time.Duration `yaml:"failed_retention_window"`
}

// Config is the scheduler's complete startup configuration.
type Config struct {
	// ValkeyEndpoint backs the cache's shared tier and the cross-process
	// backend disabler. E.g., localhost:6379
	ValkeyEndpoint string `yaml:"valkey_endpoint"`

	// GoogleCloudProject is loaded but not passed to the archive tier's GCS
	// client; the archive bucket is set under Cache.Archive.
	GoogleCloudProject string `yaml:"google_cloud_project"`

	// Backends declares every backend the router and registry know about.
	Backends []BackendConfig `yaml:"backends"`

	Cache      CacheConfig      `yaml:"cache"`
	Eviction   EvictionConfig   `yaml:"eviction"`
	Thresholds ThresholdsConfig `yaml:"thresholds"`

	// MaintenanceInterval is the Maintenance Loop's tick cadence (spec.md
	// §4.7: "every 10-30 seconds").
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`

	// AnthropicAPIKey, BedrockRegion, and VertexProject authenticate the
	// concrete backend adapters.
	AnthropicAPIKey string `yaml:"-"`
	BedrockRegion   string `yaml:"bedrock_region"`
	VertexProject   string `yaml:"vertex_project"`
}

// DefaultConfig returns the built-in defaults applied before YAML and
// environment overrides.
func DefaultConfig() Config {
	return Config{
		MaintenanceInterval: 20 * time.Second,
		Cache: CacheConfig{
			Memory: CacheTierConfig{
				Enabled:    true,
				MaxBytes:   64 << 20,
				DefaultTTL: time.Hour,
			},
			Shared: CacheTierConfig{
				Enabled:    true,
				DefaultTTL: time.Hour,
			},
			Archive: CacheTierConfig{
				Enabled:         false,
				ArchiveTTL:      30 * 24 * time.Hour,
				ArchiveAfterAge: 7 * 24 * time.Hour,
			},
			Similarity: SimilarityConfig{
				Threshold:        0.85,
				VectorDimensions: 1536,
			},
		},
		Eviction: EvictionConfig{
			Memory:  EvictionTierConfig{Strategy: "LRU", HighWatermarkPercent: 90, TargetPercent: 70},
			Shared:  EvictionTierConfig{Strategy: "TTL", HighWatermarkPercent: 90, TargetPercent: 70},
			Archive: EvictionTierConfig{Strategy: "TTL"},
		},
		Thresholds: ThresholdsConfig{
			FreeTierLoadCeiling:      0.8,
			AvailableLoadCeiling:     0.9,
			QueueSaturationCeiling:   64,
			CompletedRetentionWindow: time.Hour,
			FailedRetentionWindow:    24 * time.Hour,
		},
	}
}

// Load reads configuration from path (a local file or, if path/the
// CONFIG_SOURCE environment variable starts with http(s)://, a remote
// URL fetched with an optional bearer token), unmarshals it over the
// built-in defaults, then applies environment-variable overrides. Env
// vars take precedence over YAML, which takes precedence over defaults.
func Load(path string, logger *zap.SugaredLogger) (*Config, error) {
	config := DefaultConfig()

	configSource := env.OptionalStringVariable("CONFIG_SOURCE", path)
	configToken := env.OptionalStringVariable("CONFIG_TOKEN", "")

	configData, err := readConfigSource(configSource, configToken, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to get config data: %w", err)
	}

	if len(configData) > 0 {
		if err := yaml.Unmarshal(configData, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	config.ValkeyEndpoint = env.OptionalStringVariable("VALKEY_ENDPOINT", config.ValkeyEndpoint)
	config.GoogleCloudProject = env.OptionalStringVariable("GOOGLE_CLOUD_PROJECT", config.GoogleCloudProject)
	config.AnthropicAPIKey = env.OptionalStringVariable("ANTHROPIC_API_KEY", config.AnthropicAPIKey)
	config.BedrockRegion = env.OptionalStringVariable("BEDROCK_REGION", config.BedrockRegion)
	config.VertexProject = env.OptionalStringVariable("VERTEX_PROJECT", config.VertexProject)

	if d := env.OptionalStringVariable("MAINTENANCE_INTERVAL", ""); d != "" {
		parsed, err := time.ParseDuration(d)
		if err != nil {
			return nil, fmt.Errorf("invalid MAINTENANCE_INTERVAL: %w", err)
		}
		config.MaintenanceInterval = parsed
	}

	return &config, nil
}

func readConfigSource(source, token string, logger *zap.SugaredLogger) ([]byte, error) {
	if source == "" {
		return nil, nil
	}
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		if logger != nil {
			logger.Infow("fetching remote config", "url", source)
		}
		return fetchRemoteConfig(source, token)
	}
	if logger != nil {
		logger.Infow("loading local config", "path", source)
	}
	return os.ReadFile(source)
}

func fetchRemoteConfig(url string, token string) ([]byte, error) {
	client := &http.Client{Timeout: 10 * time.Second}

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch config: HTTP %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

package config

import (
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWhenNoSourceGiven(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, 20*time.Second, cfg.MaintenanceInterval)
	assert.Equal(t, 0.8, cfg.Thresholds.FreeTierLoadCeiling)
	assert.Equal(t, 0.9, cfg.Thresholds.AvailableLoadCeiling)
	assert.True(t, cfg.Cache.Memory.Enabled)
	assert.False(t, cfg.Cache.Archive.Enabled)
}

func TestLoadFromLocalYAMLOverridesDefaults(t *testing.T) {
	yamlData := `
valkey_endpoint: "localhost:6379"
backends:
  - id: primary-analyzer
    kind: primary
    endpoint: "https://analyzer.internal"
    max_in_flight: 10
    base_priority: 5
    capabilities: ["document-analysis"]
thresholds:
  free_tier_load_ceiling: 0.75
maintenance_interval: "45s"
`
	path := writeTempFile(t, yamlData)

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "localhost:6379", cfg.ValkeyEndpoint)
	require.Len(t, cfg.Backends, 1)
	assert.Equal(t, "primary-analyzer", cfg.Backends[0].ID)
	assert.Equal(t, 0.75, cfg.Thresholds.FreeTierLoadCeiling)
	// A field absent from the YAML keeps its built-in default.
	assert.Equal(t, 0.9, cfg.Thresholds.AvailableLoadCeiling)
	// YAML overrides the default maintenance interval.
	assert.Equal(t, 45*time.Second, cfg.MaintenanceInterval)
}

func TestLoadEnvironmentOverridesYAML(t *testing.T) {
	yamlData := `valkey_endpoint: "from-yaml:6379"`
	path := writeTempFile(t, yamlData)

	t.Setenv("VALKEY_ENDPOINT", "from-env:6379")
	t.Setenv("MAINTENANCE_INTERVAL", "5s")

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "from-env:6379", cfg.ValkeyEndpoint)
	assert.Equal(t, 5*time.Second, cfg.MaintenanceInterval)
}

func TestLoadRejectsMalformedMaintenanceInterval(t *testing.T) {
	t.Setenv("MAINTENANCE_INTERVAL", "not-a-duration")
	_, err := Load("", nil)
	assert.Error(t, err)
}

func TestLoadFetchesRemoteConfigWithBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`valkey_endpoint: "remote:6379"`))
	}))
	defer srv.Close()

	t.Setenv("CONFIG_TOKEN", "secret-token")

	cfg, err := Load(srv.URL, nil)
	require.NoError(t, err)

	assert.Equal(t, "Bearer secret-token", gotAuth)
	assert.Equal(t, "remote:6379", cfg.ValkeyEndpoint)
}

func TestLoadFetchesRemoteConfigFailsOnNonOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := Load(srv.URL, nil)
	assert.Error(t, err)
}

func TestBackendConfigToSpecConvertsCapabilitiesAndTags(t *testing.T) {
	bc := BackendConfig{
		ID:           "primary-analyzer",
		Kind:         "primary",
		MaxInFlight:  4,
		BasePriority: 3,
		Tags:         []string{"fast", "cheap"},
		Capabilities: []string{"document-analysis", "pattern-detection"},
	}

	spec := bc.ToSpec()

	assert.Equal(t, "primary-analyzer", spec.ID)
	assert.True(t, spec.HasTag("fast"))
	assert.True(t, spec.HasTag("cheap"))
	assert.False(t, spec.HasTag("slow"))
	assert.Len(t, spec.Capabilities, 2)
}

func writeTempFile(t *testing.T, contents string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	require.NoError(t, err)
	_, err = f.WriteString(contents)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return f.Name()
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roamrate/roamrate/internal/pricing"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http:
  port: 9090
log_level: debug
bandit:
  epsilon: 0.25
properties:
  H1:
    base_price: 200
    min_price: 80
    max_price: 600
    timezone: Europe/Paris
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 0.25, cfg.Bandit.Epsilon)
	require.Contains(t, cfg.Properties, "H1")
	assert.Equal(t, 200.0, cfg.Properties["H1"].BasePrice)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ROAMRATE_HTTP_PORT", "7070")
	t.Setenv("ROAMRATE_LOG_LEVEL", "warn")
	t.Setenv("ROAMRATE_BANDIT_EPSILON", "0.05")
	t.Setenv("ROAMRATE_COMPETITOR_URL", "http://rates.internal:9000")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.HTTP.Port)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 0.05, cfg.Bandit.Epsilon)
	assert.Equal(t, "http://rates.internal:9000", cfg.Competitors.BaseURL)
	assert.False(t, cfg.Competitors.UseMock)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	bad := Default()
	bad.HTTP.Port = -1
	assert.Error(t, bad.Validate())

	bad = Default()
	bad.Properties = nil
	assert.Error(t, bad.Validate())

	bad = Default()
	bad.Properties["P1"] = PropertyProfile{BasePrice: 0}
	assert.Error(t, bad.Validate())

	bad = Default()
	bad.Properties["P1"] = PropertyProfile{BasePrice: 100, MinPrice: 200, MaxPrice: 100}
	assert.Error(t, bad.Validate())

	bad = Default()
	bad.Properties["P1"] = PropertyProfile{BasePrice: 100, Timezone: "Mars/Olympus"}
	assert.Error(t, bad.Validate())

	bad = Default()
	bad.Bandit.Epsilon = 1.5
	assert.Error(t, bad.Validate())

	bad = Default()
	bad.Pricing.ConservativeFloorBase = "whatever"
	assert.Error(t, bad.Validate())
}

func TestCatalogResolvesTimezones(t *testing.T) {
	cfg := Default()
	cfg.Properties["P2"] = PropertyProfile{BasePrice: 120, MinPrice: 40, MaxPrice: 400, Timezone: "Pacific/Auckland"}

	cat, err := cfg.Catalog()
	require.NoError(t, err)

	p, ok := cat.Property("P2")
	require.True(t, ok)
	assert.Equal(t, "Pacific/Auckland", p.Timezone.String())
	assert.Equal(t, pricing.Property{
		ID: "P2", BasePrice: 120, MinPrice: 40, MaxPrice: 400, Timezone: p.Timezone,
	}, p)

	_, ok = cat.Property("missing")
	assert.False(t, ok)
}

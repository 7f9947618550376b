// Package config loads the service configuration from YAML with environment
// overrides. Every subsystem consumes its own section; Default() is a
// complete, runnable configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roamrate/roamrate/internal/bandit"
	"github.com/roamrate/roamrate/internal/compete"
	"github.com/roamrate/roamrate/internal/drift"
	"github.com/roamrate/roamrate/internal/experiment"
	"github.com/roamrate/roamrate/internal/httpapi"
	"github.com/roamrate/roamrate/internal/pricing"
	"github.com/roamrate/roamrate/internal/registry"
	"github.com/roamrate/roamrate/internal/retrain"
	"github.com/roamrate/roamrate/internal/scheduler"
)

// PropertyProfile is the per-property pricing configuration.
type PropertyProfile struct {
	BasePrice float64 `yaml:"base_price"`
	MinPrice  float64 `yaml:"min_price"`
	MaxPrice  float64 `yaml:"max_price"`
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
	Timezone  string  `yaml:"timezone"`
}

// StorageConfig groups the on-disk roots.
type StorageConfig struct {
	OutcomesPath   string `yaml:"outcomes_path"`
	ModelRoot      string `yaml:"model_root"`
	BanditSnapshot string `yaml:"bandit_snapshot"`
	ExperimentLog  string `yaml:"experiment_log"`
}

// CompetitorConfig groups the gateway settings.
type CompetitorConfig struct {
	BaseURL   string                `yaml:"base_url"`
	UseMock   bool                  `yaml:"use_mock"`
	RedisAddr string                `yaml:"redis_addr"` // empty keeps the in-memory cache
	CacheTTL  time.Duration         `yaml:"cache_ttl"`
	Gateway   compete.GatewayConfig `yaml:"gateway"`
}

// Config is the root configuration.
type Config struct {
	HTTP        httpapi.Config             `yaml:"http"`
	Competitors CompetitorConfig           `yaml:"competitors"`
	Registry    registry.Config            `yaml:"registry"`
	Pricing     pricing.Config             `yaml:"pricing"`
	Bandit      bandit.Config              `yaml:"bandit"`
	Drift       drift.Config               `yaml:"drift"`
	Retrain     retrain.Config             `yaml:"retrain"`
	Experiments []experiment.Config        `yaml:"experiments"`
	Scheduler   scheduler.Config           `yaml:"scheduler"`
	Storage     StorageConfig              `yaml:"storage"`
	Properties  map[string]PropertyProfile `yaml:"properties"`
	LogLevel    string                     `yaml:"log_level"`
}

// Default returns a complete runnable configuration with a small demo
// property catalog.
func Default() Config {
	return Config{
		HTTP: httpapi.DefaultConfig(),
		Competitors: CompetitorConfig{
			UseMock:  true,
			CacheTTL: 15 * time.Minute,
			Gateway:  compete.DefaultGatewayConfig(),
		},
		Registry:  registry.Config{Root: "data/models", LoadTimeout: 2 * time.Second},
		Pricing:   pricing.DefaultConfig(),
		Bandit:    bandit.DefaultConfig(),
		Drift:     drift.DefaultConfig(),
		Retrain:   retrain.DefaultConfig(),
		Scheduler: scheduler.DefaultConfig(),
		Storage: StorageConfig{
			OutcomesPath:   "data/outcomes.db",
			ModelRoot:      "data/models",
			BanditSnapshot: "data/bandit.json",
			ExperimentLog:  "data/experiments.db",
		},
		Properties: map[string]PropertyProfile{
			"P1": {BasePrice: 150, MinPrice: 50, MaxPrice: 500, Timezone: "UTC"},
		},
		LogLevel: "info",
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. An empty path returns defaults plus overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv maps ROAMRATE_* variables onto the config. Only operational knobs
// are exposed this way; structural settings stay in the file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("ROAMRATE_HTTP_HOST"); v != "" {
		cfg.HTTP.Host = v
	}
	if v := os.Getenv("ROAMRATE_HTTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.HTTP.Port = p
		}
	}
	if v := os.Getenv("ROAMRATE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ROAMRATE_COMPETITOR_URL"); v != "" {
		cfg.Competitors.BaseURL = v
		cfg.Competitors.UseMock = false
	}
	if v := os.Getenv("ROAMRATE_REDIS_ADDR"); v != "" {
		cfg.Competitors.RedisAddr = v
	}
	if v := os.Getenv("ROAMRATE_MODEL_ROOT"); v != "" {
		cfg.Registry.Root = v
		cfg.Storage.ModelRoot = v
	}
	if v := os.Getenv("ROAMRATE_OUTCOMES_PATH"); v != "" {
		cfg.Storage.OutcomesPath = v
	}
	if v := os.Getenv("ROAMRATE_BANDIT_EPSILON"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Bandit.Epsilon = f
		}
	}
	if v := os.Getenv("ROAMRATE_BANDIT_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Pricing.BanditEnabled = b
		}
	}
}

// Validate rejects configurations that cannot serve traffic.
func (c Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port %d out of range", c.HTTP.Port)
	}
	if len(c.Properties) == 0 {
		return fmt.Errorf("at least one property profile is required")
	}
	for id, p := range c.Properties {
		if p.BasePrice <= 0 {
			return fmt.Errorf("property %s: base_price must be positive", id)
		}
		if p.MinPrice < 0 || (p.MaxPrice > 0 && p.MaxPrice < p.MinPrice) {
			return fmt.Errorf("property %s: invalid price bounds [%v, %v]", id, p.MinPrice, p.MaxPrice)
		}
		if p.Timezone != "" {
			if _, err := time.LoadLocation(p.Timezone); err != nil {
				return fmt.Errorf("property %s: unknown timezone %q", id, p.Timezone)
			}
		}
	}
	if c.Bandit.Epsilon < 0 || c.Bandit.Epsilon > 1 {
		return fmt.Errorf("bandit.epsilon %v out of [0, 1]", c.Bandit.Epsilon)
	}
	switch c.Pricing.ConservativeFloorBase {
	case "", pricing.FloorPropertyBase, pricing.FloorPreBandit:
	default:
		return fmt.Errorf("pricing.conservative_floor_base %q unknown", c.Pricing.ConservativeFloorBase)
	}
	return nil
}

// Catalog materializes the property profiles for the pricing pipeline.
func (c Config) Catalog() (pricing.Catalog, error) {
	cat := make(staticCatalog, len(c.Properties))
	for id, p := range c.Properties {
		loc := time.UTC
		if p.Timezone != "" {
			var err error
			loc, err = time.LoadLocation(p.Timezone)
			if err != nil {
				return nil, fmt.Errorf("property %s: %w", id, err)
			}
		}
		cat[id] = pricing.Property{
			ID:        id,
			BasePrice: p.BasePrice,
			MinPrice:  p.MinPrice,
			MaxPrice:  p.MaxPrice,
			Timezone:  loc,
		}
	}
	return cat, nil
}

type staticCatalog map[string]pricing.Property

func (c staticCatalog) Property(id string) (pricing.Property, bool) {
	p, ok := c[id]
	return p, ok
}

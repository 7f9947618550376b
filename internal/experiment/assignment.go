// Package experiment routes live traffic between the ML and rule-based
// pricing policies. Assignment is deterministic per randomization key, so a
// returning guest or property always lands in the same variant for the life
// of the experiment.
package experiment

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Variants.
const (
	VariantML   = "ml"
	VariantRule = "rule_based"
)

// Randomization units.
const (
	UnitProperty = "property"
	UnitUser     = "user"
	UnitSession  = "session"
)

// Config describes one experiment.
type Config struct {
	ExperimentID        string    `yaml:"experiment_id" json:"experiment_id"`
	StartDate           time.Time `yaml:"start_date" json:"start_date"`
	EndDate             time.Time `yaml:"end_date" json:"end_date"`
	MLTrafficPercentage float64   `yaml:"ml_traffic_percentage" json:"ml_traffic_percentage"`
	RandomizationUnit   string    `yaml:"randomization_unit" json:"randomization_unit"`
	Metrics             []string  `yaml:"metrics" json:"metrics"`
	IsActive            bool      `yaml:"is_active" json:"is_active"`
}

// Decision records which experiment and variant covered a request.
type Decision struct {
	ExperimentID string `json:"experiment_id"`
	Variant      string `json:"variant"`
	Key          string `json:"key"`
}

// Manager holds the experiment table (read-mostly) and answers routing
// questions. Misconfiguration never errors: it degrades to the rule-based
// variant.
type Manager struct {
	mu          sync.RWMutex
	experiments map[string]Config
	now         func() time.Time

	logger *ResultLog
}

// NewManager creates a manager; logger may be nil if results aren't logged.
func NewManager(configs []Config, logger *ResultLog) *Manager {
	m := &Manager{
		experiments: make(map[string]Config, len(configs)),
		now:         time.Now,
		logger:      logger,
	}
	for _, c := range configs {
		m.experiments[c.ExperimentID] = c
	}
	return m
}

// Upsert installs or replaces an experiment config.
func (m *Manager) Upsert(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.experiments[cfg.ExperimentID] = cfg
}

// Get returns an experiment config by id.
func (m *Manager) Get(experimentID string) (Config, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.experiments[experimentID]
	return c, ok
}

// active reports whether the experiment is live right now.
func (m *Manager) active(c Config) bool {
	now := m.now()
	if !c.IsActive {
		return false
	}
	if !c.StartDate.IsZero() && now.Before(c.StartDate) {
		return false
	}
	if !c.EndDate.IsZero() && now.After(c.EndDate) {
		return false
	}
	return true
}

// ActiveExperiment returns the currently live experiment, if any. With more
// than one live experiment the lexically-first id wins, keeping routing
// deterministic.
func (m *Manager) ActiveExperiment() (Config, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best Config
	found := false
	for _, c := range m.experiments {
		if !m.active(c) {
			continue
		}
		if !found || c.ExperimentID < best.ExperimentID {
			best = c
			found = true
		}
	}
	return best, found
}

// AssignVariant deterministically buckets a key into ml or rule_based via
// hash(experimentID || key) mod 100. Buckets below the ML traffic share
// route to ML, so 0 means nobody and 100 means everybody.
func (m *Manager) AssignVariant(experimentID, key string) string {
	m.mu.RLock()
	cfg, ok := m.experiments[experimentID]
	m.mu.RUnlock()
	if !ok || !m.active(cfg) {
		return VariantRule
	}
	if bucketOf(experimentID, key) < cfg.MLTrafficPercentage {
		return VariantML
	}
	return VariantRule
}

func bucketOf(experimentID, key string) float64 {
	h := fnv.New32a()
	h.Write([]byte(experimentID))
	h.Write([]byte{0})
	h.Write([]byte(key))
	return float64(h.Sum32() % 100)
}

// ShouldUseML resolves the live experiment's randomization unit and assigns
// the request. The second return carries the decision for quote logging;
// it is nil when no experiment is live.
func (m *Manager) ShouldUseML(propertyID, userID, sessionID string) (bool, *Decision) {
	cfg, ok := m.ActiveExperiment()
	if !ok {
		return false, nil
	}

	var key string
	switch cfg.RandomizationUnit {
	case UnitUser:
		key = userID
	case UnitSession:
		key = sessionID
	default:
		key = propertyID
	}
	if key == "" {
		// Without an identity for the configured unit the request cannot be
		// bucketed stably; treat as uncovered.
		log.Debug().Str("experiment", cfg.ExperimentID).Str("unit", cfg.RandomizationUnit).
			Msg("no randomization key on request")
		return false, nil
	}

	variant := m.AssignVariant(cfg.ExperimentID, key)
	return variant == VariantML, &Decision{
		ExperimentID: cfg.ExperimentID,
		Variant:      variant,
		Key:          key,
	}
}

// Package bandit selects price-delta arms for live traffic and learns from
// booking outcomes. Two policies are supported: epsilon-greedy over Q-values
// and Thompson sampling over Beta posteriors. Each property owns its arms
// behind one lock; selections read a consistent snapshot and reward updates
// are applied at most once per action.
package bandit

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Policies.
const (
	PolicyEpsilonGreedy = "epsilon_greedy"
	PolicyThompson      = "thompson"
)

// Q-value update rules. The averaging rule keeps q = total_reward / pulls;
// the EMA rule tracks q += lr * (reward - q) and adapts to non-stationarity.
const (
	UpdateAverage = "average"
	UpdateEMA     = "ema"
)

// DefaultDeltas are the seven price adjustments, in percent.
var DefaultDeltas = []float64{-15, -10, -5, 0, 5, 10, 15}

// Arm is one price-delta action with its learned statistics.
type Arm struct {
	ID          string  `json:"arm_id"`
	DeltaPct    float64 `json:"delta_pct"`
	Pulls       int64   `json:"pulls"`
	TotalReward float64 `json:"total_reward"`
	Successes   int64   `json:"successes"`
	Failures    int64   `json:"failures"`
	QValue      float64 `json:"q_value"`
}

// Context carries the request signals that gate exploration.
type Context struct {
	IsHoliday     bool
	Occupancy     float64
	CompetitorP50 float64 // 0 when unknown
	BasePrice     float64
}

// Action is one selection; its ID keys the eventual reward post.
type Action struct {
	ID         string    `json:"action_id"`
	PropertyID string    `json:"property_id"`
	ArmID      string    `json:"arm_id"`
	DeltaPct   float64   `json:"delta_pct"`
	Policy     string    `json:"policy"` // explore | exploit
	CreatedAt  time.Time `json:"created_at"`
}

// ErrRewardPosted means the action already received its reward.
var ErrRewardPosted = errors.New("reward already posted for action")

// ErrUnknownAction means no pending action matches the id.
var ErrUnknownAction = errors.New("unknown bandit action")

// Config tunes the bandit.
type Config struct {
	Policy           string  `yaml:"policy"`
	Epsilon          float64 `yaml:"epsilon"`
	LearningRate     float64 `yaml:"learning_rate"`
	DiscountFactor   float64 `yaml:"discount_factor"`
	UpdateRule       string  `yaml:"update_rule"`
	ConservativeMode bool    `yaml:"conservative_mode"`
	// Beta prior for Thompson sampling.
	PriorAlpha float64 `yaml:"prior_alpha"`
	PriorBeta  float64 `yaml:"prior_beta"`
	// MaxPendingActions bounds the per-property pending table; the oldest
	// unrewarded actions are dropped past it.
	MaxPendingActions int `yaml:"max_pending_actions"`
}

// DefaultConfig returns the standard bandit settings.
func DefaultConfig() Config {
	return Config{
		Policy:            PolicyEpsilonGreedy,
		Epsilon:           0.1,
		LearningRate:      0.1,
		DiscountFactor:    0.95,
		UpdateRule:        UpdateEMA,
		PriorAlpha:        1,
		PriorBeta:         1,
		MaxPendingActions: 10000,
	}
}

type propertyState struct {
	arms    []*Arm
	pending map[string]*Action
	order   []string // pending action ids, oldest first
	rng     *rand.Rand
}

// Manager owns per-property bandit state.
type Manager struct {
	mu    sync.Mutex
	cfg   Config
	props map[string]*propertyState
	seed  int64
}

// NewManager creates a bandit manager.
func NewManager(cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.Policy == "" {
		cfg.Policy = def.Policy
	}
	if cfg.Epsilon < 0 {
		cfg.Epsilon = def.Epsilon
	}
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = def.LearningRate
	}
	if cfg.UpdateRule == "" {
		cfg.UpdateRule = def.UpdateRule
	}
	if cfg.PriorAlpha <= 0 {
		cfg.PriorAlpha = 1
	}
	if cfg.PriorBeta <= 0 {
		cfg.PriorBeta = 1
	}
	if cfg.MaxPendingActions <= 0 {
		cfg.MaxPendingActions = def.MaxPendingActions
	}
	return &Manager{cfg: cfg, props: make(map[string]*propertyState), seed: time.Now().UnixNano()}
}

// SetSeed fixes per-property RNG seeding for reproducible tests.
func (m *Manager) SetSeed(seed int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seed = seed
}

func (m *Manager) state(propertyID string) *propertyState {
	st, ok := m.props[propertyID]
	if !ok {
		arms := make([]*Arm, len(DefaultDeltas))
		for i, d := range DefaultDeltas {
			arms[i] = &Arm{ID: armID(d), DeltaPct: d}
		}
		st = &propertyState{
			arms:    arms,
			pending: make(map[string]*Action),
			rng:     rand.New(rand.NewSource(m.seed + int64(len(m.props)))),
		}
		m.props[propertyID] = st
	}
	return st
}

func armID(delta float64) string {
	if delta >= 0 {
		return fmt.Sprintf("+%g%%", delta)
	}
	return fmt.Sprintf("%g%%", delta)
}

// Select picks an arm for the property. Conservative conditions (holiday or
// occupancy above 0.9) halve the effective exploration rate. Selection is
// O(|arms|) and performs no I/O.
func (m *Manager) Select(propertyID string, btx Context) Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state(propertyID)

	var arm *Arm
	policy := "exploit"
	switch m.cfg.Policy {
	case PolicyThompson:
		arm = m.thompsonPick(st)
		policy = "thompson"
	default:
		eps := m.cfg.Epsilon
		if m.conservative(btx) {
			eps /= 2
		}
		if st.rng.Float64() < eps {
			arm = st.arms[st.rng.Intn(len(st.arms))]
			policy = "explore"
		} else {
			arm = m.greedyPick(st)
		}
	}

	action := Action{
		ID:         uuid.NewString(),
		PropertyID: propertyID,
		ArmID:      arm.ID,
		DeltaPct:   arm.DeltaPct,
		Policy:     policy,
		CreatedAt:  time.Now().UTC(),
	}
	st.pending[action.ID] = &action
	st.order = append(st.order, action.ID)
	m.prunePending(st)
	return action
}

func (m *Manager) conservative(btx Context) bool {
	return m.cfg.ConservativeMode || btx.IsHoliday || btx.Occupancy > 0.9
}

// greedyPick is argmax over Q-values; ties break toward the earlier arm so
// repeated calls stay deterministic.
func (m *Manager) greedyPick(st *propertyState) *Arm {
	best := st.arms[0]
	for _, a := range st.arms[1:] {
		if a.QValue > best.QValue {
			best = a
		}
	}
	return best
}

func (m *Manager) thompsonPick(st *propertyState) *Arm {
	best := st.arms[0]
	bestSample := -1.0
	for _, a := range st.arms {
		theta := sampleBeta(st.rng,
			m.cfg.PriorAlpha+float64(a.Successes),
			m.cfg.PriorBeta+float64(a.Failures))
		if theta > bestSample {
			bestSample = theta
			best = a
		}
	}
	return best
}

// prunePending drops the oldest unrewarded actions past the bound. Caller
// holds the lock.
func (m *Manager) prunePending(st *propertyState) {
	for len(st.order) > m.cfg.MaxPendingActions {
		id := st.order[0]
		st.order = st.order[1:]
		delete(st.pending, id)
	}
}

// Update posts the reward for one action: revenue when the booking happened,
// zero otherwise. Posting twice for the same action returns ErrRewardPosted;
// posts may arrive arbitrarily late as long as the action is still pending.
func (m *Manager) Update(propertyID, actionID string, bookingMade bool, revenue float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.props[propertyID]
	if !ok {
		return ErrUnknownAction
	}
	action, ok := st.pending[actionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAction, actionID)
	}
	if action == nil {
		return ErrRewardPosted
	}
	st.pending[actionID] = nil // keep the id so replays are detected

	arm := m.findArm(st, action.ArmID)
	if arm == nil {
		return fmt.Errorf("action %s references unknown arm %s", actionID, action.ArmID)
	}
	m.applyReward(arm, bookingMade, revenue)
	return nil
}

// UpdateArm applies a reward directly to an arm, bypassing action matching.
// Used by the offline evaluator and by backfills that predate action ids.
func (m *Manager) UpdateArm(propertyID, armID string, bookingMade bool, revenue float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state(propertyID)
	arm := m.findArm(st, armID)
	if arm == nil {
		return fmt.Errorf("unknown arm %s", armID)
	}
	m.applyReward(arm, bookingMade, revenue)
	return nil
}

func (m *Manager) findArm(st *propertyState, id string) *Arm {
	for _, a := range st.arms {
		if a.ID == id {
			return a
		}
	}
	return nil
}

func (m *Manager) applyReward(arm *Arm, bookingMade bool, revenue float64) {
	reward := 0.0
	if bookingMade {
		reward = revenue
		arm.Successes++
	} else {
		arm.Failures++
	}
	arm.Pulls++
	arm.TotalReward += reward

	switch m.cfg.UpdateRule {
	case UpdateAverage:
		arm.QValue = arm.TotalReward / float64(arm.Pulls)
	default:
		arm.QValue += m.cfg.LearningRate * (reward - arm.QValue)
	}
}

// ResetQValues multiplies all Q-values by factor, forgetting most of what
// was learned while keeping relative ordering. Counters are preserved for
// attribution.
func (m *Manager) ResetQValues(propertyID string, factor float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state(propertyID)
	for _, a := range st.arms {
		a.QValue *= factor
	}
	log.Info().Str("property", propertyID).Float64("factor", factor).Msg("bandit q-values reset")
}

// Arms returns a copy of the property's arm statistics.
func (m *Manager) Arms(propertyID string) []Arm {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state(propertyID)
	out := make([]Arm, len(st.arms))
	for i, a := range st.arms {
		out[i] = *a
	}
	return out
}

// snapshot is the serialized per-property state.
type snapshot struct {
	SavedAt    time.Time        `json:"saved_at"`
	Properties map[string][]Arm `json:"properties"`
}

// Snapshot serializes all per-property arm statistics. Pending actions are
// deliberately excluded: an unrewarded action does not survive a restart.
func (m *Manager) Snapshot() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := snapshot{SavedAt: time.Now().UTC(), Properties: make(map[string][]Arm, len(m.props))}
	for id, st := range m.props {
		arms := make([]Arm, len(st.arms))
		for i, a := range st.arms {
			arms[i] = *a
		}
		snap.Properties[id] = arms
	}
	return json.MarshalIndent(snap, "", "  ")
}

// Restore loads arm statistics from a Snapshot blob.
func (m *Manager) Restore(blob []byte) error {
	var snap snapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		return fmt.Errorf("decode bandit snapshot: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, arms := range snap.Properties {
		st := m.state(id)
		for i := range arms {
			if existing := m.findArm(st, arms[i].ID); existing != nil {
				*existing = arms[i]
			}
		}
	}
	return nil
}

// SaveFile writes the snapshot to path via temp file + rename.
func (m *Manager) SaveFile(path string) error {
	blob, err := m.Snapshot()
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create snapshot dir: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return fmt.Errorf("write bandit snapshot: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadFile restores from a snapshot file; a missing file is not an error.
func (m *Manager) LoadFile(path string) error {
	blob, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read bandit snapshot: %w", err)
	}
	return m.Restore(blob)
}

package bandit

import (
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAveragingRuleTracksMeanReward(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UpdateRule = UpdateAverage
	m := NewManager(cfg)

	rewards := []float64{100, 150, 0, 200, 50}
	total := 0.0
	for _, r := range rewards {
		require.NoError(t, m.UpdateArm("P1", "+0%", r > 0, r))
		total += r
	}

	for _, a := range m.Arms("P1") {
		if a.ID == "+0%" {
			assert.Equal(t, int64(len(rewards)), a.Pulls)
			assert.InDelta(t, total/float64(len(rewards)), a.QValue, 1e-9)
			return
		}
	}
	t.Fatal("arm +0% not found")
}

func TestEMARuleConvergesTowardReward(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UpdateRule = UpdateEMA
	cfg.LearningRate = 0.5
	m := NewManager(cfg)

	for i := 0; i < 20; i++ {
		require.NoError(t, m.UpdateArm("P1", "+5%", true, 100))
	}
	arm := armByID(t, m.Arms("P1"), "+5%")
	assert.InDelta(t, 100, arm.QValue, 1)
}

func TestZeroEpsilonExploitsBestUntilReset(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Epsilon = 0
	cfg.UpdateRule = UpdateAverage
	m := NewManager(cfg)
	m.SetSeed(7)

	// Make +10% the unique best arm.
	require.NoError(t, m.UpdateArm("P1", "+10%", true, 500))
	for _, id := range []string{"-15%", "-10%", "-5%", "+0%", "+5%", "+15%"} {
		require.NoError(t, m.UpdateArm("P1", id, false, 0))
	}

	for i := 0; i < 100; i++ {
		action := m.Select("P1", Context{BasePrice: 150})
		assert.Equal(t, "+10%", action.ArmID)
		assert.Equal(t, "exploit", action.Policy)
	}

	// A full reset erases the learned ordering and ties all arms at zero,
	// so greedy selection falls back to the first arm.
	m.ResetQValues("P1", 0)
	action := m.Select("P1", Context{BasePrice: 150})
	assert.Equal(t, "-15%", action.ArmID)
}

func TestRewardAppliedAtMostOnce(t *testing.T) {
	m := NewManager(DefaultConfig())
	m.SetSeed(3)

	action := m.Select("P1", Context{BasePrice: 150})
	require.NoError(t, m.Update("P1", action.ID, true, 180))

	err := m.Update("P1", action.ID, true, 180)
	assert.ErrorIs(t, err, ErrRewardPosted)

	arm := armByID(t, m.Arms("P1"), action.ArmID)
	assert.Equal(t, int64(1), arm.Pulls)
	assert.InDelta(t, 180, arm.TotalReward, 1e-9)

	err = m.Update("P1", "no-such-action", true, 100)
	assert.ErrorIs(t, err, ErrUnknownAction)
	err = m.Update("P9", action.ID, true, 100)
	assert.ErrorIs(t, err, ErrUnknownAction)
}

func TestConservativeModeHalvesExploration(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Epsilon = 0.4
	m := NewManager(cfg)
	m.SetSeed(11)

	count := func(btx Context) int {
		explored := 0
		for i := 0; i < 4000; i++ {
			if m.Select("P-normal", btx).Policy == "explore" {
				explored++
			}
		}
		return explored
	}

	normal := count(Context{Occupancy: 0.5})

	m2 := NewManager(cfg)
	m2.SetSeed(11)
	holiday := 0
	for i := 0; i < 4000; i++ {
		if m2.Select("P-holiday", Context{IsHoliday: true, Occupancy: 0.5}).Policy == "explore" {
			holiday++
		}
	}

	assert.InDelta(t, 0.4, float64(normal)/4000, 0.04)
	assert.InDelta(t, 0.2, float64(holiday)/4000, 0.04)
}

func TestHighOccupancyTriggersConservative(t *testing.T) {
	m := NewManager(DefaultConfig())
	assert.True(t, m.conservative(Context{Occupancy: 0.95}))
	assert.False(t, m.conservative(Context{Occupancy: 0.9}))
	assert.True(t, m.conservative(Context{IsHoliday: true}))
}

func TestThompsonFavorsHighConversionArm(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy = PolicyThompson
	m := NewManager(cfg)
	m.SetSeed(19)

	// +5% converts far better than the rest.
	for i := 0; i < 80; i++ {
		require.NoError(t, m.UpdateArm("P1", "+5%", true, 160))
		require.NoError(t, m.UpdateArm("P1", "-10%", false, 0))
		require.NoError(t, m.UpdateArm("P1", "+15%", false, 0))
	}

	hits := 0
	for i := 0; i < 500; i++ {
		if m.Select("P1", Context{BasePrice: 150}).ArmID == "+5%" {
			hits++
		}
	}
	assert.Greater(t, hits, 350, "posterior should concentrate on the converting arm")
}

func TestSnapshotRestoreRoundtrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UpdateRule = UpdateAverage
	m := NewManager(cfg)
	rng := rand.New(rand.NewSource(5))
	for i := 0; i < 50; i++ {
		id := DefaultDeltas[rng.Intn(len(DefaultDeltas))]
		booked := rng.Float64() < 0.4
		require.NoError(t, m.UpdateArm("P1", armID(id), booked, 150))
		require.NoError(t, m.UpdateArm("P2", armID(id), !booked, 120))
	}

	path := filepath.Join(t.TempDir(), "state", "bandit.json")
	require.NoError(t, m.SaveFile(path))

	restored := NewManager(cfg)
	require.NoError(t, restored.LoadFile(path))

	assert.Equal(t, m.Arms("P1"), restored.Arms("P1"))
	assert.Equal(t, m.Arms("P2"), restored.Arms("P2"))

	// Missing file is a clean no-op.
	fresh := NewManager(cfg)
	require.NoError(t, fresh.LoadFile(filepath.Join(t.TempDir(), "absent.json")))
}

func TestPendingActionsBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPendingActions = 10
	m := NewManager(cfg)
	m.SetSeed(2)

	first := m.Select("P1", Context{BasePrice: 100})
	for i := 0; i < 20; i++ {
		m.Select("P1", Context{BasePrice: 100})
	}
	err := m.Update("P1", first.ID, true, 100)
	assert.ErrorIs(t, err, ErrUnknownAction, "evicted actions no longer accept rewards")
}

func TestEvaluateReplayReport(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	history := make([]HistoryRecord, 300)
	for i := range history {
		history[i] = HistoryRecord{
			Price:  120 + rng.Float64()*80,
			Booked: rng.Float64() < 0.35,
		}
	}

	eval := DefaultEvalConfig()
	eval.Simulations = 20
	eval.Seed = 42
	report := Evaluate(history, DefaultConfig(), eval)

	assert.Equal(t, 20, report.Simulations)
	assert.Greater(t, report.MeanReward, 0.0)
	assert.LessOrEqual(t, report.CI95Low, report.MeanReward)
	assert.GreaterOrEqual(t, report.CI95High, report.MeanReward)
	assert.Len(t, report.ArmDistribution, len(DefaultDeltas))

	share := 0.0
	for _, s := range report.ArmDistribution {
		share += s
	}
	assert.InDelta(t, 1.0, share, 1e-9)
	assert.NotEmpty(t, report.TopArms())
}

func TestEvaluateEmptyHistory(t *testing.T) {
	report := Evaluate(nil, DefaultConfig(), DefaultEvalConfig())
	assert.Zero(t, report.MeanReward)
	assert.Empty(t, report.ArmDistribution)
}

func armByID(t *testing.T, arms []Arm, id string) Arm {
	t.Helper()
	for _, a := range arms {
		if a.ID == id {
			return a
		}
	}
	t.Fatalf("arm %s not found", id)
	return Arm{}
}

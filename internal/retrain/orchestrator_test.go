package retrain

import (
	"context"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roamrate/roamrate/internal/ml"
	"github.com/roamrate/roamrate/internal/outcomes"
	"github.com/roamrate/roamrate/internal/registry"
)

func testFixtures(t *testing.T) (*outcomes.Store, *registry.Registry) {
	t.Helper()
	store, err := outcomes.Open(filepath.Join(t.TempDir(), "o.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	reg := registry.New(registry.Config{Root: t.TempDir()})
	return store, reg
}

// seedOutcomes writes n learnable outcomes: bookings cluster on high
// occupancy weekends.
func seedOutcomes(t *testing.T, store *outcomes.Store, property string, n int, now time.Time) {
	t.Helper()
	rng := rand.New(rand.NewSource(13))
	var batch []outcomes.Outcome
	for i := 0; i < n; i++ {
		occ := rng.Float64()
		weekend := float64(i % 2)
		accepted := occ+0.3*weekend+0.15*rng.NormFloat64() > 0.6
		price := 120 + 80*occ
		batch = append(batch, outcomes.Outcome{
			Timestamp:   now.Add(-time.Duration(n-i) * time.Hour),
			QuotedPrice: price + float64(i)*1e-6, // keep dedupe keys unique
			Accepted:    accepted,
			Context: map[string]float64{
				"occupancy_rate": occ,
				"is_weekend":     weekend,
			},
		})
	}
	_, err := store.Append(context.Background(), property, batch)
	require.NoError(t, err)
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.MinTotalOutcomes = 50
	cfg.MinNewOutcomes = 10
	cfg.Train = ml.TrainConfig{Epochs: 40, LearningRate: 0.1, ValidationSplit: 0.2, Patience: 10}
	return cfg
}

func TestRetrainSkipsBelowVolumeGate(t *testing.T) {
	store, reg := testFixtures(t)
	seedOutcomes(t, store, "P1", 20, time.Now())

	o := New(store, reg, fastConfig())
	res := o.Retrain(context.Background(), "P1", registry.ModelConversion)
	assert.Equal(t, ActionSkipped, res.Action)
	assert.Contains(t, res.Error, "volume gate")
}

func TestRetrainDeploysFirstModel(t *testing.T) {
	store, reg := testFixtures(t)
	seedOutcomes(t, store, "P1", 300, time.Now())

	o := New(store, reg, fastConfig())
	res := o.Retrain(context.Background(), "P1", registry.ModelConversion)
	require.Equal(t, ActionDeployed, res.Action, "error: %s", res.Error)
	require.NotNil(t, res.Comparison)
	assert.Equal(t, "no incumbent model", res.Comparison.Reason)
	assert.Greater(t, res.Metrics.AUC, 0.6)

	h, err := reg.Load(context.Background(), "P1", registry.ModelConversion, registry.Latest, true)
	require.NoError(t, err)
	assert.Equal(t, ml.KindLogistic, h.Learner.Kind)
}

func TestRetrainHoldsBackOnRegression(t *testing.T) {
	store, reg := testFixtures(t)
	seedOutcomes(t, store, "P1", 300, time.Now())

	// Incumbent claims an unbeatable AUC.
	incumbent := &ml.Learner{Kind: ml.KindLogistic, FeatureNames: []string{"occupancy_rate"}, Weights: []float64{1}}
	_, err := reg.Save(incumbent, "P1", registry.ModelConversion, ml.Metrics{AUC: 0.999})
	require.NoError(t, err)

	o := New(store, reg, fastConfig())
	res := o.Retrain(context.Background(), "P1", registry.ModelConversion)
	assert.Equal(t, ActionTrainedNotDeployed, res.Action)
	require.NotNil(t, res.Comparison)
	assert.False(t, res.Comparison.GatePassed)
	assert.Contains(t, res.Comparison.Reason, "AUC regression")

	// Incumbent still serves.
	h, err := reg.Load(context.Background(), "P1", registry.ModelConversion, registry.Latest, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"occupancy_rate"}, h.Meta.FeatureList)
}

func TestRetrainDeploysWithinTolerance(t *testing.T) {
	store, reg := testFixtures(t)
	seedOutcomes(t, store, "P1", 300, time.Now())

	// A weak incumbent is beaten (or matched within 0.01) by any refit.
	incumbent := &ml.Learner{Kind: ml.KindLogistic, FeatureNames: []string{"occupancy_rate"}, Weights: []float64{0}}
	_, err := reg.Save(incumbent, "P1", registry.ModelConversion, ml.Metrics{AUC: 0.5})
	require.NoError(t, err)

	o := New(store, reg, fastConfig())
	res := o.Retrain(context.Background(), "P1", registry.ModelConversion)
	assert.Equal(t, ActionDeployed, res.Action)
}

func TestRetrainRevPARUsesRMSEGate(t *testing.T) {
	store, reg := testFixtures(t)
	seedOutcomes(t, store, "P1", 300, time.Now())

	incumbent := &ml.Learner{Kind: ml.KindLinear, FeatureNames: []string{"occupancy_rate"}, Weights: []float64{0}}
	_, err := reg.Save(incumbent, "P1", registry.ModelRevPAR, ml.Metrics{RMSE: 0.0001})
	require.NoError(t, err)

	o := New(store, reg, fastConfig())
	res := o.Retrain(context.Background(), "P1", registry.ModelRevPAR)
	assert.Equal(t, ActionTrainedNotDeployed, res.Action)
	assert.Contains(t, res.Comparison.Reason, "RMSE regression")
}

func TestSweepAggregates(t *testing.T) {
	store, reg := testFixtures(t)
	seedOutcomes(t, store, "BIG", 300, time.Now())
	seedOutcomes(t, store, "SMALL", 20, time.Now())

	o := New(store, reg, fastConfig())
	sum, err := o.Sweep(context.Background(), nil, registry.ModelConversion)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Deployed)
	assert.Equal(t, 1, sum.Skipped)
	assert.Len(t, sum.Results, 2)
}

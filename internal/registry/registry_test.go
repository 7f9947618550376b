package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roamrate/roamrate/internal/ml"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(Config{Root: t.TempDir(), LoadTimeout: 2 * time.Second})
}

func testLearner() *ml.Learner {
	return &ml.Learner{
		Kind:         ml.KindLogistic,
		FeatureNames: []string{"occupancy_rate", "is_weekend"},
		Weights:      []float64{2.0, 0.5},
		Bias:         -1.0,
	}
}

func TestSaveLoadRoundtrip(t *testing.T) {
	r := newTestRegistry(t)
	meta, err := r.Save(testLearner(), "P1", ModelConversion, ml.Metrics{AUC: 0.8})
	require.NoError(t, err)
	assert.NotEmpty(t, meta.Checksum)
	assert.Equal(t, []string{"occupancy_rate", "is_weekend"}, meta.FeatureList)

	h, err := r.Load(context.Background(), "P1", ModelConversion, Latest, true)
	require.NoError(t, err)
	assert.Equal(t, meta.Version, h.Meta.Version)
	assert.Equal(t, ml.KindLogistic, h.Learner.Kind)
}

func TestLoadHonorsCallerContext(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Save(testLearner(), "P1", ModelConversion, ml.Metrics{AUC: 0.8})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// A dead context fails the load before the artifact is read.
	_, err = r.Load(ctx, "P1", ModelConversion, Latest, false)
	require.ErrorIs(t, err, context.Canceled)

	// The artifact is still served once the caller brings a live context.
	h, err := r.Load(context.Background(), "P1", ModelConversion, Latest, true)
	require.NoError(t, err)
	assert.Equal(t, ml.KindLogistic, h.Learner.Kind)
}

func TestLoadMissing(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Load(context.Background(), "nobody", ModelConversion, Latest, true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestChecksumMismatchFailsLoad(t *testing.T) {
	r := newTestRegistry(t)
	meta, err := r.Save(testLearner(), "P1", ModelConversion, ml.Metrics{})
	require.NoError(t, err)

	// Corrupt the serialized learner in place.
	blobPath := filepath.Join(r.cfg.Root, "P1", ModelConversion, meta.Version, "model.json")
	require.NoError(t, os.WriteFile(blobPath, []byte(`{"kind":"logistic","weights":[9]}`), 0o644))

	_, err = r.Load(context.Background(), "P1", ModelConversion, meta.Version, false)
	assert.ErrorIs(t, err, ErrChecksum)
}

func TestLatestPointerFollowsPromotion(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Save(testLearner(), "P1", ModelConversion, ml.Metrics{AUC: 0.7})
	require.NoError(t, err)

	second := testLearner()
	second.Bias = 0.5
	meta2, err := r.Save(second, "P1", ModelConversion, ml.Metrics{AUC: 0.75})
	require.NoError(t, err)

	r.Invalidate("P1", ModelConversion)
	h, err := r.Load(context.Background(), "P1", ModelConversion, Latest, true)
	require.NoError(t, err)
	assert.Equal(t, meta2.Version, h.Meta.Version)
	assert.Equal(t, 0.5, h.Learner.Bias)
}

func TestLoadedHandleSurvivesPromotion(t *testing.T) {
	r := newTestRegistry(t)
	meta1, err := r.Save(testLearner(), "P1", ModelConversion, ml.Metrics{})
	require.NoError(t, err)

	h, err := r.Load(context.Background(), "P1", ModelConversion, Latest, true)
	require.NoError(t, err)

	_, err = r.Save(testLearner(), "P1", ModelConversion, ml.Metrics{})
	require.NoError(t, err)

	// The handle resolved before promotion still points at its version.
	assert.Equal(t, meta1.Version, h.Meta.Version)
}

func TestPredictReordersAndDefaults(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Save(testLearner(), "P1", ModelConversion, ml.Metrics{})
	require.NoError(t, err)

	// Extra names ignored, missing names default to 0.
	p, err := r.Predict(context.Background(), "P1", map[string]float64{
		"is_weekend": 1, "unknown_feature": 99,
	}, ModelConversion, Latest)
	require.NoError(t, err)
	// z = -1 + 2*0 + 0.5*1 = -0.5
	assert.InDelta(t, 0.3775, p, 0.001)
}

func TestDeleteRepointsLatest(t *testing.T) {
	r := newTestRegistry(t)
	meta1, err := r.Save(testLearner(), "P1", ModelConversion, ml.Metrics{})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond) // distinct timestamped versions
	meta2, err := r.Save(testLearner(), "P1", ModelConversion, ml.Metrics{})
	require.NoError(t, err)

	require.NoError(t, r.Delete("P1", ModelConversion, meta2.Version))
	r.Invalidate("P1", ModelConversion)

	h, err := r.Load(context.Background(), "P1", ModelConversion, Latest, true)
	require.NoError(t, err)
	assert.Equal(t, meta1.Version, h.Meta.Version)

	require.NoError(t, r.Delete("P1", ModelConversion, meta1.Version))
	_, err = r.Load(context.Background(), "P1", ModelConversion, Latest, false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInfoListsLoadedModels(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Save(testLearner(), "P1", ModelConversion, ml.Metrics{AUC: 0.8})
	require.NoError(t, err)

	info := r.Info(context.Background(), "P1")
	require.Contains(t, info, ModelConversion)
	assert.NotContains(t, info, ModelADR)
	assert.InDelta(t, 0.8, info[ModelConversion].Metrics.AUC, 1e-9)
}

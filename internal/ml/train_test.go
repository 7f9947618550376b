package ml

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFitLogisticSeparatesClasses(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	names := []string{"x1", "x2"}
	var x [][]float64
	var y []float64
	for i := 0; i < 600; i++ {
		x1 := rng.Float64()
		x2 := rng.Float64()
		x = append(x, []float64{x1, x2})
		// Bookings cluster at high x1, low x2.
		if x1-x2+0.2*rng.NormFloat64() > 0.1 {
			y = append(y, 1)
		} else {
			y = append(y, 0)
		}
	}

	l, m, err := Fit(KindLogistic, names, x, y, DefaultTrainConfig())
	require.NoError(t, err)
	assert.Greater(t, m.AUC, 0.85)

	hi, err := l.Predict([]float64{0.95, 0.05})
	require.NoError(t, err)
	lo, err := l.Predict([]float64{0.05, 0.95})
	require.NoError(t, err)
	assert.Greater(t, hi, lo)
	assert.Greater(t, hi, 0.5)
	assert.Less(t, lo, 0.5)
}

func TestFitLinearRecoversSlope(t *testing.T) {
	names := []string{"occ"}
	var x [][]float64
	var y []float64
	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 400; i++ {
		occ := rng.Float64()
		x = append(x, []float64{occ})
		y = append(y, 0.4+0.8*occ+0.02*rng.NormFloat64())
	}

	l, m, err := Fit(KindLinear, names, x, y, DefaultTrainConfig())
	require.NoError(t, err)
	assert.Less(t, m.RMSE, 0.1)
	pred, err := l.Predict([]float64{0.5})
	require.NoError(t, err)
	assert.InDelta(t, 0.8, pred, 0.15)
}

func TestFitRejectsBadInput(t *testing.T) {
	_, _, err := Fit(KindLogistic, []string{"a"}, [][]float64{{1}}, []float64{1, 0}, DefaultTrainConfig())
	assert.Error(t, err)

	_, _, err = Fit("forest", []string{"a"}, make([][]float64, 20), make([]float64, 20), DefaultTrainConfig())
	assert.Error(t, err)
}

func TestPredictLengthMismatch(t *testing.T) {
	l := &Learner{Kind: KindLinear, FeatureNames: []string{"a", "b"}, Weights: []float64{1, 2}}
	_, err := l.Predict([]float64{1})
	assert.Error(t, err)
}

func TestAUC(t *testing.T) {
	perfect := AUC([]float64{0.1, 0.2, 0.8, 0.9}, []float64{0, 0, 1, 1})
	assert.InDelta(t, 1.0, perfect, 1e-9)

	inverted := AUC([]float64{0.9, 0.8, 0.2, 0.1}, []float64{0, 0, 1, 1})
	assert.InDelta(t, 0.0, inverted, 1e-9)

	tied := AUC([]float64{0.5, 0.5, 0.5, 0.5}, []float64{0, 1, 0, 1})
	assert.InDelta(t, 0.5, tied, 1e-9)

	onlyPos := AUC([]float64{0.4, 0.6}, []float64{1, 1})
	assert.Equal(t, 0.5, onlyPos)
}

func TestRMSE(t *testing.T) {
	assert.InDelta(t, 0.0, RMSE([]float64{1, 2}, []float64{1, 2}), 1e-12)
	assert.InDelta(t, math.Sqrt(2), RMSE([]float64{0, 0}, []float64{math.Sqrt2, -math.Sqrt2}), 1e-9)
}

func TestFeatureImportanceNormalized(t *testing.T) {
	l := &Learner{Kind: KindLinear, FeatureNames: []string{"a", "b"}, Weights: []float64{-3, 1}}
	imp := l.FeatureImportance()
	assert.InDelta(t, 0.75, imp["a"], 1e-9)
	assert.InDelta(t, 0.25, imp["b"], 1e-9)
}

// Package ml implements the small learners behind the model registry:
// logistic regression for conversion probability and linear regression for
// ADR/RevPAR, both trained by SGD with a time-respecting validation split.
package ml

import (
	"fmt"
	"math"
)

// Learner kinds.
const (
	KindLogistic = "logistic"
	KindLinear   = "linear"
)

// Learner is a serialized-friendly linear model. FeatureNames fixes the
// input ordering; artifacts store it alongside the weights so scoring can
// reorder request features to match.
type Learner struct {
	Kind         string    `json:"kind"`
	FeatureNames []string  `json:"feature_names"`
	Weights      []float64 `json:"weights"`
	Bias         float64   `json:"bias"`
}

// Predict scores one reordered feature vector. Logistic learners return a
// probability in (0, 1); linear learners return the raw regression value.
func (l *Learner) Predict(vec []float64) (float64, error) {
	if len(vec) != len(l.Weights) {
		return 0, fmt.Errorf("feature vector length %d, model expects %d", len(vec), len(l.Weights))
	}
	z := l.Bias
	for i, w := range l.Weights {
		z += w * vec[i]
	}
	if l.Kind == KindLogistic {
		return sigmoid(z), nil
	}
	return z, nil
}

// FeatureImportance returns |weight| per feature, normalized to sum to 1.
func (l *Learner) FeatureImportance() map[string]float64 {
	total := 0.0
	for _, w := range l.Weights {
		total += math.Abs(w)
	}
	out := make(map[string]float64, len(l.FeatureNames))
	for i, name := range l.FeatureNames {
		if total > 0 {
			out[name] = math.Abs(l.Weights[i]) / total
		} else {
			out[name] = 0
		}
	}
	return out
}

func sigmoid(z float64) float64 {
	// Clamp to keep exp finite; probabilities saturate well before ±30.
	if z > 30 {
		return 1
	}
	if z < -30 {
		return 0
	}
	return 1.0 / (1.0 + math.Exp(-z))
}

package ml

import (
	"fmt"
	"math"
)

// TrainConfig tunes SGD fitting.
type TrainConfig struct {
	Epochs          int     `yaml:"epochs"`
	LearningRate    float64 `yaml:"learning_rate"`
	L2              float64 `yaml:"l2"`
	ValidationSplit float64 `yaml:"validation_split"` // tail fraction held out
	Patience        int     `yaml:"patience"`         // early-stop epochs without improvement
}

// DefaultTrainConfig returns fitting defaults suitable for per-property
// outcome volumes (hundreds to tens of thousands of rows).
func DefaultTrainConfig() TrainConfig {
	return TrainConfig{
		Epochs:          200,
		LearningRate:    0.05,
		L2:              1e-4,
		ValidationSplit: 0.2,
		Patience:        10,
	}
}

// Metrics summarizes a fitted model on its validation window.
type Metrics struct {
	AUC        float64 `json:"auc,omitempty"`
	RMSE       float64 `json:"rmse,omitempty"`
	ValLoss    float64 `json:"val_loss"`
	TrainRows  int     `json:"train_rows"`
	ValRows    int     `json:"val_rows"`
	EpochsUsed int     `json:"epochs_used"`
}

// Fit trains a learner of the given kind. Rows must be in time order: the
// validation window is the chronological tail, never a shuffle, so the gate
// measures forward performance.
func Fit(kind string, featureNames []string, x [][]float64, y []float64, cfg TrainConfig) (*Learner, Metrics, error) {
	if len(x) != len(y) {
		return nil, Metrics{}, fmt.Errorf("feature rows %d != targets %d", len(x), len(y))
	}
	if len(x) < 10 {
		return nil, Metrics{}, fmt.Errorf("not enough rows to fit: %d", len(x))
	}
	if kind != KindLogistic && kind != KindLinear {
		return nil, Metrics{}, fmt.Errorf("unknown learner kind %q", kind)
	}
	if cfg.Epochs <= 0 {
		cfg = DefaultTrainConfig()
	}

	split := len(x) - int(float64(len(x))*cfg.ValidationSplit)
	if split <= 0 || split >= len(x) {
		split = len(x) * 4 / 5
	}
	trainX, valX := x[:split], x[split:]
	trainY, valY := y[:split], y[split:]

	dim := len(featureNames)
	l := &Learner{Kind: kind, FeatureNames: featureNames, Weights: make([]float64, dim)}

	bestLoss := math.Inf(1)
	bestWeights := make([]float64, dim)
	bestBias := 0.0
	sinceBest := 0
	epochs := 0

	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		epochs = epoch + 1
		lr := cfg.LearningRate / (1.0 + 0.01*float64(epoch))
		for i, row := range trainX {
			pred, _ := l.Predict(row)
			grad := pred - trainY[i] // gradient of logloss and of 0.5*MSE alike
			for j, v := range row {
				l.Weights[j] -= lr * (grad*v + cfg.L2*l.Weights[j])
			}
			l.Bias -= lr * grad
		}

		loss := l.validationLoss(valX, valY)
		if loss < bestLoss-1e-9 {
			bestLoss = loss
			copy(bestWeights, l.Weights)
			bestBias = l.Bias
			sinceBest = 0
		} else {
			sinceBest++
			if cfg.Patience > 0 && sinceBest >= cfg.Patience {
				break
			}
		}
	}

	copy(l.Weights, bestWeights)
	l.Bias = bestBias

	m := Metrics{
		ValLoss:    bestLoss,
		TrainRows:  len(trainX),
		ValRows:    len(valX),
		EpochsUsed: epochs,
	}
	preds := make([]float64, len(valX))
	for i, row := range valX {
		preds[i], _ = l.Predict(row)
	}
	if kind == KindLogistic {
		m.AUC = AUC(preds, valY)
	} else {
		m.RMSE = RMSE(preds, valY)
	}
	return l, m, nil
}

func (l *Learner) validationLoss(x [][]float64, y []float64) float64 {
	if len(x) == 0 {
		return math.Inf(1)
	}
	total := 0.0
	for i, row := range x {
		pred, _ := l.Predict(row)
		if l.Kind == KindLogistic {
			p := math.Min(math.Max(pred, 1e-9), 1-1e-9)
			if y[i] > 0.5 {
				total -= math.Log(p)
			} else {
				total -= math.Log(1 - p)
			}
		} else {
			d := pred - y[i]
			total += 0.5 * d * d
		}
	}
	return total / float64(len(x))
}

// Package retrain gates, runs, compares and promotes per-property model
// refreshes. A refresh deploys only when the volume gate holds and the new
// model's primary metric stays within tolerance of the incumbent; otherwise
// the existing model keeps serving.
package retrain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/roamrate/roamrate/internal/features"
	"github.com/roamrate/roamrate/internal/ml"
	"github.com/roamrate/roamrate/internal/outcomes"
	"github.com/roamrate/roamrate/internal/registry"
)

// Actions a retrain run can end in.
const (
	ActionDeployed           = "deployed"
	ActionTrainedNotDeployed = "trained_not_deployed"
	ActionSkipped            = "skipped"
	ActionFailed             = "failed"
)

// Config tunes the retrain gate and fitting.
type Config struct {
	MinTotalOutcomes int            `yaml:"min_total_outcomes"`
	MinNewOutcomes   int            `yaml:"min_new_outcomes"` // in the last 7 days
	AUCTolerance     float64        `yaml:"auc_tolerance"`    // deploy if new >= prev - tol
	RMSETolerance    float64        `yaml:"rmse_tolerance"`   // deploy if new <= prev * tol
	Train            ml.TrainConfig `yaml:"train"`
}

// DefaultConfig returns the standard gate.
func DefaultConfig() Config {
	return Config{
		MinTotalOutcomes: 1000,
		MinNewOutcomes:   100,
		AUCTolerance:     0.01,
		RMSETolerance:    1.01,
		Train:            ml.DefaultTrainConfig(),
	}
}

// Comparison records how the candidate fared against the incumbent.
type Comparison struct {
	PrevVersion string  `json:"prev_version,omitempty"`
	PrevMetric  float64 `json:"prev_metric"`
	NewMetric   float64 `json:"new_metric"`
	GatePassed  bool    `json:"gate_passed"`
	Reason      string  `json:"reason"`
}

// Result is the outcome of one retrain run.
type Result struct {
	PropertyID string      `json:"property_id"`
	ModelType  string      `json:"model_type"`
	Action     string      `json:"action"`
	Metrics    ml.Metrics  `json:"metrics,omitempty"`
	Comparison *Comparison `json:"comparison,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// SweepSummary aggregates an all-properties run.
type SweepSummary struct {
	Deployed           int      `json:"deployed"`
	TrainedNotDeployed int      `json:"trained_not_deployed"`
	Skipped            int      `json:"skipped"`
	Failed             int      `json:"failed"`
	Results            []Result `json:"results"`
}

// Orchestrator drives retrains from the outcomes ledger into the registry.
type Orchestrator struct {
	store    *outcomes.Store
	registry *registry.Registry
	cfg      Config
	now      func() time.Time
}

// New wires an orchestrator.
func New(store *outcomes.Store, reg *registry.Registry, cfg Config) *Orchestrator {
	if cfg.MinTotalOutcomes <= 0 {
		cfg.MinTotalOutcomes = 1000
	}
	if cfg.MinNewOutcomes <= 0 {
		cfg.MinNewOutcomes = 100
	}
	if cfg.AUCTolerance <= 0 {
		cfg.AUCTolerance = 0.01
	}
	if cfg.RMSETolerance <= 0 {
		cfg.RMSETolerance = 1.01
	}
	if cfg.Train.Epochs <= 0 {
		cfg.Train = ml.DefaultTrainConfig()
	}
	return &Orchestrator{store: store, registry: reg, cfg: cfg, now: time.Now}
}

// Retrain runs one gated refresh for (property, model type).
func (o *Orchestrator) Retrain(ctx context.Context, propertyID, modelType string) Result {
	res := Result{PropertyID: propertyID, ModelType: modelType}

	stats, err := o.store.GetStats(ctx, propertyID)
	if err != nil {
		res.Action = ActionFailed
		res.Error = err.Error()
		return res
	}
	recent, err := o.store.CountSince(ctx, propertyID, o.now().Add(-7*24*time.Hour))
	if err != nil {
		res.Action = ActionFailed
		res.Error = err.Error()
		return res
	}
	if stats.Total < o.cfg.MinTotalOutcomes || recent < o.cfg.MinNewOutcomes {
		res.Action = ActionSkipped
		res.Error = fmt.Sprintf("volume gate: total %d/%d, last7 %d/%d",
			stats.Total, o.cfg.MinTotalOutcomes, recent, o.cfg.MinNewOutcomes)
		return res
	}

	rows, err := o.store.Query(ctx, propertyID, nil, nil, 0)
	if err != nil {
		res.Action = ActionFailed
		res.Error = err.Error()
		return res
	}

	names, x, y := buildDataset(rows, modelType)
	if len(x) < 10 {
		res.Action = ActionSkipped
		res.Error = fmt.Sprintf("only %d usable rows for %s", len(x), modelType)
		return res
	}

	kind := ml.KindLinear
	if modelType == registry.ModelConversion {
		kind = ml.KindLogistic
	}
	learner, metrics, err := ml.Fit(kind, names, x, y, o.cfg.Train)
	if err != nil {
		res.Action = ActionFailed
		res.Error = fmt.Sprintf("fit: %v", err)
		return res
	}
	res.Metrics = metrics

	cmp := o.compare(ctx, propertyID, modelType, metrics)
	res.Comparison = &cmp
	if !cmp.GatePassed {
		res.Action = ActionTrainedNotDeployed
		log.Info().Str("property", propertyID).Str("model_type", modelType).
			Str("reason", cmp.Reason).Msg("retrained model held back")
		return res
	}

	if _, err := o.registry.Save(learner, propertyID, modelType, metrics); err != nil {
		res.Action = ActionFailed
		res.Error = fmt.Sprintf("promote: %v", err)
		return res
	}
	o.registry.Invalidate(propertyID, modelType)
	res.Action = ActionDeployed
	return res
}

// compare applies the regression gate against the incumbent latest model.
// With no incumbent, the candidate deploys unconditionally.
func (o *Orchestrator) compare(ctx context.Context, propertyID, modelType string, m ml.Metrics) Comparison {
	prev, err := o.registry.Load(ctx, propertyID, modelType, registry.Latest, true)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return Comparison{GatePassed: true, Reason: "no incumbent model"}
		}
		// A broken incumbent (checksum, I/O) must not block replacement.
		return Comparison{GatePassed: true, Reason: fmt.Sprintf("incumbent unreadable: %v", err)}
	}

	if modelType == registry.ModelConversion {
		cmp := Comparison{
			PrevVersion: prev.Meta.Version,
			PrevMetric:  prev.Meta.Metrics.AUC,
			NewMetric:   m.AUC,
		}
		cmp.GatePassed = m.AUC >= prev.Meta.Metrics.AUC-o.cfg.AUCTolerance
		if cmp.GatePassed {
			cmp.Reason = "AUC within tolerance"
		} else {
			cmp.Reason = fmt.Sprintf("AUC regression: %.4f -> %.4f", prev.Meta.Metrics.AUC, m.AUC)
		}
		return cmp
	}

	cmp := Comparison{
		PrevVersion: prev.Meta.Version,
		PrevMetric:  prev.Meta.Metrics.RMSE,
		NewMetric:   m.RMSE,
	}
	cmp.GatePassed = m.RMSE <= prev.Meta.Metrics.RMSE*o.cfg.RMSETolerance
	if cmp.GatePassed {
		cmp.Reason = "RMSE within tolerance"
	} else {
		cmp.Reason = fmt.Sprintf("RMSE regression: %.4f -> %.4f", prev.Meta.Metrics.RMSE, m.RMSE)
	}
	return cmp
}

// Sweep retrains every listed property, or every property in the ledger when
// the list is empty. Per-property failures never abort the sweep.
func (o *Orchestrator) Sweep(ctx context.Context, propertyIDs []string, modelType string) (SweepSummary, error) {
	if len(propertyIDs) == 0 {
		var err error
		propertyIDs, err = o.store.Properties(ctx)
		if err != nil {
			return SweepSummary{}, err
		}
	}

	var sum SweepSummary
	for _, id := range propertyIDs {
		res := o.Retrain(ctx, id, modelType)
		sum.Results = append(sum.Results, res)
		switch res.Action {
		case ActionDeployed:
			sum.Deployed++
		case ActionTrainedNotDeployed:
			sum.TrainedNotDeployed++
		case ActionSkipped:
			sum.Skipped++
		default:
			sum.Failed++
		}
	}
	log.Info().Int("deployed", sum.Deployed).Int("held", sum.TrainedNotDeployed).
		Int("skipped", sum.Skipped).Int("failed", sum.Failed).
		Str("model_type", modelType).Msg("retrain sweep complete")
	return sum, nil
}

// buildDataset turns ledger rows into a training matrix. Feature values come
// from the context snapshot recorded with each outcome, addressed by the
// canonical feature names; absent names read as 0.
func buildDataset(rows []outcomes.Outcome, modelType string) ([]string, [][]float64, []float64) {
	names := features.CanonicalNames()

	var x [][]float64
	var y []float64
	for _, row := range rows {
		vec := make([]float64, len(names))
		for i, name := range names {
			vec[i] = row.Context[name]
		}

		switch modelType {
		case registry.ModelConversion:
			x = append(x, vec)
			if row.Accepted {
				y = append(y, 1)
			} else {
				y = append(y, 0)
			}
		case registry.ModelADR:
			// Rate level is only observable on booked stays.
			if !row.Accepted {
				continue
			}
			x = append(x, vec)
			y = append(y, revenueOf(row))
		case registry.ModelRevPAR:
			x = append(x, vec)
			if row.Accepted {
				y = append(y, revenueOf(row))
			} else {
				y = append(y, 0)
			}
		}
	}
	return names, x, y
}

func revenueOf(o outcomes.Outcome) float64 {
	if o.FinalPrice != nil && *o.FinalPrice > 0 {
		return *o.FinalPrice
	}
	return o.QuotedPrice
}

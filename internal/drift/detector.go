// Package drift compares feature distributions between a reference window
// and a current window and decides whether a property's model needs
// retraining. Two detectors run per feature: a two-sample KS test and the
// Population Stability Index; either one flags the feature.
package drift

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/roamrate/roamrate/internal/outcomes"
)

// Config tunes drift sensitivity.
type Config struct {
	MinSamples      int     `yaml:"min_samples"`      // per window, per feature
	KSThreshold     float64 `yaml:"ks_threshold"`     // p-value below = drift
	PSIThreshold    float64 `yaml:"psi_threshold"`    // PSI above = drift
	RetrainFraction float64 `yaml:"retrain_fraction"` // drifted share that triggers retrain
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		MinSamples:      100,
		KSThreshold:     0.05,
		PSIThreshold:    0.2,
		RetrainFraction: 0.25,
	}
}

// FeatureReport is the per-feature verdict.
type FeatureReport struct {
	KSStat     float64 `json:"ks_stat"`
	KSPValue   float64 `json:"ks_p"`
	KSDrift    bool    `json:"ks_drift"`
	PSI        float64 `json:"psi"`
	PSIDrift   bool    `json:"psi_drift"`
	Drift      bool    `json:"drift"`
	Skipped    bool    `json:"skipped"`
	RefSamples int     `json:"ref_samples"`
	CurSamples int     `json:"cur_samples"`
}

// Summary aggregates feature verdicts into the retrain decision.
type Summary struct {
	Total          int      `json:"total"`
	Drifted        int      `json:"drifted"`
	Percent        float64  `json:"percent"`
	TriggerRetrain bool     `json:"trigger_retrain"`
	DriftedList    []string `json:"drifted_list"`
}

// Report is the full detection result.
type Report struct {
	Summary    Summary                  `json:"summary"`
	PerFeature map[string]FeatureReport `json:"per_feature"`
}

// Detector runs distribution checks against configured thresholds.
type Detector struct {
	cfg Config
}

// New creates a detector; zero-valued config fields fall back to defaults.
func New(cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	if cfg.KSThreshold <= 0 {
		cfg.KSThreshold = def.KSThreshold
	}
	if cfg.PSIThreshold <= 0 {
		cfg.PSIThreshold = def.PSIThreshold
	}
	if cfg.RetrainFraction <= 0 {
		cfg.RetrainFraction = def.RetrainFraction
	}
	return &Detector{cfg: cfg}
}

// Detect compares reference and current windows feature by feature.
// Features with fewer than MinSamples values in either window are skipped
// and excluded from the trigger ratio.
func (d *Detector) Detect(reference, current map[string][]float64, featureNames []string) Report {
	report := Report{PerFeature: make(map[string]FeatureReport, len(featureNames))}

	for _, name := range featureNames {
		ref := reference[name]
		cur := current[name]
		fr := FeatureReport{RefSamples: len(ref), CurSamples: len(cur)}

		if len(ref) < d.cfg.MinSamples || len(cur) < d.cfg.MinSamples {
			fr.Skipped = true
			report.PerFeature[name] = fr
			log.Debug().Str("feature", name).Int("ref", len(ref)).Int("cur", len(cur)).
				Msg("drift check skipped, not enough samples")
			continue
		}

		fr.KSStat, fr.KSPValue = ksTest(ref, cur)
		fr.KSDrift = fr.KSPValue < d.cfg.KSThreshold
		fr.PSI = psi(ref, cur)
		fr.PSIDrift = fr.PSI > d.cfg.PSIThreshold
		fr.Drift = fr.KSDrift || fr.PSIDrift

		report.Summary.Total++
		if fr.Drift {
			report.Summary.Drifted++
			report.Summary.DriftedList = append(report.Summary.DriftedList, name)
		}
		report.PerFeature[name] = fr
	}

	if report.Summary.Total > 0 {
		report.Summary.Percent = float64(report.Summary.Drifted) / float64(report.Summary.Total) * 100
		report.Summary.TriggerRetrain = float64(report.Summary.Drifted)/float64(report.Summary.Total) > d.cfg.RetrainFraction
	}
	return report
}

// Monitor pulls feature windows out of the outcomes ledger and runs the
// detector over them.
type Monitor struct {
	detector *Detector
	store    *outcomes.Store
	now      func() time.Time
}

// NewMonitor wires a detector to the outcomes store.
func NewMonitor(detector *Detector, store *outcomes.Store) *Monitor {
	return &Monitor{detector: detector, store: store, now: time.Now}
}

// MonitorProperty compares a refDays-long reference window against the most
// recent curDays for the named features. "quoted_price" comes from the
// outcome row itself; other names resolve through the context snapshot.
func (m *Monitor) MonitorProperty(ctx context.Context, propertyID string, featureNames []string, refDays, curDays int) (Report, error) {
	if refDays <= 0 {
		refDays = 30
	}
	if curDays <= 0 {
		curDays = 7
	}
	now := m.now().UTC()
	curStart := now.Add(-time.Duration(curDays) * 24 * time.Hour)
	refStart := curStart.Add(-time.Duration(refDays) * 24 * time.Hour)

	refRows, err := m.store.Query(ctx, propertyID, &refStart, &curStart, 0)
	if err != nil {
		return Report{}, err
	}
	curRows, err := m.store.Query(ctx, propertyID, &curStart, &now, 0)
	if err != nil {
		return Report{}, err
	}

	return m.detector.Detect(
		extractColumns(refRows, featureNames),
		extractColumns(curRows, featureNames),
		featureNames,
	), nil
}

func extractColumns(rows []outcomes.Outcome, featureNames []string) map[string][]float64 {
	cols := make(map[string][]float64, len(featureNames))
	for _, name := range featureNames {
		for _, row := range rows {
			if name == "quoted_price" {
				cols[name] = append(cols[name], row.QuotedPrice)
				continue
			}
			if v, ok := row.Context[name]; ok {
				cols[name] = append(cols[name], v)
			}
		}
	}
	return cols
}

package experiment

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Result is one logged pricing decision with its business outcome.
type Result struct {
	ExperimentID string    `json:"experiment_id" db:"experiment_id"`
	Variant      string    `json:"variant" db:"variant"`
	PropertyID   string    `json:"property_id" db:"property_id"`
	Price        float64   `json:"price" db:"price"`
	Booked       bool      `json:"booked" db:"booked"`
	Revenue      float64   `json:"revenue" db:"revenue"`
	LeadDays     int       `json:"lead_days" db:"lead_days"`
	LengthOfStay int       `json:"length_of_stay" db:"length_of_stay"`
	Occupancy    float64   `json:"occupancy" db:"occupancy"`
	Timestamp    time.Time `json:"timestamp"`
}

const resultsSchema = `
CREATE TABLE IF NOT EXISTS experiment_results (
	experiment_id  TEXT    NOT NULL,
	variant        TEXT    NOT NULL,
	property_id    TEXT    NOT NULL DEFAULT '',
	price          REAL    NOT NULL,
	booked         INTEGER NOT NULL,
	revenue        REAL    NOT NULL DEFAULT 0,
	lead_days      INTEGER NOT NULL DEFAULT 0,
	length_of_stay INTEGER NOT NULL DEFAULT 0,
	occupancy      REAL    NOT NULL DEFAULT 0,
	ts             INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_results_experiment ON experiment_results (experiment_id, variant);
`

// ResultLog persists one row per routing decision for later comparison.
type ResultLog struct {
	db *sqlx.DB
}

// OpenResultLog creates or opens the experiment result store at path.
func OpenResultLog(path string) (*ResultLog, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create experiment dir: %w", err)
		}
	}
	db, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open experiment log: %w", err)
	}
	if _, err := db.Exec(resultsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate experiment log: %w", err)
	}
	return &ResultLog{db: db}, nil
}

// Close releases the underlying database.
func (l *ResultLog) Close() error { return l.db.Close() }

// LogResult appends one decision outcome.
func (l *ResultLog) LogResult(ctx context.Context, r Result) error {
	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO experiment_results
			(experiment_id, variant, property_id, price, booked, revenue, lead_days, length_of_stay, occupancy, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ExperimentID, r.Variant, r.PropertyID, r.Price, r.Booked, r.Revenue,
		r.LeadDays, r.LengthOfStay, r.Occupancy, ts.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("log experiment result: %w", err)
	}
	return nil
}

// variantRows pulls the per-decision series needed for comparison.
func (l *ResultLog) variantRows(ctx context.Context, experimentID, variant string) (booked []float64, adr []float64, revpar []float64, err error) {
	var rows []struct {
		Booked  bool    `db:"booked"`
		Price   float64 `db:"price"`
		Revenue float64 `db:"revenue"`
	}
	err = l.db.SelectContext(ctx, &rows, `
		SELECT booked, price, revenue FROM experiment_results
		WHERE experiment_id = ? AND variant = ? ORDER BY ts`,
		experimentID, variant)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load experiment rows: %w", err)
	}
	for _, r := range rows {
		if r.Booked {
			booked = append(booked, 1)
			adr = append(adr, r.Revenue)
			revpar = append(revpar, r.Revenue)
		} else {
			booked = append(booked, 0)
			revpar = append(revpar, 0)
		}
	}
	return booked, adr, revpar, nil
}

// VariantStats summarizes one variant of an experiment.
type VariantStats struct {
	Samples    int     `json:"samples"`
	Conversion float64 `json:"conversion"`
	ADR        float64 `json:"adr"`
	RevPAR     float64 `json:"revpar"`
}

// Comparison is the result of comparing ml vs rule_based.
type Comparison struct {
	ExperimentID   string                  `json:"experiment_id"`
	Variants       map[string]VariantStats `json:"variants"`
	ConversionLift float64                 `json:"conversion_lift_pct"`
	RevPARLift     float64                 `json:"revpar_lift_pct"`
	TStat          float64                 `json:"t_stat"`
	PValue         float64                 `json:"p_value"`
	Significant    bool                    `json:"significant"` // p < 0.05 on conversion
}

// Compare computes conversion, ADR and RevPAR per variant and tests the
// conversion difference with a Welch two-sample t-test at alpha = 0.05.
func (l *ResultLog) Compare(ctx context.Context, experimentID string) (Comparison, error) {
	cmp := Comparison{ExperimentID: experimentID, Variants: make(map[string]VariantStats, 2)}

	series := make(map[string][]float64, 2)
	for _, variant := range []string{VariantML, VariantRule} {
		booked, adr, revpar, err := l.variantRows(ctx, experimentID, variant)
		if err != nil {
			return Comparison{}, err
		}
		cmp.Variants[variant] = VariantStats{
			Samples:    len(booked),
			Conversion: mean(booked),
			ADR:        mean(adr),
			RevPAR:     mean(revpar),
		}
		series[variant] = booked
	}

	ml, rule := cmp.Variants[VariantML], cmp.Variants[VariantRule]
	if rule.Conversion > 0 {
		cmp.ConversionLift = (ml.Conversion - rule.Conversion) / rule.Conversion * 100
	}
	if rule.RevPAR > 0 {
		cmp.RevPARLift = (ml.RevPAR - rule.RevPAR) / rule.RevPAR * 100
	}

	cmp.TStat, cmp.PValue = WelchTTest(series[VariantML], series[VariantRule])
	cmp.Significant = cmp.PValue < 0.05
	return cmp, nil
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	total := 0.0
	for _, x := range xs {
		total += x
	}
	return total / float64(len(xs))
}

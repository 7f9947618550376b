// Package features builds the model-agnostic feature record for one scoring
// request. Assembly is pure and deterministic: no I/O, no clock reads, and
// the same inputs always produce the same record. Downstream scorers select
// the features they need by name.
package features

import (
	"math"
	"time"
)

// Inputs carries everything assembly needs, already resolved by the caller.
// Competitor figures are zero with HasCompetitor=false when the gateway had
// nothing; assembly then emits all-zero competitor features rather than a
// default band.
type Inputs struct {
	PropertyID string
	StayDate   time.Time
	QuoteTime  time.Time
	Timezone   *time.Location // nil means UTC

	LengthOfStay int
	Refundable   bool

	Capacity  int
	Remaining int

	Season    string // Spring, Summer, Fall, Winter
	IsHoliday bool
	TempC     float64
	PrecipMM  float64

	CompetitorP10 float64
	CompetitorP50 float64
	CompetitorP90 float64
	HasCompetitor bool
}

// Record is the assembled feature superset. Values are all plain float64 so
// models address them uniformly by name.
type Record struct {
	values map[string]float64
	names  []string
}

// Names lists the features in their canonical order.
func (r Record) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Map returns a copy of the feature values keyed by name.
func (r Record) Map() map[string]float64 {
	out := make(map[string]float64, len(r.values))
	for k, v := range r.values {
		out[k] = v
	}
	return out
}

// Get returns a feature value; unknown names read as 0.
func (r Record) Get(name string) float64 {
	return r.values[name]
}

// Vector reorders the record to match a model's stored feature list.
// Unknown names read as 0 so older models keep scoring after the superset
// grows.
func (r Record) Vector(names []string) []float64 {
	out := make([]float64, len(names))
	for i, name := range names {
		out[i] = r.values[name]
	}
	return out
}

// canonicalOrder fixes the feature ordering stored with trained models.
var canonicalOrder = []string{
	"day_of_week", "month", "week_of_year",
	"is_weekend", "is_month_start", "is_month_end",
	"season_spring", "season_summer", "season_fall", "season_winter",
	"temperature", "precipitation", "is_holiday",
	"comp_p10", "comp_p50", "comp_p90", "comp_range", "has_competitor",
	"occupancy_rate", "lead_days_norm",
	"los_1", "los_2_3", "los_4_6", "los_7_plus", "refundable",
	"lead_0_3", "lead_4_7", "lead_8_30", "lead_31_90", "lead_90_plus",
	"weekend_x_spring", "weekend_x_summer", "weekend_x_fall", "weekend_x_winter",
	"occupancy_x_weekend", "occupancy_x_lead",
}

// CanonicalNames returns the feature superset in its canonical order.
func CanonicalNames() []string {
	out := make([]string, len(canonicalOrder))
	copy(out, canonicalOrder)
	return out
}

// Assemble derives the feature record from one request's resolved inputs.
//
// Normalization bounds: lead_days_norm = lead_days/90 clipped to [0, 1];
// occupancy_rate in [0, 1]; temperature passed through in Celsius;
// precipitation in mm. No feature ever yields NaN or Inf.
func Assemble(in Inputs) Record {
	loc := in.Timezone
	if loc == nil {
		loc = time.UTC
	}
	stay := in.StayDate.In(loc)

	v := make(map[string]float64, len(canonicalOrder))

	// Temporal derivatives.
	dow := float64(int(stay.Weekday()))
	v["day_of_week"] = dow
	v["month"] = float64(int(stay.Month()))
	_, week := stay.ISOWeek()
	v["week_of_year"] = float64(week)
	v["is_weekend"] = b2f(stay.Weekday() == time.Saturday || stay.Weekday() == time.Sunday)
	v["is_month_start"] = b2f(stay.Day() <= 3)
	v["is_month_end"] = b2f(stay.Day() >= daysInMonth(stay)-2)

	// Season one-hot: an unknown season leaves the whole group zero.
	v["season_spring"] = b2f(in.Season == "Spring")
	v["season_summer"] = b2f(in.Season == "Summer")
	v["season_fall"] = b2f(in.Season == "Fall")
	v["season_winter"] = b2f(in.Season == "Winter")

	v["temperature"] = sanitize(in.TempC)
	v["precipitation"] = sanitize(in.PrecipMM)
	v["is_holiday"] = b2f(in.IsHoliday)

	// Competitor band. Missing data keeps the group at zero.
	if in.HasCompetitor {
		v["comp_p10"] = sanitize(in.CompetitorP10)
		v["comp_p50"] = sanitize(in.CompetitorP50)
		v["comp_p90"] = sanitize(in.CompetitorP90)
		v["comp_range"] = sanitize(in.CompetitorP90 - in.CompetitorP10)
		v["has_competitor"] = 1
	}

	occ := OccupancyRate(in.Capacity, in.Remaining)
	v["occupancy_rate"] = occ

	lead := LeadDays(in.StayDate, in.QuoteTime)
	v["lead_days_norm"] = clip(float64(lead)/90.0, 0, 1)

	// Length-of-stay categoricals.
	los := in.LengthOfStay
	v["los_1"] = b2f(los <= 1)
	v["los_2_3"] = b2f(los >= 2 && los <= 3)
	v["los_4_6"] = b2f(los >= 4 && los <= 6)
	v["los_7_plus"] = b2f(los >= 7)
	v["refundable"] = b2f(in.Refundable)

	// Lead-time buckets.
	v["lead_0_3"] = b2f(lead <= 3)
	v["lead_4_7"] = b2f(lead >= 4 && lead <= 7)
	v["lead_8_30"] = b2f(lead >= 8 && lead <= 30)
	v["lead_31_90"] = b2f(lead >= 31 && lead <= 90)
	v["lead_90_plus"] = b2f(lead > 90)

	// Interaction terms.
	weekend := v["is_weekend"]
	v["weekend_x_spring"] = weekend * v["season_spring"]
	v["weekend_x_summer"] = weekend * v["season_summer"]
	v["weekend_x_fall"] = weekend * v["season_fall"]
	v["weekend_x_winter"] = weekend * v["season_winter"]
	v["occupancy_x_weekend"] = occ * weekend
	v["occupancy_x_lead"] = occ * v["lead_days_norm"]

	// Every canonical name resolves, defaulting to 0.
	for _, name := range canonicalOrder {
		if _, ok := v[name]; !ok {
			v[name] = 0
		}
	}

	return Record{values: v, names: canonicalOrder}
}

// OccupancyRate is 1 - remaining/capacity, clipped to [0, 1]. A non-positive
// capacity yields 0 rather than dividing by zero.
func OccupancyRate(capacity, remaining int) float64 {
	if capacity <= 0 {
		return 0
	}
	return clip(1.0-float64(remaining)/float64(capacity), 0, 1)
}

// LeadDays is the whole number of days between quote time and stay date,
// floored at 0.
func LeadDays(stayDate, quoteTime time.Time) int {
	d := int(stayDate.Sub(quoteTime).Hours() / 24)
	if d < 0 {
		return 0
	}
	return d
}

func daysInMonth(t time.Time) int {
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, t.Location()).Day()
}

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func sanitize(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

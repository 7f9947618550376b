// Package pricing turns a scoring request into a price quote. The pipeline
// routes between the ML elasticity path and the rule-based fallback, applies
// guardrails and grid snapping, and always produces a quote for a valid
// request even when every upstream dependency is down.
package pricing

import (
	"fmt"
	"math"
	"time"

	"github.com/roamrate/roamrate/internal/compete"
)

// Seasons accepted in request context.
const (
	SeasonSpring = "Spring"
	SeasonSummer = "Summer"
	SeasonFall   = "Fall"
	SeasonWinter = "Winter"
)

// Pricing methods reported in quote safety metadata.
const (
	MethodMLElasticity = "ml_elasticity"
	MethodRuleBased    = "rule_based"
	MethodFallback     = "fallback"
)

// Product describes what is being priced.
type Product struct {
	Type         string `json:"type"`
	Refundable   bool   `json:"refundable"`
	LengthOfStay int    `json:"length_of_stay"`
}

// Inventory is the property's availability snapshot at quote time.
type Inventory struct {
	Capacity  int `json:"capacity"`
	Remaining int `json:"remaining"`
}

// Market is an optional competitor snapshot supplied with the request. When
// absent the pipeline asks the competitor gateway instead.
type Market struct {
	P10 float64 `json:"p10"`
	P50 float64 `json:"p50"`
	P90 float64 `json:"p90"`
}

// Weather conditions for the stay date.
type Weather struct {
	TemperatureC    float64 `json:"temperature"`
	PrecipitationMM float64 `json:"precipitation"`
}

// StayContext carries the seasonal and calendar signals for the stay.
type StayContext struct {
	Season    string  `json:"season"`
	DayOfWeek int     `json:"day_of_week"`
	Weather   Weather `json:"weather"`
	IsHoliday bool    `json:"is_holiday"`
}

// Toggles select pricing strategy per request.
type Toggles struct {
	Aggressive       bool `json:"aggressive"`
	Conservative     bool `json:"conservative"`
	UseML            bool `json:"use_ml"`
	UseCompetitors   bool `json:"use_competitors"`
	ApplySeasonality bool `json:"apply_seasonality"`
}

// Request is one scoring request.
type Request struct {
	PropertyID string `json:"property_id"`
	UserID     string `json:"user_id"`
	SessionID  string `json:"session_id"`

	StayDate  time.Time `json:"stay_date"`
	QuoteTime time.Time `json:"quote_time"`

	Product   Product     `json:"product"`
	Inventory Inventory   `json:"inventory"`
	Market    *Market     `json:"market,omitempty"`
	Context   StayContext `json:"context"`
	Toggles   Toggles     `json:"toggles"`

	AllowedPriceGrid []float64 `json:"allowed_price_grid,omitempty"`
}

// BandRange is the quote's confidence interval.
type BandRange struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// Expected carries occupancy projections for the stay date.
type Expected struct {
	OccNow       float64 `json:"occ_now"`
	OccEndBucket float64 `json:"occ_end_bucket"`
}

// Safety is the quote's audit metadata.
type Safety struct {
	PricingMethod    string        `json:"pricing_method"`
	MLConversionProb *float64      `json:"ml_conversion_prob,omitempty"`
	OccupancyRate    float64       `json:"occupancy_rate"`
	LeadDays         int           `json:"lead_days"`
	Season           string        `json:"season"`
	DayOfWeek        int           `json:"day_of_week"`
	CompetitorData   *compete.Band `json:"competitor_data,omitempty"`
	ExperimentID     string        `json:"experiment_id,omitempty"`
	Variant          string        `json:"variant,omitempty"`
	BanditActionID   string        `json:"bandit_action_id,omitempty"`
	BanditArmID      string        `json:"bandit_arm_id,omitempty"`
	ClampsApplied    []string      `json:"clamps_applied,omitempty"`
	Degradations     []string      `json:"degradations,omitempty"`
}

// Quote is the pipeline's answer.
type Quote struct {
	Price          float64    `json:"price"`
	PriceGrid      [5]float64 `json:"price_grid"`
	ConfidenceBand BandRange  `json:"confidence_band"`
	Expected       Expected   `json:"expected"`
	Reasons        []string   `json:"reasons"`
	Safety         Safety     `json:"safety"`
}

// Property is the configured pricing profile for one property.
type Property struct {
	ID        string
	BasePrice float64
	MinPrice  float64
	MaxPrice  float64
	Timezone  *time.Location
}

// Catalog resolves property profiles.
type Catalog interface {
	Property(id string) (Property, bool)
}

// InputError marks a request the pipeline refuses to price. The HTTP layer
// maps it to a 400; everything else downstream degrades instead of erroring.
type InputError struct {
	Field string
	Msg   string
}

func (e *InputError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

func inputErr(field, format string, args ...any) *InputError {
	return &InputError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// Validate rejects malformed requests. A valid request is guaranteed to
// produce a quote.
func Validate(req Request) error {
	if req.PropertyID == "" {
		return inputErr("property_id", "required")
	}
	if req.StayDate.IsZero() || req.QuoteTime.IsZero() {
		return inputErr("stay_date", "stay_date and quote_time are required")
	}
	if req.StayDate.Before(req.QuoteTime) {
		return inputErr("stay_date", "must not precede quote_time")
	}
	if req.Product.LengthOfStay < 1 {
		return inputErr("product.length_of_stay", "must be at least 1")
	}
	if req.Inventory.Capacity <= 0 {
		return inputErr("inventory.capacity", "must be positive")
	}
	if req.Inventory.Remaining < 0 || req.Inventory.Remaining > req.Inventory.Capacity {
		return inputErr("inventory.remaining", "must be within [0, capacity]")
	}
	if m := req.Market; m != nil {
		if !(m.P10 <= m.P50 && m.P50 <= m.P90) {
			return inputErr("market", "requires P10 <= P50 <= P90")
		}
	}
	if req.AllowedPriceGrid != nil && len(req.AllowedPriceGrid) == 0 {
		return inputErr("allowed_price_grid", "must not be empty when supplied")
	}
	for _, p := range req.AllowedPriceGrid {
		if p <= 0 || math.IsNaN(p) || math.IsInf(p, 0) {
			return inputErr("allowed_price_grid", "values must be positive and finite")
		}
	}
	if req.Context.DayOfWeek < 0 || req.Context.DayOfWeek > 6 {
		return inputErr("context.day_of_week", "must be within 0..6")
	}
	return nil
}

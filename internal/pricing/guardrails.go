package pricing

import (
	"math"
	"sort"
)

// Guardrail rule names, reported in safety metadata and metrics.
const (
	ClampAbsoluteBounds = "absolute_bounds"
	ClampCompetitiveCap = "competitive_cap"
	ClampEventFloor     = "event_floor"
	ClampGridSnap       = "grid_snap"
)

// Conservative floor bases. The event floor anchors at the property's
// configured base price or at the price the cascade produced before the
// bandit delta was applied.
const (
	FloorPropertyBase = "property_base"
	FloorPreBandit    = "pre_bandit"
)

// guardrailInput carries everything the clamp sequence needs.
type guardrailInput struct {
	Min           float64
	Max           float64
	CompetitorP50 float64 // 0 when unknown
	EventFloor    float64 // 0 disables the floor
	Grid          []float64
}

// applyGuardrails runs the clamp sequence in its fixed order: absolute
// bounds, competitive cap, event floor, grid snap. It returns the final
// price and the names of the rules that changed it.
func applyGuardrails(price float64, in guardrailInput) (float64, []string) {
	var applied []string

	if clamped := clampTo(price, in.Min, in.Max); clamped != price {
		price = clamped
		applied = append(applied, ClampAbsoluteBounds)
	}

	if in.CompetitorP50 > 0 {
		if ceiling := 1.5 * in.CompetitorP50; price > ceiling {
			price = ceiling
			applied = append(applied, ClampCompetitiveCap)
		}
	}

	if in.EventFloor > 0 && price < in.EventFloor {
		price = in.EventFloor
		applied = append(applied, ClampEventFloor)
	}

	if len(in.Grid) > 0 {
		if snapped := snapToGrid(price, in.Grid); snapped != price {
			price = snapped
			applied = append(applied, ClampGridSnap)
		}
	}
	return price, applied
}

// snapToGrid projects price onto the nearest allowed value; ties break low.
func snapToGrid(price float64, grid []float64) float64 {
	sorted := append([]float64(nil), grid...)
	sort.Float64s(sorted)

	best := sorted[0]
	bestDist := math.Abs(price - best)
	for _, g := range sorted[1:] {
		d := math.Abs(price - g)
		if d < bestDist {
			best = g
			bestDist = d
		}
	}
	return best
}

func clampTo(v, lo, hi float64) float64 {
	if lo > 0 && v < lo {
		return lo
	}
	if hi > 0 && v > hi {
		return hi
	}
	return v
}

// confidenceBand derives the quote's interval around the final price. Long
// lead times widen it. Both bounds clamp independently to the absolute
// price range.
func confidenceBand(price float64, leadDays int, min, max float64) BandRange {
	lo, hi := 0.90, 1.10
	if leadDays > 180 {
		lo, hi = 0.85, 1.15
	}
	return BandRange{
		Lower: clampTo(price*lo, min, max),
		Upper: clampTo(price*hi, min, max),
	}
}

// priceGrid builds the five alternative rungs around the pre-snap center,
// each independently clamped to the absolute bounds.
func priceGrid(center float64, min, max float64) [5]float64 {
	offsets := [5]float64{-0.10, -0.05, 0, 0.05, 0.10}
	var grid [5]float64
	for i, off := range offsets {
		grid[i] = round2(clampTo(center*(1+off), min, max))
	}
	return grid
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

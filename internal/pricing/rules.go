package pricing

import (
	"fmt"

	"github.com/roamrate/roamrate/internal/features"
)

// Fixed multiplier tables. These are deliberately coarse: they encode
// operator intuition, act as the fallback when models are unavailable, and
// give the bandit a stable baseline to explore around.
var seasonFactors = map[string]float64{
	SeasonSpring: 1.10,
	SeasonSummer: 1.30,
	SeasonFall:   1.00,
	SeasonWinter: 0.90,
}

// dowFactors is indexed by time.Weekday (Sunday = 0). Weekend nights carry a
// premium, early weekdays a discount.
var dowFactors = [7]float64{1.05, 0.95, 0.95, 0.95, 1.00, 1.15, 1.25}

// elasticityFactor maps a predicted conversion probability to a price
// multiplier. High conversion means demand tolerates a higher price.
func elasticityFactor(p float64) float64 {
	switch {
	case p > 0.7:
		return 1.20
	case p > 0.5:
		return 1.10
	case p > 0.3:
		return 1.00
	default:
		return 0.90
	}
}

func occupancyFactor(occ float64) float64 {
	switch {
	case occ > 0.8:
		return 1.10
	case occ < 0.3:
		return 0.95
	default:
		return 1.00
	}
}

func leadFactor(leadDays int) float64 {
	switch {
	case leadDays < 7:
		return 1.15
	case leadDays > 90:
		return 0.95
	default:
		return 1.00
	}
}

func losFactor(nights int) float64 {
	switch {
	case nights >= 7:
		return 0.85
	case nights >= 3:
		return 0.95
	default:
		return 1.00
	}
}

// seasonOf recovers the season label from the record's one-hot group.
func seasonOf(rec features.Record) string {
	switch {
	case rec.Get("season_spring") == 1:
		return SeasonSpring
	case rec.Get("season_summer") == 1:
		return SeasonSummer
	case rec.Get("season_fall") == 1:
		return SeasonFall
	case rec.Get("season_winter") == 1:
		return SeasonWinter
	default:
		return ""
	}
}

// priceSignals is the shared multiplier cascade. Both paths apply it; the ML
// path layers the elasticity factor on top and the rule path layers the
// product and strategy adjustments.
type priceSignals struct {
	Occupancy float64
	Lead      float64
	Season    float64
	DayOfWeek float64
	LOS       float64
}

func signalsFrom(rec features.Record, leadDays, los int, applySeasonality bool) priceSignals {
	s := priceSignals{
		Occupancy: occupancyFactor(rec.Get("occupancy_rate")),
		Lead:      leadFactor(leadDays),
		Season:    1.00,
		DayOfWeek: dowFactors[int(rec.Get("day_of_week"))%7],
		LOS:       losFactor(los),
	}
	if applySeasonality {
		if f, ok := seasonFactors[seasonOf(rec)]; ok {
			s.Season = f
		}
	}
	return s
}

func (s priceSignals) product() float64 {
	return s.Occupancy * s.Lead * s.Season * s.DayOfWeek * s.LOS
}

// MLPrice computes the elasticity-adjusted price from a conversion
// probability.
func MLPrice(base, conversionProb float64, rec features.Record, leadDays, los int, applySeasonality bool) float64 {
	s := signalsFrom(rec, leadDays, los, applySeasonality)
	return base * elasticityFactor(conversionProb) * s.product()
}

// RulePrice is the fallback pricer: the same cascade without the elasticity
// factor, plus the refundability premium and strategy toggles.
func RulePrice(base float64, rec features.Record, leadDays, los int, refundable bool, tog Toggles) float64 {
	s := signalsFrom(rec, leadDays, los, tog.ApplySeasonality)
	price := base * s.product()
	if refundable {
		price *= 1.05
	}
	if tog.Aggressive {
		price *= 1.15
	}
	if tog.Conservative {
		price *= 0.90
	}
	return price
}

// signalReasons renders the ordered human-readable justifications for the
// applied multipliers. Neutral factors are omitted.
func signalReasons(rec features.Record, s priceSignals, leadDays, los int, tog Toggles) []string {
	var reasons []string

	occ := rec.Get("occupancy_rate")
	switch {
	case s.Occupancy > 1:
		reasons = append(reasons, fmt.Sprintf("High occupancy %.0f%%, upward pressure x%.2f", occ*100, s.Occupancy))
	case s.Occupancy < 1:
		reasons = append(reasons, fmt.Sprintf("Low demand: occupancy %.0f%%, discount x%.2f", occ*100, s.Occupancy))
	}

	switch {
	case s.Lead > 1:
		reasons = append(reasons, fmt.Sprintf("Last-minute booking (%d days out), premium x%.2f", leadDays, s.Lead))
	case s.Lead < 1:
		reasons = append(reasons, fmt.Sprintf("Far-out booking (%d days out), discount x%.2f", leadDays, s.Lead))
	}

	if s.Season != 1 {
		reasons = append(reasons, fmt.Sprintf("%s season factor x%.2f", seasonOf(rec), s.Season))
	}
	if rec.Get("is_weekend") == 1 && s.DayOfWeek > 1 {
		reasons = append(reasons, fmt.Sprintf("Weekend premium x%.2f", s.DayOfWeek))
	} else if s.DayOfWeek != 1 {
		reasons = append(reasons, fmt.Sprintf("Day-of-week factor x%.2f", s.DayOfWeek))
	}
	if s.LOS != 1 {
		reasons = append(reasons, fmt.Sprintf("Length-of-stay discount x%.2f (%d nights)", s.LOS, los))
	}

	if tog.Aggressive {
		reasons = append(reasons, "Aggressive pricing strategy active (x1.15)")
	}
	if tog.Conservative {
		reasons = append(reasons, "Conservative pricing strategy active (x0.90)")
	}
	return reasons
}

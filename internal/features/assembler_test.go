package features

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func saturdayInputs() Inputs {
	return Inputs{
		PropertyID:    "P1",
		StayDate:      time.Date(2025, 7, 19, 0, 0, 0, 0, time.UTC), // Saturday
		QuoteTime:     time.Date(2025, 7, 12, 10, 0, 0, 0, time.UTC),
		LengthOfStay:  2,
		Capacity:      100,
		Remaining:     15,
		Season:        "Summer",
		TempC:         28,
		CompetitorP10: 120,
		CompetitorP50: 160,
		CompetitorP90: 210,
		HasCompetitor: true,
	}
}

func TestAssembleDeterministic(t *testing.T) {
	a := Assemble(saturdayInputs())
	b := Assemble(saturdayInputs())
	assert.Equal(t, a.Map(), b.Map())
	assert.Equal(t, a.Names(), b.Names())
}

func TestAssembleTemporalAndDerived(t *testing.T) {
	r := Assemble(saturdayInputs())

	assert.Equal(t, 6.0, r.Get("day_of_week")) // Saturday
	assert.Equal(t, 7.0, r.Get("month"))
	assert.Equal(t, 1.0, r.Get("is_weekend"))
	assert.Equal(t, 1.0, r.Get("season_summer"))
	assert.Equal(t, 0.0, r.Get("season_winter"))
	assert.InDelta(t, 0.85, r.Get("occupancy_rate"), 1e-9)
	assert.InDelta(t, 7.0/90.0, r.Get("lead_days_norm"), 1e-9)
	assert.Equal(t, 1.0, r.Get("los_2_3"))
	assert.Equal(t, 1.0, r.Get("lead_4_7"))
	assert.Equal(t, 1.0, r.Get("weekend_x_summer"))
	assert.InDelta(t, 0.85, r.Get("occupancy_x_weekend"), 1e-9)
	assert.InDelta(t, 90.0, r.Get("comp_range"), 1e-9)
}

func TestAssembleMissingCompetitorIsAllZero(t *testing.T) {
	in := saturdayInputs()
	in.HasCompetitor = false
	in.CompetitorP10, in.CompetitorP50, in.CompetitorP90 = 0, 0, 0
	r := Assemble(in)

	for _, name := range []string{"comp_p10", "comp_p50", "comp_p90", "comp_range", "has_competitor"} {
		assert.Zero(t, r.Get(name), name)
	}
}

func TestAssembleUnknownSeasonLeavesGroupZero(t *testing.T) {
	in := saturdayInputs()
	in.Season = "Monsoon"
	r := Assemble(in)
	sum := r.Get("season_spring") + r.Get("season_summer") + r.Get("season_fall") + r.Get("season_winter")
	assert.Zero(t, sum)
}

func TestAssembleNeverProducesNaN(t *testing.T) {
	in := saturdayInputs()
	in.Capacity = 0
	in.TempC = math.NaN()
	in.PrecipMM = math.Inf(1)
	r := Assemble(in)

	for name, v := range r.Map() {
		require.False(t, math.IsNaN(v) || math.IsInf(v, 0), "feature %s is %v", name, v)
	}
}

func TestLeadDaysFloorsAtZero(t *testing.T) {
	now := time.Now()
	assert.Equal(t, 0, LeadDays(now, now.Add(48*time.Hour)))
	assert.Equal(t, 3, LeadDays(now.Add(72*time.Hour), now))
}

func TestVectorReordersAndDefaults(t *testing.T) {
	r := Assemble(saturdayInputs())
	vec := r.Vector([]string{"occupancy_rate", "no_such_feature", "is_weekend"})
	require.Len(t, vec, 3)
	assert.InDelta(t, 0.85, vec[0], 1e-9)
	assert.Zero(t, vec[1])
	assert.Equal(t, 1.0, vec[2])
}

func TestAssembleTimezoneShiftsDayOfWeek(t *testing.T) {
	in := saturdayInputs()
	// 23:30 UTC on Friday is already Saturday in Auckland.
	in.StayDate = time.Date(2025, 7, 18, 23, 30, 0, 0, time.UTC)
	utc := Assemble(in)
	assert.Equal(t, 5.0, utc.Get("day_of_week"))

	akl, err := time.LoadLocation("Pacific/Auckland")
	require.NoError(t, err)
	in.Timezone = akl
	local := Assemble(in)
	assert.Equal(t, 6.0, local.Get("day_of_week"))
}

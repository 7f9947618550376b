package bandit

import (
	"math"
	"math/rand"
	"sort"
)

// HistoryRecord is one historical quote used for offline replay.
type HistoryRecord struct {
	Price  float64 `json:"price"`
	Booked bool    `json:"booked"`
}

// EvalConfig tunes the offline evaluator.
type EvalConfig struct {
	Simulations int     `yaml:"simulations"`
	Elasticity  float64 `yaml:"elasticity"`
	Seed        int64   `yaml:"seed"`
}

// DefaultEvalConfig returns the standard replay settings.
func DefaultEvalConfig() EvalConfig {
	return EvalConfig{Simulations: 100, Elasticity: -1.5}
}

// EvalReport summarizes an offline replay.
type EvalReport struct {
	Simulations     int                `json:"simulations"`
	MeanReward      float64            `json:"mean_reward"`
	CI95Low         float64            `json:"ci95_low"`
	CI95High        float64            `json:"ci95_high"`
	ArmDistribution map[string]float64 `json:"arm_distribution"`
	BaselineReward  float64            `json:"baseline_reward"`
	UpliftPct       float64            `json:"uplift_pct"`
}

// Evaluate replays history through fresh bandits. For each simulation the
// history is shuffled, the bandit picks a delta per record, and a booking is
// drawn from the counterfactual probability
//
//	p = pHist * exp(elasticity * (pNew/pHist - 1))
//
// where pHist is the record's historical booking frequency proxy (booked=1
// becomes 0.9, booked=0 becomes 0.1, smoothing the binary observation).
// The report carries the mean per-record reward with a 95% CI, the selected
// arm distribution, and uplift against the historical baseline.
func Evaluate(history []HistoryRecord, cfg Config, eval EvalConfig) EvalReport {
	if eval.Simulations <= 0 {
		eval.Simulations = 100
	}
	if eval.Elasticity == 0 {
		eval.Elasticity = -1.5
	}
	report := EvalReport{
		Simulations:     eval.Simulations,
		ArmDistribution: make(map[string]float64),
	}
	if len(history) == 0 {
		return report
	}

	// Historical baseline: realized revenue per opportunity.
	baseline := 0.0
	for _, h := range history {
		if h.Booked {
			baseline += h.Price
		}
	}
	report.BaselineReward = baseline / float64(len(history))

	rng := rand.New(rand.NewSource(eval.Seed))
	simRewards := make([]float64, 0, eval.Simulations)
	armPulls := make(map[string]int64)
	var totalPulls int64

	for sim := 0; sim < eval.Simulations; sim++ {
		replay := append([]HistoryRecord(nil), history...)
		rng.Shuffle(len(replay), func(i, j int) { replay[i], replay[j] = replay[j], replay[i] })

		b := NewManager(cfg)
		b.SetSeed(eval.Seed + int64(sim))

		total := 0.0
		for _, h := range replay {
			action := b.Select("replay", Context{BasePrice: h.Price})
			newPrice := h.Price * (1 + action.DeltaPct/100)

			pHist := 0.1
			if h.Booked {
				pHist = 0.9
			}
			p := pHist * math.Exp(eval.Elasticity*(newPrice/h.Price-1))
			p = math.Min(math.Max(p, 0), 1)

			booked := rng.Float64() < p
			revenue := 0.0
			if booked {
				revenue = newPrice
				total += revenue
			}
			_ = b.Update("replay", action.ID, booked, revenue)

			armPulls[action.ArmID]++
			totalPulls++
		}
		simRewards = append(simRewards, total/float64(len(replay)))
	}

	report.MeanReward = meanOf(simRewards)
	sd := stddev(simRewards, report.MeanReward)
	margin := 1.96 * sd / math.Sqrt(float64(len(simRewards)))
	report.CI95Low = report.MeanReward - margin
	report.CI95High = report.MeanReward + margin

	for id, n := range armPulls {
		report.ArmDistribution[id] = float64(n) / float64(totalPulls)
	}
	if report.BaselineReward > 0 {
		report.UpliftPct = (report.MeanReward - report.BaselineReward) / report.BaselineReward * 100
	}
	return report
}

// TopArms returns arm ids by descending replay share.
func (r EvalReport) TopArms() []string {
	ids := make([]string, 0, len(r.ArmDistribution))
	for id := range r.ArmDistribution {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if r.ArmDistribution[ids[i]] != r.ArmDistribution[ids[j]] {
			return r.ArmDistribution[ids[i]] > r.ArmDistribution[ids[j]]
		}
		return ids[i] < ids[j]
	})
	return ids
}

func meanOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	t := 0.0
	for _, x := range xs {
		t += x
	}
	return t / float64(len(xs))
}

func stddev(xs []float64, mean float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	t := 0.0
	for _, x := range xs {
		d := x - mean
		t += d * d
	}
	return math.Sqrt(t / float64(len(xs)-1))
}

package drift

import (
	"context"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roamrate/roamrate/internal/outcomes"
)

func normalSample(rng *rand.Rand, n int, mu, sigma float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = mu + sigma*rng.NormFloat64()
	}
	return out
}

func TestDetectShiftedDistribution(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	ref := map[string][]float64{"quoted_price": normalSample(rng, 500, 150, 20)}
	cur := map[string][]float64{"quoted_price": normalSample(rng, 500, 190, 20)}

	report := New(DefaultConfig()).Detect(ref, cur, []string{"quoted_price"})

	fr := report.PerFeature["quoted_price"]
	assert.Less(t, fr.KSPValue, 0.05)
	assert.Greater(t, fr.PSI, 0.2)
	assert.True(t, fr.Drift)
	assert.True(t, report.Summary.TriggerRetrain, "one of one feature drifted")
}

func TestDetectStableDistribution(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	ref := map[string][]float64{"occ": normalSample(rng, 800, 0.6, 0.1)}
	cur := map[string][]float64{"occ": normalSample(rng, 800, 0.6, 0.1)}

	report := New(DefaultConfig()).Detect(ref, cur, []string{"occ"})
	assert.False(t, report.PerFeature["occ"].Drift)
	assert.False(t, report.Summary.TriggerRetrain)
}

func TestDetectSkipsSmallSamples(t *testing.T) {
	ref := map[string][]float64{"x": {1, 2, 3}}
	cur := map[string][]float64{"x": {1, 2, 3}}

	report := New(DefaultConfig()).Detect(ref, cur, []string{"x"})
	assert.True(t, report.PerFeature["x"].Skipped)
	assert.Zero(t, report.Summary.Total)
	assert.False(t, report.Summary.TriggerRetrain)
}

func TestTriggerRequiresQuarterDrifted(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	ref := map[string][]float64{}
	cur := map[string][]float64{}
	names := []string{"a", "b", "c", "d", "e"}
	for _, n := range names {
		ref[n] = normalSample(rng, 300, 10, 1)
		cur[n] = normalSample(rng, 300, 10, 1)
	}
	// Shift exactly one of five features: 20% < 25% threshold.
	cur["a"] = normalSample(rng, 300, 14, 1)

	report := New(DefaultConfig()).Detect(ref, cur, names)
	assert.Equal(t, 1, report.Summary.Drifted)
	assert.False(t, report.Summary.TriggerRetrain)
	assert.Equal(t, []string{"a"}, report.Summary.DriftedList)
}

func TestKSProbBounds(t *testing.T) {
	assert.InDelta(t, 1.0, ksProb(0), 1e-9)
	assert.Less(t, ksProb(2.0), 0.001)
}

func TestPSIIdenticalIsZero(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	s := normalSample(rng, 1000, 100, 10)
	assert.InDelta(t, 0.0, psi(s, s), 0.01)
}

func TestMonitorPropertyPullsWindows(t *testing.T) {
	store, err := outcomes.Open(filepath.Join(t.TempDir(), "o.db"))
	require.NoError(t, err)
	defer store.Close()

	now := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)
	rng := rand.New(rand.NewSource(9))

	var batch []outcomes.Outcome
	// Reference month around 150, current week around 190.
	for i := 0; i < 300; i++ {
		batch = append(batch, outcomes.Outcome{
			Timestamp:   now.Add(-time.Duration(8+i%28) * 24 * time.Hour).Add(time.Duration(i) * time.Minute),
			QuotedPrice: 150 + 20*rng.NormFloat64(),
		})
	}
	for i := 0; i < 150; i++ {
		batch = append(batch, outcomes.Outcome{
			Timestamp:   now.Add(-time.Duration(1+i%6) * 24 * time.Hour).Add(time.Duration(i) * time.Minute),
			QuotedPrice: 190 + 20*rng.NormFloat64(),
		})
	}
	_, err = store.Append(context.Background(), "P1", batch)
	require.NoError(t, err)

	m := NewMonitor(New(DefaultConfig()), store)
	m.now = func() time.Time { return now }

	report, err := m.MonitorProperty(context.Background(), "P1", []string{"quoted_price"}, 30, 7)
	require.NoError(t, err)
	assert.True(t, report.PerFeature["quoted_price"].Drift)
	assert.True(t, report.Summary.TriggerRetrain)
}

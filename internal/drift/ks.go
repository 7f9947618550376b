package drift

import (
	"math"
	"sort"
)

// ksTest runs the two-sample Kolmogorov-Smirnov test and returns the D
// statistic and its asymptotic p-value.
func ksTest(ref, cur []float64) (stat, pValue float64) {
	if len(ref) == 0 || len(cur) == 0 {
		return 0, 1
	}
	a := append([]float64(nil), ref...)
	b := append([]float64(nil), cur...)
	sort.Float64s(a)
	sort.Float64s(b)

	// Walk both sorted samples tracking the max CDF gap.
	var i, j int
	var d float64
	n1, n2 := float64(len(a)), float64(len(b))
	for i < len(a) && j < len(b) {
		v := math.Min(a[i], b[j])
		for i < len(a) && a[i] <= v {
			i++
		}
		for j < len(b) && b[j] <= v {
			j++
		}
		gap := math.Abs(float64(i)/n1 - float64(j)/n2)
		if gap > d {
			d = gap
		}
	}

	en := math.Sqrt(n1 * n2 / (n1 + n2))
	lambda := (en + 0.12 + 0.11/en) * d
	return d, ksProb(lambda)
}

// ksProb is the Kolmogorov distribution tail Q(lambda), evaluated by its
// alternating series.
func ksProb(lambda float64) float64 {
	if lambda < 1e-9 {
		return 1
	}
	sum := 0.0
	sign := 1.0
	for k := 1; k <= 100; k++ {
		term := sign * math.Exp(-2*float64(k)*float64(k)*lambda*lambda)
		sum += term
		if math.Abs(term) < 1e-12 {
			break
		}
		sign = -sign
	}
	p := 2 * sum
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

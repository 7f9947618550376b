package drift

import (
	"math"
	"sort"
)

const (
	psiBuckets  = 10
	psiMinShare = 1e-4
)

// psi computes the Population Stability Index between reference and current
// samples over ten quantile buckets derived from the reference. Zero shares
// are floored at 1e-4 before the log so empty buckets stay finite.
func psi(ref, cur []float64) float64 {
	if len(ref) == 0 || len(cur) == 0 {
		return 0
	}

	sorted := append([]float64(nil), ref...)
	sort.Float64s(sorted)

	// Bucket edges at reference deciles; degenerate (constant) references
	// collapse to a single bucket and contribute no drift.
	edges := make([]float64, 0, psiBuckets-1)
	for q := 1; q < psiBuckets; q++ {
		idx := q * len(sorted) / psiBuckets
		if idx >= len(sorted) {
			idx = len(sorted) - 1
		}
		edge := sorted[idx]
		if len(edges) == 0 || edge > edges[len(edges)-1] {
			edges = append(edges, edge)
		}
	}
	if len(edges) == 0 {
		return 0
	}

	refShare := bucketShares(ref, edges)
	curShare := bucketShares(cur, edges)

	total := 0.0
	for i := range refShare {
		r := math.Max(refShare[i], psiMinShare)
		c := math.Max(curShare[i], psiMinShare)
		total += (c - r) * math.Log(c/r)
	}
	return total
}

func bucketShares(sample []float64, edges []float64) []float64 {
	counts := make([]float64, len(edges)+1)
	for _, v := range sample {
		// First edge >= v; values equal to an edge land in the lower bucket.
		counts[sort.SearchFloat64s(edges, v)]++
	}
	n := float64(len(sample))
	for i := range counts {
		counts[i] /= n
	}
	return counts
}

package ml

import (
	"math"
	"sort"
)

// AUC computes the area under the ROC curve by rank statistic. Ties in score
// contribute half. Returns 0.5 when either class is absent.
func AUC(scores, labels []float64) float64 {
	type pair struct {
		score float64
		pos   bool
	}
	pairs := make([]pair, len(scores))
	var nPos, nNeg float64
	for i, s := range scores {
		pos := labels[i] > 0.5
		pairs[i] = pair{score: s, pos: pos}
		if pos {
			nPos++
		} else {
			nNeg++
		}
	}
	if nPos == 0 || nNeg == 0 {
		return 0.5
	}

	sort.Slice(pairs, func(i, j int) bool { return pairs[i].score < pairs[j].score })

	// Sum positive ranks with midranks for ties.
	rankSum := 0.0
	i := 0
	for i < len(pairs) {
		j := i
		for j < len(pairs) && pairs[j].score == pairs[i].score {
			j++
		}
		midrank := float64(i+j+1) / 2.0 // ranks are 1-based
		for k := i; k < j; k++ {
			if pairs[k].pos {
				rankSum += midrank
			}
		}
		i = j
	}
	return (rankSum - nPos*(nPos+1)/2.0) / (nPos * nNeg)
}

// RMSE is the root mean squared error between predictions and targets.
func RMSE(preds, targets []float64) float64 {
	if len(preds) == 0 {
		return 0
	}
	total := 0.0
	for i, p := range preds {
		d := p - targets[i]
		total += d * d
	}
	return math.Sqrt(total / float64(len(preds)))
}

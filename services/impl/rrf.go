package impl

// ComputeRRF computes Reciprocal Rank Fusion scores with optional weighting.
//
// rankings is a list of ranked item-key lists. When weights is nil and three
// rankings are given, the lexical-first default [0.5, 0.25, 0.25] applies;
// otherwise all rankings weigh equally.
func ComputeRRF(rankings [][]string, k int, weights []float64) map[string]float64 {
	if k <= 0 {
		k = 60
	}
	if weights == nil {
		if len(rankings) == 3 {
			weights = []float64{0.5, 0.25, 0.25}
		} else {
			weights = make([]float64, len(rankings))
			for i := range weights {
				weights[i] = 1.0
			}
		}
	}

	rrf := make(map[string]float64)
	for i, rankList := range rankings {
		weight := 1.0
		if i < len(weights) {
			weight = weights[i]
		}
		for rank, itemKey := range rankList {
			rrf[itemKey] += weight * (1.0 / float64(k+rank+1))
		}
	}
	return rrf
}

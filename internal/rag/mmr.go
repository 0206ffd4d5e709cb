package rag

import "math"

// cosineSimilarity returns the cosine of the angle between a and b, or 0
// when either vector is zero-length or zero-norm.
func cosineSimilarity(a, b []float32) float32 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// maximalMarginalRelevance greedily selects up to k candidates, at each step
// picking the one maximizing
//
//	lambda*sim(query, candidate) - (1-lambda)*max sim(candidate, selected)
//
// lambda=1 reduces to pure relevance, lambda=0 to pure diversity. Selection
// order is the result order. Ties keep the earlier (higher-ranked) candidate.
func maximalMarginalRelevance(queryVec []float32, candidates []Candidate, lambda float32, k int) []ScoredChunk {
	if k <= 0 || len(candidates) == 0 {
		return nil
	}
	if k > len(candidates) {
		k = len(candidates)
	}

	// Query similarities come from the stored vectors rather than the
	// search scores so the two MMR terms share one scale.
	querySim := make([]float32, len(candidates))
	for i, c := range candidates {
		querySim[i] = cosineSimilarity(queryVec, c.Vector)
	}

	selected := make([]int, 0, k)
	picked := make([]bool, len(candidates))
	// maxSelSim[i] tracks the highest similarity between candidate i and
	// any already-selected candidate.
	maxSelSim := make([]float32, len(candidates))

	for len(selected) < k {
		best := -1
		var bestScore float32
		for i := range candidates {
			if picked[i] {
				continue
			}
			score := lambda * querySim[i]
			if len(selected) > 0 {
				score -= (1 - lambda) * maxSelSim[i]
			}
			if best == -1 || score > bestScore {
				best, bestScore = i, score
			}
		}
		if best == -1 {
			break
		}

		picked[best] = true
		selected = append(selected, best)
		for i := range candidates {
			if picked[i] {
				continue
			}
			if sim := cosineSimilarity(candidates[i].Vector, candidates[best].Vector); sim > maxSelSim[i] {
				maxSelSim[i] = sim
			}
		}
	}

	results := make([]ScoredChunk, 0, len(selected))
	for _, i := range selected {
		results = append(results, ScoredChunk{Chunk: candidates[i].Chunk, Score: candidates[i].Score})
	}
	return results
}

package vector

import "sort"

// PreScoreWeight scales the lexical prefilter score added to the cosine score.
const PreScoreWeight = 0.001

// Hit is a scored candidate. Index points back into the caller's candidate slice.
type Hit struct {
	ID       string
	Index    int
	Score    float64
	PreScore int
}

// Score combines cosine similarity with the prefilter bonus.
func Score(query, v []float32, preScore int) float64 {
	return Cosine(query, v) + float64(preScore)*PreScoreWeight
}

// TopK sorts hits by score descending, then prefilter score descending, then
// id ascending, and returns at most k of them. k below 1 is treated as 1.
func TopK(hits []Hit, k int) []Hit {
	sort.SliceStable(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.PreScore != b.PreScore {
			return a.PreScore > b.PreScore
		}
		return a.ID < b.ID
	})
	if k < 1 {
		k = 1
	}
	if k > len(hits) {
		k = len(hits)
	}
	return hits[:k]
}

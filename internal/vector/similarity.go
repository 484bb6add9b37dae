// Package vector provides similarity and ranking helpers for embedding vectors.
package vector

import "math"

// Cosine returns the cosine similarity of a and b over their common prefix.
// Vectors of different lengths are compared on the shorter length; a zero
// norm gives 0.
func Cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	denom := math.Sqrt(na) * math.Sqrt(nb)
	if denom <= 0 {
		return 0
	}
	return dot / denom
}

// L2Norm returns the L2 norm of a vector.
func L2Norm(x []float32) float64 {
	var sum float64
	for _, v := range x {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

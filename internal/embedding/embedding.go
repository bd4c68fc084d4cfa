// Package embedding provides text-to-vector embedding for the knowledge
// store build and for query-time similarity search.
package embedding

import "context"

// Embedder turns text into a fixed-length vector. Implementations must be
// safe for concurrent use; vectors are L2-normalized so cosine similarity
// reduces to a dot product.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
	Close() error
}

// CosineSimilarity computes the cosine of the angle between two vectors.
// Mismatched or empty vectors score 0.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float32
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (sqrt(normA) * sqrt(normB))
}

// sqrt is Newton's method for float32, enough precision for ranking.
func sqrt(x float32) float32 {
	if x <= 0 {
		return 0
	}
	z := x / 2
	for i := 0; i < 10; i++ {
		z = (z + x/z) / 2
	}
	return z
}

// Normalize scales v to unit length in place and returns it.
// A near-zero vector is returned unchanged.
func Normalize(v []float32) []float32 {
	var sumSq float32
	for _, x := range v {
		sumSq += x * x
	}
	norm := sqrt(sumSq)
	if norm > 1e-9 {
		for i := range v {
			v[i] /= norm
		}
	}
	return v
}

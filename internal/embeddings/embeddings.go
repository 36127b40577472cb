// Package embeddings turns memory text into vectors for semantic
// search, via Ollama or the OpenAI embeddings API.
package embeddings

import (
	"context"
	"math"
)

// Embedder turns text into a vector.
type Embedder interface {
	Generate(ctx context.Context, text string) ([]float32, error)
}

// CosineSimilarity scores a against b in [-1, 1]. Vectors of different
// length or zero magnitude score 0.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

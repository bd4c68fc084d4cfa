package embedding

import (
	"context"
	"hash/fnv"
	"strings"
)

// StubEmbedder produces deterministic bag-of-words vectors without any
// external service. Texts sharing vocabulary land near each other, which is
// enough for ranking assertions in tests and for running the engine with no
// embedding host at all.
type StubEmbedder struct {
	dim int
}

// NewStubEmbedder returns a stub with the given dimension (default 64).
func NewStubEmbedder(dim int) *StubEmbedder {
	if dim <= 0 {
		dim = 64
	}
	return &StubEmbedder{dim: dim}
}

// Embed hashes each token into a bucket and L2-normalizes the counts.
func (s *StubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, s.dim)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		tok = strings.Trim(tok, ".,!?;:\"'()[]")
		if tok == "" {
			continue
		}
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		vec[int(h.Sum32())%s.dim]++
	}
	return Normalize(vec), nil
}

// Dimension returns the stub's vector length.
func (s *StubEmbedder) Dimension() int {
	return s.dim
}

// Close is a no-op.
func (s *StubEmbedder) Close() error {
	return nil
}

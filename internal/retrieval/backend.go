package retrieval

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/personal-context-engine/internal/config"
	"github.com/personal-context-engine/internal/embedding"
	"github.com/personal-context-engine/internal/knowledge"
)

// VectorBackend answers similarity queries over the knowledge base's chunk
// embeddings. Exactly one backend is active per process; NewBackend is the
// only place the choice is made.
type VectorBackend interface {
	Query(ctx context.Context, vector []float32, topN int) ([]VectorHit, error)
	Name() string
	Close() error
}

// VectorHit is one similarity match.
type VectorHit struct {
	ChunkID    string
	Similarity float64
}

// NewBackend builds the configured vector backend.
func NewBackend(ctx context.Context, store *knowledge.Store, cfg *config.Config, logger *zap.Logger) (VectorBackend, error) {
	switch cfg.Retrieval.VectorBackend {
	case "", "memory":
		return NewMemoryBackend(store), nil
	case "qdrant":
		return NewQdrantBackend(ctx, store, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown vector backend %q", cfg.Retrieval.VectorBackend)
	}
}

// memoryBackend runs exact cosine over the in-process chunks. It is the
// default: the whole corpus fits in memory and nothing beats exact search
// at this scale.
type memoryBackend struct {
	store *knowledge.Store
}

// NewMemoryBackend wraps store for exact in-process similarity search.
func NewMemoryBackend(store *knowledge.Store) VectorBackend {
	return &memoryBackend{store: store}
}

func (m *memoryBackend) Query(ctx context.Context, vector []float32, topN int) ([]VectorHit, error) {
	if len(vector) == 0 {
		return nil, nil
	}

	var hits []VectorHit
	for _, chunk := range m.store.Chunks() {
		if len(chunk.Embedding) != len(vector) {
			continue
		}
		hits = append(hits, VectorHit{
			ChunkID:    chunk.ID,
			Similarity: float64(embedding.CosineSimilarity(vector, chunk.Embedding)),
		})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
	if topN > 0 && len(hits) > topN {
		hits = hits[:topN]
	}
	return hits, nil
}

func (m *memoryBackend) Name() string { return "memory" }
func (m *memoryBackend) Close() error { return nil }

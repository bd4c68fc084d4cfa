// Package retrieval merges explicit graph traversal with vector similarity
// into one ranked, deduplicated context list.
//
// The two paths run concurrently: the graph walk is in-memory and never
// suspends, the vector path blocks on the embedding call. Either path
// failing degrades the result instead of failing the turn.
package retrieval

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/personal-context-engine/internal/cache"
	"github.com/personal-context-engine/internal/config"
	"github.com/personal-context-engine/internal/embedding"
	"github.com/personal-context-engine/internal/fault"
	"github.com/personal-context-engine/internal/knowledge"
	"github.com/personal-context-engine/internal/parser"
)

// PathKind records which retrieval path produced a context.
type PathKind string

const (
	PathExplicit PathKind = "explicit"
	PathVector   PathKind = "vector"
	PathBoth     PathKind = "both"
)

// RAGContext is one retrieved chunk with its merged score and provenance.
type RAGContext struct {
	Chunk      *knowledge.Chunk `json:"chunk"`
	Score      float64          `json:"relevance_score"`
	Path       PathKind         `json:"retrieval_path"`
	Provenance string           `json:"provenance"`
}

// Retriever runs the hybrid explicit+vector retrieval.
type Retriever struct {
	store    *knowledge.Store
	embedder embedding.Embedder
	backend  VectorBackend
	cache    *cache.TieredCache
	logger   *zap.Logger

	maxHops     int
	edgeFloor   float64
	hopDecay    float64
	alpha       float64 // explicit weight
	beta        float64 // vector weight
	vectorTopN  int
	simFloor    float64
	maxTopK     int
	defaultTopK int

	queries        atomic.Int64
	vectorFailures atomic.Int64
	cacheHits      atomic.Int64
}

// New wires the retriever. tc may be nil to disable result caching.
func New(store *knowledge.Store, embedder embedding.Embedder, backend VectorBackend, tc *cache.TieredCache, cfg *config.Config, logger *zap.Logger) *Retriever {
	rc := cfg.Retrieval
	r := &Retriever{
		store:       store,
		embedder:    embedder,
		backend:     backend,
		cache:       tc,
		logger:      logger.Named("retriever"),
		maxHops:     intOr(rc.MaxHops, 2),
		edgeFloor:   rc.EdgeFloor,
		hopDecay:    floatOr(rc.HopDecay, 0.85),
		vectorTopN:  intOr(rc.VectorTopN, 12),
		simFloor:    rc.SimilarityFloor,
		maxTopK:     intOr(rc.MaxTopK, 20),
		defaultTopK: intOr(rc.DefaultTopK, 6),
	}

	alpha, beta := rc.ExplicitWeight, rc.VectorWeight
	if alpha <= 0 && beta <= 0 {
		alpha, beta = 0.6, 0.4
	}
	if beta < 0 {
		beta = 0
	}
	// Explicit evidence must dominate the blend.
	if alpha < beta {
		r.logger.Warn("explicit weight below vector weight, swapping",
			zap.Float64("explicit", alpha), zap.Float64("vector", beta))
		alpha, beta = beta, alpha
	}
	sum := alpha + beta
	r.alpha, r.beta = alpha/sum, beta/sum
	return r
}

func intOr(n, fallback int) int {
	if n <= 0 {
		return fallback
	}
	return n
}

func floatOr(f, fallback float64) float64 {
	if f <= 0 {
		return fallback
	}
	return f
}

type pathHit struct {
	score float64
	prov  string
}

type vectorOutcome struct {
	hits map[string]pathHit
	err  error
}

// Retrieve returns up to topK contexts for the prompt, ranked by combined
// score. topK is clamped to [1, max]; zero takes the configured default.
// Both paths empty is an empty list, not an error.
func (r *Retriever) Retrieve(ctx context.Context, prompt parser.ReqPrompt, userText string, topK int) ([]RAGContext, error) {
	if topK <= 0 {
		topK = r.defaultTopK
	}
	if topK > r.maxTopK {
		topK = r.maxTopK
	}
	r.queries.Add(1)

	key := r.cacheKey(prompt.Subject, userText, topK)
	if r.cache != nil {
		var hits []cachedHit
		if r.cache.GetJSON(ctx, key, &hits) {
			if out, ok := r.rehydrate(hits); ok {
				r.cacheHits.Add(1)
				return out, nil
			}
		}
	}

	queryText := strings.TrimSpace(prompt.Subject + " " + userText)

	vecCh := make(chan vectorOutcome, 1)
	go func() {
		hits, err := r.vectorPath(ctx, queryText)
		vecCh <- vectorOutcome{hits: hits, err: err}
	}()

	explicit := r.explicitPath(ctx, prompt.Subject)

	vec := <-vecCh
	if vec.err != nil {
		r.vectorFailures.Add(1)
		r.logger.Warn("vector path degraded",
			zap.Error(fault.Wrap(fault.ErrRetrieval, "vector path", vec.err)))
		vec.hits = nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := r.merge(explicit, vec.hits, topK)

	if r.cache != nil && len(out) > 0 {
		r.cache.SetJSON(ctx, key, compact(out))
	}
	return out, nil
}

// explicitPath walks the graph from the resolved subject. The subject's own
// chunks score 1.0; everything reached over edges carries the decayed edge
// score.
func (r *Retriever) explicitPath(ctx context.Context, subject string) map[string]pathHit {
	if strings.TrimSpace(subject) == "" {
		return nil
	}
	starts := r.store.ResolveSubject(ctx, subject)
	if len(starts) == 0 {
		return nil
	}

	hits := make(map[string]pathHit)
	for _, key := range starts {
		for _, chunk := range r.store.EntityChunks(key) {
			hits[chunk.ID] = pathHit{score: 1.0, prov: "subject match: " + key}
		}
	}

	reached := r.store.Traverse(knowledge.TraversalOpts{
		StartKeys: starts,
		MaxHops:   r.maxHops,
		EdgeFloor: r.edgeFloor,
		HopDecay:  r.hopDecay,
	})
	for _, re := range reached {
		prov := fmt.Sprintf("%s (hops=%d)", re.Via, re.Hops)
		for _, chunk := range r.store.EntityChunks(re.Key) {
			if existing, ok := hits[chunk.ID]; !ok || re.Score > existing.score {
				hits[chunk.ID] = pathHit{score: re.Score, prov: prov}
			}
		}
	}
	return hits
}

// vectorPath embeds the query and asks the backend for neighbors.
func (r *Retriever) vectorPath(ctx context.Context, queryText string) (map[string]pathHit, error) {
	if queryText == "" || r.embedder == nil {
		return nil, nil
	}

	vec, err := r.embedder.Embed(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	raw, err := r.backend.Query(ctx, vec, r.vectorTopN)
	if err != nil {
		return nil, fmt.Errorf("%s query: %w", r.backend.Name(), err)
	}

	hits := make(map[string]pathHit, len(raw))
	for _, h := range raw {
		if h.Similarity < r.simFloor {
			continue
		}
		hits[h.ChunkID] = pathHit{score: h.Similarity, prov: fmt.Sprintf("similarity=%.3f", h.Similarity)}
	}
	return hits, nil
}

// merge unions the two hit sets keyed by chunk id and ranks the blend.
// Score ties rank explicit-path evidence above vector-only.
func (r *Retriever) merge(explicit, vector map[string]pathHit, topK int) []RAGContext {
	merged := make(map[string]*RAGContext, len(explicit)+len(vector))

	for id, h := range explicit {
		chunk, ok := r.store.Chunk(id)
		if !ok {
			continue
		}
		merged[id] = &RAGContext{
			Chunk:      chunk,
			Score:      r.alpha * h.score,
			Path:       PathExplicit,
			Provenance: h.prov,
		}
	}
	for id, h := range vector {
		if mc, ok := merged[id]; ok {
			mc.Score += r.beta * h.score
			mc.Path = PathBoth
			mc.Provenance += "; " + h.prov
			continue
		}
		chunk, ok := r.store.Chunk(id)
		if !ok {
			continue
		}
		merged[id] = &RAGContext{
			Chunk:      chunk,
			Score:      r.beta * h.score,
			Path:       PathVector,
			Provenance: h.prov,
		}
	}

	out := make([]RAGContext, 0, len(merged))
	for _, mc := range merged {
		out = append(out, *mc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		ei, ej := out[i].Path != PathVector, out[j].Path != PathVector
		if ei != ej {
			return ei
		}
		return out[i].Chunk.ID < out[j].Chunk.ID
	})
	if len(out) > topK {
		out = out[:topK]
	}
	return out
}

// cachedHit is the compact cache form; chunks are rehydrated from the store.
type cachedHit struct {
	ID         string   `json:"id"`
	Score      float64  `json:"score"`
	Path       PathKind `json:"path"`
	Provenance string   `json:"prov"`
}

func compact(contexts []RAGContext) []cachedHit {
	hits := make([]cachedHit, 0, len(contexts))
	for _, c := range contexts {
		hits = append(hits, cachedHit{ID: c.Chunk.ID, Score: c.Score, Path: c.Path, Provenance: c.Provenance})
	}
	return hits
}

func (r *Retriever) rehydrate(hits []cachedHit) ([]RAGContext, bool) {
	out := make([]RAGContext, 0, len(hits))
	for _, h := range hits {
		chunk, ok := r.store.Chunk(h.ID)
		if !ok {
			return nil, false
		}
		out = append(out, RAGContext{Chunk: chunk, Score: h.Score, Path: h.Path, Provenance: h.Provenance})
	}
	return out, true
}

func (r *Retriever) cacheKey(subject, text string, topK int) string {
	sum := blake2b.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s", subject, text, topK, r.backend.Name())))
	return "rag:" + hex.EncodeToString(sum[:8])
}

// Stats reports retrieval counters for the stats endpoint.
func (r *Retriever) Stats() map[string]interface{} {
	return map[string]interface{}{
		"queries":         r.queries.Load(),
		"vector_failures": r.vectorFailures.Load(),
		"cache_hits":      r.cacheHits.Load(),
		"backend":         r.backend.Name(),
	}
}

// Close releases the vector backend.
func (r *Retriever) Close() error {
	return r.backend.Close()
}

package knowledge

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/personal-context-engine/internal/config"
	"github.com/personal-context-engine/internal/embedding"
)

// nameFuzziness is the Levenshtein distance allowed when resolving a subject
// mention to an entity name.
const nameFuzziness = 2

// maxSubjectMatches caps how many entities a single subject can resolve to.
const maxSubjectMatches = 5

// Chunk is a retrievable slice of one entity's content. Every chunk belongs
// to exactly one entity; an entity usually owns several.
type Chunk struct {
	ID        string    `json:"id"`
	EntityKey string    `json:"entity_key"`
	Ordinal   int       `json:"ordinal"`
	Text      string    `json:"text"`
	WordCount int       `json:"word_count"`
	Embedding []float32 `json:"-"`
}

// Stats describes what a build produced.
type Stats struct {
	Entities       int   `json:"entities"`
	Edges          int   `json:"edges"`
	Chunks         int   `json:"chunks"`
	EmbeddedChunks int   `json:"embedded_chunks"`
	BuildMillis    int64 `json:"build_millis"`
}

// Store is the read-only knowledge base: entities, their cross-reference
// graph, their chunked content, and a fuzzy name index. It is fully
// constructed by Build and never mutated afterwards, so all methods are safe
// for concurrent use without locking.
type Store struct {
	records   map[string]Record
	byName    map[string]string
	chunks    []*Chunk
	chunkByID map[string]*Chunk
	byEntity  map[string][]*Chunk
	graph     *Graph
	names     *nameIndex
	logger    *zap.Logger
	stats     Stats
}

// ChunkID derives the stable identifier for a chunk from its owning entity
// and its exact text. The same content always maps to the same id, which is
// what retrieval dedup and reindex idempotency rely on.
func ChunkID(entityKey, text string) string {
	sum := blake2b.Sum256([]byte(entityKey + text))
	return hex.EncodeToString(sum[:])[:16]
}

// Build loads every record under the configured directory, resolves and
// mirrors cross-references, chunks each entity's content, and embeds the
// chunks. A chunk whose embedding call fails is kept without a vector; it
// stays reachable through graph traversal. A nil embedder skips embedding
// entirely.
func Build(ctx context.Context, cfg *config.Config, embedder embedding.Embedder, logger *zap.Logger) (*Store, error) {
	start := time.Now()

	records, err := LoadRecords(cfg.Knowledge.RecordsDir)
	if err != nil {
		return nil, err
	}

	adjacency := resolveEdges(records, cfg.Knowledge.EdgeWeight)
	graph := newGraph(adjacency)

	names, err := newNameIndex(records, nameFuzziness, cfg.Knowledge.FuzzyThreshold, logger)
	if err != nil {
		return nil, err
	}

	s := &Store{
		records:   make(map[string]Record, len(records)),
		byName:    make(map[string]string, len(records)),
		chunkByID: make(map[string]*Chunk),
		byEntity:  make(map[string][]*Chunk, len(records)),
		graph:     graph,
		names:     names,
		logger:    logger,
	}

	for _, rec := range records {
		s.records[rec.Key] = rec
		s.byName[strings.ToLower(rec.Name)] = rec.Key

		pieces := chunkText(rec.Content(), cfg.Knowledge.ChunkMinWords, cfg.Knowledge.ChunkMaxWords)
		for ord, text := range pieces {
			id := ChunkID(rec.Key, text)
			if _, dup := s.chunkByID[id]; dup {
				continue
			}
			c := &Chunk{
				ID:        id,
				EntityKey: rec.Key,
				Ordinal:   ord,
				Text:      text,
				WordCount: len(strings.Fields(text)),
			}
			s.chunks = append(s.chunks, c)
			s.chunkByID[id] = c
			s.byEntity[rec.Key] = append(s.byEntity[rec.Key], c)
		}
	}

	embedded := 0
	if embedder == nil {
		logger.Warn("No embedder configured, chunks will not carry vectors")
	} else {
		for _, c := range s.chunks {
			if err := ctx.Err(); err != nil {
				names.Close()
				return nil, fmt.Errorf("knowledge build aborted: %w", err)
			}
			embedCtx, cancel := context.WithTimeout(ctx, cfg.Embedding.Timeout)
			vec, err := embedder.Embed(embedCtx, c.Text)
			cancel()
			if err != nil {
				logger.Warn("Failed to embed chunk, keeping it without a vector",
					zap.String("chunk_id", c.ID),
					zap.String("entity", c.EntityKey),
					zap.Error(err))
				continue
			}
			c.Embedding = vec
			embedded++
		}
	}

	s.stats = Stats{
		Entities:       len(records),
		Edges:          graph.EdgeCount(),
		Chunks:         len(s.chunks),
		EmbeddedChunks: embedded,
		BuildMillis:    time.Since(start).Milliseconds(),
	}

	logger.Info("Knowledge store built",
		zap.Int("entities", s.stats.Entities),
		zap.Int("edges", s.stats.Edges),
		zap.Int("chunks", s.stats.Chunks),
		zap.Int("embedded_chunks", s.stats.EmbeddedChunks),
		zap.Duration("elapsed", time.Since(start)))

	return s, nil
}

// ResolveSubject maps a free-text subject to entity keys, best match first.
// Exact key and exact name matches short-circuit the fuzzy index.
func (s *Store) ResolveSubject(ctx context.Context, subject string) []string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return nil
	}

	lower := strings.ToLower(subject)
	asKey := strings.ReplaceAll(lower, " ", "_")
	if _, ok := s.records[asKey]; ok {
		return []string{asKey}
	}
	if key, ok := s.byName[lower]; ok {
		return []string{key}
	}

	matches, err := s.names.FuzzyFind(ctx, subject, maxSubjectMatches)
	if err != nil {
		s.logger.Warn("Subject lookup failed", zap.String("subject", subject), zap.Error(err))
		return nil
	}
	keys := make([]string, 0, len(matches))
	for _, m := range matches {
		keys = append(keys, m.Key)
	}
	return keys
}

// Entity returns the record for key.
func (s *Store) Entity(key string) (Record, bool) {
	rec, ok := s.records[key]
	return rec, ok
}

// EntityChunks returns the chunks owned by one entity, in content order.
func (s *Store) EntityChunks(key string) []*Chunk {
	return s.byEntity[key]
}

// Chunk returns a chunk by id.
func (s *Store) Chunk(id string) (*Chunk, bool) {
	c, ok := s.chunkByID[id]
	return c, ok
}

// Chunks returns every chunk in the store. Callers must not mutate them.
func (s *Store) Chunks() []*Chunk {
	return s.chunks
}

// Traverse walks the cross-reference graph from opts.StartKeys.
func (s *Store) Traverse(opts TraversalOpts) []ReachedEntity {
	return s.graph.Traverse(opts)
}

// Neighbors returns the outgoing edges of one entity.
func (s *Store) Neighbors(key string) []Edge {
	return s.graph.Neighbors(key)
}

// Stats reports what the build produced.
func (s *Store) Stats() Stats {
	return s.stats
}

// Close releases the name index.
func (s *Store) Close() error {
	return s.names.Close()
}

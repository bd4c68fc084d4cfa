package retrieval

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/personal-context-engine/internal/config"
	"github.com/personal-context-engine/internal/jsonx"
	"github.com/personal-context-engine/internal/knowledge"
)

const (
	defaultQdrantURL        = "http://localhost:6333"
	defaultQdrantCollection = "pce_chunks"
	qdrantUpsertBatch       = 128
)

// qdrantBackend serves similarity queries from a Qdrant collection rebuilt
// from the knowledge store at startup. The store is the source of truth;
// the collection is derived state and gets recreated on every boot so stale
// points from earlier record sets cannot surface.
type qdrantBackend struct {
	baseURL    string
	collection string
	client     *http.Client
	logger     *zap.Logger
}

// NewQdrantBackend connects to Qdrant and loads every embedded chunk.
func NewQdrantBackend(ctx context.Context, store *knowledge.Store, cfg *config.Config, logger *zap.Logger) (VectorBackend, error) {
	base := strings.TrimRight(cfg.Retrieval.QdrantURL, "/")
	if base == "" {
		base = defaultQdrantURL
	}
	collection := cfg.Retrieval.QdrantCollection
	if collection == "" {
		collection = defaultQdrantCollection
	}

	b := &qdrantBackend{
		baseURL:    base,
		collection: collection,
		client:     &http.Client{Timeout: 30 * time.Second},
		logger:     logger.Named("qdrant"),
	}
	if err := b.rebuild(ctx, store); err != nil {
		return nil, fmt.Errorf("qdrant rebuild: %w", err)
	}
	return b, nil
}

func (b *qdrantBackend) rebuild(ctx context.Context, store *knowledge.Store) error {
	var embedded []*knowledge.Chunk
	dimension := 0
	for _, chunk := range store.Chunks() {
		if len(chunk.Embedding) == 0 {
			continue
		}
		if dimension == 0 {
			dimension = len(chunk.Embedding)
		}
		embedded = append(embedded, chunk)
	}
	if len(embedded) == 0 {
		// Nothing to index; leave whatever collection exists untouched and
		// let the retriever degrade to explicit-only.
		b.logger.Warn("no embedded chunks, skipping qdrant rebuild")
		return nil
	}

	if err := b.do(ctx, http.MethodDelete, "/collections/"+b.collection, nil, nil); err != nil {
		// A missing collection deletes with an error on some versions; the
		// create below is what actually matters.
		b.logger.Debug("collection delete", zap.Error(err))
	}

	create := map[string]interface{}{
		"vectors": map[string]interface{}{
			"size":     dimension,
			"distance": "Cosine",
		},
	}
	if err := b.do(ctx, http.MethodPut, "/collections/"+b.collection, create, nil); err != nil {
		return fmt.Errorf("create collection: %w", err)
	}

	for start := 0; start < len(embedded); start += qdrantUpsertBatch {
		end := start + qdrantUpsertBatch
		if end > len(embedded) {
			end = len(embedded)
		}

		points := make([]map[string]interface{}, 0, end-start)
		for _, chunk := range embedded[start:end] {
			points = append(points, map[string]interface{}{
				"id":     pointID(chunk.ID),
				"vector": chunk.Embedding,
				"payload": map[string]interface{}{
					"chunk_id":   chunk.ID,
					"entity_key": chunk.EntityKey,
				},
			})
		}
		upsert := map[string]interface{}{"points": points}
		if err := b.do(ctx, http.MethodPut, "/collections/"+b.collection+"/points", upsert, nil); err != nil {
			return fmt.Errorf("upsert points: %w", err)
		}
	}

	b.logger.Info("qdrant collection rebuilt",
		zap.String("collection", b.collection),
		zap.Int("points", len(embedded)),
		zap.Int("dimension", dimension))
	return nil
}

func (b *qdrantBackend) Query(ctx context.Context, vector []float32, topN int) ([]VectorHit, error) {
	if len(vector) == 0 {
		return nil, nil
	}

	search := map[string]interface{}{
		"vector":       vector,
		"limit":        topN,
		"with_payload": true,
	}
	var result struct {
		Result []struct {
			Score   float64                `json:"score"`
			Payload map[string]interface{} `json:"payload"`
		} `json:"result"`
	}
	if err := b.do(ctx, http.MethodPost, "/collections/"+b.collection+"/points/search", search, &result); err != nil {
		return nil, err
	}

	hits := make([]VectorHit, 0, len(result.Result))
	for _, hit := range result.Result {
		id, ok := hit.Payload["chunk_id"].(string)
		if !ok {
			continue
		}
		hits = append(hits, VectorHit{ChunkID: id, Similarity: hit.Score})
	}
	return hits, nil
}

func (b *qdrantBackend) Name() string { return "qdrant" }
func (b *qdrantBackend) Close() error { return nil }

func (b *qdrantBackend) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := jsonx.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("qdrant %s %s: status %d: %s", method, path, resp.StatusCode, raw)
	}
	if out != nil {
		return jsonx.Unmarshal(raw, out)
	}
	return nil
}

// pointID derives a stable numeric Qdrant id from a chunk id.
func pointID(s string) int64 {
	var h int64
	for _, c := range s {
		h = 31*h + int64(c)
	}
	if h < 0 {
		h = -h
	}
	return h
}

package knowledge

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/personal-context-engine/internal/config"
	"github.com/personal-context-engine/internal/embedding"
)

// scenarioDir writes a small personal knowledge base: an interest hub linked
// to three projects, two of which cross-reference leisure interests.
func scenarioDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	summary := func(name string) string {
		return strings.TrimSpace(strings.Repeat(
			"Working notes about "+name+" and the way it fits into daily practice. ", 6))
	}
	write := func(file, key, name, category, tags, refs string) {
		body := "key: " + key + "\nname: " + name + "\ncategory: " + category +
			"\nsummary: " + summary(name) + "\n"
		if tags != "" {
			body += "tags: [" + tags + "]\n"
		}
		if refs != "" {
			body += "cross_references:\n" + refs
		}
		writeRecordFile(t, dir, file, body)
	}

	ref := func(target, connType, score string) string {
		return "  - target_key: " + target + "\n    connection_type: " + connType +
			"\n    relevance_score: " + score + "\n"
	}

	write("01_ai_journey.yaml", "ai_journey", "AI Journey", "interest", "ai, machine-learning",
		ref("lumi", "project_reference", "0.9")+
			ref("stackr", "project_reference", "0.9")+
			ref("revao", "project_reference", "0.9"))
	write("02_lumi.yaml", "lumi", "Lumi", "project", "ai, assistant",
		ref("movies", "ai_interest", "0.8"))
	write("03_stackr.yaml", "stackr", "Stackr", "project", "ai, productivity",
		ref("books", "ai_interest", "0.8"))
	write("04_revao.yaml", "revao", "Revao", "project", "ai, review",
		ref("movies", "ai_interest", "0.8"))
	write("05_movies.yaml", "movies", "Movies", "interest", "film", "")
	write("06_books.yaml", "books", "Books", "interest", "reading", "")

	return dir
}

func buildScenarioStore(t *testing.T, embedder embedding.Embedder) *Store {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Knowledge.RecordsDir = scenarioDir(t)
	cfg.Knowledge.FuzzyThreshold = 0

	store, err := Build(context.Background(), &cfg, embedder, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestBuildStoreIndexesEverything(t *testing.T) {
	store := buildScenarioStore(t, embedding.NewStubEmbedder(32))

	stats := store.Stats()
	if stats.Entities != 6 {
		t.Errorf("entities = %d, want 6", stats.Entities)
	}
	// 6 declared references, each mirrored once.
	if stats.Edges != 12 {
		t.Errorf("edges = %d, want 12", stats.Edges)
	}
	if stats.Chunks != 6 {
		t.Errorf("chunks = %d, want 6 (each record fits one chunk)", stats.Chunks)
	}
	if stats.EmbeddedChunks != stats.Chunks {
		t.Errorf("embedded %d of %d chunks", stats.EmbeddedChunks, stats.Chunks)
	}

	lumiChunks := store.EntityChunks("lumi")
	if len(lumiChunks) != 1 {
		t.Fatalf("lumi owns %d chunks, want 1", len(lumiChunks))
	}
	c := lumiChunks[0]
	if c.EntityKey != "lumi" || c.WordCount != 72 || len(c.Embedding) != 32 {
		t.Errorf("chunk = entity %s, %d words, %d-dim vector", c.EntityKey, c.WordCount, len(c.Embedding))
	}

	got, ok := store.Chunk(c.ID)
	if !ok || got != c {
		t.Error("chunk lookup by id did not return the same chunk")
	}
	if len(store.Chunks()) != 6 {
		t.Errorf("Chunks() returned %d, want 6", len(store.Chunks()))
	}

	if _, ok := store.Entity("movies"); !ok {
		t.Error("movies record missing")
	}
}

func TestStoreTraverseReachesCrossReferencedInterests(t *testing.T) {
	store := buildScenarioStore(t, embedding.NewStubEmbedder(32))

	opts := DefaultTraversalOpts()
	opts.StartKeys = []string{"lumi", "stackr", "revao"}
	reached := store.Traverse(opts)

	if len(reached) != 3 {
		t.Fatalf("reached %v, want ai_journey, movies and books", reached)
	}

	hub, ok := findReached(reached, "ai_journey")
	if !ok || !closeTo(hub.Score, 0.9) || hub.Hops != 1 {
		t.Errorf("ai_journey = %+v, want score 0.9 at hop 1 via the mirrored reference", hub)
	}
	for _, key := range []string{"movies", "books"} {
		r, ok := findReached(reached, key)
		if !ok || !closeTo(r.Score, 0.8) || r.Hops != 1 {
			t.Errorf("%s = %+v, want score 0.8 at hop 1", key, r)
		}
		if len(store.EntityChunks(key)) == 0 {
			t.Errorf("%s reached by traversal but owns no chunks", key)
		}
	}
}

func TestResolveSubject(t *testing.T) {
	store := buildScenarioStore(t, embedding.NewStubEmbedder(32))
	ctx := context.Background()

	if got := store.ResolveSubject(ctx, "Lumi"); len(got) != 1 || got[0] != "lumi" {
		t.Errorf("exact name lookup = %v, want [lumi]", got)
	}
	if got := store.ResolveSubject(ctx, "stackr"); len(got) != 1 || got[0] != "stackr" {
		t.Errorf("exact key lookup = %v, want [stackr]", got)
	}
	if got := store.ResolveSubject(ctx, "AI Journey"); len(got) != 1 || got[0] != "ai_journey" {
		t.Errorf("spaced name lookup = %v, want [ai_journey]", got)
	}
	if got := store.ResolveSubject(ctx, ""); got != nil {
		t.Errorf("empty subject resolved to %v", got)
	}

	// No exact match: the fuzzy index takes over via the tag field.
	got := store.ResolveSubject(ctx, "assistant work")
	found := false
	for _, key := range got {
		if key == "lumi" {
			found = true
		}
	}
	if !found {
		t.Errorf("fuzzy lookup %v does not include lumi", got)
	}
}

func TestBuildContinuesWhenEmbeddingFails(t *testing.T) {
	store := buildScenarioStore(t, &erroringEmbedder{})

	stats := store.Stats()
	if stats.EmbeddedChunks != 0 {
		t.Errorf("embedded chunks = %d, want 0", stats.EmbeddedChunks)
	}
	if stats.Chunks != 6 {
		t.Errorf("chunks = %d, want all 6 kept without vectors", stats.Chunks)
	}
	for _, c := range store.Chunks() {
		if c.Embedding != nil {
			t.Errorf("chunk %s unexpectedly carries a vector", c.ID)
		}
	}

	// Graph-only retrieval still has everything it needs.
	opts := DefaultTraversalOpts()
	opts.StartKeys = []string{"lumi"}
	if reached := store.Traverse(opts); len(reached) == 0 {
		t.Error("traversal unusable after embedding failures")
	}
}

func TestChunkIDProperties(t *testing.T) {
	id := ChunkID("lumi", "some chunk text")
	if len(id) != 16 {
		t.Errorf("id length = %d, want 16", len(id))
	}
	if id != ChunkID("lumi", "some chunk text") {
		t.Error("same inputs produced different ids")
	}
	if id == ChunkID("revao", "some chunk text") {
		t.Error("different entities share a chunk id")
	}
	if id == ChunkID("lumi", "other chunk text") {
		t.Error("different texts share a chunk id")
	}
}

func TestFuzzyFindMatchesApproximateNames(t *testing.T) {
	records := []Record{
		{Key: "lumi", Name: "Lumi", Category: "project", Summary: "x", Tags: []string{"ai"}},
		{Key: "books", Name: "Books", Category: "interest", Summary: "y"},
	}
	ni, err := newNameIndex(records, 2, 0, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("newNameIndex: %v", err)
	}
	defer ni.Close()

	if got := ni.DocCount(); got != 2 {
		t.Errorf("doc count = %d, want 2", got)
	}

	matches, err := ni.FuzzyFind(context.Background(), "Lumy", 5)
	if err != nil {
		t.Fatalf("FuzzyFind: %v", err)
	}
	if len(matches) == 0 || matches[0].Key != "lumi" {
		t.Errorf("misspelled name matched %v, want lumi first", matches)
	}

	matches, err = ni.FuzzyFind(context.Background(), "zzzzzzz", 5)
	if err != nil {
		t.Fatalf("FuzzyFind: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("nonsense term matched %v", matches)
	}
}

// erroringEmbedder always fails, standing in for an unreachable service.
type erroringEmbedder struct{}

func (e *erroringEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("embedding service unreachable")
}

func (e *erroringEmbedder) Dimension() int { return 32 }

func (e *erroringEmbedder) Close() error { return nil }

package knowledge

import (
	"context"
	"fmt"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
	"go.uber.org/zap"
)

// nameIndex resolves free-text subject mentions to entity keys using an
// in-memory Bleve index over entity names and tags. The index is populated
// once during store construction and is read-only afterwards.
type nameIndex struct {
	index     bleve.Index
	fuzziness int
	threshold float64
	logger    *zap.Logger
}

// NameMatch is a single fuzzy lookup hit.
type NameMatch struct {
	Key   string  `json:"key"`
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

type nameDoc struct {
	Key      string `json:"key"`
	Name     string `json:"name"`
	Category string `json:"category"`
	Tags     string `json:"tags"`
}

func newNameIndex(records []Record, fuzziness int, threshold float64, logger *zap.Logger) (*nameIndex, error) {
	idx, err := bleve.NewMemOnly(buildNameMapping())
	if err != nil {
		return nil, fmt.Errorf("create name index: %w", err)
	}

	batch := idx.NewBatch()
	for _, rec := range records {
		doc := nameDoc{
			Key:      rec.Key,
			Name:     rec.Name,
			Category: rec.Category,
			Tags:     strings.Join(rec.Tags, " "),
		}
		if err := batch.Index(rec.Key, doc); err != nil {
			logger.Warn("Failed to add entity to name index batch",
				zap.String("key", rec.Key),
				zap.Error(err))
		}
	}
	if err := idx.Batch(batch); err != nil {
		idx.Close()
		return nil, fmt.Errorf("index entity names: %w", err)
	}

	return &nameIndex{
		index:     idx,
		fuzziness: fuzziness,
		threshold: threshold,
		logger:    logger,
	}, nil
}

func buildNameMapping() mapping.IndexMapping {
	entityMapping := bleve.NewDocumentMapping()

	// Name field carries the fuzzy match.
	nameField := bleve.NewTextFieldMapping()
	nameField.Index = true
	nameField.Store = true
	nameField.IncludeTermVectors = true
	entityMapping.AddFieldMappingsAt("name", nameField)

	keyField := bleve.NewTextFieldMapping()
	keyField.Index = true
	keyField.Store = true
	keyField.IncludeInAll = false
	entityMapping.AddFieldMappingsAt("key", keyField)

	// Tags widen recall: "ai" in a subject should reach entities tagged ai
	// even when the name itself never mentions it.
	tagsField := bleve.NewTextFieldMapping()
	tagsField.Index = true
	tagsField.Store = false
	entityMapping.AddFieldMappingsAt("tags", tagsField)

	indexMapping := bleve.NewIndexMapping()
	indexMapping.AddDocumentMapping("entity", entityMapping)
	indexMapping.DefaultAnalyzer = "standard"

	return indexMapping
}

// FuzzyFind returns entities whose name or tags approximately match term,
// best first. Hits scoring below the configured threshold are dropped.
func (ni *nameIndex) FuzzyFind(ctx context.Context, term string, limit int) ([]NameMatch, error) {
	nameQuery := query.NewMatchQuery(term)
	nameQuery.SetField("name")
	nameQuery.SetFuzziness(ni.fuzziness)

	tagQuery := query.NewMatchQuery(term)
	tagQuery.SetField("tags")
	tagQuery.SetFuzziness(ni.fuzziness)

	req := bleve.NewSearchRequest(query.NewDisjunctionQuery([]query.Query{nameQuery, tagQuery}))
	req.Size = limit
	req.Fields = []string{"key", "name"}

	res, err := ni.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("fuzzy name search: %w", err)
	}

	matches := make([]NameMatch, 0, len(res.Hits))
	for _, hit := range res.Hits {
		if ni.threshold > 0 && hit.Score < ni.threshold {
			continue
		}
		m := NameMatch{Key: hit.ID, Score: hit.Score}
		if hit.Fields != nil {
			if n, ok := hit.Fields["name"].(string); ok {
				m.Name = n
			}
		}
		matches = append(matches, m)
	}

	ni.logger.Debug("Fuzzy name lookup",
		zap.String("term", term),
		zap.Int("hits", len(matches)))

	return matches, nil
}

func (ni *nameIndex) DocCount() uint64 {
	n, err := ni.index.DocCount()
	if err != nil {
		return 0
	}
	return n
}

func (ni *nameIndex) Close() error {
	return ni.index.Close()
}

// Package knowledge loads immutable source records into the three indexes
// the retriever works against: an explicit relationship graph, a vector
// index over content chunks, and a fuzzy name index for subject resolution.
// The store is built once at startup and is read-only afterward.
package knowledge

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Edge is a typed, weighted, directed relationship between two entities.
// RelevanceScore is fixed when the record is loaded and never mutated by
// retrieval.
type Edge struct {
	SourceKey      string  `yaml:"source_key" json:"source_key"`
	TargetKey      string  `yaml:"target_key" json:"target_key"`
	ConnectionType string  `yaml:"connection_type" json:"connection_type"`
	RelevanceScore float64 `yaml:"relevance_score" json:"relevance_score"`
	Description    string  `yaml:"description,omitempty" json:"description,omitempty"`
}

// Section is one titled content block inside a record.
type Section struct {
	Title string `yaml:"title"`
	Body  string `yaml:"body"`
}

// Record is one source document as authored: entity metadata, content
// sections, and outgoing cross references. Edges may omit source_key (the
// record's own key is implied) and relevance_score (the connection-type
// weight table fills it in).
type Record struct {
	Key             string    `yaml:"key"`
	Name            string    `yaml:"name"`
	Category        string    `yaml:"category"`
	Summary         string    `yaml:"summary"`
	Sections        []Section `yaml:"sections"`
	CrossReferences []Edge    `yaml:"cross_references"`
	Tags            []string  `yaml:"tags"`
}

// Validate checks the fields a record must carry before indexing.
func (r *Record) Validate() error {
	if strings.TrimSpace(r.Key) == "" {
		return fmt.Errorf("record missing key")
	}
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("record %s missing name", r.Key)
	}
	if r.Summary == "" && len(r.Sections) == 0 {
		return fmt.Errorf("record %s has no content", r.Key)
	}
	for i, xr := range r.CrossReferences {
		if xr.TargetKey == "" {
			return fmt.Errorf("record %s cross_references[%d] missing target_key", r.Key, i)
		}
		if xr.RelevanceScore < 0 || xr.RelevanceScore > 1 {
			return fmt.Errorf("record %s cross_references[%d] relevance %.2f out of [0,1]",
				r.Key, i, xr.RelevanceScore)
		}
	}
	return nil
}

// Content joins summary and sections into the record's full text.
func (r *Record) Content() string {
	var b strings.Builder
	if r.Summary != "" {
		b.WriteString(r.Summary)
	}
	for _, s := range r.Sections {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		if s.Title != "" {
			b.WriteString(s.Title)
			b.WriteString(". ")
		}
		b.WriteString(s.Body)
	}
	return b.String()
}

// LoadRecords reads every *.yaml / *.yml document under dir. Load order is
// name-sorted so repeated builds see records in the same order.
func LoadRecords(dir string) ([]Record, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read records dir %s: %w", dir, err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".yaml" || ext == ".yml" {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)
	if len(paths) == 0 {
		return nil, fmt.Errorf("no records in %s", dir)
	}

	records := make([]Record, 0, len(paths))
	seen := make(map[string]string, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		var rec Record
		if err := yaml.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if err := rec.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if prev, dup := seen[rec.Key]; dup {
			return nil, fmt.Errorf("%s: duplicate key %q (first seen in %s)", path, rec.Key, prev)
		}
		seen[rec.Key] = path
		records = append(records, rec)
	}
	return records, nil
}

// resolveEdges fills implied source keys and missing weights, drops edges
// pointing at unknown entities, and mirrors one-sided references so the
// graph is symmetric-by-convention while each direction stays independently
// traversable.
func resolveEdges(records []Record, weightFor func(connectionType string) float64) map[string][]Edge {
	known := make(map[string]bool, len(records))
	for _, r := range records {
		known[r.Key] = true
	}

	type pair struct{ from, to string }
	present := make(map[pair]bool)
	adjacency := make(map[string][]Edge)

	add := func(e Edge) {
		p := pair{e.SourceKey, e.TargetKey}
		if present[p] {
			return
		}
		present[p] = true
		adjacency[e.SourceKey] = append(adjacency[e.SourceKey], e)
	}

	for _, r := range records {
		for _, xr := range r.CrossReferences {
			e := xr
			if e.SourceKey == "" {
				e.SourceKey = r.Key
			}
			if !known[e.SourceKey] || !known[e.TargetKey] || e.SourceKey == e.TargetKey {
				continue
			}
			if e.RelevanceScore == 0 {
				e.RelevanceScore = weightFor(e.ConnectionType)
			}
			add(e)

			mirror := Edge{
				SourceKey:      e.TargetKey,
				TargetKey:      e.SourceKey,
				ConnectionType: e.ConnectionType,
				RelevanceScore: e.RelevanceScore,
				Description:    e.Description,
			}
			add(mirror)
		}
	}
	return adjacency
}

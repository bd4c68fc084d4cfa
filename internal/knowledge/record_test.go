package knowledge

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeRecordFile(t *testing.T, dir, name, yamlBody string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLoadRecordsSortsByFilename(t *testing.T) {
	dir := t.TempDir()
	writeRecordFile(t, dir, "b_entity.yaml", "key: beta\nname: Beta\nsummary: Second record content.\n")
	writeRecordFile(t, dir, "a_entity.yaml", "key: alpha\nname: Alpha\nsummary: First record content.\n")
	writeRecordFile(t, dir, "notes.txt", "not a record")

	records, err := LoadRecords(dir)
	if err != nil {
		t.Fatalf("LoadRecords: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].Key != "alpha" || records[1].Key != "beta" {
		t.Errorf("load order = [%s, %s], want [alpha, beta]", records[0].Key, records[1].Key)
	}
}

func TestLoadRecordsRejectsDuplicateKey(t *testing.T) {
	dir := t.TempDir()
	writeRecordFile(t, dir, "one.yaml", "key: same\nname: One\nsummary: Content one.\n")
	writeRecordFile(t, dir, "two.yaml", "key: same\nname: Two\nsummary: Content two.\n")

	_, err := LoadRecords(dir)
	if err == nil || !strings.Contains(err.Error(), "duplicate key") {
		t.Errorf("expected duplicate key error, got %v", err)
	}
}

func TestLoadRecordsRejectsInvalidRecord(t *testing.T) {
	dir := t.TempDir()
	writeRecordFile(t, dir, "bad.yaml", "key: noname\nsummary: Content without a name.\n")

	if _, err := LoadRecords(dir); err == nil {
		t.Error("expected validation error for record without a name")
	}
}

func TestLoadRecordsEmptyDir(t *testing.T) {
	if _, err := LoadRecords(t.TempDir()); err == nil {
		t.Error("expected error for directory without records")
	}
}

func TestValidateChecksCrossReferences(t *testing.T) {
	rec := Record{
		Key:     "alpha",
		Name:    "Alpha",
		Summary: "Some content.",
		CrossReferences: []Edge{
			{TargetKey: "beta", ConnectionType: "core_value", RelevanceScore: 1.5},
		},
	}
	if err := rec.Validate(); err == nil {
		t.Error("expected error for relevance score outside [0,1]")
	}

	rec.CrossReferences[0].RelevanceScore = 0.8
	if err := rec.Validate(); err != nil {
		t.Errorf("valid record rejected: %v", err)
	}

	rec.CrossReferences = append(rec.CrossReferences, Edge{ConnectionType: "core_value"})
	if err := rec.Validate(); err == nil {
		t.Error("expected error for cross reference without target_key")
	}
}

func TestResolveEdgesMirrorsAndFills(t *testing.T) {
	records := []Record{
		{
			Key: "alpha", Name: "Alpha", Summary: "a",
			CrossReferences: []Edge{
				{TargetKey: "beta", ConnectionType: "technical_skill"},
				{TargetKey: "ghost", ConnectionType: "technical_skill"},
				{TargetKey: "alpha", ConnectionType: "technical_skill"},
			},
		},
		{Key: "beta", Name: "Beta", Summary: "b"},
	}
	weightFor := func(string) float64 { return 0.95 }

	adj := resolveEdges(records, weightFor)

	forward := adj["alpha"]
	if len(forward) != 1 {
		t.Fatalf("alpha has %d edges %v, want 1 (unknown target and self edge dropped)", len(forward), forward)
	}
	if forward[0].TargetKey != "beta" || forward[0].RelevanceScore != 0.95 {
		t.Errorf("alpha edge = %+v, want beta at weight 0.95", forward[0])
	}

	mirror := adj["beta"]
	if len(mirror) != 1 || mirror[0].TargetKey != "alpha" {
		t.Fatalf("beta edges = %v, want a single mirrored edge back to alpha", mirror)
	}
	if mirror[0].RelevanceScore != 0.95 || mirror[0].ConnectionType != "technical_skill" {
		t.Errorf("mirror edge lost weight or type: %+v", mirror[0])
	}
}

func TestResolveEdgesKeepsExplicitScore(t *testing.T) {
	records := []Record{
		{
			Key: "alpha", Name: "Alpha", Summary: "a",
			CrossReferences: []Edge{
				{TargetKey: "beta", ConnectionType: "ai_interest", RelevanceScore: 0.4},
			},
		},
		{Key: "beta", Name: "Beta", Summary: "b"},
	}
	weightFor := func(string) float64 { return 0.95 }

	adj := resolveEdges(records, weightFor)
	if got := adj["alpha"][0].RelevanceScore; got != 0.4 {
		t.Errorf("explicit score overwritten: got %v, want 0.4", got)
	}
}

func TestResolveEdgesDoesNotOverwriteDeclaredDirection(t *testing.T) {
	// Both sides declare the edge with different scores: the first file's
	// declaration wins for its direction, the mirror never replaces it.
	records := []Record{
		{
			Key: "alpha", Name: "Alpha", Summary: "a",
			CrossReferences: []Edge{{TargetKey: "beta", ConnectionType: "core_value", RelevanceScore: 0.9}},
		},
		{
			Key: "beta", Name: "Beta", Summary: "b",
			CrossReferences: []Edge{{TargetKey: "alpha", ConnectionType: "core_value", RelevanceScore: 0.5}},
		},
	}
	adj := resolveEdges(records, func(string) float64 { return 0.75 })

	if got := adj["alpha"][0].RelevanceScore; got != 0.9 {
		t.Errorf("alpha->beta = %v, want declared 0.9", got)
	}
	// beta->alpha was mirrored from alpha's declaration before beta's own
	// record was reached, and the first writer wins.
	if got := adj["beta"][0].RelevanceScore; got != 0.9 {
		t.Errorf("beta->alpha = %v, want 0.9 from the first declaration", got)
	}
}

func TestRecordContentJoinsSummaryAndSections(t *testing.T) {
	rec := Record{
		Key:     "alpha",
		Name:    "Alpha",
		Summary: "The summary line.",
		Sections: []Section{
			{Title: "Background", Body: "Body one."},
			{Body: "Body two."},
		},
	}

	content := rec.Content()
	if !strings.HasPrefix(content, "The summary line.") {
		t.Errorf("content does not start with summary: %q", content)
	}
	if !strings.Contains(content, "Background. Body one.") {
		t.Errorf("section title not joined with body: %q", content)
	}
	if strings.Count(content, "\n\n") != 2 {
		t.Errorf("expected two section separators in %q", content)
	}
}

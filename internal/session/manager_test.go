package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/personal-context-engine/internal/config"
	"github.com/personal-context-engine/internal/embedding"
	"github.com/personal-context-engine/internal/llm"
)

type scripted struct {
	replies []string
	errs    []error
	calls   int
	prompts []string
}

func (s *scripted) Complete(_ context.Context, req *llm.Request) (*llm.Response, error) {
	i := s.calls
	s.calls++
	s.prompts = append(s.prompts, req.Prompt)
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	reply := ""
	if len(s.replies) > 0 {
		j := i
		if j >= len(s.replies) {
			j = len(s.replies) - 1
		}
		reply = s.replies[j]
	}
	return &llm.Response{Content: reply, Provider: llm.ProviderOllama, Model: "test-model"}, nil
}

type mapEmbedder struct {
	vecs map[string][]float32
}

func (e *mapEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if v, ok := e.vecs[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 0, 1}, nil
}

func (e *mapEmbedder) Dimension() int { return 4 }
func (e *mapEmbedder) Close() error   { return nil }

func newTestManager(t *testing.T, store Store, completer llm.Completer, embedder embedding.Embedder) *Manager {
	t.Helper()
	cfg := config.DefaultConfig()
	m, err := NewManager(store, completer, embedder, &cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func exchange(i int) ConversationTurn {
	return ConversationTurn{
		UserText:     fmt.Sprintf("question %d", i),
		ResponseText: fmt.Sprintf("answer %d", i),
		Subject:      "lumi",
	}
}

func TestHistoryReturnsRecentWindow(t *testing.T) {
	m := newTestManager(t, NewMemoryStore(), &scripted{}, nil)
	ctx := context.Background()

	for i := 1; i <= 8; i++ {
		if err := m.AddTurn(ctx, "s1", exchange(i)); err != nil {
			t.Fatalf("AddTurn %d: %v", i, err)
		}
	}

	history, err := m.History(ctx, "s1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 6 {
		t.Fatalf("history length = %d, want window of 6", len(history))
	}
	if history[0].UserText != "question 3" || history[5].UserText != "question 8" {
		t.Errorf("window = %q .. %q", history[0].UserText, history[5].UserText)
	}
	for _, turn := range history {
		if turn.ID == "" {
			t.Error("stored turn has no id")
		}
		if turn.SummaryTurn {
			t.Error("no summary turn expected below the threshold")
		}
	}
}

func TestSummarizationFoldsOldTurns(t *testing.T) {
	mock := &scripted{replies: []string{"SUMMARY ONE", "SUMMARY TWO"}}
	m := newTestManager(t, NewMemoryStore(), mock, nil)
	ctx := context.Background()

	for i := 1; i <= 10; i++ {
		if err := m.AddTurn(ctx, "s1", exchange(i)); err != nil {
			t.Fatalf("AddTurn %d: %v", i, err)
		}
	}

	history, err := m.History(ctx, "s1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 7 {
		t.Fatalf("history length = %d, want summary + 6 turns", len(history))
	}
	if !history[0].SummaryTurn || history[0].ResponseText != "SUMMARY ONE" {
		t.Errorf("history[0] = %+v, want the summary turn", history[0])
	}
	if history[1].UserText != "question 5" || history[6].UserText != "question 10" {
		t.Errorf("window after fold = %q .. %q", history[1].UserText, history[6].UserText)
	}
	if mock.calls != 1 {
		t.Errorf("summarizer calls = %d, want 1", mock.calls)
	}
	if !strings.Contains(mock.prompts[0], "question 4") || strings.Contains(mock.prompts[0], "question 5") {
		t.Errorf("summarization prompt should cover only folded turns:\n%s", mock.prompts[0])
	}

	// Four more turns reach the threshold again; the old summary is merged.
	for i := 11; i <= 14; i++ {
		if err := m.AddTurn(ctx, "s1", exchange(i)); err != nil {
			t.Fatalf("AddTurn %d: %v", i, err)
		}
	}
	history, err = m.History(ctx, "s1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 7 {
		t.Fatalf("history length after second fold = %d, want 7", len(history))
	}
	if history[0].ResponseText != "SUMMARY TWO" {
		t.Errorf("merged summary = %q", history[0].ResponseText)
	}
	if !strings.Contains(mock.prompts[1], "Earlier summary") || !strings.Contains(mock.prompts[1], "SUMMARY ONE") {
		t.Errorf("merge prompt missing previous summary:\n%s", mock.prompts[1])
	}

	if got := m.Stats()["summaries"].(int64); got != 2 {
		t.Errorf("summaries counter = %d, want 2", got)
	}
}

func TestSummarizationFailureKeepsTurns(t *testing.T) {
	mock := &scripted{
		replies: []string{"LATE SUMMARY"},
		errs:    []error{errors.New("summarizer down")},
	}
	m := newTestManager(t, NewMemoryStore(), mock, nil)
	ctx := context.Background()

	for i := 1; i <= 10; i++ {
		if err := m.AddTurn(ctx, "s1", exchange(i)); err != nil {
			t.Fatalf("AddTurn %d: %v", i, err)
		}
	}

	history, err := m.History(ctx, "s1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 6 || history[0].SummaryTurn {
		t.Fatalf("failed summarization must keep plain turns, got %d turns", len(history))
	}

	// The next turn crosses the threshold again and succeeds this time.
	if err := m.AddTurn(ctx, "s1", exchange(11)); err != nil {
		t.Fatalf("AddTurn 11: %v", err)
	}
	history, err = m.History(ctx, "s1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if !history[0].SummaryTurn || history[0].ResponseText != "LATE SUMMARY" {
		t.Errorf("expected retried summary, got %+v", history[0])
	}
}

func TestExtractInsightsValidatesCandidates(t *testing.T) {
	mock := &scripted{replies: []string{`[
		{"category": "preference", "text": "User prefers concise technical answers.", "confidence": 1.4},
		{"category": "mood", "text": "User seems cheerful.", "confidence": 0.8},
		{"category": "goal", "text": "   ", "confidence": 0.9}
	]`}}
	store := NewMemoryStore()
	m := newTestManager(t, store, mock, nil)
	ctx := context.Background()

	kept, err := m.ExtractInsights(ctx, "s1", exchange(1))
	if err != nil {
		t.Fatalf("ExtractInsights: %v", err)
	}
	if len(kept) != 1 {
		t.Fatalf("kept %d insights, want 1 (bad category and empty text dropped)", len(kept))
	}
	ins := kept[0]
	if ins.Category != CategoryPreference || ins.Confidence != 1.0 {
		t.Errorf("insight = %+v", ins)
	}
	if ins.Fingerprint == "" || ins.ID == "" {
		t.Errorf("insight missing identity fields: %+v", ins)
	}

	m.batcher.FlushAll(ctx)
	stored, err := store.Insights(ctx, "s1")
	if err != nil {
		t.Fatalf("Insights: %v", err)
	}
	if len(stored) != 1 || stored[0].Text != "User prefers concise technical answers." {
		t.Errorf("stored insights = %+v", stored)
	}
}

func TestExtractInsightsFingerprintDedup(t *testing.T) {
	mock := &scripted{replies: []string{`[
		{"category": "preference", "text": "user   PREFERS concise answers.", "confidence": 0.9}
	]`}}
	store := NewMemoryStore()
	seed := MemoryInsight{
		ID:          "seed",
		Category:    CategoryPreference,
		Text:        "User prefers concise answers.",
		Fingerprint: fingerprint("User prefers concise answers."),
	}
	if err := store.AddInsights(context.Background(), "s1", []MemoryInsight{seed}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	m := newTestManager(t, store, mock, nil)

	kept, err := m.ExtractInsights(context.Background(), "s1", exchange(1))
	if err != nil {
		t.Fatalf("ExtractInsights: %v", err)
	}
	if len(kept) != 0 {
		t.Errorf("kept %d, want 0 (same text modulo case and spacing)", len(kept))
	}
	if got := m.Stats()["insights_dropped"].(int64); got != 1 {
		t.Errorf("insights_dropped = %d, want 1", got)
	}
}

func TestExtractInsightsSimilarityDedup(t *testing.T) {
	mock := &scripted{replies: []string{`[
		{"category": "preference", "text": "The user enjoys long mountain hikes.", "confidence": 0.9},
		{"category": "preference", "text": "User prefers tea over coffee.", "confidence": 0.9}
	]`}}
	embedder := &mapEmbedder{vecs: map[string][]float32{
		"The user enjoys long mountain hikes.": {0.98, 0.05, 0, 0},
		"User prefers tea over coffee.":        {0, 1, 0, 0},
	}}
	store := NewMemoryStore()
	seed := MemoryInsight{
		ID:          "seed",
		Category:    CategoryPreference,
		Text:        "User likes hiking.",
		Fingerprint: fingerprint("User likes hiking."),
		Embedding:   []float32{1, 0, 0, 0},
	}
	if err := store.AddInsights(context.Background(), "s1", []MemoryInsight{seed}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	m := newTestManager(t, store, mock, embedder)

	kept, err := m.ExtractInsights(context.Background(), "s1", exchange(1))
	if err != nil {
		t.Fatalf("ExtractInsights: %v", err)
	}
	if len(kept) != 1 {
		t.Fatalf("kept %d insights, want 1 (hiking variant too similar)", len(kept))
	}
	if kept[0].Text != "User prefers tea over coffee." {
		t.Errorf("kept = %q", kept[0].Text)
	}
	if len(kept[0].Embedding) == 0 {
		t.Error("kept insight should carry its embedding for future dedup")
	}
}

func TestExtractInsightsRejectsMalformedReply(t *testing.T) {
	mock := &scripted{replies: []string{"no insights here, sorry"}}
	m := newTestManager(t, NewMemoryStore(), mock, nil)

	if _, err := m.ExtractInsights(context.Background(), "s1", exchange(1)); err == nil {
		t.Fatal("expected error for a reply without JSON")
	}
}

func TestSummaryCounts(t *testing.T) {
	store := NewMemoryStore()
	m := newTestManager(t, store, &scripted{}, nil)
	ctx := context.Background()

	turns := []ConversationTurn{
		{UserText: "a", ResponseText: "ra", Subject: "lumi"},
		{UserText: "b", ResponseText: "rb", Subject: "lumi", Voice: true},
		{UserText: "c", ResponseText: "rc", Subject: "movies"},
		{UserText: "d", ResponseText: "rd", Subject: "books"},
	}
	for _, turn := range turns {
		if err := m.AddTurn(ctx, "s1", turn); err != nil {
			t.Fatalf("AddTurn: %v", err)
		}
	}

	summary, err := m.Summary(ctx, "s1")
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if summary.TurnCount != 4 {
		t.Errorf("turn count = %d, want 4", summary.TurnCount)
	}
	if summary.VoiceRatio != 0.25 {
		t.Errorf("voice ratio = %v, want 0.25", summary.VoiceRatio)
	}
	if summary.LastSubject != "books" {
		t.Errorf("last subject = %q", summary.LastSubject)
	}
	if summary.InsightCount != 0 {
		t.Errorf("insight count = %d, want 0", summary.InsightCount)
	}
}

func TestSummaryCountsSurviveSummarization(t *testing.T) {
	mock := &scripted{replies: []string{"SUMMARY"}}
	m := newTestManager(t, NewMemoryStore(), mock, nil)
	ctx := context.Background()

	for i := 1; i <= 10; i++ {
		if err := m.AddTurn(ctx, "s1", exchange(i)); err != nil {
			t.Fatalf("AddTurn %d: %v", i, err)
		}
	}
	summary, err := m.Summary(ctx, "s1")
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if summary.TurnCount != 10 {
		t.Errorf("turn count = %d, want lifetime 10 despite folding", summary.TurnCount)
	}
	if summary.Summary != "SUMMARY" {
		t.Errorf("summary text = %q", summary.Summary)
	}
}

func TestEvictionWritesStateBack(t *testing.T) {
	store := NewMemoryStore()
	cfg := config.DefaultConfig()
	cfg.Session.MaxActiveSessions = 1
	m, err := NewManager(store, &scripted{}, nil, &cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()
	ctx := context.Background()

	if err := m.AddTurn(ctx, "alpha", exchange(1)); err != nil {
		t.Fatalf("AddTurn alpha: %v", err)
	}
	// Touching a second session evicts alpha and writes it through.
	if err := m.AddTurn(ctx, "beta", exchange(2)); err != nil {
		t.Fatalf("AddTurn beta: %v", err)
	}

	st, err := store.Load(ctx, "alpha")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(st.Turns) != 1 || st.Turns[0].UserText != "question 1" {
		t.Errorf("evicted state not persisted: %+v", st)
	}

	// Reading alpha again reloads it from the store.
	history, err := m.History(ctx, "alpha")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 || history[0].UserText != "question 1" {
		t.Errorf("reloaded history = %+v", history)
	}
}

func TestCloseWritesResidentSessionsBack(t *testing.T) {
	store := NewMemoryStore()
	cfg := config.DefaultConfig()
	m, err := NewManager(store, &scripted{}, nil, &cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	ctx := context.Background()

	if err := m.AddTurn(ctx, "s1", exchange(1)); err != nil {
		t.Fatalf("AddTurn: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st, err := store.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(st.Turns) != 1 {
		t.Errorf("state not flushed on close: %+v", st)
	}
}

type saveFailStore struct {
	*MemoryStore
	fail bool
}

func (s *saveFailStore) Save(ctx context.Context, st *State) error {
	if s.fail {
		return errors.New("store offline")
	}
	return s.MemoryStore.Save(ctx, st)
}

func TestAddTurnWritesThroughToStore(t *testing.T) {
	store := NewMemoryStore()
	m := newTestManager(t, store, &scripted{}, nil)
	ctx := context.Background()

	if err := m.AddTurn(ctx, "s1", exchange(1)); err != nil {
		t.Fatalf("AddTurn: %v", err)
	}

	// The store sees the turn immediately, not only on eviction or close.
	st, err := store.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(st.Turns) != 1 || st.Turns[0].UserText != "question 1" {
		t.Errorf("store state after the turn = %+v", st)
	}

	if err := m.AddTurn(ctx, "s1", exchange(2)); err != nil {
		t.Fatalf("AddTurn: %v", err)
	}
	st, err = store.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(st.Turns) != 2 || st.TotalTurns != 2 {
		t.Errorf("store state after the second turn = %+v", st)
	}
}

func TestAddTurnSurvivesStoreOutage(t *testing.T) {
	store := &saveFailStore{MemoryStore: NewMemoryStore(), fail: true}
	m := newTestManager(t, store, &scripted{}, nil)
	ctx := context.Background()

	if err := m.AddTurn(ctx, "s1", exchange(1)); err != nil {
		t.Fatalf("a store outage must not fail the turn: %v", err)
	}

	// The turn stays resident and readable.
	history, err := m.History(ctx, "s1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 || history[0].UserText != "question 1" {
		t.Errorf("resident history = %+v", history)
	}
	if got := m.Stats()["writeback_failures"].(int64); got != 1 {
		t.Errorf("writeback_failures = %d, want 1", got)
	}

	// Once the store recovers, the next turn persists both.
	store.fail = false
	if err := m.AddTurn(ctx, "s1", exchange(2)); err != nil {
		t.Fatalf("AddTurn: %v", err)
	}
	st, err := store.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(st.Turns) != 2 {
		t.Errorf("store state after recovery = %+v", st)
	}
}

func TestNewManagerRequiresShrinkingFold(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Session.WindowTurns = 6

	// window+1 would fold a single turn into a single summary turn and the
	// history would never shrink.
	cfg.Session.SummarizeEvery = 7
	if _, err := NewManager(NewMemoryStore(), &scripted{}, nil, &cfg, zaptest.NewLogger(t)); err == nil {
		t.Error("summarize_every of window_turns+1 accepted")
	}

	cfg.Session.SummarizeEvery = 8
	m, err := NewManager(NewMemoryStore(), &scripted{}, nil, &cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("summarize_every of window_turns+2 rejected: %v", err)
	}
	m.Close()
}

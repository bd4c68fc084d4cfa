package session

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/personal-context-engine/internal/config"
	"github.com/personal-context-engine/internal/embedding"
	"github.com/personal-context-engine/internal/jsonx"
	"github.com/personal-context-engine/internal/llm"
)

// Manager is the single owner of conversation state. It keeps active
// sessions in a bounded LRU, writes every completed turn through to the
// store, rolls old turns into a summary turn, and extracts deduplicated
// insights.
//
// States in the LRU are treated as immutable: every mutation clones,
// edits the clone, and swaps it in, so concurrent readers always see a
// consistent snapshot. The pipeline serializes writers per session.
type Manager struct {
	store    Store
	llm      llm.Completer
	embedder embedding.Embedder
	logger   *zap.Logger

	windowTurns      int
	summarizeEvery   int
	similarity       float64
	summarizeTimeout time.Duration

	mu     sync.Mutex
	active *lru.Cache[string, *State]

	batcher *InsightBatcher

	summaries        atomic.Int64
	insightsKept     atomic.Int64
	insightsDropped  atomic.Int64
	writebackFailure atomic.Int64
}

// NewManager builds the context manager and starts its insight batcher.
func NewManager(store Store, completer llm.Completer, embedder embedding.Embedder, cfg *config.Config, logger *zap.Logger) (*Manager, error) {
	window := cfg.Session.WindowTurns
	if window < 1 {
		window = 6
	}
	// Folding must shrink the stored history: at window+1 the single
	// folded turn is replaced by a summary turn of its own, so the
	// threshold starts at window+2.
	every := cfg.Session.SummarizeEvery
	if every < window+2 {
		return nil, fmt.Errorf("summarize_every (%d) must exceed window_turns (%d) by at least 2", every, window)
	}
	similarity := cfg.Session.InsightSimilarity
	if similarity <= 0 || similarity > 1 {
		similarity = 0.92
	}
	maxActive := cfg.Session.MaxActiveSessions
	if maxActive < 1 {
		maxActive = 512
	}
	summarizeTimeout := cfg.LLM.SummarizeTimeout
	if summarizeTimeout <= 0 {
		summarizeTimeout = 20 * time.Second
	}

	m := &Manager{
		store:            store,
		llm:              completer,
		embedder:         embedder,
		logger:           logger.Named("context_manager"),
		windowTurns:      window,
		summarizeEvery:   every,
		similarity:       similarity,
		summarizeTimeout: summarizeTimeout,
	}

	active, err := lru.NewWithEvict[string, *State](maxActive, m.writeBack)
	if err != nil {
		return nil, fmt.Errorf("session lru: %w", err)
	}
	m.active = active

	m.batcher = NewInsightBatcher(store, cfg.Session.InsightFlushSize, cfg.Session.InsightFlushEvery, logger)
	m.batcher.Start()
	return m, nil
}

// writeBack persists a state evicted from the active set.
func (m *Manager) writeBack(sessionID string, st *State) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.Save(ctx, st); err != nil {
		m.writebackFailure.Add(1)
		m.logger.Warn("session write-back failed",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}

// load returns the resident state for a session, pulling it from the store
// on a cache miss. The returned state must not be mutated.
func (m *Manager) load(ctx context.Context, sessionID string) (*State, error) {
	m.mu.Lock()
	if st, ok := m.active.Get(sessionID); ok {
		m.mu.Unlock()
		return st, nil
	}
	m.mu.Unlock()

	st, err := m.store.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.active.Add(sessionID, st)
	m.mu.Unlock()
	return st, nil
}

func (m *Manager) commit(sessionID string, st *State) {
	m.mu.Lock()
	m.active.Add(sessionID, st)
	m.mu.Unlock()
}

// History returns the most recent window of turns, preceded by the summary
// turn when older history has been rolled up.
func (m *Manager) History(ctx context.Context, sessionID string) ([]ConversationTurn, error) {
	st, err := m.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	real := st.realTurns()
	if len(real) > m.windowTurns {
		real = real[len(real)-m.windowTurns:]
	}
	var out []ConversationTurn
	if summary, ok := st.summaryTurn(); ok {
		out = append(out, summary)
	}
	return append(out, real...), nil
}

// AddTurn appends a completed exchange. Every summarizeEvery live turns the
// pre-window turns are folded into one summary turn; a summarization
// failure keeps the turns and tries again next time.
func (m *Manager) AddTurn(ctx context.Context, sessionID string, turn ConversationTurn) error {
	st, err := m.load(ctx, sessionID)
	if err != nil {
		return err
	}

	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}

	next := st.Clone()
	next.SessionID = sessionID
	next.Turns = append(next.Turns, turn)
	next.TotalTurns++
	if turn.Voice {
		next.VoiceTurns++
	}
	if next.StartedAt.IsZero() {
		next.StartedAt = turn.Timestamp
	}
	next.UpdatedAt = time.Now().UTC()

	if len(next.realTurns()) >= m.summarizeEvery {
		m.summarize(ctx, next)
	}

	m.commit(sessionID, next)

	// Write through so a restart never loses a completed turn. A failed
	// save keeps the turn resident; eviction and Close retry it.
	if err := m.store.Save(ctx, next); err != nil {
		m.writebackFailure.Add(1)
		m.logger.Warn("session write-through failed",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
	return nil
}

// summarize folds everything before the window into one summary turn,
// merging the previous summary when one exists. Mutates st in place.
func (m *Manager) summarize(ctx context.Context, st *State) {
	real := st.realTurns()
	if len(real) <= m.windowTurns {
		return
	}
	fold := real[:len(real)-m.windowTurns]
	keep := real[len(real)-m.windowTurns:]

	previous := ""
	if prev, ok := st.summaryTurn(); ok {
		previous = prev.ResponseText
	}

	sctx, cancel := context.WithTimeout(ctx, m.summarizeTimeout)
	text, err := m.summarizeTurns(sctx, fold, previous)
	cancel()
	if err != nil {
		m.logger.Warn("summarization failed, keeping turns",
			zap.String("session_id", st.SessionID),
			zap.Error(err))
		return
	}

	summary := ConversationTurn{
		ID:           uuid.NewString(),
		ResponseText: text,
		SummaryTurn:  true,
		Timestamp:    time.Now().UTC(),
	}
	st.Turns = append([]ConversationTurn{summary}, keep...)
	m.summaries.Add(1)
	m.logger.Info("history summarized",
		zap.String("session_id", st.SessionID),
		zap.Int("folded", len(fold)),
		zap.Int("kept", len(keep)))
}

func (m *Manager) summarizeTurns(ctx context.Context, turns []ConversationTurn, previous string) (string, error) {
	var b strings.Builder
	b.WriteString("Summarize this conversation, focusing on the topics discussed, the user's goals and interests, and important context. Keep it concise.\n\n")
	if previous != "" {
		b.WriteString("Earlier summary to fold in:\n")
		b.WriteString(previous)
		b.WriteString("\n\n")
	}
	b.WriteString("Turns:\n")
	for _, t := range turns {
		fmt.Fprintf(&b, "User: %s\nAssistant: %s\n", t.UserText, t.ResponseText)
	}

	resp, err := m.llm.Complete(ctx, &llm.Request{
		Prompt:      b.String(),
		MaxTokens:   500,
		Temperature: 0.3,
	})
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return "", fmt.Errorf("empty summary")
	}
	return text, nil
}

const insightSystemPrompt = `You extract durable facts about the user from one conversation exchange.

Reply with ONLY a JSON array in this exact schema (empty array when nothing qualifies):
[
  {
    "category": "preference" | "goal" | "context" | "communication_style" | "topic_of_interest",
    "text": "<one short sentence stating the fact>",
    "confidence": <number 0.0 to 1.0>
  }
]

Only include facts that are clearly evident and worth remembering beyond this conversation.`

type insightResult struct {
	Category   string  `json:"category"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// ExtractInsights mines one exchange for durable facts, validates and
// deduplicates them against the stored set, and queues survivors for the
// batched store write. Returns the insights it kept.
func (m *Manager) ExtractInsights(ctx context.Context, sessionID string, turn ConversationTurn) ([]MemoryInsight, error) {
	resp, err := m.llm.Complete(ctx, &llm.Request{
		System:      insightSystemPrompt,
		Prompt:      fmt.Sprintf("User: %s\nAssistant: %s", turn.UserText, turn.ResponseText),
		MaxTokens:   400,
		Temperature: 0.3,
		ForceJSON:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("insight extraction: %w", err)
	}

	raw, ok := llm.ExtractJSONBlock(resp.Content)
	if !ok {
		return nil, fmt.Errorf("insight extraction: no JSON in reply")
	}
	var results []insightResult
	if err := jsonx.Unmarshal(raw, &results); err != nil {
		return nil, fmt.Errorf("insight extraction: %w", err)
	}
	if len(results) == 0 {
		return nil, nil
	}

	stored, err := m.store.Insights(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	kept := m.dedupe(ctx, stored, results)
	if len(kept) > 0 {
		m.batcher.Add(sessionID, kept)
	}
	return kept, nil
}

// dedupe validates candidates and drops any that duplicate a stored
// insight, by exact fingerprint first and then by embedding similarity.
func (m *Manager) dedupe(ctx context.Context, stored []MemoryInsight, candidates []insightResult) []MemoryInsight {
	seen := make(map[string]bool, len(stored))
	vectors := make([][]float32, 0, len(stored))
	for _, ins := range stored {
		seen[ins.Fingerprint] = true
		if len(ins.Embedding) > 0 {
			vectors = append(vectors, ins.Embedding)
		}
	}

	var kept []MemoryInsight
	for _, c := range candidates {
		text := strings.TrimSpace(c.Text)
		if text == "" || !validCategories[c.Category] {
			m.insightsDropped.Add(1)
			continue
		}

		fp := fingerprint(text)
		if seen[fp] {
			m.insightsDropped.Add(1)
			continue
		}

		var vec []float32
		if m.embedder != nil {
			v, err := m.embedder.Embed(ctx, text)
			if err != nil {
				m.logger.Warn("insight embedding failed, fingerprint dedup only", zap.Error(err))
			} else {
				vec = v
			}
		}
		if vec != nil && m.tooSimilar(vec, vectors) {
			m.insightsDropped.Add(1)
			continue
		}

		confidence := c.Confidence
		if confidence < 0 {
			confidence = 0
		} else if confidence > 1 {
			confidence = 1
		}

		kept = append(kept, MemoryInsight{
			ID:          uuid.NewString(),
			Category:    c.Category,
			Text:        text,
			Confidence:  confidence,
			Fingerprint: fp,
			Embedding:   vec,
			CreatedAt:   time.Now().UTC(),
		})
		m.insightsKept.Add(1)
		seen[fp] = true
		if vec != nil {
			vectors = append(vectors, vec)
		}
	}
	return kept
}

func (m *Manager) tooSimilar(vec []float32, against [][]float32) bool {
	for _, other := range against {
		if float64(embedding.CosineSimilarity(vec, other)) >= m.similarity {
			return true
		}
	}
	return false
}

// fingerprint hashes the normalized insight text for exact-duplicate
// detection.
func fingerprint(text string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	sum := blake2b.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:16])
}

// Summary reports the rolled-up view of one session.
func (m *Manager) Summary(ctx context.Context, sessionID string) (SessionSummary, error) {
	st, err := m.load(ctx, sessionID)
	if err != nil {
		return SessionSummary{}, err
	}
	stored, err := m.store.Insights(ctx, sessionID)
	if err != nil {
		return SessionSummary{}, err
	}

	out := SessionSummary{
		SessionID:    sessionID,
		TurnCount:    st.TotalTurns,
		InsightCount: len(stored) + m.batcher.Pending(sessionID),
		StartedAt:    st.StartedAt,
		LastActive:   st.UpdatedAt,
	}
	if st.TotalTurns > 0 {
		out.VoiceRatio = float64(st.VoiceTurns) / float64(st.TotalTurns)
	}
	if summary, ok := st.summaryTurn(); ok {
		out.Summary = summary.ResponseText
	}
	if real := st.realTurns(); len(real) > 0 {
		out.LastSubject = real[len(real)-1].Subject
	}
	return out, nil
}

// Close drains the batcher, writes every resident session back to the
// store, and closes the store.
func (m *Manager) Close() error {
	m.batcher.Stop()
	m.mu.Lock()
	m.active.Purge()
	m.mu.Unlock()
	return m.store.Close()
}

// Stats reports context-manager counters for the stats endpoint.
func (m *Manager) Stats() map[string]interface{} {
	m.mu.Lock()
	resident := m.active.Len()
	m.mu.Unlock()
	return map[string]interface{}{
		"active_sessions":    resident,
		"summaries":          m.summaries.Load(),
		"insights_kept":      m.insightsKept.Load(),
		"insights_dropped":   m.insightsDropped.Load(),
		"writeback_failures": m.writebackFailure.Load(),
	}
}

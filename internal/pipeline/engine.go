// Package pipeline runs one conversational turn end to end: load history,
// parse the message, retrieve context, generate and evaluate a reply,
// persist the turn, then extract insights off the request path. It is the
// engine's single asynchronous surface; the HTTP gateway, the websocket
// handler, and the Go SDK are thin adapters over it.
package pipeline

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/personal-context-engine/internal/config"
	"github.com/personal-context-engine/internal/evaluation"
	"github.com/personal-context-engine/internal/parser"
	"github.com/personal-context-engine/internal/retrieval"
	"github.com/personal-context-engine/internal/session"
	"github.com/personal-context-engine/internal/synthesis"
)

// Options tunes a single turn.
type Options struct {
	Voice bool // spoken-reply phrasing constraints
	TopK  int  // retrieval depth, 0 for the configured default
}

// ContextRef is the reply-visible provenance of one retrieved passage.
type ContextRef struct {
	ChunkID    string  `json:"chunk_id"`
	EntityKey  string  `json:"entity_key"`
	Score      float64 `json:"score"`
	Path       string  `json:"path"`
	Provenance string  `json:"provenance,omitempty"`
}

// ReplyMetadata describes how a reply was produced.
type ReplyMetadata struct {
	Subject         string       `json:"subject,omitempty"`
	ParserSource    string       `json:"parser_source"`
	ParseConfidence float64      `json:"parse_confidence"`
	Attempts        int          `json:"attempts"`
	Score           float64      `json:"evaluation_score"`
	Unverified      bool         `json:"unverified,omitempty"`
	Degraded        bool         `json:"degraded,omitempty"`
	Contexts        []ContextRef `json:"contexts,omitempty"`
	Model           string       `json:"model,omitempty"`
	Provider        string       `json:"provider,omitempty"`
	Voice           bool         `json:"voice,omitempty"`
	DurationMS      int64        `json:"duration_ms"`
}

// Reply is the completed answer for one turn.
type Reply struct {
	SessionID string        `json:"session_id"`
	Text      string        `json:"response"`
	Metadata  ReplyMetadata `json:"metadata"`
}

// Stream event types.
const (
	EventFragment = "fragment"
	EventMetadata = "metadata"
)

// StreamEvent is one message of a streaming turn: ordered fragments whose
// concatenation equals Reply.Text, then exactly one metadata event whose
// Index is the fragment count.
type StreamEvent struct {
	Type     string         `json:"type"`
	Index    int            `json:"index"`
	Text     string         `json:"text,omitempty"`
	Metadata *ReplyMetadata `json:"metadata,omitempty"`
}

// Engine wires the parser, retriever, generation loop, and session manager
// into the turn pipeline.
type Engine struct {
	parser       *parser.Parser
	retriever    *retrieval.Retriever
	orchestrator *evaluation.Orchestrator
	sessions     *session.Manager
	publisher    *TurnPublisher
	logger       *zap.Logger

	parseTimeout   time.Duration
	insightTimeout time.Duration

	locks    *sessionLocks
	detached sync.WaitGroup

	turns    atomic.Int64
	streams  atomic.Int64
	degraded atomic.Int64
}

// New assembles the pipeline from already-built components. publisher may be
// nil when NATS is not configured.
func New(p *parser.Parser, r *retrieval.Retriever, o *evaluation.Orchestrator, s *session.Manager, pub *TurnPublisher, cfg *config.Config, logger *zap.Logger) *Engine {
	parseTimeout := cfg.LLM.ParseTimeout
	if parseTimeout <= 0 {
		parseTimeout = 10 * time.Second
	}
	insightTimeout := cfg.LLM.SummarizeTimeout
	if insightTimeout <= 0 {
		insightTimeout = 20 * time.Second
	}
	return &Engine{
		parser:         p,
		retriever:      r,
		orchestrator:   o,
		sessions:       s,
		publisher:      pub,
		logger:         logger.Named("pipeline"),
		parseTimeout:   parseTimeout,
		insightTimeout: insightTimeout,
		locks:          newSessionLocks(),
	}
}

// ProcessMessage runs one turn and blocks until the reply is complete.
// Turns in the same session run strictly in arrival order; distinct
// sessions share nothing but the read-only knowledge store.
func (e *Engine) ProcessMessage(ctx context.Context, sessionID, text string, opts Options) (*Reply, error) {
	l := e.locks.acquire(sessionID)
	defer e.locks.release(sessionID, l)
	return e.runTurn(ctx, sessionID, text, opts)
}

// ProcessMessageStream runs one turn and delivers the reply as ordered
// fragment events followed by one metadata event. The session lock is
// released once the turn is persisted, before delivery, so a slow reader
// cannot stall the session.
func (e *Engine) ProcessMessageStream(ctx context.Context, sessionID, text string, opts Options) (<-chan StreamEvent, error) {
	l := e.locks.acquire(sessionID)
	reply, err := e.runTurn(ctx, sessionID, text, opts)
	e.locks.release(sessionID, l)
	if err != nil {
		return nil, err
	}
	e.streams.Add(1)

	fragments := synthesis.SplitFragments(reply.Text)
	events := make(chan StreamEvent, 4)
	e.detached.Add(1)
	go func() {
		defer e.detached.Done()
		defer close(events)
		for i, f := range fragments {
			select {
			case events <- StreamEvent{Type: EventFragment, Index: i, Text: f}:
			case <-ctx.Done():
				return
			}
		}
		md := reply.Metadata
		select {
		case events <- StreamEvent{Type: EventMetadata, Index: len(fragments), Metadata: &md}:
		case <-ctx.Done():
		}
	}()
	return events, nil
}

// SessionSummary reports the session's aggregate counters.
func (e *Engine) SessionSummary(ctx context.Context, sessionID string) (session.SessionSummary, error) {
	return e.sessions.Summary(ctx, sessionID)
}

func (e *Engine) runTurn(ctx context.Context, sessionID, text string, opts Options) (*Reply, error) {
	start := time.Now()
	e.turns.Add(1)

	history, err := e.sessions.History(ctx, sessionID)
	if err != nil {
		// A session store outage costs continuity, not the turn.
		e.logger.Warn("history unavailable, running stateless turn",
			zap.String("session_id", sessionID),
			zap.Error(err))
		history = nil
	}

	pctx, cancel := context.WithTimeout(ctx, e.parseTimeout)
	prompt, objective, err := e.parser.Parse(pctx, text, recentTurns(history), opts.Voice)
	cancel()
	if err != nil {
		return nil, err
	}

	contexts, err := e.retriever.Retrieve(ctx, prompt, text, opts.TopK)
	if err != nil {
		return nil, err
	}

	outcome, err := e.orchestrator.Run(ctx, &synthesis.Request{
		Prompt:    prompt,
		Objective: objective,
		Contexts:  contexts,
		History:   exchanges(history),
		UserText:  text,
	})
	if err != nil {
		return nil, err
	}

	reply := e.buildReply(sessionID, prompt, outcome, contexts, opts, start)

	turn := session.ConversationTurn{
		UserText:     text,
		ResponseText: reply.Text,
		Subject:      prompt.Subject,
		Confidence:   prompt.Confidence,
		ContextIDs:   chunkIDs(contexts),
		Evaluation:   outcome.Score.Overall,
		Degraded:     reply.Metadata.Degraded,
		Voice:        opts.Voice,
	}
	if err := e.sessions.AddTurn(ctx, sessionID, turn); err != nil {
		e.logger.Warn("turn not persisted",
			zap.String("session_id", sessionID),
			zap.Error(err))
	} else {
		e.extractInsightsAsync(sessionID, turn)
	}

	e.publisher.Publish(TurnEvent{
		SessionID:  sessionID,
		Subject:    prompt.Subject,
		Score:      outcome.Score.Overall,
		Attempts:   outcome.Attempts,
		Degraded:   reply.Metadata.Degraded,
		Voice:      opts.Voice,
		DurationMS: reply.Metadata.DurationMS,
	})

	return reply, nil
}

func (e *Engine) buildReply(sessionID string, prompt parser.ReqPrompt, outcome *evaluation.Outcome, contexts []retrieval.RAGContext, opts Options, start time.Time) *Reply {
	cand := outcome.Candidate
	degraded := cand.Metadata.Degraded || outcome.Exhausted
	if degraded {
		e.degraded.Add(1)
	}

	var refs []ContextRef
	for _, c := range contexts {
		refs = append(refs, ContextRef{
			ChunkID:    c.Chunk.ID,
			EntityKey:  c.Chunk.EntityKey,
			Score:      c.Score,
			Path:       string(c.Path),
			Provenance: c.Provenance,
		})
	}

	return &Reply{
		SessionID: sessionID,
		Text:      cand.Text,
		Metadata: ReplyMetadata{
			Subject:         prompt.Subject,
			ParserSource:    string(prompt.Source),
			ParseConfidence: prompt.Confidence,
			Attempts:        outcome.Attempts,
			Score:           outcome.Score.Overall,
			Unverified:      outcome.Score.Unverified,
			Degraded:        degraded,
			Contexts:        refs,
			Model:           cand.Metadata.Model,
			Provider:        cand.Metadata.Provider,
			Voice:           opts.Voice,
			DurationMS:      time.Since(start).Milliseconds(),
		},
	}
}

// extractInsightsAsync runs insight extraction after the reply has been
// returned. The goroutine carries its own deadline and a panic guard so a
// bad model reply cannot take the server down.
func (e *Engine) extractInsightsAsync(sessionID string, turn session.ConversationTurn) {
	e.detached.Add(1)
	go func() {
		defer e.detached.Done()
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("insight extraction panicked",
					zap.String("session_id", sessionID),
					zap.Any("panic", r))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), e.insightTimeout)
		defer cancel()
		if _, err := e.sessions.ExtractInsights(ctx, sessionID, turn); err != nil {
			e.logger.Debug("insight extraction skipped",
				zap.String("session_id", sessionID),
				zap.Error(err))
		}
	}()
}

// recentTurns maps stored history to parser turn context, rebuilding
// conversation depth from runs of consecutive same-subject turns.
func recentTurns(history []session.ConversationTurn) []parser.TurnContext {
	var out []parser.TurnContext
	depth := 0
	prev := ""
	for _, t := range history {
		if t.SummaryTurn {
			continue
		}
		if t.Subject != "" && strings.EqualFold(t.Subject, prev) {
			depth++
		} else {
			depth = 0
		}
		out = append(out, parser.TurnContext{UserText: t.UserText, Subject: t.Subject, Depth: depth})
		prev = t.Subject
	}
	return out
}

// exchanges maps history to synthesis exchanges. The summary turn has no
// user side; it becomes a synthetic exchange so the model still sees the
// folded conversation.
func exchanges(history []session.ConversationTurn) []synthesis.Exchange {
	var out []synthesis.Exchange
	for _, t := range history {
		ex := synthesis.Exchange{UserText: t.UserText, ResponseText: t.ResponseText}
		if t.SummaryTurn {
			ex.UserText = "(earlier conversation, summarized)"
		}
		out = append(out, ex)
	}
	return out
}

func chunkIDs(contexts []retrieval.RAGContext) []string {
	if len(contexts) == 0 {
		return nil
	}
	ids := make([]string, len(contexts))
	for i, c := range contexts {
		ids[i] = c.Chunk.ID
	}
	return ids
}

// Close waits for detached work, then shuts down the session manager and
// the event publisher. Ordering matters: insight goroutines must finish
// before the manager's batcher stops.
func (e *Engine) Close() error {
	e.detached.Wait()
	err := e.sessions.Close()
	e.publisher.Close()
	return err
}

// Stats aggregates stage counters for the stats endpoint.
func (e *Engine) Stats() map[string]interface{} {
	return map[string]interface{}{
		"turns":          e.turns.Load(),
		"streamed_turns": e.streams.Load(),
		"degraded_turns": e.degraded.Load(),
		"parser":         e.parser.Stats(),
		"retrieval":      e.retriever.Stats(),
		"evaluation":     e.orchestrator.Stats(),
		"sessions":       e.sessions.Stats(),
		"events":         e.publisher.Stats(),
	}
}

// Package synthesis turns a classified request plus retrieved context into
// one candidate reply. Generation failures degrade to a templated fallback;
// only an unreachable backend propagates as an error.
package synthesis

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/personal-context-engine/internal/config"
	"github.com/personal-context-engine/internal/fault"
	"github.com/personal-context-engine/internal/llm"
	"github.com/personal-context-engine/internal/parser"
	"github.com/personal-context-engine/internal/retrieval"
)

// FallbackText is the degraded reply when generation fails.
const FallbackText = "I apologize, but I'm unable to give you a complete answer right now. Please try again."

// Exchange is one prior user/assistant round folded into the prompt.
type Exchange struct {
	UserText     string
	ResponseText string
}

// Request carries everything one generation attempt needs. Attempt is
// 1-based; Feedback holds the previous attempt's evaluator feedback and is
// empty on the first attempt.
type Request struct {
	Prompt    parser.ReqPrompt
	Objective parser.ResponseObjective
	Contexts  []retrieval.RAGContext
	History   []Exchange
	UserText  string
	Attempt   int
	Feedback  string
}

// Metadata describes how a candidate was produced.
type Metadata struct {
	Model      string `json:"model"`
	Provider   string `json:"provider"`
	Degraded   bool   `json:"degraded"`
	DurationMS int64  `json:"duration_ms"`
}

// CandidateResponse is one generated reply, pending evaluation.
type CandidateResponse struct {
	Text         string   `json:"text"`
	Attempt      int      `json:"attempt_number"`
	UsedContexts []string `json:"used_contexts,omitempty"`
	Metadata     Metadata `json:"generation_metadata"`
}

// Fragment is one ordered piece of a streamed reply.
type Fragment struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

// Synthesizer generates candidate replies.
type Synthesizer struct {
	llm    llm.Completer
	logger *zap.Logger

	model    string
	provider string
	timeout  time.Duration

	briefWords    int
	standardWords int
	detailedWords int

	generations atomic.Int64
	degraded    atomic.Int64
}

// New builds a synthesizer from configuration.
func New(completer llm.Completer, cfg *config.Config, logger *zap.Logger) *Synthesizer {
	timeout := cfg.LLM.GenerateTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Synthesizer{
		llm:           completer,
		logger:        logger.Named("synthesizer"),
		model:         cfg.LLM.Model,
		provider:      cfg.LLM.Provider,
		timeout:       timeout,
		briefWords:    wordsOr(cfg.Synthesis.BriefWords, 60),
		standardWords: wordsOr(cfg.Synthesis.StandardWords, 160),
		detailedWords: wordsOr(cfg.Synthesis.DetailedWords, 320),
	}
}

func wordsOr(n, fallback int) int {
	if n <= 0 {
		return fallback
	}
	return n
}

// Generate produces one candidate. It uses only the contexts passed in; a
// generation failure returns the degraded fallback, never an error, unless
// the backend itself is unreachable.
func (s *Synthesizer) Generate(ctx context.Context, req *Request) (*CandidateResponse, error) {
	start := time.Now()
	s.generations.Add(1)

	attempt := req.Attempt
	if attempt < 1 {
		attempt = 1
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.llm.Complete(cctx, &llm.Request{
		System:      s.systemPrompt(req),
		Prompt:      s.userPrompt(req),
		MaxTokens:   s.maxTokens(req.Prompt.LengthClass),
		Temperature: 0.7,
	})
	if err != nil {
		if fault.Fatal(err) {
			return nil, err
		}
		s.degraded.Add(1)
		s.logger.Warn("generation degraded",
			zap.Error(fault.Wrap(fault.ErrSynthesis, "complete", err)),
			zap.Int("attempt", attempt))
		return s.fallback(attempt, start), nil
	}

	text := strings.TrimSpace(resp.Content)
	if text == "" {
		s.degraded.Add(1)
		s.logger.Warn("generation returned empty reply", zap.Int("attempt", attempt))
		return s.fallback(attempt, start), nil
	}

	return &CandidateResponse{
		Text:         text,
		Attempt:      attempt,
		UsedContexts: contextIDs(req.Contexts),
		Metadata: Metadata{
			Model:      resp.Model,
			Provider:   string(resp.Provider),
			DurationMS: time.Since(start).Milliseconds(),
		},
	}, nil
}

// GenerateStream produces the same reply as Generate and emits it as
// ordered fragments. The concatenated fragment text is byte-identical to
// the returned candidate's text.
func (s *Synthesizer) GenerateStream(ctx context.Context, req *Request) (*CandidateResponse, <-chan Fragment, error) {
	candidate, err := s.Generate(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan Fragment, 4)
	go func() {
		defer close(ch)
		for i, piece := range SplitFragments(candidate.Text) {
			select {
			case ch <- Fragment{Index: i, Text: piece}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return candidate, ch, nil
}

func (s *Synthesizer) fallback(attempt int, start time.Time) *CandidateResponse {
	return &CandidateResponse{
		Text:    FallbackText,
		Attempt: attempt,
		Metadata: Metadata{
			Model:      s.model,
			Provider:   s.provider,
			Degraded:   true,
			DurationMS: time.Since(start).Milliseconds(),
		},
	}
}

func contextIDs(contexts []retrieval.RAGContext) []string {
	if len(contexts) == 0 {
		return nil
	}
	ids := make([]string, 0, len(contexts))
	for _, c := range contexts {
		ids = append(ids, c.Chunk.ID)
	}
	return ids
}

func (s *Synthesizer) wordTarget(class parser.LengthClass) int {
	switch class {
	case parser.LengthBrief:
		return s.briefWords
	case parser.LengthDetailed:
		return s.detailedWords
	default:
		return s.standardWords
	}
}

// maxTokens leaves the model room above the word target without letting it
// run far past the objective ceiling.
func (s *Synthesizer) maxTokens(class parser.LengthClass) int {
	tokens := s.wordTarget(class) * 2
	if tokens < 256 {
		tokens = 256
	}
	return tokens
}

func (s *Synthesizer) systemPrompt(req *Request) string {
	var b strings.Builder
	b.WriteString("You are a personal context engine answering as its owner, in the first person. Ground every claim in the context passages; when they do not cover the question, say so rather than inventing details.\n\n")

	fmt.Fprintf(&b, "Tone: %s. Style: %s.\n", req.Prompt.Tone, req.Prompt.Style)

	switch req.Prompt.Format {
	case parser.FormatStructured:
		b.WriteString("Format the reply as a structured document with clear headings.\n")
	case parser.FormatPlain:
		b.WriteString("Reply in plain prose without markdown markup.\n")
	default:
		b.WriteString("Markdown is allowed where it helps readability.\n")
	}

	fmt.Fprintf(&b, "Aim for about %d words.\n", s.wordTarget(req.Prompt.LengthClass))

	if req.Prompt.VoiceMode {
		b.WriteString("The reply will be spoken aloud: short sentences, no markdown, no lists, no headings.\n")
	}
	if req.Prompt.RequiresExamples {
		b.WriteString("Include at least one concrete example.\n")
	}
	return b.String()
}

func (s *Synthesizer) userPrompt(req *Request) string {
	var b strings.Builder

	if len(req.Contexts) == 0 {
		b.WriteString("No background context is available for this question.\n\n")
	} else {
		b.WriteString("Context passages, most relevant first:\n")
		for i, c := range req.Contexts {
			fmt.Fprintf(&b, "[%d] (%s, %.2f) %s\n", i+1, c.Chunk.EntityKey, c.Score, c.Chunk.Text)
		}
		b.WriteString("\n")
	}

	if len(req.History) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, ex := range req.History {
			fmt.Fprintf(&b, "User: %s\n", ex.UserText)
			if ex.ResponseText != "" {
				fmt.Fprintf(&b, "You: %s\n", ex.ResponseText)
			}
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Objective: %s", req.Objective.Statement)
	if req.Objective.LengthCeiling > 0 {
		fmt.Fprintf(&b, " Stay under %d words.", req.Objective.LengthCeiling)
	}
	if len(req.Objective.MustInclude) > 0 {
		fmt.Fprintf(&b, " Make sure to cover: %s.", strings.Join(req.Objective.MustInclude, "; "))
	}
	b.WriteString("\n")

	if req.Feedback != "" {
		fmt.Fprintf(&b, "\nYour previous attempt was rejected with this feedback: %s\nAddress it in this attempt.\n", req.Feedback)
	}

	fmt.Fprintf(&b, "\nUser message: %s", req.UserText)
	return b.String()
}

// Stats reports generation counters for the stats endpoint.
func (s *Synthesizer) Stats() map[string]interface{} {
	return map[string]interface{}{
		"generations": s.generations.Load(),
		"degraded":    s.degraded.Load(),
	}
}

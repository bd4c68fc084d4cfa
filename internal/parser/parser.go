// Package parser classifies raw user messages into structured intent.
//
// The primary path is one model call constrained to a strict JSON schema;
// anything the schema rejects, and any transport failure, routes to a
// deterministic heuristic classifier so a turn never stalls on parsing.
// Every result is tagged with the variant that produced it.
package parser

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/personal-context-engine/internal/config"
	"github.com/personal-context-engine/internal/fault"
	"github.com/personal-context-engine/internal/jsonx"
	"github.com/personal-context-engine/internal/llm"
)

// minModelConfidence is the floor below which a structurally valid model
// classification is still discarded for the heuristic one.
const minModelConfidence = 0.35

// SubjectSource grounds subject guesses in the knowledge base. The knowledge
// store satisfies it.
type SubjectSource interface {
	ResolveSubject(ctx context.Context, term string) []string
}

// Parser turns (user text, recent turns) into a ReqPrompt and a
// ResponseObjective.
type Parser struct {
	llm      llm.Completer
	subjects SubjectSource
	logger   *zap.Logger

	timeout       time.Duration
	briefWords    int
	standardWords int
	detailedWords int

	requests  atomic.Int64
	fallbacks atomic.Int64
}

// New builds a parser. subjects may not be nil; the heuristic path depends
// on it.
func New(completer llm.Completer, subjects SubjectSource, cfg *config.Config, logger *zap.Logger) *Parser {
	timeout := cfg.LLM.ParseTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Parser{
		llm:           completer,
		subjects:      subjects,
		logger:        logger.Named("parser"),
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

// Parse classifies userText. recent may be empty (first turn); voice is
// carried from the request metadata, never inferred. The returned error is
// non-nil only for empty input; every downstream failure degrades to the
// heuristic variant.
func (p *Parser) Parse(ctx context.Context, userText string, recent []TurnContext, voice bool) (ReqPrompt, ResponseObjective, error) {
	text := strings.TrimSpace(userText)
	if text == "" {
		return ReqPrompt{}, ResponseObjective{}, fault.Wrap(fault.ErrParse, "parse", fmt.Errorf("empty message"))
	}
	p.requests.Add(1)

	prompt, statement, err := p.modelParse(ctx, text, recent)
	if err != nil {
		p.fallbacks.Add(1)
		p.logger.Warn("model parse rejected, using heuristic", zap.Error(err))
		prompt, statement = p.heuristicParse(ctx, text)
	}

	p.applyConversationState(&prompt, text, recent)
	prompt.VoiceMode = voice

	return prompt, p.buildObjective(prompt, statement), nil
}

const parseSystemPrompt = `You classify one user message for a personal context engine. Reply with a single JSON object and nothing else:

{
  "subject": "<main topic in a few words, or empty if none>",
  "format": "markdown" | "structured" | "plain",
  "tone": "conversational" | "professional" | "technical" | "passionate" | "contemplative" | "humorous",
  "style": "first_person" | "storytelling" | "concise" | "bullet_points",
  "response_length_class": "brief" | "standard" | "detailed",
  "confidence": <0.0-1.0>,
  "is_deep_dive": <true when the user wants an in-depth explanation>,
  "requires_examples": <true when the user asks for examples or demonstrations>,
  "objective": "<one sentence stating what a satisfying reply accomplishes>"
}

Use "structured" format for resume or CV style requests, "plain" for casual chat. Pick "detailed" only when the user clearly wants depth. Use only the listed values.`

// modelParse runs the strict-schema classification call.
func (p *Parser) modelParse(ctx context.Context, text string, recent []TurnContext) (ReqPrompt, string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.llm.Complete(ctx, &llm.Request{
		System:      parseSystemPrompt,
		Prompt:      buildParsePrompt(text, recent),
		MaxTokens:   400,
		Temperature: 0.1,
		ForceJSON:   true,
	})
	if err != nil {
		return ReqPrompt{}, "", fault.Wrap(fault.ErrParse, "model call", err)
	}

	block, ok := llm.ExtractJSONBlock(resp.Content)
	if !ok {
		return ReqPrompt{}, "", fault.Wrap(fault.ErrParse, "extract json", fmt.Errorf("no JSON in reply"))
	}

	var wire modelResult
	if err := jsonx.Unmarshal(block, &wire); err != nil {
		return ReqPrompt{}, "", fault.Wrap(fault.ErrParse, "decode", err)
	}

	prompt, err := wire.validate()
	if err != nil {
		return ReqPrompt{}, "", fault.Wrap(fault.ErrParse, "schema", err)
	}
	if prompt.Confidence < minModelConfidence {
		return ReqPrompt{}, "", fault.Wrap(fault.ErrParse, "confidence",
			fmt.Errorf("%.2f below %.2f", prompt.Confidence, minModelConfidence))
	}
	return prompt, strings.TrimSpace(wire.Objective), nil
}

func buildParsePrompt(text string, recent []TurnContext) string {
	var b strings.Builder
	// The last couple of turns give the model enough state for topic
	// continuity without blowing the token budget.
	start := len(recent) - 2
	if start < 0 {
		start = 0
	}
	for _, turn := range recent[start:] {
		b.WriteString("Earlier message: ")
		b.WriteString(turn.UserText)
		b.WriteString("\n")
	}
	b.WriteString("Classify this message: ")
	b.WriteString(text)
	return b.String()
}

// applyConversationState fills the fields that depend on prior turns.
// Follow-up detection and depth tracking are identical for both variants.
func (p *Parser) applyConversationState(prompt *ReqPrompt, text string, recent []TurnContext) {
	if len(recent) == 0 {
		prompt.ConversationDepth = 0
		return
	}
	last := recent[len(recent)-1]

	if isContinuation(text) {
		prompt.IsFollowUp = true
		if prompt.Subject == "" {
			prompt.Subject = last.Subject
		}
	}

	if prompt.Subject != "" && strings.EqualFold(prompt.Subject, last.Subject) {
		prompt.ConversationDepth = last.Depth + 1
		if prompt.ConversationDepth > maxDepth {
			prompt.ConversationDepth = maxDepth
		}
	} else {
		prompt.ConversationDepth = 0
	}
}

var continuationPhrases = []string{
	"tell me more",
	"more detail",
	"go on",
	"why",
	"how does that work",
	"what about",
	"and then",
	"how so",
	"really",
}

var continuationLeads = map[string]bool{
	"and": true, "but": true, "so": true, "also": true,
	"what": true, "why": true, "how": true,
	"it": true, "that": true, "this": true, "they": true, "those": true,
}

// isContinuation reports whether text reads as a short continuation of the
// previous turn rather than a fresh request.
func isContinuation(text string) bool {
	lower := strings.ToLower(strings.TrimSpace(text))
	lower = strings.TrimRight(lower, "?!.")

	for _, phrase := range continuationPhrases {
		if lower == phrase || strings.HasPrefix(lower, phrase+" ") {
			return true
		}
	}

	words := strings.Fields(lower)
	return len(words) > 0 && len(words) < 12 && continuationLeads[words[0]]
}

// buildObjective derives the success objective. statement comes from the
// model when it produced one; the heuristic composes its own.
func (p *Parser) buildObjective(prompt ReqPrompt, statement string) ResponseObjective {
	if statement == "" {
		subject := prompt.Subject
		if subject == "" {
			subject = "the user's message"
		}
		statement = fmt.Sprintf("Give a %s, %s reply addressing %s.",
			prompt.LengthClass, prompt.Tone, subject)
	}

	var must []string
	if prompt.Subject != "" {
		must = append(must, prompt.Subject)
	}
	if prompt.RequiresExamples {
		must = append(must, "at least one concrete example")
	}

	return ResponseObjective{
		Statement:     statement,
		LengthCeiling: p.lengthCeiling(prompt.LengthClass),
		MustInclude:   must,
	}
}

// lengthCeiling is the hard word bound the evaluator checks; half again the
// soft target leaves the synthesizer room without letting replies sprawl.
func (p *Parser) lengthCeiling(class LengthClass) int {
	target := p.standardWords
	switch class {
	case LengthBrief:
		target = p.briefWords
	case LengthDetailed:
		target = p.detailedWords
	}
	return target * 3 / 2
}

// Stats reports parse counters for the stats endpoint.
func (p *Parser) Stats() map[string]interface{} {
	return map[string]interface{}{
		"requests":  p.requests.Load(),
		"fallbacks": p.fallbacks.Load(),
	}
}

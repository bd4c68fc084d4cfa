// Package evaluation scores candidate replies against their objective and
// drives the bounded retry loop. A turn moves Generated -> Evaluated and
// ends Accepted, or loops back through Retrying, or lands Degraded when the
// attempt budget runs out.
package evaluation

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/personal-context-engine/internal/config"
	"github.com/personal-context-engine/internal/fault"
	"github.com/personal-context-engine/internal/jsonx"
	"github.com/personal-context-engine/internal/llm"
	"github.com/personal-context-engine/internal/parser"
	"github.com/personal-context-engine/internal/synthesis"
)

// EvaluationScore is the verdict for one candidate. WithinLength is always
// computed deterministically from the word count; the judge never overrides
// it.
type EvaluationScore struct {
	Overall        float64 `json:"overall"`
	MeetsObjective bool    `json:"meets_objective"`
	WithinLength   bool    `json:"within_length"`
	Feedback       string  `json:"feedback,omitempty"`
	Unverified     bool    `json:"unverified,omitempty"`
}

// judgeResult is the strict wire schema expected from the judge call.
type judgeResult struct {
	Overall        float64 `json:"overall"`
	MeetsObjective bool    `json:"meets_objective"`
	Feedback       string  `json:"feedback"`
}

var errNoJSON = errors.New("judge reply contains no JSON object")

// Evaluator scores candidates with one LLM judgment call each.
type Evaluator struct {
	llm         llm.Completer
	logger      *zap.Logger
	lengthSlack float64
	timeout     time.Duration

	evaluations atomic.Int64
	unverified  atomic.Int64
}

// NewEvaluator builds an evaluator from configuration.
func NewEvaluator(completer llm.Completer, cfg *config.Config, logger *zap.Logger) *Evaluator {
	slack := cfg.Evaluation.LengthSlack
	if slack < 0 {
		slack = 0
	}
	timeout := cfg.LLM.EvaluateTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Evaluator{
		llm:         completer,
		logger:      logger.Named("evaluator"),
		lengthSlack: slack,
		timeout:     timeout,
	}
}

const judgeSystemPrompt = `You are a strict response quality judge. Score the response against its objective.

Reply with ONLY a JSON object in this exact schema:
{
  "overall": <number 0.0 to 1.0>,
  "meets_objective": <boolean>,
  "feedback": "<one or two sentences of concrete guidance for improving the response; empty if none needed>"
}`

// Evaluate scores one candidate. A judge failure of any kind accepts the
// candidate unverified rather than blocking the turn; the only non-nil
// error is context cancellation.
func (e *Evaluator) Evaluate(ctx context.Context, candidate *synthesis.CandidateResponse, objective parser.ResponseObjective) (EvaluationScore, error) {
	e.evaluations.Add(1)

	within := e.withinLength(candidate.Text, objective.LengthCeiling)

	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.llm.Complete(cctx, &llm.Request{
		System:      judgeSystemPrompt,
		Prompt:      judgePrompt(candidate, objective),
		MaxTokens:   300,
		Temperature: 0.1,
		ForceJSON:   true,
	})
	if err != nil {
		if ctx.Err() != nil {
			return EvaluationScore{}, ctx.Err()
		}
		return e.acceptUnverified(within, err), nil
	}

	raw, ok := llm.ExtractJSONBlock(resp.Content)
	if !ok {
		return e.acceptUnverified(within, errNoJSON), nil
	}
	var res judgeResult
	if err := jsonx.Unmarshal(raw, &res); err != nil {
		return e.acceptUnverified(within, err), nil
	}

	return EvaluationScore{
		Overall:        clamp01(res.Overall),
		MeetsObjective: res.MeetsObjective,
		WithinLength:   within,
		Feedback:       strings.TrimSpace(res.Feedback),
	}, nil
}

func (e *Evaluator) acceptUnverified(within bool, cause error) EvaluationScore {
	e.unverified.Add(1)
	e.logger.Warn("evaluation failed, accepting candidate unverified",
		zap.Error(fault.Wrap(fault.ErrEvaluation, "judge", cause)))
	return EvaluationScore{
		Overall:        0.5,
		MeetsObjective: true,
		WithinLength:   within,
		Unverified:     true,
	}
}

// withinLength allows the configured slack above the ceiling. A zero
// ceiling means the objective sets no limit.
func (e *Evaluator) withinLength(text string, ceiling int) bool {
	if ceiling <= 0 {
		return true
	}
	limit := float64(ceiling) * (1 + e.lengthSlack)
	return float64(wordCount(text)) <= limit
}

func judgePrompt(candidate *synthesis.CandidateResponse, objective parser.ResponseObjective) string {
	var b strings.Builder
	b.WriteString("Objective: ")
	b.WriteString(objective.Statement)
	b.WriteString("\n")
	if len(objective.MustInclude) > 0 {
		b.WriteString("Required coverage: ")
		b.WriteString(strings.Join(objective.MustInclude, "; "))
		b.WriteString("\n")
	}
	b.WriteString("\nResponse to evaluate:\n")
	b.WriteString(candidate.Text)
	b.WriteString("\n\nJudge how well the response achieves the objective, covers the required points, and stays clear and helpful.")
	return b.String()
}

func wordCount(text string) int {
	return len(strings.Fields(text))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Stats reports evaluation counters for the stats endpoint.
func (e *Evaluator) Stats() map[string]interface{} {
	return map[string]interface{}{
		"evaluations": e.evaluations.Load(),
		"unverified":  e.unverified.Load(),
	}
}

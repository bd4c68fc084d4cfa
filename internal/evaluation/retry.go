package evaluation

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/personal-context-engine/internal/config"
	"github.com/personal-context-engine/internal/parser"
	"github.com/personal-context-engine/internal/synthesis"
)

// Generator produces one candidate per attempt.
type Generator interface {
	Generate(ctx context.Context, req *synthesis.Request) (*synthesis.CandidateResponse, error)
}

// Judge scores a candidate against its objective.
type Judge interface {
	Evaluate(ctx context.Context, candidate *synthesis.CandidateResponse, objective parser.ResponseObjective) (EvaluationScore, error)
}

// Outcome is the final result of one generate/evaluate loop.
type Outcome struct {
	Candidate *synthesis.CandidateResponse
	Score     EvaluationScore
	Attempts  int
	// Exhausted marks a turn that ran out of attempts and fell back to the
	// best candidate seen.
	Exhausted bool
}

// Orchestrator runs the sequential generate/evaluate/retry loop for one
// turn. It never loops more than maxAttempts times.
type Orchestrator struct {
	gen         Generator
	judge       Judge
	logger      *zap.Logger
	threshold   float64
	maxAttempts int

	turns     atomic.Int64
	retries   atomic.Int64
	exhausted atomic.Int64
}

// NewOrchestrator builds the retry loop from configuration.
func NewOrchestrator(gen Generator, judge Judge, cfg *config.Config, logger *zap.Logger) *Orchestrator {
	threshold := cfg.Evaluation.Threshold
	if threshold <= 0 || threshold > 1 {
		threshold = 0.6
	}
	attempts := cfg.Evaluation.MaxAttempts
	if attempts < 1 {
		attempts = 3
	}
	return &Orchestrator{
		gen:         gen,
		judge:       judge,
		logger:      logger.Named("retry"),
		threshold:   threshold,
		maxAttempts: attempts,
	}
}

type attemptRecord struct {
	candidate *synthesis.CandidateResponse
	score     EvaluationScore
}

// Run generates candidates until one is accepted or the attempt budget runs
// out, in which case the best candidate seen is returned with Exhausted
// set. The only errors are an unreachable backend and context cancellation.
func (o *Orchestrator) Run(ctx context.Context, req *synthesis.Request) (*Outcome, error) {
	o.turns.Add(1)

	var best *attemptRecord
	feedback := ""

	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		r := *req
		r.Attempt = attempt
		r.Feedback = feedback

		candidate, err := o.gen.Generate(ctx, &r)
		if err != nil {
			return nil, err
		}

		var score EvaluationScore
		if candidate.Metadata.Degraded {
			// The fallback apology is not worth a judge call; score it to
			// the floor so a later attempt can beat it.
			score = EvaluationScore{WithinLength: true}
		} else {
			score, err = o.judge.Evaluate(ctx, candidate, req.Objective)
			if err != nil {
				return nil, err
			}
		}

		rec := attemptRecord{candidate: candidate, score: score}
		if best == nil || betterAttempt(rec, *best) {
			best = &rec
		}

		if o.accepted(score) {
			return &Outcome{Candidate: candidate, Score: score, Attempts: attempt}, nil
		}

		if attempt < o.maxAttempts {
			o.retries.Add(1)
			if score.Feedback != "" {
				feedback = score.Feedback
			}
			o.logger.Debug("retrying generation",
				zap.Int("attempt", attempt),
				zap.Float64("overall", score.Overall),
				zap.Bool("within_length", score.WithinLength))
		}
	}

	o.exhausted.Add(1)
	o.logger.Warn("retry budget exhausted, returning best candidate",
		zap.Int("attempts", o.maxAttempts),
		zap.Float64("best_score", best.score.Overall),
		zap.Bool("within_length", best.score.WithinLength))
	return &Outcome{
		Candidate: best.candidate,
		Score:     best.score,
		Attempts:  o.maxAttempts,
		Exhausted: true,
	}, nil
}

func (o *Orchestrator) accepted(score EvaluationScore) bool {
	if score.Unverified {
		return true
	}
	return score.Overall >= o.threshold && score.WithinLength
}

// betterAttempt ranks candidates for the exhaustion fallback: higher score
// first, then within-length over overlength, then the shorter text. The
// last rule makes the shortest candidate win when every attempt blew the
// ceiling with the same score.
func betterAttempt(a, b attemptRecord) bool {
	if a.score.Overall != b.score.Overall {
		return a.score.Overall > b.score.Overall
	}
	if a.score.WithinLength != b.score.WithinLength {
		return a.score.WithinLength
	}
	return wordCount(a.candidate.Text) < wordCount(b.candidate.Text)
}

// Stats reports retry-loop counters for the stats endpoint.
func (o *Orchestrator) Stats() map[string]interface{} {
	return map[string]interface{}{
		"turns":     o.turns.Load(),
		"retries":   o.retries.Load(),
		"exhausted": o.exhausted.Load(),
	}
}

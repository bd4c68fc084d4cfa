package evaluation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/personal-context-engine/internal/config"
	"github.com/personal-context-engine/internal/llm"
	"github.com/personal-context-engine/internal/parser"
	"github.com/personal-context-engine/internal/synthesis"
)

type canned struct {
	reply string
	err   error
	calls int
	last  *llm.Request
}

func (c *canned) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.calls++
	c.last = req
	if c.err != nil {
		return nil, c.err
	}
	return &llm.Response{Content: c.reply, Provider: llm.ProviderOllama, Model: "test-model"}, nil
}

func newTestEvaluator(t *testing.T, completer llm.Completer) *Evaluator {
	t.Helper()
	cfg := config.DefaultConfig()
	return NewEvaluator(completer, &cfg, zaptest.NewLogger(t))
}

func candidateWithText(text string) *synthesis.CandidateResponse {
	return &synthesis.CandidateResponse{Text: text, Attempt: 1}
}

func testObjective() parser.ResponseObjective {
	return parser.ResponseObjective{
		Statement:     "Explain the Lumi project.",
		LengthCeiling: 240,
		MustInclude:   []string{"lumi"},
	}
}

func TestEvaluateParsesJudgeVerdict(t *testing.T) {
	mock := &canned{reply: `{"overall": 0.85, "meets_objective": true, "feedback": "Good coverage."}`}
	e := newTestEvaluator(t, mock)

	score, err := e.Evaluate(context.Background(), candidateWithText("Lumi is a small local-first tool."), testObjective())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if score.Overall != 0.85 || !score.MeetsObjective || !score.WithinLength {
		t.Errorf("score = %+v", score)
	}
	if score.Feedback != "Good coverage." {
		t.Errorf("feedback = %q", score.Feedback)
	}
	if score.Unverified {
		t.Error("clean judgment marked unverified")
	}
	if !strings.Contains(mock.last.Prompt, "Explain the Lumi project.") {
		t.Errorf("judge prompt missing objective:\n%s", mock.last.Prompt)
	}
	if !mock.last.ForceJSON {
		t.Error("judge call should force JSON output")
	}
}

func TestEvaluateClampsOverall(t *testing.T) {
	cases := []struct {
		reply string
		want  float64
	}{
		{`{"overall": 1.7, "meets_objective": true, "feedback": ""}`, 1.0},
		{`{"overall": -0.3, "meets_objective": false, "feedback": ""}`, 0.0},
	}
	for _, tc := range cases {
		e := newTestEvaluator(t, &canned{reply: tc.reply})
		score, err := e.Evaluate(context.Background(), candidateWithText("short answer"), testObjective())
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if score.Overall != tc.want {
			t.Errorf("reply %s: overall = %v, want %v", tc.reply, score.Overall, tc.want)
		}
	}
}

func TestWithinLengthIsDeterministic(t *testing.T) {
	// Ceiling 10 with 10% slack allows 11 words.
	eleven := strings.Repeat("word ", 11)
	twelve := strings.Repeat("word ", 12)

	mock := &canned{reply: `{"overall": 0.9, "meets_objective": true, "feedback": ""}`}
	e := newTestEvaluator(t, mock)
	obj := parser.ResponseObjective{Statement: "Answer.", LengthCeiling: 10}

	score, err := e.Evaluate(context.Background(), candidateWithText(eleven), obj)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !score.WithinLength {
		t.Error("11 words should fit ceiling 10 with 10% slack")
	}

	score, err = e.Evaluate(context.Background(), candidateWithText(twelve), obj)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if score.WithinLength {
		t.Error("12 words should exceed ceiling 10 with 10% slack")
	}

	// A zero ceiling means no limit.
	score, err = e.Evaluate(context.Background(), candidateWithText(twelve), parser.ResponseObjective{Statement: "Answer."})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !score.WithinLength {
		t.Error("zero ceiling should never flag length")
	}
}

func TestEvaluateAcceptsUnverifiedOnJudgeError(t *testing.T) {
	mock := &canned{err: errors.New("judge down")}
	e := newTestEvaluator(t, mock)

	score, err := e.Evaluate(context.Background(), candidateWithText("an answer"), testObjective())
	if err != nil {
		t.Fatalf("judge failure should not error, got %v", err)
	}
	if !score.Unverified {
		t.Error("expected unverified score")
	}
	if score.Overall != 0.5 || !score.MeetsObjective || !score.WithinLength {
		t.Errorf("unverified score = %+v", score)
	}
	if got := e.Stats()["unverified"].(int64); got != 1 {
		t.Errorf("unverified counter = %d, want 1", got)
	}
}

func TestEvaluateAcceptsUnverifiedOnMalformedReply(t *testing.T) {
	cases := []string{
		"Looks good to me!",
		`{"overall": "very high"}`,
	}
	for _, reply := range cases {
		e := newTestEvaluator(t, &canned{reply: reply})
		score, err := e.Evaluate(context.Background(), candidateWithText("an answer"), testObjective())
		if err != nil {
			t.Fatalf("reply %q: %v", reply, err)
		}
		if !score.Unverified {
			t.Errorf("reply %q should yield an unverified score", reply)
		}
	}
}

func TestEvaluateHonorsContextCancellation(t *testing.T) {
	mock := &canned{reply: `{"overall": 0.9, "meets_objective": true, "feedback": ""}`}
	e := newTestEvaluator(t, mock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Evaluate(ctx, candidateWithText("an answer"), testObjective())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

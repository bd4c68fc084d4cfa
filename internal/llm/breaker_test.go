package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/personal-context-engine/internal/fault"
)

// scriptedCompleter fails until the failure budget is spent, then succeeds.
type scriptedCompleter struct {
	failures int
	calls    int
}

func (s *scriptedCompleter) Complete(ctx context.Context, req *Request) (*Response, error) {
	s.calls++
	if s.calls <= s.failures {
		return nil, errors.New("backend down")
	}
	return &Response{Content: "recovered"}, nil
}

func TestBreakerPassesThroughSuccess(t *testing.T) {
	inner := &scriptedCompleter{}
	b := NewBreaker(inner, 3, time.Second, zaptest.NewLogger(t))

	resp, err := b.Complete(context.Background(), &Request{Prompt: "q"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "recovered" {
		t.Errorf("content = %q", resp.Content)
	}
	if b.State() != "closed" {
		t.Errorf("state = %s, want closed", b.State())
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	inner := &scriptedCompleter{failures: 100}
	b := NewBreaker(inner, 3, time.Minute, zaptest.NewLogger(t))

	for i := 0; i < 3; i++ {
		if _, err := b.Complete(context.Background(), &Request{Prompt: "q"}); err == nil {
			t.Fatalf("call %d unexpectedly succeeded", i)
		}
	}
	if b.State() != "open" {
		t.Fatalf("state = %s after 3 failures, want open", b.State())
	}

	_, err := b.Complete(context.Background(), &Request{Prompt: "q"})
	if !errors.Is(err, fault.ErrBackendUnavailable) {
		t.Errorf("open-circuit err = %v, want ErrBackendUnavailable", err)
	}
	if inner.calls != 3 {
		t.Errorf("inner called %d times, want shed at 3", inner.calls)
	}
}

func TestBreakerRecoversAfterCooldown(t *testing.T) {
	inner := &scriptedCompleter{failures: 3}
	b := NewBreaker(inner, 3, 30*time.Millisecond, zaptest.NewLogger(t))

	for i := 0; i < 3; i++ {
		b.Complete(context.Background(), &Request{Prompt: "q"})
	}
	if b.State() != "open" {
		t.Fatalf("state = %s, want open", b.State())
	}

	time.Sleep(50 * time.Millisecond)

	resp, err := b.Complete(context.Background(), &Request{Prompt: "q"})
	if err != nil {
		t.Fatalf("half-open probe failed: %v", err)
	}
	if resp.Content != "recovered" {
		t.Errorf("content = %q", resp.Content)
	}
}

func TestBreakerHonorsContextCancellation(t *testing.T) {
	inner := &scriptedCompleter{}
	b := NewBreaker(inner, 3, time.Second, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Complete(ctx, &Request{Prompt: "q"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if inner.calls != 0 {
		t.Errorf("inner called %d times on cancelled context", inner.calls)
	}
}

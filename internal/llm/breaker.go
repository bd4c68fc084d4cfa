package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/personal-context-engine/internal/fault"
)

// Breaker guards a Completer with a circuit breaker so a dead backend fails
// fast instead of holding every turn until its deadline. An open circuit
// surfaces as the backend-unavailable error, the only fatal one in the
// pipeline taxonomy.
type Breaker struct {
	inner   Completer
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewBreaker wraps inner. The circuit trips after maxFailures consecutive
// failures and probes again after cooldown.
func NewBreaker(inner Completer, maxFailures uint32, cooldown time.Duration, logger *zap.Logger) *Breaker {
	if maxFailures == 0 {
		maxFailures = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	log := logger.Named("breaker")

	settings := gobreaker.Settings{
		Name:        "llm",
		MaxRequests: 2,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("LLM circuit state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	return &Breaker{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  log,
	}
}

// Complete forwards through the circuit.
func (b *Breaker) Complete(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result, err := b.breaker.Execute(func() (interface{}, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return b.inner.Complete(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("llm circuit open: %w", fault.ErrBackendUnavailable)
		}
		return nil, err
	}
	return result.(*Response), nil
}

// State reports the circuit state for the stats endpoint.
func (b *Breaker) State() string {
	switch b.breaker.State() {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

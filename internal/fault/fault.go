// Package fault defines the pipeline's error taxonomy.
//
// Each pipeline stage absorbs its own external-call failures and degrades
// locally; the sentinels here exist so the stage can still record WHAT went
// wrong on the turn metadata, and so the one fatal case, ErrBackendUnavailable,
// can be told apart from everything else with errors.Is.
package fault

import (
	"errors"
	"fmt"
)

var (
	// ErrParse marks a malformed or low-confidence classification.
	// The parser falls back to the heuristic classifier; non-fatal.
	ErrParse = errors.New("parse failure")

	// ErrRetrieval marks one or both retrieval paths unavailable.
	// The retriever degrades to partial or empty context; non-fatal.
	ErrRetrieval = errors.New("retrieval failure")

	// ErrSynthesis marks a generation-service error or timeout.
	// The synthesizer substitutes the templated fallback reply; non-fatal.
	ErrSynthesis = errors.New("synthesis failure")

	// ErrEvaluation marks an unavailable judgment call. The candidate is
	// accepted unverified; non-fatal.
	ErrEvaluation = errors.New("evaluation failure")

	// ErrRetryExhausted marks a turn that ran out of regeneration attempts
	// without an accepted candidate. The best candidate is still returned,
	// flagged degraded; non-fatal.
	ErrRetryExhausted = errors.New("retry budget exhausted")

	// ErrBackendUnavailable means no generation backend is reachable at all.
	// Fatal for the turn: surfaced to the caller as an explicit error
	// response, never as a silent empty reply.
	ErrBackendUnavailable = errors.New("no generation backend reachable")
)

// Wrap tags err with a stage sentinel and the failing operation so callers
// can classify with errors.Is while keeping the original cause in the chain.
func Wrap(stage error, op string, err error) error {
	if err == nil {
		return fmt.Errorf("%s: %w", op, stage)
	}
	return fmt.Errorf("%s: %w: %w", op, stage, err)
}

// Fatal reports whether err must terminate the turn instead of degrading.
func Fatal(err error) bool {
	return errors.Is(err, ErrBackendUnavailable)
}

// ClientMessage maps err to a stable message safe to return to API clients.
// Internal detail (hosts, paths, provider payloads) stays in the logs.
func ClientMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrBackendUnavailable):
		return "the response service is currently unavailable"
	case errors.Is(err, ErrRetryExhausted):
		return "a response was produced but did not meet quality checks"
	case errors.Is(err, ErrParse):
		return "the request could not be fully understood"
	case errors.Is(err, ErrRetrieval):
		return "context lookup was incomplete"
	case errors.Is(err, ErrSynthesis):
		return "response generation was degraded"
	case errors.Is(err, ErrEvaluation):
		return "response verification was skipped"
	default:
		return "request failed"
	}
}

// Package session owns per-session conversation state: the sliding history
// window, periodic summarization, and the durable insight set. No other
// package reads or writes session state directly.
package session

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/personal-context-engine/internal/config"
)

// Insight categories accepted from the extraction call.
const (
	CategoryPreference      = "preference"
	CategoryGoal            = "goal"
	CategoryContext         = "context"
	CategoryCommStyle       = "communication_style"
	CategoryTopicOfInterest = "topic_of_interest"
)

var validCategories = map[string]bool{
	CategoryPreference:      true,
	CategoryGoal:            true,
	CategoryContext:         true,
	CategoryCommStyle:       true,
	CategoryTopicOfInterest: true,
}

// ConversationTurn is one completed exchange. A turn with SummaryTurn set
// stands in for older turns that were rolled up; at most one exists per
// session and it is always first.
type ConversationTurn struct {
	ID           string    `json:"id"`
	UserText     string    `json:"user_text"`
	ResponseText string    `json:"response_text"`
	Subject      string    `json:"subject,omitempty"`
	Confidence   float64   `json:"parse_confidence,omitempty"`
	ContextIDs   []string  `json:"context_ids,omitempty"`
	Evaluation   float64   `json:"evaluation,omitempty"`
	Degraded     bool      `json:"degraded,omitempty"`
	Voice        bool      `json:"voice,omitempty"`
	SummaryTurn  bool      `json:"summary_turn,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// MemoryInsight is one durable fact learned about the user.
type MemoryInsight struct {
	ID          string    `json:"id"`
	Category    string    `json:"category"`
	Text        string    `json:"text"`
	Confidence  float64   `json:"confidence"`
	Fingerprint string    `json:"fingerprint"`
	Embedding   []float32 `json:"embedding,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// State is the stored record for one session. TotalTurns counts every
// exchange ever added and survives summarization; len(Turns) does not.
type State struct {
	SessionID  string             `json:"session_id"`
	Turns      []ConversationTurn `json:"turns"`
	TotalTurns int                `json:"total_turns"`
	VoiceTurns int                `json:"voice_turns"`
	StartedAt  time.Time          `json:"started_at,omitempty"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate freely.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := *s
	out.Turns = make([]ConversationTurn, len(s.Turns))
	copy(out.Turns, s.Turns)
	for i, t := range s.Turns {
		if len(t.ContextIDs) > 0 {
			out.Turns[i].ContextIDs = append([]string(nil), t.ContextIDs...)
		}
	}
	return &out
}

// summaryTurn reports the rolled-up turn, if the session has one.
func (s *State) summaryTurn() (ConversationTurn, bool) {
	if len(s.Turns) > 0 && s.Turns[0].SummaryTurn {
		return s.Turns[0], true
	}
	return ConversationTurn{}, false
}

// realTurns returns the live (non-summary) turns.
func (s *State) realTurns() []ConversationTurn {
	if _, ok := s.summaryTurn(); ok {
		return s.Turns[1:]
	}
	return s.Turns
}

// SessionSummary is the rolled-up view returned to clients.
type SessionSummary struct {
	SessionID    string    `json:"session_id"`
	TurnCount    int       `json:"turn_count"`
	InsightCount int       `json:"insight_count"`
	VoiceRatio   float64   `json:"voice_usage_ratio"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	LastActive   time.Time `json:"last_active,omitempty"`
	Summary      string    `json:"summary,omitempty"`
	LastSubject  string    `json:"last_subject,omitempty"`
}

// Store persists session state and insights. Load returns a fresh empty
// state for unknown session ids; the gateway mints ids, so the store does
// not distinguish new from expired.
type Store interface {
	Load(ctx context.Context, sessionID string) (*State, error)
	Save(ctx context.Context, state *State) error
	Insights(ctx context.Context, sessionID string) ([]MemoryInsight, error)
	AddInsights(ctx context.Context, sessionID string, insights []MemoryInsight) error
	Close() error
}

// NewStore builds the configured store implementation.
func NewStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Store, error) {
	switch cfg.Session.Store {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		return NewRedisStore(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown session store %q", cfg.Session.Store)
	}
}

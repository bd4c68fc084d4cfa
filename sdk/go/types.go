package pce

import "time"

// Session identifies one conversation and carries the token bound to it.
type Session struct {
	ID    string `json:"session_id"`
	Token string `json:"token"`
}

// ChatRequest is one turn over the HTTP endpoint. SessionID may be left
// empty when the client created the session itself.
type ChatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
	Voice     bool   `json:"voice,omitempty"`
	TopK      int    `json:"top_k,omitempty"`
}

// ChatMessage is one turn over an open stream. The session is fixed when
// the stream is opened.
type ChatMessage struct {
	Message string `json:"message"`
	Voice   bool   `json:"voice,omitempty"`
	TopK    int    `json:"top_k,omitempty"`
}

// ContextRef names one knowledge passage that grounded a reply.
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
	EventError    = "error"
)

// StreamEvent is one frame of a streaming turn: ordered fragments whose
// concatenation equals Reply.Text, then one metadata frame. An error frame
// replaces both when the turn failed.
type StreamEvent struct {
	Type     string         `json:"type"`
	Index    int            `json:"index"`
	Text     string         `json:"text,omitempty"`
	Metadata *ReplyMetadata `json:"metadata,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// SessionSummary is the digest of one conversation so far.
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

// Health is the gateway liveness report.
type Health struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

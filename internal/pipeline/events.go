package pipeline

import (
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/personal-context-engine/internal/config"
	"github.com/personal-context-engine/internal/jsonx"
)

// TurnEvent is the observability record published after each completed turn.
type TurnEvent struct {
	SessionID  string    `json:"session_id"`
	Subject    string    `json:"subject,omitempty"`
	Score      float64   `json:"evaluation_score"`
	Attempts   int       `json:"attempts"`
	Degraded   bool      `json:"degraded"`
	Voice      bool      `json:"voice,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

// TurnPublisher emits turn-completed events to a JetStream stream. Publishes
// are fire-and-forget: a failure is counted and logged, never surfaced to
// the turn that produced the event. A nil publisher is valid and drops
// everything silently, so callers need no NATS-configured check.
type TurnPublisher struct {
	conn    *nats.Conn
	js      nats.JetStreamContext
	subject string
	logger  *zap.Logger

	published atomic.Int64
	dropped   atomic.Int64
}

// NewTurnPublisher connects to NATS and ensures the turn stream exists. An
// empty NATS address disables publication and returns a nil publisher.
func NewTurnPublisher(cfg *config.Config, logger *zap.Logger) (*TurnPublisher, error) {
	if cfg.Events.NATSAddress == "" {
		return nil, nil
	}

	p := &TurnPublisher{
		subject: cfg.Events.Subject,
		logger:  logger.Named("events"),
	}
	if p.subject == "" {
		p.subject = "pce.turn.completed"
	}
	stream := cfg.Events.Stream
	if stream == "" {
		stream = "PCE_TURNS"
	}

	conn, err := nats.Connect(cfg.Events.NATSAddress,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}

	js, err := conn.JetStream(nats.PublishAsyncErrHandler(func(_ nats.JetStream, _ *nats.Msg, err error) {
		p.dropped.Add(1)
		p.logger.Warn("turn event publish failed", zap.Error(err))
	}))
	if err != nil {
		conn.Close()
		return nil, err
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     stream,
		Subjects: []string{p.subject},
		Storage:  nats.FileStorage,
		MaxAge:   7 * 24 * time.Hour,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		p.logger.Warn("failed to create turn stream", zap.Error(err))
	}

	p.conn = conn
	p.js = js
	return p, nil
}

// Publish enqueues one turn event without waiting for the broker ack.
func (p *TurnPublisher) Publish(event TurnEvent) {
	if p == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := jsonx.Marshal(event)
	if err != nil {
		p.dropped.Add(1)
		p.logger.Warn("failed to encode turn event", zap.Error(err))
		return
	}
	if _, err := p.js.PublishAsync(p.subject, data); err != nil {
		p.dropped.Add(1)
		p.logger.Warn("turn event publish failed",
			zap.String("session_id", event.SessionID),
			zap.Error(err))
		return
	}
	p.published.Add(1)
}

// Close waits briefly for in-flight publishes, then drops the connection.
func (p *TurnPublisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	select {
	case <-p.js.PublishAsyncComplete():
	case <-time.After(2 * time.Second):
		p.logger.Warn("closing with unacked turn events")
	}
	p.conn.Close()
}

// Stats reports publish counters for the stats endpoint.
func (p *TurnPublisher) Stats() map[string]interface{} {
	if p == nil {
		return map[string]interface{}{"enabled": false}
	}
	return map[string]interface{}{
		"enabled":   true,
		"published": p.published.Load(),
		"dropped":   p.dropped.Load(),
	}
}

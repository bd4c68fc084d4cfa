package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// InsightBatcher accumulates extracted insights per session and writes them
// to the store in batches, on size or on a timer. Failed flushes put the
// batch back so nothing is lost to a transient store error.
type InsightBatcher struct {
	store     Store
	logger    *zap.Logger
	flushSize int
	interval  time.Duration

	mu      sync.Mutex
	pending map[string][]MemoryInsight

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInsightBatcher builds a batcher; call Start to begin the timer loop.
func NewInsightBatcher(store Store, flushSize int, interval time.Duration, logger *zap.Logger) *InsightBatcher {
	if flushSize < 1 {
		flushSize = 8
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &InsightBatcher{
		store:     store,
		logger:    logger.Named("insight_batcher"),
		flushSize: flushSize,
		interval:  interval,
		pending:   make(map[string][]MemoryInsight),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Start begins the background flush loop.
func (b *InsightBatcher) Start() {
	go b.loop()
}

// Stop flushes everything still pending and stops the loop.
func (b *InsightBatcher) Stop() {
	b.cancel()
	<-b.done
	b.FlushAll(context.Background())
}

// Add queues insights for a session, flushing immediately once the batch
// is full.
func (b *InsightBatcher) Add(sessionID string, insights []MemoryInsight) {
	if len(insights) == 0 {
		return
	}
	b.mu.Lock()
	b.pending[sessionID] = append(b.pending[sessionID], insights...)
	full := len(b.pending[sessionID]) >= b.flushSize
	b.mu.Unlock()

	if full {
		go b.Flush(b.ctx, sessionID)
	}
}

// Pending reports how many insights are queued for a session.
func (b *InsightBatcher) Pending(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending[sessionID])
}

// Flush writes one session's queued insights through to the store.
func (b *InsightBatcher) Flush(ctx context.Context, sessionID string) {
	b.mu.Lock()
	batch := b.pending[sessionID]
	if len(batch) == 0 {
		b.mu.Unlock()
		return
	}
	delete(b.pending, sessionID)
	b.mu.Unlock()

	if err := b.store.AddInsights(ctx, sessionID, batch); err != nil {
		b.logger.Warn("insight flush failed, requeueing",
			zap.String("session_id", sessionID),
			zap.Int("count", len(batch)),
			zap.Error(err))
		b.mu.Lock()
		b.pending[sessionID] = append(batch, b.pending[sessionID]...)
		b.mu.Unlock()
		return
	}
	b.logger.Debug("insights flushed",
		zap.String("session_id", sessionID),
		zap.Int("count", len(batch)))
}

// FlushAll drains every session's queue.
func (b *InsightBatcher) FlushAll(ctx context.Context) {
	b.mu.Lock()
	ids := make([]string, 0, len(b.pending))
	for id := range b.pending {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.Flush(ctx, id)
	}
}

func (b *InsightBatcher) loop() {
	defer close(b.done)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.FlushAll(b.ctx)
		}
	}
}

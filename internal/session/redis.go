package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/personal-context-engine/internal/config"
	"github.com/personal-context-engine/internal/jsonx"
)

// sessionTTL bounds how long an idle session survives in Redis. Every save
// renews it.
const sessionTTL = 24 * time.Hour

// RedisStore persists session state in Redis so the engine can restart
// without dropping live conversations.
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisStore connects and pings. A Redis the engine cannot reach at
// startup is a configuration error, not something to limp past.
func NewRedisStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Session.RedisAddr,
		Password: cfg.Session.RedisPassword,
		DB:       cfg.Session.RedisDB,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		return nil, fmt.Errorf("session redis ping: %w", err)
	}
	logger.Info("session store connected", zap.String("addr", cfg.Session.RedisAddr))
	return &RedisStore{client: client, logger: logger.Named("session_redis")}, nil
}

func stateKey(sessionID string) string {
	return "pce:session:" + sessionID
}

func insightsKey(sessionID string) string {
	return "pce:insights:" + sessionID
}

func (r *RedisStore) Load(ctx context.Context, sessionID string) (*State, error) {
	data, err := r.client.Get(ctx, stateKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return &State{SessionID: sessionID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session load: %w", err)
	}
	var st State
	if err := jsonx.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("session decode: %w", err)
	}
	return &st, nil
}

func (r *RedisStore) Save(ctx context.Context, state *State) error {
	data, err := jsonx.Marshal(state)
	if err != nil {
		return fmt.Errorf("session encode: %w", err)
	}
	if err := r.client.Set(ctx, stateKey(state.SessionID), data, sessionTTL).Err(); err != nil {
		return fmt.Errorf("session save: %w", err)
	}
	return nil
}

func (r *RedisStore) Insights(ctx context.Context, sessionID string) ([]MemoryInsight, error) {
	data, err := r.client.Get(ctx, insightsKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("insights load: %w", err)
	}
	var insights []MemoryInsight
	if err := jsonx.Unmarshal(data, &insights); err != nil {
		return nil, fmt.Errorf("insights decode: %w", err)
	}
	return insights, nil
}

// AddInsights reads, appends, and writes back. The context manager is the
// only writer for a session, so the read-modify-write does not race.
func (r *RedisStore) AddInsights(ctx context.Context, sessionID string, insights []MemoryInsight) error {
	if len(insights) == 0 {
		return nil
	}
	stored, err := r.Insights(ctx, sessionID)
	if err != nil {
		return err
	}
	stored = append(stored, insights...)
	data, err := jsonx.Marshal(stored)
	if err != nil {
		return fmt.Errorf("insights encode: %w", err)
	}
	if err := r.client.Set(ctx, insightsKey(sessionID), data, sessionTTL).Err(); err != nil {
		return fmt.Errorf("insights save: %w", err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

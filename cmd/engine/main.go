package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/personal-context-engine/internal/cache"
	"github.com/personal-context-engine/internal/config"
	"github.com/personal-context-engine/internal/embedding"
	"github.com/personal-context-engine/internal/evaluation"
	"github.com/personal-context-engine/internal/gateway"
	"github.com/personal-context-engine/internal/knowledge"
	"github.com/personal-context-engine/internal/llm"
	"github.com/personal-context-engine/internal/parser"
	"github.com/personal-context-engine/internal/pipeline"
	"github.com/personal-context-engine/internal/retrieval"
	"github.com/personal-context-engine/internal/session"
	"github.com/personal-context-engine/internal/synthesis"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	dev := flag.Bool("dev", false, "console-friendly development logging")
	flag.Parse()

	var logger *zap.Logger
	var err error
	if *dev {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("config load failed", zap.Error(err))
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		logger.Fatal("config invalid", zap.Error(err))
	}

	logger.Info("starting personal context engine",
		zap.String("addr", cfg.Server.Addr),
		zap.String("llm_provider", cfg.LLM.Provider),
		zap.String("llm_model", cfg.LLM.Model),
		zap.String("vector_backend", cfg.Retrieval.VectorBackend),
		zap.String("session_store", cfg.Session.Store))

	ctx := context.Background()

	// Tiered cache first; the embedder and retriever both sit behind it.
	var l2 *redis.Client
	if cfg.Cache.RedisAddr != "" {
		l2 = redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr})
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := l2.Ping(pctx).Err(); err != nil {
			logger.Warn("cache redis unreachable, running L1 only", zap.Error(err))
			l2.Close()
			l2 = nil
		}
		cancel()
	}
	if l2 != nil {
		defer l2.Close()
	}
	tiered, err := cache.New(int64(cfg.Cache.MaxEntries), cfg.Cache.TTL, l2, logger)
	if err != nil {
		logger.Fatal("cache init failed", zap.Error(err))
	}
	defer tiered.Close()

	// Embeddings. A missing model is not fatal; retrieval degrades to the
	// explicit path and says so per query.
	base := embedding.NewOllamaEmbedder(cfg.Embedding)
	if err := base.EnsureModel(ctx); err != nil {
		logger.Warn("embedding model unavailable, retrieval starts explicit-only", zap.Error(err))
	}
	embedder := cache.NewCachedEmbedder(base, tiered)
	defer embedder.Close()

	store, err := knowledge.Build(ctx, &cfg, embedder, logger)
	if err != nil {
		logger.Fatal("knowledge store build failed", zap.Error(err))
	}
	defer store.Close()

	backend, err := retrieval.NewBackend(ctx, store, &cfg, logger)
	if err != nil {
		logger.Fatal("vector backend init failed", zap.Error(err))
	}
	defer backend.Close()

	// One completer, behind the circuit breaker, shared by every stage.
	client, err := llm.New(cfg.LLM, logger)
	if err != nil {
		logger.Fatal("llm client init failed", zap.Error(err))
	}
	completer := llm.NewBreaker(client, cfg.LLM.BreakerFailures, cfg.LLM.BreakerCooldown, logger)

	reqParser := parser.New(completer, store, &cfg, logger)
	retriever := retrieval.New(store, embedder, backend, tiered, &cfg, logger)
	synthesizer := synthesis.New(completer, &cfg, logger)
	evaluator := evaluation.NewEvaluator(completer, &cfg, logger)
	orchestrator := evaluation.NewOrchestrator(synthesizer, evaluator, &cfg, logger)

	sessionStore, err := session.NewStore(ctx, &cfg, logger)
	if err != nil {
		logger.Fatal("session store init failed", zap.Error(err))
	}
	manager, err := session.NewManager(sessionStore, completer, embedder, &cfg, logger)
	if err != nil {
		logger.Fatal("session manager init failed", zap.Error(err))
	}

	publisher, err := pipeline.NewTurnPublisher(&cfg, logger)
	if err != nil {
		logger.Warn("turn event publisher unavailable, events disabled", zap.Error(err))
	}

	engine := pipeline.New(reqParser, retriever, orchestrator, manager, publisher, &cfg, logger)

	server, err := gateway.NewServer(engine, &cfg, logger)
	if err != nil {
		logger.Fatal("gateway init failed", zap.Error(err))
	}

	corsObj := handlers.CORS(
		handlers.AllowedOrigins(cfg.Server.AllowedOrigins),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		handlers.AllowCredentials(),
	)

	srv := &http.Server{
		Handler:      corsObj(server.Routes()),
		Addr:         cfg.Server.Addr,
		ReadTimeout:  120 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	go func() {
		logger.Info("gateway listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server startup failed", zap.Error(err))
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("gateway shutdown error", zap.Error(err))
	}

	// Engine close drains detached work and the session batcher before the
	// deferred infra closes underneath it.
	if err := engine.Close(); err != nil {
		logger.Error("engine shutdown error", zap.Error(err))
	}
}

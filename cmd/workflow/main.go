// Package main hosts the durable knowledge workflows: the on-demand index
// rebuild and the nightly record audit.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/personal-context-engine/internal/config"
	"github.com/personal-context-engine/internal/embedding"
	"github.com/personal-context-engine/internal/knowledge"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	addr := flag.String("addr", "", "listen address for the Inngest endpoint (overrides config)")
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
	if *addr != "" {
		cfg.Workflow.Addr = *addr
	}

	embedder := embedding.NewOllamaEmbedder(cfg.Embedding)
	defer embedder.Close()
	if err := embedder.EnsureModel(context.Background()); err != nil {
		logger.Warn("embedding model unavailable, rebuilds will skip vectors", zap.Error(err))
	}

	svc, err := knowledge.NewWorkflowService(&cfg, embedder, logger)
	if err != nil {
		logger.Fatal("workflow service init failed", zap.Error(err))
	}

	if err := svc.Serve(cfg.Workflow.Addr); err != nil {
		logger.Fatal("workflow service start failed", zap.Error(err))
	}
	logger.Info("workflow worker ready",
		zap.String("addr", cfg.Workflow.Addr),
		zap.String("app_id", cfg.Workflow.AppID))

	shutdownCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	<-shutdownCtx.Done()

	logger.Info("shutting down workflow worker")
	ctx, timeoutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer timeoutCancel()
	if err := svc.Shutdown(ctx); err != nil {
		logger.Error("workflow shutdown error", zap.Error(err))
	}
}

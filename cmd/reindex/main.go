package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/personal-context-engine/internal/config"
	"github.com/personal-context-engine/internal/embedding"
	"github.com/personal-context-engine/internal/knowledge"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	recordsDir := flag.String("records", "", "records directory (overrides config)")
	check := flag.Bool("check", false, "validate records without rebuilding the index")
	embed := flag.Bool("embed", false, "embed chunks through the configured embedding service")
	verbose := flag.Bool("verbose", false, "console-friendly development logging")
	flag.Parse()

	var logger *zap.Logger
	var err error
	if *verbose {
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
	if *recordsDir != "" {
		cfg.Knowledge.RecordsDir = *recordsDir
	}

	records, err := knowledge.LoadRecords(cfg.Knowledge.RecordsDir)
	if err != nil {
		logger.Fatal("record validation failed", zap.Error(err))
	}

	known := make(map[string]bool, len(records))
	for _, r := range records {
		known[r.Key] = true
	}
	warnings := 0
	for _, r := range records {
		for _, xr := range r.CrossReferences {
			if !known[xr.TargetKey] {
				logger.Warn("cross-reference to unknown entity",
					zap.String("entity", r.Key), zap.String("target", xr.TargetKey))
				warnings++
			}
			if xr.TargetKey == r.Key {
				logger.Warn("cross-reference to itself", zap.String("entity", r.Key))
				warnings++
			}
		}
	}

	logger.Info("records validated",
		zap.String("dir", cfg.Knowledge.RecordsDir),
		zap.Int("entities", len(records)),
		zap.Int("warnings", warnings))

	if *check {
		if warnings > 0 {
			os.Exit(1)
		}
		return
	}

	var embedder embedding.Embedder
	if *embed {
		base := embedding.NewOllamaEmbedder(cfg.Embedding)
		defer base.Close()
		if err := base.EnsureModel(context.Background()); err != nil {
			logger.Fatal("embedding model unavailable", zap.Error(err))
		}
		embedder = base
	}

	start := time.Now()
	store, err := knowledge.Build(context.Background(), &cfg, embedder, logger)
	if err != nil {
		logger.Fatal("index rebuild failed", zap.Error(err))
	}
	defer store.Close()

	stats := store.Stats()
	withoutChunks := 0
	for _, r := range records {
		if len(store.EntityChunks(r.Key)) == 0 {
			logger.Warn("entity content produces no chunks", zap.String("entity", r.Key))
			withoutChunks++
		}
	}

	logger.Info("index rebuilt",
		zap.Int("entities", stats.Entities),
		zap.Int("edges", stats.Edges),
		zap.Int("chunks", stats.Chunks),
		zap.Int("embedded_chunks", stats.EmbeddedChunks),
		zap.Int("entities_without_chunks", withoutChunks),
		zap.Duration("elapsed", time.Since(start)))
}

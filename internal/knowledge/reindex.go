package knowledge

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/inngest/inngestgo"
	"github.com/inngest/inngestgo/step"
	"go.uber.org/zap"

	"github.com/personal-context-engine/internal/config"
	"github.com/personal-context-engine/internal/embedding"
)

// ReindexEventName triggers a full rebuild of the knowledge index.
const ReindexEventName = "knowledge.reindex.requested"

// auditCronSchedule runs the record audit nightly at 03:00.
const auditCronSchedule = "0 3 * * *"

// ReindexInput is the event payload for a requested rebuild.
type ReindexInput struct {
	Reason      string    `json:"reason"`
	RequestedAt time.Time `json:"requested_at"`
}

// ReindexOutput is the final report of a rebuild run.
type ReindexOutput struct {
	Success        bool   `json:"success"`
	Entities       int    `json:"entities"`
	Edges          int    `json:"edges"`
	Chunks         int    `json:"chunks"`
	EmbeddedChunks int    `json:"embedded_chunks"`
	ElapsedMillis  int64  `json:"elapsed_millis"`
	ErrorMessage   string `json:"error,omitempty"`
}

type validateOutput struct {
	Entities int `json:"entities"`
}

type probeOutput struct {
	Dimension int    `json:"dimension"`
	Error     string `json:"error,omitempty"`
}

// AuditInput is the payload of the nightly audit cron tick.
type AuditInput struct {
	TriggeredAt time.Time `json:"triggered_at"`
}

// AuditOutput reports record-level problems found by the nightly audit.
type AuditOutput struct {
	Success  bool     `json:"success"`
	Entities int      `json:"entities"`
	Warnings []string `json:"warnings,omitempty"`
}

// reindexWorkflow rebuilds the knowledge store from the records directory
// inside durable steps, so a crashed rebuild resumes instead of restarting.
func reindexWorkflow(
	cfg *config.Config,
	embedder embedding.Embedder,
	logger *zap.Logger,
) func(ctx context.Context, input inngestgo.Input[ReindexInput]) (any, error) {
	return func(ctx context.Context, input inngestgo.Input[ReindexInput]) (any, error) {
		log := logger.With(zap.String("reason", input.Event.Data.Reason))
		log.Info("Starting knowledge reindex workflow")
		start := time.Now()

		// Step 1: records must parse and validate before anything else runs.
		validateRes, validateErr := step.Run(ctx, "validate-records", func(ctx context.Context) (validateOutput, error) {
			records, err := LoadRecords(cfg.Knowledge.RecordsDir)
			if err != nil {
				return validateOutput{}, err
			}
			return validateOutput{Entities: len(records)}, nil
		})
		if validateErr != nil {
			return ReindexOutput{
				Success:      false,
				ErrorMessage: fmt.Sprintf("record validation failed: %v", validateErr),
			}, validateErr
		}

		// Step 2: probe the embedder with a canary text. Failure is not
		// fatal, the rebuilt store falls back to graph-only retrieval.
		probeRes, probeErr := step.Run(ctx, "probe-embedder", func(ctx context.Context) (probeOutput, error) {
			if embedder == nil {
				return probeOutput{Error: "embedder not configured"}, nil
			}
			probeCtx, cancel := context.WithTimeout(ctx, cfg.Embedding.Timeout)
			defer cancel()
			vec, err := embedder.Embed(probeCtx, "reindex embedding probe")
			if err != nil {
				return probeOutput{Error: err.Error()}, err
			}
			return probeOutput{Dimension: len(vec)}, nil
		})
		if probeErr != nil {
			log.Warn("Embedder probe failed, rebuilt chunks may lack vectors", zap.Error(probeErr))
		}

		// Step 3: full rebuild through the same path the engine boots with.
		stats, buildErr := step.Run(ctx, "rebuild-index", func(ctx context.Context) (Stats, error) {
			store, err := Build(ctx, cfg, embedder, log)
			if err != nil {
				return Stats{}, err
			}
			defer store.Close()
			return store.Stats(), nil
		})
		if buildErr != nil {
			return ReindexOutput{
				Success:      false,
				ErrorMessage: fmt.Sprintf("index rebuild failed: %v", buildErr),
			}, buildErr
		}

		log.Info("Knowledge reindex workflow completed",
			zap.Int("entities", stats.Entities),
			zap.Int("chunks", stats.Chunks),
			zap.Int("embedded_chunks", stats.EmbeddedChunks),
			zap.Int("embedding_dim", probeRes.Dimension),
			zap.Duration("elapsed", time.Since(start)))

		return ReindexOutput{
			Success:        true,
			Entities:       validateRes.Entities,
			Edges:          stats.Edges,
			Chunks:         stats.Chunks,
			EmbeddedChunks: stats.EmbeddedChunks,
			ElapsedMillis:  time.Since(start).Milliseconds(),
		}, nil
	}
}

// auditWorkflow checks the records directory for problems that a build
// tolerates silently: dangling cross-references, self references, and
// entities whose content produces no chunks.
func auditWorkflow(
	cfg *config.Config,
	logger *zap.Logger,
) func(ctx context.Context, input inngestgo.Input[AuditInput]) (any, error) {
	return func(ctx context.Context, input inngestgo.Input[AuditInput]) (any, error) {
		logger.Info("Starting nightly knowledge audit")

		out, err := step.Run(ctx, "audit-records", func(ctx context.Context) (AuditOutput, error) {
			records, err := LoadRecords(cfg.Knowledge.RecordsDir)
			if err != nil {
				return AuditOutput{}, err
			}

			known := make(map[string]bool, len(records))
			for _, r := range records {
				known[r.Key] = true
			}

			var warnings []string
			for _, r := range records {
				for _, xr := range r.CrossReferences {
					target := xr.TargetKey
					if !known[target] {
						warnings = append(warnings, fmt.Sprintf("%s: cross-reference to unknown entity %q", r.Key, target))
					}
					if target == r.Key {
						warnings = append(warnings, fmt.Sprintf("%s: cross-reference to itself", r.Key))
					}
				}
				pieces := chunkText(r.Content(), cfg.Knowledge.ChunkMinWords, cfg.Knowledge.ChunkMaxWords)
				if len(pieces) == 0 {
					warnings = append(warnings, fmt.Sprintf("%s: content produces no chunks", r.Key))
				}
			}

			return AuditOutput{
				Success:  true,
				Entities: len(records),
				Warnings: warnings,
			}, nil
		})
		if err != nil {
			return AuditOutput{Success: false}, err
		}

		if len(out.Warnings) > 0 {
			logger.Warn("Knowledge audit found problems",
				zap.Int("entities", out.Entities),
				zap.Strings("warnings", out.Warnings))
		} else {
			logger.Info("Knowledge audit clean", zap.Int("entities", out.Entities))
		}

		return out, nil
	}
}

// WorkflowService hosts the durable knowledge workflows behind an Inngest
// serve endpoint.
type WorkflowService struct {
	client inngestgo.Client
	logger *zap.Logger
	server *http.Server
}

// NewWorkflowService registers the reindex and audit workflows.
func NewWorkflowService(cfg *config.Config, embedder embedding.Embedder, logger *zap.Logger) (*WorkflowService, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := inngestgo.NewClient(inngestgo.ClientOpts{
		AppID: cfg.Workflow.AppID,
	})
	if err != nil {
		return nil, fmt.Errorf("create inngest client: %w", err)
	}

	_, err = inngestgo.CreateFunction(client,
		inngestgo.FunctionOpts{
			ID:   "knowledge-reindex",
			Name: "Rebuild Knowledge Index",
		},
		inngestgo.EventTrigger(ReindexEventName, nil),
		reindexWorkflow(cfg, embedder, logger))
	if err != nil {
		return nil, fmt.Errorf("register reindex workflow: %w", err)
	}

	_, err = inngestgo.CreateFunction(client,
		inngestgo.FunctionOpts{
			ID:   "knowledge-nightly-audit",
			Name: "Nightly Knowledge Audit",
		},
		inngestgo.CronTrigger(auditCronSchedule),
		auditWorkflow(cfg, logger))
	if err != nil {
		return nil, fmt.Errorf("register audit workflow: %w", err)
	}

	return &WorkflowService{client: client, logger: logger}, nil
}

// Serve starts the workflow HTTP endpoint in the background.
func (ws *WorkflowService) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/", ws.client.Serve())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy","service":"knowledge-workflows"}`))
	})

	ws.server = &http.Server{Addr: addr, Handler: mux}
	ws.logger.Info("Starting workflow service", zap.String("addr", addr))

	go func() {
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ws.logger.Error("Workflow server error", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown stops the workflow HTTP endpoint.
func (ws *WorkflowService) Shutdown(ctx context.Context) error {
	if ws.server != nil {
		return ws.server.Shutdown(ctx)
	}
	return nil
}

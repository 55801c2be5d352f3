// Package app initializes and wires the RepoPilot components in dependency
// order: providers → repository manager → chunker → indexer → retriever →
// agents → orchestrator → HTTP server.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aahilsayed062/repopilot/internal/agents"
	"github.com/aahilsayed062/repopilot/internal/chunker"
	"github.com/aahilsayed062/repopilot/internal/config"
	"github.com/aahilsayed062/repopilot/internal/gitutil"
	"github.com/aahilsayed062/repopilot/internal/index"
	"github.com/aahilsayed062/repopilot/internal/llm"
	"github.com/aahilsayed062/repopilot/internal/metrics"
	"github.com/aahilsayed062/repopilot/internal/orchestrator"
	"github.com/aahilsayed062/repopilot/internal/repomanager"
	"github.com/aahilsayed062/repopilot/internal/retrieve"
	"github.com/aahilsayed062/repopilot/internal/server"
)

// App holds the wired application components.
type App struct {
	Cfg          *config.Config
	Repos        *repomanager.Manager
	Indexer      *index.Indexer
	Retriever    *retrieve.Retriever
	Orchestrator *orchestrator.Orchestrator

	logger *slog.Logger
	server *server.Server
}

// New constructs the whole component graph. Tests construct components
// individually; there is no process-wide registry.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	logger.Info("initializing RepoPilot",
		"data_dir", cfg.Repo.DataDir,
		"persistent_index", cfg.Index.UsePersistentIndex,
		"mock_mode", cfg.Providers.MockMode(),
	)

	chatChain := llm.NewChatChain(cfg.Providers, logger.With("component", "chat"))
	embedChain := llm.NewEmbeddingChain(ctx, cfg.Providers, logger.With("component", "embeddings"))

	prompts, err := llm.NewPromptManager()
	if err != nil {
		return nil, fmt.Errorf("failed to load prompts: %w", err)
	}

	gitClient := gitutil.NewClient(logger.With("component", "gitutil"))
	repos, err := repomanager.New(cfg.Repo, gitClient, !cfg.Index.UsePersistentIndex, logger.With("component", "repomanager"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize repository manager: %w", err)
	}

	chunk := chunker.New(chunker.Options{
		CodeChunkLines:   cfg.Chunking.CodeChunkLines,
		CodeChunkOverlap: cfg.Chunking.CodeChunkOverlap,
		DocChunkTokens:   cfg.Chunking.DocChunkTokens,
		DocChunkOverlap:  cfg.Chunking.DocChunkOverlap,
	})

	indexer := index.New(cfg.Index, repos, chunk, embedChain, logger.With("component", "indexer"))
	retriever := retrieve.New(indexer, embedChain, cfg.Retrieval.TopK, logger.With("component", "retriever"))

	planner := agents.NewPlanner(chatChain, prompts, logger.With("component", "planner"))
	answerer := agents.NewAnswerer(chatChain, prompts, logger.With("component", "answerer"))
	generator := agents.NewGenerator(chatChain, retriever, prompts, logger.With("component", "generator"))
	testGen := agents.NewTestGenerator(chatChain, retriever, prompts, logger.With("component", "testgen"))
	evaluator := agents.NewEvaluator(chatChain, prompts, logger.With("component", "evaluator"))
	router := agents.NewRouter(chatChain, planner, prompts, logger.With("component", "router"))
	impact := agents.NewImpactAnalyzer(chatChain, retriever, prompts, logger.With("component", "impact"))

	cache := orchestrator.NewResponseCache()
	orch := orchestrator.New(repos, router, planner, retriever, answerer, generator, testGen, evaluator, cache, logger.With("component", "orchestrator"))
	refiner := orchestrator.NewRefinementLoop(chatChain, generator, testGen, prompts, logger.With("component", "refiner"))

	m := metrics.New()

	httpRouter := server.NewRouter(server.Deps{
		Cfg:          cfg,
		Repos:        repos,
		Chunker:      chunk,
		Indexer:      indexer,
		Retriever:    retriever,
		Planner:      planner,
		Answerer:     answerer,
		Generator:    generator,
		TestGen:      testGen,
		Evaluator:    evaluator,
		Impact:       impact,
		Orchestrator: orch,
		Refiner:      refiner,
		Metrics:      m,
		Logger:       logger.With("component", "server"),
	})
	httpServer := server.New(cfg.Server.Host, cfg.Server.Port, httpRouter, logger.With("component", "server"))

	logger.Info("RepoPilot initialized")
	return &App{
		Cfg:          cfg,
		Repos:        repos,
		Indexer:      indexer,
		Retriever:    retriever,
		Orchestrator: orch,
		logger:       logger,
		server:       httpServer,
	}, nil
}

// PreflightCheck verifies the listen port before committing to startup.
func (a *App) PreflightCheck() error { return a.server.PreflightCheck() }

// Start runs the HTTP server and blocks until shutdown.
func (a *App) Start() error { return a.server.Start() }

// Stop shuts the application down cleanly.
func (a *App) Stop() error {
	a.logger.Info("shutting down RepoPilot")
	return a.server.Stop()
}

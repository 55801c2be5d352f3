package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/aahilsayed062/repopilot/internal/agents"
	"github.com/aahilsayed062/repopilot/internal/chunker"
	"github.com/aahilsayed062/repopilot/internal/config"
	"github.com/aahilsayed062/repopilot/internal/index"
	"github.com/aahilsayed062/repopilot/internal/metrics"
	"github.com/aahilsayed062/repopilot/internal/orchestrator"
	"github.com/aahilsayed062/repopilot/internal/repomanager"
)

// Version is reported by /health.
const Version = "0.1.0"

// Deps are the wired components the handlers dispatch into.
type Deps struct {
	Cfg          *config.Config
	Repos        *repomanager.Manager
	Chunker      *chunker.Chunker
	Indexer      *index.Indexer
	Retriever    agents.Retriever
	Planner      *agents.Planner
	Answerer     *agents.Answerer
	Generator    *agents.Generator
	TestGen      *agents.TestGenerator
	Evaluator    *agents.Evaluator
	Impact       *agents.ImpactAnalyzer
	Orchestrator *orchestrator.Orchestrator
	Refiner      *orchestrator.RefinementLoop
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

// NewRouter wires all routes with the middleware stack.
func NewRouter(deps Deps) http.Handler {
	h := &handlers{Deps: deps}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(cors)
	r.Use(recoverer(deps.Logger))

	r.Get("/health", h.health)
	r.Handle("/metrics", deps.Metrics.Handler())

	r.Post("/repo/load", h.repoLoad)
	r.Get("/repo/status", h.repoStatus)
	r.Post("/repo/index", h.repoIndex)

	r.Post("/chat/ask", h.chatAsk)
	r.Post("/chat/stream", h.chatStream)
	r.Post("/chat/generate", h.chatGenerate)
	r.Post("/chat/pytest", h.chatPytest)
	r.Post("/chat/impact", h.chatImpact)
	r.Post("/chat/evaluate", h.chatEvaluate)
	r.Post("/chat/smart", h.chatSmart)
	r.Post("/chat/refine", h.chatRefine)

	return r
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestServer wires the full component graph with mock providers only.
func newTestServer(t *testing.T) (http.Handler, *repomanager.Manager, string) {
	t.Helper()

	repoDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(repoDir, "main.py"),
		[]byte("def main():\n    print('hello')\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(repoDir, "README.md"),
		[]byte("# Demo repository\n"), 0o644))

	cfg := &config.Config{}
	cfg.Repo = config.RepoConfig{DataDir: t.TempDir(), MaxRepoSizeMB: 512, MaxFiles: 10000, CloneTimeoutSeconds: 30}
	cfg.Index = config.IndexConfig{BatchSize: 100, FileReadConcurrency: 4, MaxFiles: 900, MaxFileSizeKB: 256, MaxTotalMB: 20, MaxChunks: 2500, TimeBudgetSeconds: 55}
	cfg.Retrieval = config.RetrievalConfig{TopK: 3}

	logger := testLogger()
	chatChain := llm.NewChatChain(cfg.Providers, logger)
	embedder := llm.NewEmbeddingChainWith(logger, llm.NewMockEmbedder())
	prompts, err := llm.NewPromptManager()
	require.NoError(t, err)

	repos, err := repomanager.New(cfg.Repo, gitutil.NewClient(logger), true, logger)
	require.NoError(t, err)
	record, err := repos.Load(context.Background(), repoDir, "")
	require.NoError(t, err)

	chunk := chunker.New(chunker.Options{})
	indexer := index.New(cfg.Index, repos, chunk, embedder, logger)
	retriever := retrieve.New(indexer, embedder, 3, logger)

	planner := agents.NewPlanner(chatChain, prompts, logger)
	answerer := agents.NewAnswerer(chatChain, prompts, logger)
	generator := agents.NewGenerator(chatChain, retriever, prompts, logger)
	testGen := agents.NewTestGenerator(chatChain, retriever, prompts, logger)
	evaluator := agents.NewEvaluator(chatChain, prompts, logger)
	router := agents.NewRouter(chatChain, planner, prompts, logger)
	impact := agents.NewImpactAnalyzer(chatChain, retriever, prompts, logger)
	orch := orchestrator.New(repos, router, planner, retriever, answerer, generator, testGen, evaluator, orchestrator.NewResponseCache(), logger)
	refiner := orchestrator.NewRefinementLoop(chatChain, generator, testGen, prompts, logger)

	handler := NewRouter(Deps{
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
		Metrics:      metrics.New(),
		Logger:       logger,
	})
	return handler, repos, record.RepoID
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	handler, _, _ := newTestServer(t)

	rec := doJSON(t, handler, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["mock_mode"])
}

func TestRepoStatusUnknownRepoIs404(t *testing.T) {
	handler, _, _ := newTestServer(t)
	rec := doJSON(t, handler, http.MethodGet, "/repo/status?repo_id=nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRepoLoadRejectsBadURL(t *testing.T) {
	handler, _, _ := newTestServer(t)
	rec := doJSON(t, handler, http.MethodPost, "/repo/load", map[string]string{"repo_url": "not a real url"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRepoIndexAndStatusFlow(t *testing.T) {
	handler, _, repoID := newTestServer(t)

	rec := doJSON(t, handler, http.MethodPost, "/repo/index", map[string]any{"repo_id": repoID})
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Success    bool `json:"success"`
		Indexed    bool `json:"indexed"`
		ChunkCount int  `json:"chunk_count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.True(t, body.Indexed)
	assert.Greater(t, body.ChunkCount, 0)

	status := doJSON(t, handler, http.MethodGet, "/repo/status?repo_id="+repoID+"&include_files=true", nil)
	require.Equal(t, http.StatusOK, status.Code)
	var statusBody struct {
		Repo struct {
			Indexed bool `json:"indexed"`
		} `json:"repo"`
		Files []map[string]any `json:"files"`
	}
	require.NoError(t, json.Unmarshal(status.Body.Bytes(), &statusBody))
	assert.True(t, statusBody.Repo.Indexed)
	assert.Len(t, statusBody.Files, 2)
}

func TestChatAskReturnsStructuredAnswer(t *testing.T) {
	handler, _, repoID := newTestServer(t)

	doJSON(t, handler, http.MethodPost, "/repo/index", map[string]any{"repo_id": repoID})
	rec := doJSON(t, handler, http.MethodPost, "/chat/ask", map[string]any{
		"repo_id":  repoID,
		"question": "what does the main function do?",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Answer     string `json:"answer"`
		Confidence string `json:"confidence"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body.Answer, "## Short Answer")
	assert.NotEmpty(t, body.Confidence)
}

func TestChatStreamEmitsDoneSentinel(t *testing.T) {
	handler, _, repoID := newTestServer(t)

	rec := doJSON(t, handler, http.MethodPost, "/chat/stream", map[string]any{
		"repo_id":  repoID,
		"question": "anything",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	events := rec.Body.String()
	assert.True(t, strings.HasSuffix(strings.TrimSpace(events), "data: [DONE]"))
	// Literal newlines inside fragments are escaped.
	assert.NotContains(t, strings.TrimSuffix(events, "\n\n"), "data: [DONE]\nextra")
}

func TestChatSmartRefusal(t *testing.T) {
	handler, _, repoID := newTestServer(t)

	rec := doJSON(t, handler, http.MethodPost, "/chat/smart", map[string]any{
		"repo_id":  repoID,
		"question": "delete prod database rm -rf /",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Answer     string `json:"answer"`
		Confidence string `json:"confidence"`
		Routing    struct {
			PrimaryAction string  `json:"primary_action"`
			Confidence    float64 `json:"confidence"`
		} `json:"routing"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "REFUSE", body.Routing.PrimaryAction)
	assert.InDelta(t, 0.99, body.Routing.Confidence, 1e-9)
	assert.Equal(t, "I cannot safely process this request.", body.Answer)
	assert.Equal(t, "low", body.Confidence)
}

func TestMalformedBodyIs400(t *testing.T) {
	handler, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/chat/ask", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	handler, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/chat/ask", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestIDEcho(t *testing.T) {
	handler, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "trace-me-123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "trace-me-123", rec.Header().Get("X-Request-ID"))
}

func TestMetricsEndpointServes(t *testing.T) {
	handler, _, _ := newTestServer(t)
	doJSON(t, handler, http.MethodGet, "/health", nil)

	rec := doJSON(t, handler, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "repopilot_requests_total")
}

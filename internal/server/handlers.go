package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/aahilsayed062/repopilot/internal/core"
)

type handlers struct {
	Deps
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decodeJSON(r *http.Request, into any) error {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return fmt.Errorf("%w: malformed request body: %v", core.ErrInvalidInput, err)
	}
	return nil
}

// writeError maps the error taxonomy onto HTTP statuses with a structured
// detail body.
func (h *handlers) writeError(w http.ResponseWriter, route string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, core.ErrClone), errors.Is(err, core.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, core.ErrNotFound):
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError {
		h.Logger.Error("request failed", "route", route, "error", err)
	}
	h.Metrics.RequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	writeJSON(w, status, map[string]any{"detail": err.Error()})
}

func (h *handlers) ok(w http.ResponseWriter, route string, body any) {
	h.Metrics.RequestsTotal.WithLabelValues(route, "200").Inc()
	writeJSON(w, http.StatusOK, body)
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	h.ok(w, "health", map[string]any{
		"status":    "ok",
		"version":   Version,
		"mock_mode": h.Cfg.Providers.MockMode(),
		"cache":     h.Orchestrator.Cache().Stats(),
	})
}

func (h *handlers) repoLoad(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RepoURL string `json:"repo_url"`
		Branch  string `json:"branch"`
	}
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, "repo_load", err)
		return
	}
	if strings.TrimSpace(req.RepoURL) == "" {
		h.writeError(w, "repo_load", fmt.Errorf("%w: repo_url is required", core.ErrInvalidInput))
		return
	}

	record, err := h.Repos.Load(r.Context(), req.RepoURL, req.Branch)
	if err != nil {
		h.writeError(w, "repo_load", err)
		return
	}

	h.ok(w, "repo_load", map[string]any{
		"success":     true,
		"repo_id":     record.RepoID,
		"repo_name":   record.RepoName,
		"commit_hash": record.CommitHash,
		"stats":       record.Stats,
		"message":     fmt.Sprintf("Loaded %s at %s", record.RepoName, record.CommitHash),
	})
}

func (h *handlers) repoStatus(w http.ResponseWriter, r *http.Request) {
	repoID := r.URL.Query().Get("repo_id")
	record, err := h.Repos.Get(repoID)
	if err != nil {
		h.writeError(w, "repo_status", err)
		return
	}

	body := map[string]any{"repo": record}
	if include, _ := strconv.ParseBool(r.URL.Query().Get("include_files")); include {
		files, err := h.Repos.ListFiles(repoID)
		if err != nil {
			h.writeError(w, "repo_status", err)
			return
		}
		body["files"] = files
	}
	h.ok(w, "repo_status", body)
}

func (h *handlers) repoIndex(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RepoID string `json:"repo_id"`
		Force  bool   `json:"force"`
	}
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, "repo_index", err)
		return
	}

	result, err := h.Indexer.IndexRepo(r.Context(), req.RepoID, req.Force)
	if err != nil {
		h.writeError(w, "repo_index", err)
		return
	}

	// A re-index invalidates cached responses for this repository.
	h.Orchestrator.Cache().InvalidateRepo(req.RepoID)
	h.Metrics.ChunksIndexed.Add(float64(result.ChunkCount))

	message := fmt.Sprintf("Indexed %d chunks", result.ChunkCount)
	if result.FromCache {
		message = "Index is fresh; served from cache"
	}
	h.ok(w, "repo_index", map[string]any{
		"success":     true,
		"repo_id":     req.RepoID,
		"indexed":     result.Indexed,
		"chunk_count": result.ChunkCount,
		"from_cache":  result.FromCache,
		"message":     message,
	})
}

func (h *handlers) chatAsk(w http.ResponseWriter, r *http.Request) {
	var req core.AskRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, "chat_ask", err)
		return
	}

	result, err := h.ask(r.Context(), req)
	if err != nil {
		h.writeError(w, "chat_ask", err)
		return
	}
	h.ok(w, "chat_ask", result)
}

func (h *handlers) chatGenerate(w http.ResponseWriter, r *http.Request) {
	var req core.GenerationRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, "chat_generate", err)
		return
	}
	h.ok(w, "chat_generate", h.Generator.Generate(r.Context(), req.RepoID, req.Request, req.ChatHistory))
}

func (h *handlers) chatPytest(w http.ResponseWriter, r *http.Request) {
	var req core.TestGenRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, "chat_pytest", err)
		return
	}
	h.ok(w, "chat_pytest", h.TestGen.GenerateTests(r.Context(), req))
}

func (h *handlers) chatImpact(w http.ResponseWriter, r *http.Request) {
	var req core.ImpactRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, "chat_impact", err)
		return
	}
	h.ok(w, "chat_impact", h.Impact.Analyze(r.Context(), req))
}

func (h *handlers) chatEvaluate(w http.ResponseWriter, r *http.Request) {
	var req core.EvaluationRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, "chat_evaluate", err)
		return
	}
	h.ok(w, "chat_evaluate", h.Evaluator.Evaluate(r.Context(), req))
}

func (h *handlers) chatSmart(w http.ResponseWriter, r *http.Request) {
	var req core.SmartRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, "chat_smart", err)
		return
	}

	result, err := h.Orchestrator.Smart(r.Context(), req)
	if err != nil {
		h.writeError(w, "chat_smart", err)
		return
	}
	if result.FromCache {
		h.Metrics.CacheHitsTotal.WithLabelValues("response").Inc()
	}
	h.ok(w, "chat_smart", result)
}

func (h *handlers) chatRefine(w http.ResponseWriter, r *http.Request) {
	var req core.RefinementRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, "chat_refine", err)
		return
	}
	h.ok(w, "chat_refine", h.Refiner.Refine(r.Context(), req))
}

// chatStream serves Server-Sent Events: each data line carries a fragment
// with literal newlines encoded, terminated by [DONE] or [ERROR].
func (h *handlers) chatStream(w http.ResponseWriter, r *http.Request) {
	var req core.AskRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, "chat_stream", err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, "chat_stream", fmt.Errorf("streaming unsupported by connection"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeEvent := func(payload string) {
		fmt.Fprintf(w, "data: %s\n\n", strings.ReplaceAll(payload, "\n", `\n`))
		flusher.Flush()
	}

	chunks, err := h.Retriever.Retrieve(r.Context(), req.RepoID, req.Question, 4)
	if err != nil {
		writeEvent("[ERROR] " + err.Error())
		return
	}

	stream, err := h.Answerer.AnswerStream(r.Context(), req.Question, chunks, "")
	if err != nil {
		writeEvent("[ERROR] " + err.Error())
		return
	}

	for fragment := range stream {
		writeEvent(fragment)
	}
	writeEvent("[DONE]")
	h.Metrics.RequestsTotal.WithLabelValues("chat_stream", "200").Inc()
}

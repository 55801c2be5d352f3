package agents

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/aahilsayed062/repopilot/internal/core"
	"github.com/aahilsayed062/repopilot/internal/llm"
)

// decompositionMarkers flag architecture/flow/multi-component questions.
// Entries are regular expressions matched case-insensitively.
var decompositionMarkers = []*regexp.Regexp{
	regexp.MustCompile(`architecture`),
	regexp.MustCompile(`flow`),
	regexp.MustCompile(`end-to-end`),
	regexp.MustCompile(`across`),
	regexp.MustCompile(`interaction`),
	regexp.MustCompile(`dependency|dependencies`),
	regexp.MustCompile(`compare`),
	regexp.MustCompile(`tradeoff`),
	regexp.MustCompile(`refactor`),
	regexp.MustCompile(`security`),
	regexp.MustCompile(`performance`),
	regexp.MustCompile(`multi`),
	regexp.MustCompile(`overview`),
	regexp.MustCompile(`entire`),
	regexp.MustCompile(`whole system`),
	regexp.MustCompile(`full pipeline`),
	regexp.MustCompile(`walk me through`),
	regexp.MustCompile(`step by step`),
	regexp.MustCompile(`trace the`),
	regexp.MustCompile(`how does .* work together`),
}

// Planner decides whether a query needs decomposition and performs it.
type Planner struct {
	chat    ChatClient
	prompts *llm.PromptManager
	logger  *slog.Logger
}

// NewPlanner builds the planner.
func NewPlanner(chat ChatClient, prompts *llm.PromptManager, logger *slog.Logger) *Planner {
	return &Planner{chat: chat, prompts: prompts, logger: logger}
}

// ShouldDecompose is the deterministic gate that avoids unnecessary LLM
// latency: queries under 40 characters never decompose; marker hits or more
// than 15 tokens do.
func (p *Planner) ShouldDecompose(query string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	if len(q) < 40 {
		return false
	}
	for _, marker := range decompositionMarkers {
		if marker.MatchString(q) {
			return true
		}
	}
	return len(strings.Fields(q)) > 15
}

// Decompose asks the LLM to break a complex question into sub-questions.
// Returns nil on any parse or provider failure — callers fall back to the
// original query.
func (p *Planner) Decompose(ctx context.Context, query string) []string {
	system, err := p.prompts.Render(llm.PlannerPrompt, nil)
	if err != nil {
		p.logger.Error("failed to render planner prompt", "error", err)
		return nil
	}

	response, err := p.chat.Complete(ctx, []core.ChatMessage{
		{Role: "system", Content: system},
		{Role: "user", Content: query},
	}, llm.CompleteOptions{JSONMode: true, ProviderOverride: p.preferredProvider()})
	if err != nil {
		p.logger.Warn("decomposition failed", "error", err)
		return nil
	}

	parsed := llm.ExtractJSON(response)
	if parsed.Outcome == llm.Unparsed {
		return nil
	}
	var data struct {
		SubQuestions []string `json:"sub_questions"`
	}
	if err := parsed.Decode(&data); err != nil || len(data.SubQuestions) == 0 {
		return nil
	}

	p.logger.Info("query decomposed", "sub_count", len(data.SubQuestions))
	return data.SubQuestions
}

// preferredProvider pins the larger local tier when available for better
// decomposition quality, without forcing it when the chain lacks one.
func (p *Planner) preferredProvider() string {
	type provider interface {
		Provider(name string) (llm.ChatProvider, bool)
	}
	if chain, ok := p.chat.(provider); ok {
		if _, ok := chain.Provider(llm.ProviderOllamaB); ok {
			return llm.ProviderOllamaB
		}
	}
	return ""
}

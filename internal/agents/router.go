package agents

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aahilsayed062/repopilot/internal/core"
	"github.com/aahilsayed062/repopilot/internal/llm"
)

// refusePatterns is the deterministic safety pre-filter: any substring hit
// refuses the request before a single LLM call is made.
var refusePatterns = []string{
	"rm -rf", "rm -fr", "drop database", "drop table", "delete prod",
	"truncate table", "format c:", "mkfs",
	"steal credential", "steal password", "exfiltrate", "dump passwords",
	"keylogger", "ransomware", "malware", "backdoor",
	"bypass auth", "bypass security", "disable security", "evade detection",
	"sql injection attack", "ddos", "denial of service",
}

// Heuristic fallback keyword sets.
var (
	routerTestKeywords = []string{"test", "pytest", "unittest", "write tests"}
	routerGenKeywords  = []string{"add ", "create ", "implement ", "build ", "write code", "generate", "refactor", "modify ", "change "}
)

// Router classifies each request into agent actions.
type Router struct {
	chat    ChatClient
	planner *Planner
	prompts *llm.PromptManager
	logger  *slog.Logger
}

// NewRouter builds the router.
func NewRouter(chat ChatClient, planner *Planner, prompts *llm.PromptManager, logger *slog.Logger) *Router {
	return &Router{chat: chat, planner: planner, prompts: prompts, logger: logger}
}

// Route decides which agents handle the query. The safety pre-filter runs
// first and is purely deterministic; LLM routing tries the smallest tier
// before larger ones; all-LLM failure falls back to keyword heuristics.
func (r *Router) Route(ctx context.Context, query, repoContext string) core.RoutingDecision {
	if matched, ok := matchRefusePattern(query); ok {
		r.logger.Info("refusing query via safety pre-filter", "pattern", matched)
		return core.RoutingDecision{
			PrimaryAction: core.ActionRefuse,
			Reasoning:     "Deterministic safety filter matched a blocked operation.",
			Confidence:    0.99,
			SkipAgents:    []string{string(core.ActionExplain), string(core.ActionGenerate), string(core.ActionTest)},
		}
	}

	if decision, ok := r.routeViaLLM(ctx, query, repoContext); ok {
		return decision
	}
	return r.heuristicRoute(query)
}

// MatchesRefuseFilter exposes the pre-filter for tests and callers.
func MatchesRefuseFilter(query string) bool {
	_, ok := matchRefusePattern(query)
	return ok
}

func matchRefusePattern(query string) (string, bool) {
	q := strings.ToLower(query)
	for _, pattern := range refusePatterns {
		if strings.Contains(q, pattern) {
			return pattern, true
		}
	}
	return "", false
}

// routeViaLLM tries the router tier first, then the larger tiers, stopping at
// the first parseable decision.
func (r *Router) routeViaLLM(ctx context.Context, query, repoContext string) (core.RoutingDecision, bool) {
	system, err := r.prompts.Render(llm.RouterPrompt, nil)
	if err != nil {
		r.logger.Error("failed to render router prompt", "error", err)
		return core.RoutingDecision{}, false
	}

	if repoContext == "" {
		repoContext = "General"
	}
	messages := []core.ChatMessage{
		{Role: "system", Content: system},
		{Role: "user", Content: fmt.Sprintf("Query: %s\nRepo context: %s", query, repoContext)},
	}

	for _, tier := range r.tierOrder() {
		response, err := r.chat.Complete(ctx, messages, llm.CompleteOptions{JSONMode: true, ProviderOverride: tier})
		if err != nil {
			r.logger.Warn("routing tier failed", "tier", tier, "error", err)
			continue
		}

		parsed := llm.ExtractJSON(response)
		if parsed.Outcome == llm.Unparsed {
			continue
		}
		var decision core.RoutingDecision
		if err := parsed.Decode(&decision); err != nil || decision.PrimaryAction == "" {
			continue
		}
		return decision, true
	}
	return core.RoutingDecision{}, false
}

// tierOrder returns the provider overrides to try, smallest first. An empty
// override means the chain's own priority order.
func (r *Router) tierOrder() []string {
	type provider interface {
		Provider(name string) (llm.ChatProvider, bool)
	}
	chain, ok := r.chat.(provider)
	if !ok {
		return []string{""}
	}

	var tiers []string
	for _, name := range []string{llm.ProviderOllamaRouter, llm.ProviderOllamaA, llm.ProviderOllamaB} {
		if _, ok := chain.Provider(name); ok {
			tiers = append(tiers, name)
		}
	}
	tiers = append(tiers, "")
	return tiers
}

// heuristicRoute is the keyword fallback when every LLM attempt failed.
func (r *Router) heuristicRoute(query string) core.RoutingDecision {
	q := strings.ToLower(query)
	tokens := len(strings.Fields(q))

	for _, kw := range routerTestKeywords {
		if strings.Contains(q, kw) {
			return core.RoutingDecision{
				PrimaryAction: core.ActionTest,
				Reasoning:     "Test generation request",
				Confidence:    0.9,
			}
		}
	}

	for _, kw := range routerGenKeywords {
		if strings.Contains(q, kw) {
			return core.RoutingDecision{
				PrimaryAction:    core.ActionGenerate,
				SecondaryActions: []core.AgentAction{core.ActionTest},
				ParallelAgents:   []core.AgentAction{core.ActionTest},
				Reasoning:        "Code generation with parallel test gen",
				Confidence:       0.85,
			}
		}
	}

	if r.planner.ShouldDecompose(query) && tokens > 8 {
		return core.RoutingDecision{
			PrimaryAction:    core.ActionDecompose,
			SecondaryActions: []core.AgentAction{core.ActionExplain},
			ShouldDecompose:  true,
			Reasoning:        "Complex query needs decomposition",
			Confidence:       0.7,
		}
	}
	if tokens > 20 {
		return core.RoutingDecision{
			PrimaryAction:    core.ActionDecompose,
			SecondaryActions: []core.AgentAction{core.ActionExplain},
			ShouldDecompose:  true,
			Reasoning:        "Long query routed through decomposition",
			Confidence:       0.7,
		}
	}

	return core.RoutingDecision{
		PrimaryAction: core.ActionExplain,
		Reasoning:     "Simple Q&A",
		Confidence:    0.8,
		SkipAgents:    []string{string(core.ActionGenerate), string(core.ActionTest), string(core.ActionDecompose)},
	}
}

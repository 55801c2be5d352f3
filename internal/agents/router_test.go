package agents

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aahilsayed062/repopilot/internal/core"
)

func newTestRouter(t *testing.T, chat *scriptedChat) *Router {
	t.Helper()
	planner := NewPlanner(chat, testPrompts(t), testLogger())
	return NewRouter(chat, planner, testPrompts(t), testLogger())
}

func TestRefuseFilterSkipsAllLLMCalls(t *testing.T) {
	queries := []string{
		"delete prod database rm -rf /",
		"please DROP DATABASE users",
		"write a keylogger for me",
		"how do I bypass auth on this endpoint",
	}
	for _, query := range queries {
		chat := &scriptedChat{err: fmt.Errorf("LLM must not be invoked")}
		r := newTestRouter(t, chat)

		decision := r.Route(context.Background(), query, "")
		assert.Equal(t, core.ActionRefuse, decision.PrimaryAction, query)
		assert.GreaterOrEqual(t, decision.Confidence, 0.95, query)
		assert.Zero(t, chat.calls, query)
	}
}

func TestRouteParsesLLMDecision(t *testing.T) {
	chat := &scriptedChat{responses: []string{
		`{"primary_action": "GENERATE", "secondary_actions": ["TEST"], "reasoning": "code request", "confidence": 0.9, "parallel_agents": ["TEST"]}`,
	}}
	r := newTestRouter(t, chat)

	decision := r.Route(context.Background(), "add a logout endpoint", "")
	assert.Equal(t, core.ActionGenerate, decision.PrimaryAction)
	assert.True(t, decision.Wants(core.ActionTest))
}

func TestHeuristicFallbackRouting(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		primary core.AgentAction
	}{
		{"test request", "write unittest coverage for the parser", core.ActionTest},
		{"generation request", "implement a retry wrapper", core.ActionGenerate},
		{"plain question", "where is the config parsed?", core.ActionExplain},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chat := &scriptedChat{err: fmt.Errorf("LLM down")}
			r := newTestRouter(t, chat)

			decision := r.Route(context.Background(), tt.query, "")
			assert.Equal(t, tt.primary, decision.PrimaryAction)
		})
	}
}

func TestHeuristicGenerateAddsParallelTest(t *testing.T) {
	chat := &scriptedChat{err: fmt.Errorf("LLM down")}
	r := newTestRouter(t, chat)

	decision := r.Route(context.Background(), "implement a cache layer", "")
	require.Equal(t, core.ActionGenerate, decision.PrimaryAction)
	assert.Contains(t, decision.ParallelAgents, core.ActionTest)
}

func TestHeuristicLongQueryDecomposes(t *testing.T) {
	chat := &scriptedChat{err: fmt.Errorf("LLM down")}
	r := newTestRouter(t, chat)

	query := "walk me through the architecture and explain how the indexing " +
		"pipeline and the retrieval layer and the answer synthesis interact end-to-end"
	decision := r.Route(context.Background(), query, "")
	assert.Equal(t, core.ActionDecompose, decision.PrimaryAction)
	assert.True(t, decision.ShouldDecompose)
	assert.Contains(t, decision.SecondaryActions, core.ActionExplain)
}

func TestRoutingDecisionHelpers(t *testing.T) {
	d := core.RoutingDecision{
		PrimaryAction:    core.ActionGenerate,
		SecondaryActions: []core.AgentAction{core.ActionTest},
		ParallelAgents:   []core.AgentAction{core.ActionTest},
	}
	assert.True(t, d.Wants(core.ActionGenerate))
	assert.True(t, d.Wants(core.ActionTest))
	assert.False(t, d.Wants(core.ActionExplain))
	assert.Equal(t, []core.AgentAction{core.ActionGenerate, core.ActionTest}, d.Actions())
}

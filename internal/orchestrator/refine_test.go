package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aahilsayed062/repopilot/internal/agents"
	"github.com/aahilsayed062/repopilot/internal/core"
	"github.com/aahilsayed062/repopilot/internal/llm"
)

func newTestLoop(t *testing.T, chat agents.ChatClient) *RefinementLoop {
	t.Helper()
	prompts, err := llm.NewPromptManager()
	require.NoError(t, err)

	retriever := &stubRetriever{chunks: testChunks()}
	generator := agents.NewGenerator(chat, retriever, prompts, testLogger())
	testGen := agents.NewTestGenerator(chat, retriever, prompts, testLogger())
	return NewRefinementLoop(chat, generator, testGen, prompts, testLogger())
}

func TestRefinePassesFirstIteration(t *testing.T) {
	chat := &routedChat{}
	rl := newTestLoop(t, chat)
	rl.runTests = func(context.Context, string, string) (string, bool, []string) {
		return "2 passed", true, nil
	}

	result := rl.Refine(context.Background(), core.RefinementRequest{RepoID: "r", Request: "implement f"})
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.TotalIterations)
	assert.Contains(t, result.IterationLog[0].RefinementAction, "Tests passed")
	assert.Contains(t, result.FinalCode, "# File: mod.py")
}

func TestRefineFixesCodeOnFailure(t *testing.T) {
	chat := &refiningChat{
		routedChat: routedChat{},
		fix:        `{"fix_target": "code", "reasoning": "off by one", "fixed_code": "def f():\n    return 2", "fixed_tests": ""}`,
	}
	rl := newTestLoop(t, chat)

	runs := 0
	rl.runTests = func(context.Context, string, string) (string, bool, []string) {
		runs++
		if runs == 1 {
			return "FAILED test_f - AssertionError", false, []string{"FAILED test_f - AssertionError"}
		}
		return "1 passed", true, nil
	}

	result := rl.Refine(context.Background(), core.RefinementRequest{RepoID: "r", Request: "implement f"})
	assert.True(t, result.Success)
	assert.Equal(t, 2, result.TotalIterations)
	assert.Contains(t, result.IterationLog[0].RefinementAction, "Fixed CODE")
	assert.Equal(t, "def f():\n    return 2", result.FinalCode)
}

func TestRefineGivesUpAfterMaxIterations(t *testing.T) {
	chat := &refiningChat{
		routedChat: routedChat{},
		fix:        `{"fix_target": "tests", "reasoning": "flaky", "fixed_code": "", "fixed_tests": "def test_x():\n    assert True"}`,
	}
	rl := newTestLoop(t, chat)
	rl.runTests = func(context.Context, string, string) (string, bool, []string) {
		return "FAILED forever", false, []string{"FAILED forever"}
	}

	result := rl.Refine(context.Background(), core.RefinementRequest{RepoID: "r", Request: "implement f"})
	assert.False(t, result.Success)
	assert.Equal(t, maxIterations, result.TotalIterations)
}

func TestExtractFailures(t *testing.T) {
	output := `collected 2 items
test_solution.py::test_a PASSED
test_solution.py::test_b FAILED
E   AssertionError: expected 2
ModuleNotFoundError: No module named 'missing'
all done`
	failures := extractFailures(output)
	require.Len(t, failures, 3)
	assert.Contains(t, failures[0], "FAILED")
}

// refiningChat augments routedChat with a refinement-fix response.
type refiningChat struct {
	routedChat
	fix string
}

func (r *refiningChat) Complete(ctx context.Context, msgs []core.ChatMessage, opts llm.CompleteOptions) (string, error) {
	for _, m := range msgs {
		if contains(m.Content, "code refinement agent") {
			return r.fix, nil
		}
	}
	return r.routedChat.Complete(ctx, msgs, opts)
}

func TestExtractCodeFromGeneration(t *testing.T) {
	gen := core.GenerationResponse{
		Diffs: []core.FileDiff{
			{FilePath: "a.py", Code: "x = 1"},
			{FilePath: "b.py", Diff: "+ y = 2"},
		},
	}
	code := extractCode(gen)
	assert.Contains(t, code, "# File: a.py\nx = 1")
	assert.Contains(t, code, "# File: b.py\n+ y = 2")

	empty := core.GenerationResponse{Plan: "nothing to do"}
	assert.Equal(t, "nothing to do", extractCode(empty))
}

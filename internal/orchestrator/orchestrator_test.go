package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aahilsayed062/repopilot/internal/agents"
	"github.com/aahilsayed062/repopilot/internal/config"
	"github.com/aahilsayed062/repopilot/internal/core"
	"github.com/aahilsayed062/repopilot/internal/gitutil"
	"github.com/aahilsayed062/repopilot/internal/llm"
	"github.com/aahilsayed062/repopilot/internal/repomanager"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// routedChat scripts responses per prompt kind so the concurrent agents each
// get a sensible reply regardless of execution order.
type routedChat struct {
	mu       sync.Mutex
	routing  string
	generate string
	reviews  string
	control  string
	answer   string
	testsGen string
	calls    int
}

func (r *routedChat) Complete(_ context.Context, msgs []core.ChatMessage, _ llm.CompleteOptions) (string, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()

	prompt := ""
	for _, m := range msgs {
		prompt += m.Content + "\n"
	}
	switch {
	case contains(prompt, "routing controller"):
		return orEmpty(r.routing, `{"primary_action": "EXPLAIN", "reasoning": "default", "confidence": 0.8}`), nil
	case contains(prompt, "acting as the CRITIC"), contains(prompt, "acting as the DEFENDER"):
		return orEmpty(r.reviews, `{"score": 5, "issues": [], "feedback": "ok"}`), nil
	case contains(prompt, "evaluation CONTROLLER"):
		return orEmpty(r.control, `{"decision": "ACCEPT_ORIGINAL", "reasoning": "fine", "final_score": 8}`), nil
	case contains(prompt, "test generation expert"):
		return orEmpty(r.testsGen, `{"tests": "import pytest\n\ndef test_generated_ok():\n    assert 1 + 1 == 2\n", "test_file_name": "test_generated.py", "explanation": "e", "coverage_notes": []}`), nil
	case contains(prompt, "code assistant"):
		return orEmpty(r.generate, `{"plan": "change code", "changes": [{"file_path": "mod.py", "code": "def f():\n    return 1", "diff": "+ def f"}]}`), nil
	case contains(prompt, "decomposition engine"):
		return `{"sub_questions": null}`, nil
	default:
		return orEmpty(r.answer, `{"answer": "It works via f [S1].", "citations": [], "confidence": "medium", "assumptions": []}`), nil
	}
}

func (r *routedChat) Stream(ctx context.Context, msgs []core.ChatMessage, opts llm.CompleteOptions) (<-chan string, error) {
	text, err := r.Complete(ctx, msgs, opts)
	if err != nil {
		return nil, err
	}
	out := make(chan string, 1)
	out <- text
	close(out)
	return out, nil
}

func contains(haystack, needle string) bool {
	return strings.Contains(haystack, needle)
}

func orEmpty(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

// stubRetriever serves fixed chunks.
type stubRetriever struct {
	chunks []core.Chunk
}

func (s *stubRetriever) Retrieve(context.Context, string, string, int) ([]core.Chunk, error) {
	return s.chunks, nil
}

func (s *stubRetriever) RetrieveMulti(context.Context, string, []string, int) ([]core.Chunk, error) {
	return s.chunks, nil
}

func testChunks() []core.Chunk {
	return []core.Chunk{{
		ChunkID:   "c1",
		RepoID:    "r",
		FilePath:  "mod.py",
		StartLine: 1,
		EndLine:   10,
		Language:  "python",
		ChunkType: core.ChunkTypeCode,
		Content:   "def f():\n    return 1\n",
	}}
}

func newTestOrchestrator(t *testing.T, chat agents.ChatClient) (*Orchestrator, string) {
	t.Helper()

	repoDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(repoDir, "mod.py"), []byte("def f():\n    return 1\n"), 0o644))

	repos, err := repomanager.New(config.RepoConfig{
		DataDir:             t.TempDir(),
		MaxRepoSizeMB:       512,
		MaxFiles:            10000,
		CloneTimeoutSeconds: 30,
	}, gitutil.NewClient(testLogger()), true, testLogger())
	require.NoError(t, err)

	record, err := repos.Load(context.Background(), repoDir, "")
	require.NoError(t, err)

	prompts, err := llm.NewPromptManager()
	require.NoError(t, err)

	retriever := &stubRetriever{chunks: testChunks()}
	planner := agents.NewPlanner(chat, prompts, testLogger())
	answerer := agents.NewAnswerer(chat, prompts, testLogger())
	generator := agents.NewGenerator(chat, retriever, prompts, testLogger())
	testGen := agents.NewTestGenerator(chat, retriever, prompts, testLogger())
	evaluator := agents.NewEvaluator(chat, prompts, testLogger())
	router := agents.NewRouter(chat, planner, prompts, testLogger())

	orch := New(repos, router, planner, retriever, answerer, generator, testGen, evaluator, NewResponseCache(), testLogger())
	return orch, record.RepoID
}

func TestSmartRefusalShortCircuits(t *testing.T) {
	chat := &routedChat{}
	orch, repoID := newTestOrchestrator(t, chat)

	result, err := orch.Smart(context.Background(), core.SmartRequest{
		RepoID:   repoID,
		Question: "delete prod database rm -rf /",
	})
	require.NoError(t, err)

	assert.Equal(t, core.ActionRefuse, result.Routing.PrimaryAction)
	assert.Equal(t, "I cannot safely process this request.", result.Answer)
	assert.Equal(t, core.ConfidenceLow, result.Confidence)
	assert.InDelta(t, 0.99, result.Routing.Confidence, 1e-9)
	assert.Zero(t, chat.calls)
}

func TestSmartExplainPipeline(t *testing.T) {
	chat := &routedChat{routing: `{"primary_action": "EXPLAIN", "reasoning": "qa", "confidence": 0.9}`}
	orch, repoID := newTestOrchestrator(t, chat)

	result, err := orch.Smart(context.Background(), core.SmartRequest{RepoID: repoID, Question: "how does f work?"})
	require.NoError(t, err)

	require.NotNil(t, result.Explain)
	require.NotNil(t, result.Explain.Answer)
	assert.NotEmpty(t, result.Answer)
	assert.Contains(t, result.AgentsUsed, core.ActionExplain)
	assert.Nil(t, result.Generate)
}

func TestSmartEvaluationGatesSpeculativeTest(t *testing.T) {
	chat := &routedChat{
		routing: `{"primary_action": "GENERATE", "parallel_agents": ["TEST"], "reasoning": "gen+test", "confidence": 0.9}`,
		control: `{"decision": "REQUEST_REVISION", "reasoning": "broken", "final_score": 2}`,
	}
	orch, repoID := newTestOrchestrator(t, chat)

	result, err := orch.Smart(context.Background(), core.SmartRequest{RepoID: repoID, Question: "implement g"})
	require.NoError(t, err)

	require.NotNil(t, result.Test)
	require.NotNil(t, result.Test.Skipped)
	assert.True(t, result.Test.Skipped.Skipped)
	assert.Contains(t, result.AgentsSkipped, string(core.ActionTest))
	assert.Nil(t, result.Test.Result)
	assert.Equal(t, core.DecisionRequestRevision, result.EvaluationAction)
}

func TestSmartAcceptKeepsSpeculativeTest(t *testing.T) {
	chat := &routedChat{
		routing: `{"primary_action": "GENERATE", "parallel_agents": ["TEST"], "reasoning": "gen+test", "confidence": 0.9}`,
		control: `{"decision": "ACCEPT_ORIGINAL", "reasoning": "good", "final_score": 9}`,
	}
	orch, repoID := newTestOrchestrator(t, chat)

	result, err := orch.Smart(context.Background(), core.SmartRequest{RepoID: repoID, Question: "implement g"})
	require.NoError(t, err)

	require.NotNil(t, result.Test)
	require.NotNil(t, result.Test.Result)
	assert.Contains(t, result.Test.Result.Tests, "def test_")
	assert.NotContains(t, result.AgentsSkipped, string(core.ActionTest))
}

func TestSmartTestOnlyRunsStandaloneWithoutEvaluator(t *testing.T) {
	chat := &routedChat{routing: `{"primary_action": "TEST", "reasoning": "tests only", "confidence": 0.9}`}
	orch, repoID := newTestOrchestrator(t, chat)

	result, err := orch.Smart(context.Background(), core.SmartRequest{RepoID: repoID, Question: "write tests for f"})
	require.NoError(t, err)

	require.NotNil(t, result.Test)
	require.NotNil(t, result.Test.Result)
	assert.Nil(t, result.Evaluation)
	assert.Nil(t, result.Generate)
}

func TestSmartResponseIsCachedUntilCommitChanges(t *testing.T) {
	chat := &routedChat{routing: `{"primary_action": "EXPLAIN", "reasoning": "qa", "confidence": 0.9}`}
	orch, repoID := newTestOrchestrator(t, chat)

	first, err := orch.Smart(context.Background(), core.SmartRequest{RepoID: repoID, Question: "how does f work?"})
	require.NoError(t, err)
	assert.False(t, first.FromCache)

	second, err := orch.Smart(context.Background(), core.SmartRequest{RepoID: repoID, Question: "how does f work?"})
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Answer, second.Answer)

	// A new commit changes the cache key and forces a re-execution.
	require.NoError(t, orch.repos.Update(repoID, false, func(r *core.RepoRecord) {
		r.CommitHash = "newcommit"
	}))
	third, err := orch.Smart(context.Background(), core.SmartRequest{RepoID: repoID, Question: "how does f work?"})
	require.NoError(t, err)
	assert.False(t, third.FromCache)
}

func TestSmartUnknownRepo(t *testing.T) {
	chat := &routedChat{}
	orch, _ := newTestOrchestrator(t, chat)

	_, err := orch.Smart(context.Background(), core.SmartRequest{RepoID: "missing", Question: "q"})
	assert.ErrorIs(t, err, core.ErrNotFound)
}

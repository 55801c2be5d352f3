package agents

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aahilsayed062/repopilot/internal/core"
)

func evalRequest() core.EvaluationRequest {
	return core.EvaluationRequest{
		RequestText: "add an add function",
		GeneratedDiffs: []core.FileDiff{
			{FilePath: "math.py", Code: "def add(a, b):\n    return a + b\n", Diff: "+ def add"},
		},
	}
}

func TestEvaluateEmptyBundleIsDisabled(t *testing.T) {
	chat := &scriptedChat{err: fmt.Errorf("must not be called")}
	e := NewEvaluator(chat, testPrompts(t), testLogger())

	result := e.Evaluate(context.Background(), core.EvaluationRequest{RequestText: "x"})
	assert.False(t, result.Enabled)
	require.NotNil(t, result.Controller)
	assert.Equal(t, core.DecisionRequestRevision, result.Controller.Decision)
	assert.Zero(t, chat.calls)
}

func TestEvaluateFullRound(t *testing.T) {
	reviewer := `{"score": 8.5, "issues": ["minor style"], "feedback": "looks fine"}`
	controller := `{"decision": "ACCEPT_ORIGINAL", "reasoning": "clean", "final_score": 8.5, "confidence": 0.9, "merged_issues": ["minor style"], "priority_fixes": []}`
	chat := &scriptedChat{responses: []string{reviewer, reviewer, controller}}
	e := NewEvaluator(chat, testPrompts(t), testLogger())

	result := e.Evaluate(context.Background(), evalRequest())
	assert.True(t, result.Enabled)
	require.NotNil(t, result.Critic)
	require.NotNil(t, result.Defender)
	require.NotNil(t, result.Controller)
	assert.Equal(t, core.DecisionAcceptOriginal, result.Controller.Decision)
}

func TestEvaluateMergeWithoutImprovedCodeDowngrades(t *testing.T) {
	reviewer := `{"score": 6, "issues": [], "feedback": "ok"}`
	controller := `{"decision": "MERGE_FEEDBACK", "reasoning": "merge it", "final_score": 6,
		"improved_code_by_file": [{"file_path": "math.py", "code": "todo"}]}`
	chat := &scriptedChat{responses: []string{reviewer, reviewer, controller}}
	e := NewEvaluator(chat, testPrompts(t), testLogger())

	result := e.Evaluate(context.Background(), evalRequest())
	require.NotNil(t, result.Controller)
	// The only improved file is a placeholder, so the merge decision
	// downgrades to accept.
	assert.Equal(t, core.DecisionAcceptOriginal, result.Controller.Decision)
	assert.Empty(t, result.Controller.ImprovedCodeByFile)
}

func TestEvaluateControllerFallbackFromReviewerScores(t *testing.T) {
	tests := []struct {
		name     string
		scoreA   float64
		scoreB   float64
		decision string
	}{
		{"high scores accept", 9, 8, core.DecisionAcceptOriginal},
		{"middling scores merge", 6, 6, core.DecisionMergeFeedback},
		{"low scores revise", 2, 3, core.DecisionRequestRevision},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chat := &scriptedChat{responses: []string{
				fmt.Sprintf(`{"score": %v, "issues": ["a"], "feedback": "f"}`, tt.scoreA),
				fmt.Sprintf(`{"score": %v, "issues": ["b"], "feedback": "f"}`, tt.scoreB),
				"controller returns garbage that cannot be parsed",
			}}
			e := NewEvaluator(chat, testPrompts(t), testLogger())

			result := e.Evaluate(context.Background(), evalRequest())
			require.NotNil(t, result.Controller)
			assert.Equal(t, tt.decision, result.Controller.Decision)
			assert.InDelta(t, (tt.scoreA+tt.scoreB)/2, result.Controller.FinalScore, 1e-9)
			assert.InDelta(t, 0.85, result.Controller.Confidence, 1e-9)
		})
	}
}

func TestNormalizeDecision(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"ACCEPT_ORIGINAL", core.DecisionAcceptOriginal},
		{"accepted", core.DecisionAcceptOriginal},
		{"Merge_Feedback", core.DecisionMergeFeedback},
		{"FEEDBACK_MERGE", core.DecisionMergeFeedback},
		{"REVISE", core.DecisionRequestRevision},
		{"rejected", core.DecisionRequestRevision},
		{"REQUEST_REVISION", core.DecisionRequestRevision},
		{"something else", core.DecisionMergeFeedback},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeDecision(tt.in), tt.in)
	}
}

func TestValidateImprovedCode(t *testing.T) {
	files := []core.ImprovedFile{
		{FilePath: "ok.py", Code: "def improved(a, b):\n    return a - b\n"},
		{FilePath: "short.py", Code: "x = 1"},
		{FilePath: "placeholder.py", Code: "no changes needed"},
		{FilePath: "prose.py", Code: strings.Repeat("just english words without any code symbols ", 2)},
	}
	valid := validateImprovedCode(files)
	require.Len(t, valid, 1)
	assert.Equal(t, "ok.py", valid[0].FilePath)
}

func TestBuildCodeBundleTruncation(t *testing.T) {
	diffs := []core.FileDiff{
		{FilePath: "big.py", Code: strings.Repeat("a", 5000)},
		{FilePath: "second.py", Code: "def f():\n    pass"},
	}
	bundle := buildCodeBundle(diffs)
	assert.LessOrEqual(t, len(bundle), 10000)
	assert.Contains(t, bundle, "File: big.py")
	assert.Contains(t, bundle, "File: second.py")
}

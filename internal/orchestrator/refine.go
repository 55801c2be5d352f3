package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/aahilsayed062/repopilot/internal/agents"
	"github.com/aahilsayed062/repopilot/internal/core"
	"github.com/aahilsayed062/repopilot/internal/llm"
)

const (
	// maxIterations bounds the generate → test → run → refine loop.
	maxIterations = 4

	// testRunTimeout is the hard per-iteration subprocess deadline.
	testRunTimeout = 30 * time.Second
)

// failureKeywords extract failure lines from pytest output.
var failureKeywords = []string{
	"FAILED", "ERROR", "AssertionError", "ModuleNotFoundError", "ImportError", "SyntaxError",
}

// RefinementLoop drives self-correcting code generation: generate code and
// tests, execute them in a sandboxed temp directory, and feed failures back to
// the LLM for a fix, up to maxIterations times.
type RefinementLoop struct {
	chat      agents.ChatClient
	generator *agents.Generator
	testGen   *agents.TestGenerator
	prompts   *llm.PromptManager
	logger    *slog.Logger

	// runTests is swappable in tests to avoid spawning real subprocesses.
	runTests func(ctx context.Context, code, tests string) (string, bool, []string)
}

// NewRefinementLoop builds the loop.
func NewRefinementLoop(chat agents.ChatClient, generator *agents.Generator, testGen *agents.TestGenerator, prompts *llm.PromptManager, logger *slog.Logger) *RefinementLoop {
	rl := &RefinementLoop{
		chat:      chat,
		generator: generator,
		testGen:   testGen,
		prompts:   prompts,
		logger:    logger,
	}
	rl.runTests = rl.runPytest
	return rl
}

// Refine runs the full loop for one request.
func (rl *RefinementLoop) Refine(ctx context.Context, req core.RefinementRequest) core.RefinementResult {
	var log []core.IterationResult
	var code, tests string

	for i := 1; i <= maxIterations; i++ {
		rl.logger.Info("refinement iteration", "iteration", i, "repo_id", req.RepoID)

		if i == 1 {
			gen := rl.generator.Generate(ctx, req.RepoID, req.Request, req.ChatHistory)
			code = extractCode(gen)
			if strings.TrimSpace(code) == "" {
				return core.RefinementResult{
					Success:         false,
					TotalIterations: 0,
					IterationLog:    []core.IterationResult{},
					FinalTestOutput: "Code generation produced no code: " + gen.Plan,
				}
			}
		}

		if i == 1 || tests == "" {
			testResult := rl.testGen.GenerateTests(ctx, core.TestGenRequest{
				RepoID:        req.RepoID,
				CustomRequest: fmt.Sprintf("Generate pytest tests for this code:\n```python\n%s\n```", truncateText(code, 2000)),
			})
			tests = testResult.Tests
		}

		output, passed, failures := rl.runTests(ctx, code, tests)

		iteration := core.IterationResult{
			Iteration:    i,
			CodeSnippet:  snippet(code),
			TestsSnippet: snippet(tests),
			TestOutput:   truncateText(output, 1000),
			TestsPassed:  passed,
			Failures:     failures,
		}

		if passed {
			iteration.RefinementAction = "Tests passed — no refinement needed"
			log = append(log, iteration)
			break
		}

		fix := rl.refineOnce(ctx, code, tests, output)
		if fix.FixTarget == "code" {
			if fix.FixedCode != "" {
				code = fix.FixedCode
			}
			iteration.RefinementAction = "Fixed CODE: " + orNA(fix.Reasoning)
		} else {
			if fix.FixedTests != "" {
				tests = fix.FixedTests
			}
			iteration.RefinementAction = "Fixed TESTS: " + orNA(fix.Reasoning)
		}
		log = append(log, iteration)
	}

	finalPassed := len(log) > 0 && log[len(log)-1].TestsPassed
	finalOutput := ""
	if len(log) > 0 {
		finalOutput = log[len(log)-1].TestOutput
	}

	return core.RefinementResult{
		Success:         finalPassed,
		TotalIterations: len(log),
		FinalCode:       code,
		FinalTests:      tests,
		IterationLog:    log,
		FinalTestOutput: finalOutput,
	}
}

// extractCode concatenates each diff's body prefixed by a file marker,
// falling back to the plan when there are no diffs.
func extractCode(gen core.GenerationResponse) string {
	var parts []string
	for _, d := range gen.Diffs {
		if text := d.Text(); text != "" {
			parts = append(parts, fmt.Sprintf("# File: %s\n%s", d.FilePath, text))
		}
	}
	if len(parts) == 0 {
		return gen.Plan
	}
	return strings.Join(parts, "\n\n")
}

// runPytest writes solution.py and test_solution.py into a unique temp
// directory and executes pytest with a hard timeout. The test file gets a
// sys.path prelude so it can import the solution. Cleanup is retried to
// tolerate lingering OS file locks.
func (rl *RefinementLoop) runPytest(ctx context.Context, code, tests string) (string, bool, []string) {
	tmpDir, err := os.MkdirTemp("", "repopilot_refine_*")
	if err != nil {
		return "failed to create sandbox: " + err.Error(), false, []string{err.Error()}
	}
	defer cleanupTempDir(tmpDir)

	testWithPrelude := "import sys, os\nsys.path.insert(0, os.path.dirname(__file__))\n" + tests
	if err := os.WriteFile(filepath.Join(tmpDir, "solution.py"), []byte(code), 0o644); err != nil {
		return "failed to write solution: " + err.Error(), false, []string{err.Error()}
	}
	if err := os.WriteFile(filepath.Join(tmpDir, "test_solution.py"), []byte(testWithPrelude), 0o644); err != nil {
		return "failed to write tests: " + err.Error(), false, []string{err.Error()}
	}

	runCtx, cancel := context.WithTimeout(ctx, testRunTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "python", "-m", "pytest", "test_solution.py", "-v", "--tb=short", "--no-header")
	cmd.Dir = tmpDir
	outputBytes, err := cmd.CombinedOutput()
	output := string(outputBytes)

	if runCtx.Err() == context.DeadlineExceeded {
		return "Test execution timed out (30s limit)", false, []string{"Timeout"}
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "pytest could not be executed: " + err.Error(), false, []string{err.Error()}
		}
	}

	passed := err == nil
	return output, passed, extractFailures(output)
}

func extractFailures(output string) []string {
	var failures []string
	for _, line := range strings.Split(output, "\n") {
		stripped := strings.TrimSpace(line)
		for _, kw := range failureKeywords {
			if strings.Contains(stripped, kw) {
				failures = append(failures, stripped)
				break
			}
		}
	}
	return failures
}

type refineFix struct {
	FixTarget  string `json:"fix_target"`
	Reasoning  string `json:"reasoning"`
	FixedCode  string `json:"fixed_code"`
	FixedTests string `json:"fixed_tests"`
}

func (rl *RefinementLoop) refineOnce(ctx context.Context, code, tests, failureOutput string) refineFix {
	prompt, err := rl.prompts.Render(llm.RefinePrompt, map[string]string{
		"Failures": truncateText(failureOutput, 2000),
		"Code":     truncateText(code, 3000),
		"Tests":    truncateText(tests, 2000),
	})
	if err != nil {
		return refineFix{FixTarget: "tests", Reasoning: "prompt render failed: " + err.Error(), FixedTests: tests}
	}

	response, err := rl.chat.Complete(ctx, []core.ChatMessage{
		{Role: "system", Content: "You are a debugging expert. Fix the failing code or tests. Return valid JSON only."},
		{Role: "user", Content: prompt},
	}, llm.CompleteOptions{JSONMode: true})
	if err != nil {
		rl.logger.Error("refinement LLM call failed", "error", err)
		return refineFix{FixTarget: "tests", Reasoning: "LLM refinement failed: " + err.Error(), FixedTests: tests}
	}

	parsed := llm.ExtractJSON(response)
	if parsed.Outcome == llm.Unparsed {
		return refineFix{FixTarget: "tests", Reasoning: "unparseable refinement response", FixedTests: tests}
	}
	var fix refineFix
	if err := parsed.Decode(&fix); err != nil {
		return refineFix{FixTarget: "tests", Reasoning: "unparseable refinement response", FixedTests: tests}
	}
	return fix
}

// cleanupTempDir retries removal to tolerate lingering file locks; the final
// attempt ignores errors.
func cleanupTempDir(dir string) {
	for attempt := 0; attempt < 3; attempt++ {
		if err := os.RemoveAll(dir); err == nil {
			return
		}
		time.Sleep(500 * time.Millisecond)
	}
	_ = os.RemoveAll(dir)
}

func snippet(s string) string {
	if len(s) > 500 {
		return s[:500] + "..."
	}
	return s
}

func truncateText(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

func orNA(s string) string {
	if strings.TrimSpace(s) == "" {
		return "N/A"
	}
	return s
}

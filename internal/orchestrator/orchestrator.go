package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aahilsayed062/repopilot/internal/agents"
	"github.com/aahilsayed062/repopilot/internal/core"
	"github.com/aahilsayed062/repopilot/internal/repomanager"
)

// plannerTimeout bounds the decomposition LLM call inside a smart request; on
// expiry the original question is used as-is.
const plannerTimeout = 8 * time.Second

// refusalAnswer is the fixed refusal payload text.
const refusalAnswer = "I cannot safely process this request."

// Orchestrator fans requests out to the agents and aggregates their results.
type Orchestrator struct {
	repos     *repomanager.Manager
	router    *agents.Router
	planner   *agents.Planner
	retriever agents.Retriever
	answerer  *agents.Answerer
	generator *agents.Generator
	testGen   *agents.TestGenerator
	evaluator *agents.Evaluator
	cache     *ResponseCache
	logger    *slog.Logger
}

// New wires the orchestrator. It depends on every agent; agents never depend
// back on it.
func New(
	repos *repomanager.Manager,
	router *agents.Router,
	planner *agents.Planner,
	retriever agents.Retriever,
	answerer *agents.Answerer,
	generator *agents.Generator,
	testGen *agents.TestGenerator,
	evaluator *agents.Evaluator,
	cache *ResponseCache,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		repos:     repos,
		router:    router,
		planner:   planner,
		retriever: retriever,
		answerer:  answerer,
		generator: generator,
		testGen:   testGen,
		evaluator: evaluator,
		cache:     cache,
		logger:    logger,
	}
}

// Cache exposes the response cache for invalidation by the index endpoint.
func (o *Orchestrator) Cache() *ResponseCache { return o.cache }

// Smart runs the full routed pipeline for one request.
func (o *Orchestrator) Smart(ctx context.Context, req core.SmartRequest) (*core.SmartResult, error) {
	record, err := o.repos.Get(req.RepoID)
	if err != nil {
		return nil, err
	}

	// Cache lookup keyed by (repo, question, commit).
	if cached := o.cache.GetResponse(req.RepoID, req.Question, record.CommitHash); cached != nil {
		cached.FromCache = true
		o.logger.Info("smart response served from cache", "repo_id", req.RepoID)
		return cached, nil
	}

	routing := o.route(ctx, req.Question)

	if routing.PrimaryAction == core.ActionRefuse {
		return &core.SmartResult{
			Routing:       routing,
			AgentsUsed:    []core.AgentAction{core.ActionRefuse},
			AgentsSkipped: routing.SkipAgents,
			Answer:        refusalAnswer,
			Confidence:    core.ConfidenceLow,
		}, nil
	}

	result := &core.SmartResult{
		Routing:       routing,
		AgentsUsed:    routing.Actions(),
		AgentsSkipped: append([]string{}, routing.SkipAgents...),
		CacheRepo:     req.RepoID,
	}

	wantsExplain := routing.Wants(core.ActionExplain) || routing.PrimaryAction == core.ActionDecompose
	wantsGenerate := routing.Wants(core.ActionGenerate)
	wantsTest := routing.Wants(core.ActionTest)
	if !wantsExplain && !wantsGenerate && !wantsTest {
		wantsExplain = true
	}
	decompose := routing.ShouldDecompose || routing.PrimaryAction == core.ActionDecompose

	// Phase A: explain and generate run concurrently. Per-task failures land
	// in the result as error fields and never abort the sibling task.
	g, phaseCtx := errgroup.WithContext(ctx)
	if wantsExplain {
		g.Go(func() error {
			result.Explain = o.runExplain(phaseCtx, req, decompose)
			return nil
		})
	}
	if wantsGenerate {
		g.Go(func() error {
			result.Generate = o.runGenerate(phaseCtx, req)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Phases B + C: evaluation overlapped with the speculative test.
	o.runEvaluationPhase(ctx, req, result, wantsTest)

	// A test-only routing runs the test generator standalone, with no
	// evaluator invocation.
	if wantsTest && result.Test == nil {
		testResult := o.testGen.GenerateTests(ctx, core.TestGenRequest{
			RepoID:        req.RepoID,
			CustomRequest: req.Question,
		})
		result.Test = &core.TestResult{Result: &testResult, Error: testResult.Error}
	}

	promoteTopLevel(result)

	o.cache.PutResponse(req.RepoID, req.Question, record.CommitHash, result)
	return result, nil
}

func (o *Orchestrator) route(ctx context.Context, question string) core.RoutingDecision {
	if cached := o.cache.GetRouting(question); cached != nil {
		return *cached
	}
	decision := o.router.Route(ctx, question, "")
	o.cache.PutRouting(question, &decision)
	return decision
}

func (o *Orchestrator) runExplain(ctx context.Context, req core.SmartRequest, decompose bool) *core.ExplainResult {
	out := &core.ExplainResult{}

	queries := []string{req.Question}
	if decompose {
		plannerCtx, cancel := context.WithTimeout(ctx, plannerTimeout)
		if subs := o.planner.Decompose(plannerCtx, req.Question); len(subs) > 0 {
			queries = subs
			out.SubQuestions = subs
		}
		cancel()
	}

	chunks, err := o.retriever.RetrieveMulti(ctx, req.RepoID, queries, 4)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	if len(chunks) > 6 {
		chunks = chunks[:6]
	}

	history := formatSmartHistory(req.ChatHistory)
	answer := o.answerer.Answer(ctx, req.Question, chunks, history)
	out.Answer = &answer
	return out
}

func (o *Orchestrator) runGenerate(ctx context.Context, req core.SmartRequest) *core.GenerateResult {
	response := o.generator.Generate(ctx, req.RepoID, req.Question, req.ChatHistory)
	return &core.GenerateResult{Response: &response}
}

// runEvaluationPhase launches the evaluator and (if requested) the speculative
// test generator concurrently, then applies the controller gate: a
// REQUEST_REVISION verdict discards the speculative test.
func (o *Orchestrator) runEvaluationPhase(ctx context.Context, req core.SmartRequest, result *core.SmartResult, wantsTest bool) {
	if result.Generate == nil || result.Generate.Response == nil || len(result.Generate.Response.Diffs) == 0 {
		return
	}
	genResponse := result.Generate.Response

	var evaluation core.EvaluationResult
	var testResult *core.TestGenResult

	g, phaseCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		evaluation = o.evaluator.Evaluate(phaseCtx, core.EvaluationRequest{
			RequestText:    req.Question,
			GeneratedDiffs: genResponse.Diffs,
			TestsText:      genResponse.Tests,
		})
		return nil
	})
	if wantsTest {
		g.Go(func() error {
			generated := make([]core.GeneratedFile, 0, len(genResponse.Diffs))
			for _, d := range genResponse.Diffs {
				generated = append(generated, core.GeneratedFile{FilePath: d.FilePath, Content: d.Text()})
			}
			tr := o.testGen.GenerateTests(phaseCtx, core.TestGenRequest{
				RepoID:        req.RepoID,
				CustomRequest: req.Question,
				GeneratedCode: generated,
			})
			testResult = &tr
			return nil
		})
	}
	_ = g.Wait()

	result.Evaluation = &evaluation
	decision := ""
	if evaluation.Controller != nil {
		decision = evaluation.Controller.Decision
	}
	result.EvaluationAction = decision

	if decision == core.DecisionMergeFeedback && evaluation.Controller != nil && len(evaluation.Controller.ImprovedCodeByFile) > 0 {
		result.EvaluationImprovedCode = evaluation.Controller.ImprovedCodeByFile
	}

	if !wantsTest {
		return
	}

	if decision == core.DecisionRequestRevision {
		// Speculative test output is discarded: the code it tests is about to
		// be revised.
		result.Test = &core.TestResult{Skipped: &core.SkippedTest{
			Skipped: true,
			Reason:  "evaluation requested revision of the generated code",
		}}
		result.AgentsSkipped = appendUnique(result.AgentsSkipped, string(core.ActionTest))
		return
	}

	if testResult != nil {
		result.Test = &core.TestResult{Result: testResult, Error: testResult.Error}
	} else {
		result.Test = &core.TestResult{Error: "speculative test produced no result"}
	}
}

// promoteTopLevel lifts the most useful agent output into the result's
// top-level answer/citations/confidence fields.
func promoteTopLevel(result *core.SmartResult) {
	if result.Explain != nil && result.Explain.Answer != nil {
		result.Answer = result.Explain.Answer.Answer
		result.Citations = result.Explain.Answer.Citations
		result.Confidence = result.Explain.Answer.Confidence
		return
	}
	if result.Generate != nil && result.Generate.Response != nil {
		result.Answer = result.Generate.Response.Plan
		result.Confidence = core.ConfidenceHigh
		return
	}
	if result.Answer == "" {
		result.Answer = "The request was processed but produced no direct answer."
	}
	result.Confidence = core.ConfidenceMedium
}

func formatSmartHistory(history []core.ChatMessage) string {
	out := ""
	start := max(0, len(history)-5)
	for _, turn := range history[start:] {
		label := ""
		switch turn.Role {
		case "user":
			label = "User"
		case "assistant":
			label = "Assistant"
		default:
			continue
		}
		if turn.Content == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += fmt.Sprintf("%s: %s", label, turn.Content)
	}
	return out
}

func appendUnique(list []string, value string) []string {
	for _, v := range list {
		if v == value {
			return list
		}
	}
	return append(list, value)
}

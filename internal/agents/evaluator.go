package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/aahilsayed062/repopilot/internal/core"
	"github.com/aahilsayed062/repopilot/internal/llm"
)

const (
	// Per-file and total caps for the code bundle fed to reviewers.
	bundleFileChars  = 2200
	bundleTotalChars = 10000
)

// improvedCodePlaceholders reject controller "improvements" that are not code.
var improvedCodePlaceholders = []string{
	"improved code here", "code here", "same as original", "no changes needed",
	"n/a", "todo", "placeholder", "...",
}

// codeLikeMarkers: improved code must contain at least one of these.
var codeLikeMarkers = []string{"{", "(", "=", ";", "def ", "class ", "import ", "#include"}

// Evaluator runs the critic + defender reviews and the controller verdict
// that gates speculative test production.
type Evaluator struct {
	chat    ChatClient
	prompts *llm.PromptManager
	logger  *slog.Logger
}

// NewEvaluator builds the evaluator.
func NewEvaluator(chat ChatClient, prompts *llm.PromptManager, logger *slog.Logger) *Evaluator {
	return &Evaluator{chat: chat, prompts: prompts, logger: logger}
}

// Evaluate reviews generated diffs. An empty code bundle short-circuits to a
// disabled result with a REQUEST_REVISION stub.
func (e *Evaluator) Evaluate(ctx context.Context, req core.EvaluationRequest) core.EvaluationResult {
	bundle := buildCodeBundle(req.GeneratedDiffs)
	if strings.TrimSpace(bundle) == "" {
		return core.EvaluationResult{
			Enabled: false,
			Controller: &core.ControllerVerdict{
				Decision:     core.DecisionRequestRevision,
				Reasoning:    "No generated code was available to evaluate.",
				MergedIssues: []string{"empty code bundle"},
			},
		}
	}

	critic, defender := e.runReviewers(ctx, req, bundle)

	verdict := e.runController(ctx, req, bundle, critic, defender)
	if verdict != nil {
		verdict.ImprovedCodeByFile = validateImprovedCode(verdict.ImprovedCodeByFile)
		verdict.Decision = NormalizeDecision(verdict.Decision)
		// A merge verdict with no surviving improved code has nothing to merge.
		if verdict.Decision == core.DecisionMergeFeedback && len(verdict.ImprovedCodeByFile) == 0 {
			verdict.Decision = core.DecisionAcceptOriginal
		}
	} else {
		verdict = fallbackVerdict(critic, defender)
	}

	return core.EvaluationResult{
		Enabled:    true,
		Critic:     critic,
		Defender:   defender,
		Controller: verdict,
	}
}

// buildCodeBundle concatenates diff bodies labeled by file, truncating each
// file and the total.
func buildCodeBundle(diffs []core.FileDiff) string {
	var sb strings.Builder
	for _, d := range diffs {
		text := strings.TrimSpace(d.Text())
		if text == "" {
			continue
		}
		if len(text) > bundleFileChars {
			text = text[:bundleFileChars]
		}
		entry := fmt.Sprintf("File: %s\n%s\n\n", d.FilePath, text)
		if sb.Len()+len(entry) > bundleTotalChars {
			remaining := bundleTotalChars - sb.Len()
			if remaining > 0 {
				sb.WriteString(entry[:remaining])
			}
			break
		}
		sb.WriteString(entry)
	}
	return sb.String()
}

// runReviewers executes critic and defender concurrently on different
// provider tiers. Reviewer failures are swallowed into nil results.
func (e *Evaluator) runReviewers(ctx context.Context, req core.EvaluationRequest, bundle string) (critic, defender *core.ReviewerFeedback) {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		critic = e.review(ctx, llm.CriticPrompt, llm.ProviderOllamaA, req, bundle)
		return nil
	})
	g.Go(func() error {
		defender = e.review(ctx, llm.DefenderPrompt, llm.ProviderOllamaB, req, bundle)
		return nil
	})
	_ = g.Wait()
	return critic, defender
}

func (e *Evaluator) review(ctx context.Context, key llm.PromptKey, tier string, req core.EvaluationRequest, bundle string) *core.ReviewerFeedback {
	prompt, err := e.prompts.Render(key, map[string]string{
		"Request": req.RequestText,
		"Code":    bundle,
		"Tests":   truncate(req.TestsText, 2000),
	})
	if err != nil {
		e.logger.Error("failed to render reviewer prompt", "key", string(key), "error", err)
		return nil
	}

	override := ""
	if e.hasProvider(tier) {
		override = tier
	}
	response, err := e.chat.Complete(ctx, []core.ChatMessage{{Role: "user", Content: prompt}},
		llm.CompleteOptions{JSONMode: true, Temperature: 0.2, ProviderOverride: override})
	if err != nil {
		e.logger.Warn("reviewer failed", "key", string(key), "error", err)
		return nil
	}

	parsed := llm.ExtractJSON(response)
	if parsed.Outcome == llm.Unparsed {
		return nil
	}
	var feedback core.ReviewerFeedback
	if err := parsed.Decode(&feedback); err != nil {
		return nil
	}
	return &feedback
}

func (e *Evaluator) hasProvider(name string) bool {
	type provider interface {
		Provider(name string) (llm.ChatProvider, bool)
	}
	chain, ok := e.chat.(provider)
	if !ok {
		return false
	}
	_, ok = chain.Provider(name)
	return ok
}

func (e *Evaluator) runController(ctx context.Context, req core.EvaluationRequest, bundle string, critic, defender *core.ReviewerFeedback) *core.ControllerVerdict {
	prompt, err := e.prompts.Render(llm.ControllerPrompt, map[string]string{
		"Request":      req.RequestText,
		"Code":         bundle,
		"CriticJSON":   reviewerJSON(critic),
		"DefenderJSON": reviewerJSON(defender),
	})
	if err != nil {
		e.logger.Error("failed to render controller prompt", "error", err)
		return nil
	}

	response, err := e.chat.Complete(ctx, []core.ChatMessage{{Role: "user", Content: prompt}},
		llm.CompleteOptions{JSONMode: true, Temperature: 0.2})
	if err != nil {
		e.logger.Warn("controller failed, using reviewer fallback", "error", err)
		return nil
	}

	parsed := llm.ExtractJSON(response)
	if parsed.Outcome == llm.Unparsed {
		return nil
	}
	var verdict core.ControllerVerdict
	if err := parsed.Decode(&verdict); err != nil {
		return nil
	}
	return &verdict
}

func reviewerJSON(feedback *core.ReviewerFeedback) string {
	if feedback == nil {
		return "null (reviewer unavailable)"
	}
	data, err := json.Marshal(feedback)
	if err != nil {
		return "null"
	}
	return string(data)
}

// NormalizeDecision uppercases and maps common decision variants; unknown
// values default to MERGE_FEEDBACK.
func NormalizeDecision(decision string) string {
	d := strings.ToUpper(strings.TrimSpace(decision))
	switch {
	case strings.HasPrefix(d, "ACCEPT"):
		return core.DecisionAcceptOriginal
	case strings.HasPrefix(d, "MERGE"), strings.HasPrefix(d, "FEEDBACK"):
		return core.DecisionMergeFeedback
	case strings.HasPrefix(d, "REVIS"), strings.HasPrefix(d, "REJECT"), strings.HasPrefix(d, "REQUEST"):
		return core.DecisionRequestRevision
	default:
		return core.DecisionMergeFeedback
	}
}

// validateImprovedCode drops placeholder, too-short, or non-code-looking
// improved files.
func validateImprovedCode(files []core.ImprovedFile) []core.ImprovedFile {
	var valid []core.ImprovedFile
	for _, f := range files {
		code := strings.TrimSpace(f.Code)
		if len(code) < 20 {
			continue
		}
		lower := strings.ToLower(code)
		placeholder := false
		for _, phrase := range improvedCodePlaceholders {
			if lower == phrase {
				placeholder = true
				break
			}
		}
		if placeholder {
			continue
		}
		codeLike := false
		for _, marker := range codeLikeMarkers {
			if strings.Contains(code, marker) {
				codeLike = true
				break
			}
		}
		if !codeLike {
			continue
		}
		valid = append(valid, f)
	}
	return valid
}

// fallbackVerdict computes the controller decision from reviewer scores when
// the controller itself failed: mean score mapped by thresholds, issues merged
// with reviewer tags, confidence by coverage.
func fallbackVerdict(critic, defender *core.ReviewerFeedback) *core.ControllerVerdict {
	var scores []float64
	var issues []string
	if critic != nil {
		scores = append(scores, critic.Score)
		for _, issue := range critic.Issues {
			issues = append(issues, "[critic] "+issue)
		}
	}
	if defender != nil {
		scores = append(scores, defender.Score)
		for _, issue := range defender.Issues {
			issues = append(issues, "[defender] "+issue)
		}
	}

	var mean float64
	for _, s := range scores {
		mean += s
	}
	if len(scores) > 0 {
		mean /= float64(len(scores))
	}

	decision := core.DecisionRequestRevision
	switch {
	case mean >= 8:
		decision = core.DecisionAcceptOriginal
	case mean >= 5:
		decision = core.DecisionMergeFeedback
	}

	confidence := 0.2
	switch len(scores) {
	case 2:
		confidence = 0.85
	case 1:
		confidence = 0.6
	}

	return &core.ControllerVerdict{
		Decision:     decision,
		Reasoning:    fmt.Sprintf("Controller unavailable; decision derived from %d reviewer score(s), mean %.1f.", len(scores), mean),
		FinalScore:   mean,
		Confidence:   confidence,
		MergedIssues: issues,
	}
}

package agents

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aahilsayed062/repopilot/internal/core"
	"github.com/aahilsayed062/repopilot/internal/llm"
)

// ImpactAnalyzer produces risk & change-impact reports using retrieval plus
// LLM reasoning.
type ImpactAnalyzer struct {
	chat      ChatClient
	retriever Retriever
	prompts   *llm.PromptManager
	logger    *slog.Logger
}

// NewImpactAnalyzer builds the impact analyzer.
func NewImpactAnalyzer(chat ChatClient, retriever Retriever, prompts *llm.PromptManager, logger *slog.Logger) *ImpactAnalyzer {
	return &ImpactAnalyzer{chat: chat, retriever: retriever, prompts: prompts, logger: logger}
}

// Analyze reports the blast radius of a change. It never returns an error: a
// failed analysis degrades to a safe MEDIUM-risk report.
func (ia *ImpactAnalyzer) Analyze(ctx context.Context, req core.ImpactRequest) core.ImpactReport {
	if len(req.ChangedFiles) == 0 {
		return core.ImpactReport{
			DirectlyChanged:    []string{},
			IndirectlyAffected: []core.ImpactFile{},
			RiskLevel:          core.RiskLow,
			Risks:              []string{"No files changed"},
			Recommendations:    []string{"Verify changes were applied correctly"},
		}
	}

	related := ia.relatedContext(ctx, req)

	system, err := ia.prompts.Render(llm.ImpactPrompt, nil)
	if err != nil {
		return ia.fallbackReport(req, err)
	}
	user := fmt.Sprintf("Changed files: %s\n\nCode changes:\n%s\n\nRelated repository files:\n%s",
		strings.Join(req.ChangedFiles, ", "),
		truncate(req.CodeChanges, 1200),
		truncate(related, 800),
	)

	response, err := ia.chat.Complete(ctx, []core.ChatMessage{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}, llm.CompleteOptions{JSONMode: true, MaxTokens: 512})
	if err != nil {
		return ia.fallbackReport(req, err)
	}

	parsed := llm.ExtractJSON(response)
	if parsed.Outcome == llm.Unparsed {
		return ia.fallbackReport(req, fmt.Errorf("unparseable impact response"))
	}

	var data struct {
		IndirectlyAffected []core.ImpactFile `json:"indirectly_affected"`
		RiskLevel          string            `json:"risk_level"`
		Risks              []string          `json:"risks"`
		Recommendations    []string          `json:"recommendations"`
	}
	if err := parsed.Decode(&data); err != nil {
		return ia.fallbackReport(req, err)
	}

	return core.ImpactReport{
		DirectlyChanged:    req.ChangedFiles,
		IndirectlyAffected: emptyIfNilImpact(data.IndirectlyAffected),
		RiskLevel:          normalizeRiskLevel(data.RiskLevel),
		Risks:              emptyIfNil(data.Risks),
		Recommendations:    emptyIfNil(data.Recommendations),
	}
}

// relatedContext retrieves files that reference the first few changed files.
func (ia *ImpactAnalyzer) relatedContext(ctx context.Context, req core.ImpactRequest) string {
	changed := make(map[string]struct{}, len(req.ChangedFiles))
	for _, f := range req.ChangedFiles {
		changed[f] = struct{}{}
	}

	var sb strings.Builder
	for i, filePath := range req.ChangedFiles {
		if i >= 3 {
			break
		}
		chunks, err := ia.retriever.Retrieve(ctx, req.RepoID,
			fmt.Sprintf("files that import or reference %s", filePath), 2)
		if err != nil {
			ia.logger.Warn("impact retrieval failed", "file", filePath, "error", err)
			continue
		}
		for _, chunk := range chunks {
			if _, isChanged := changed[chunk.FilePath]; isChanged {
				continue
			}
			fmt.Fprintf(&sb, "\n--- %s ---\n%s\n", chunk.FilePath, truncate(chunk.Content, 400))
		}
	}
	return sb.String()
}

func normalizeRiskLevel(level string) string {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case core.RiskLow:
		return core.RiskLow
	case core.RiskHigh:
		return core.RiskHigh
	case core.RiskCritical:
		return core.RiskCritical
	default:
		return core.RiskMedium
	}
}

func (ia *ImpactAnalyzer) fallbackReport(req core.ImpactRequest, cause error) core.ImpactReport {
	ia.logger.Error("impact analysis failed", "error", cause)
	return core.ImpactReport{
		DirectlyChanged:    req.ChangedFiles,
		IndirectlyAffected: []core.ImpactFile{},
		RiskLevel:          core.RiskMedium,
		Risks:              []string{"Impact analysis encountered an error — review changes manually"},
		Recommendations:    []string{"Check imports and dependencies of changed files"},
	}
}

func emptyIfNilImpact(files []core.ImpactFile) []core.ImpactFile {
	if files == nil {
		return []core.ImpactFile{}
	}
	return files
}

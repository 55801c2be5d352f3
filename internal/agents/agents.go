// Package agents implements the grounded operations served over the index:
// question answering, code generation, test synthesis, evaluation, routing,
// planning, and change-impact analysis. Agents depend only on the provider
// chain and the retriever; the orchestrator composes them.
package agents

import (
	"context"

	"github.com/aahilsayed062/repopilot/internal/core"
	"github.com/aahilsayed062/repopilot/internal/llm"
)

// ChatClient is the slice of the chat chain agents use.
type ChatClient interface {
	Complete(ctx context.Context, messages []core.ChatMessage, opts llm.CompleteOptions) (string, error)
	Stream(ctx context.Context, messages []core.ChatMessage, opts llm.CompleteOptions) (<-chan string, error)
}

// Retriever is the slice of the retrieval engine agents use.
type Retriever interface {
	Retrieve(ctx context.Context, repoID, query string, k int) ([]core.Chunk, error)
	RetrieveMulti(ctx context.Context, repoID string, queries []string, k int) ([]core.Chunk, error)
}

// formatHistory renders the last limit user/assistant turns as
// "User:"/"Assistant:" lines for prompt context.
func formatHistory(history []core.ChatMessage, limit int) string {
	if len(history) == 0 {
		return ""
	}
	start := max(0, len(history)-limit)
	out := ""
	for _, turn := range history[start:] {
		role := ""
		switch turn.Role {
		case "user":
			role = "User"
		case "assistant":
			role = "Assistant"
		default:
			continue
		}
		content := turn.Content
		if content == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += role + ": " + content
	}
	return out
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

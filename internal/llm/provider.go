// Package llm implements the pluggable chat-completion and embedding layer:
// prioritized provider chains, JSON-mode handling, retry/backoff, streaming,
// and the deterministic mock backends used when no credentials are configured.
package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/aahilsayed062/repopilot/internal/core"
)

// Provider names accepted as ProviderOverride values.
const (
	ProviderOllamaA      = "ollama_a"
	ProviderOllamaB      = "ollama_b"
	ProviderOllamaRouter = "ollama_router"
	ProviderOpenAI       = "openai"
	ProviderGemini       = "gemini"
	ProviderMock         = "mock"
)

// CompleteOptions tune one chat completion call.
type CompleteOptions struct {
	Temperature      float64
	JSONMode         bool
	MaxTokens        int
	ProviderOverride string
	// MaxTime bounds rate-limit retries by wall clock. Zero means the chain
	// default.
	MaxTime time.Duration
}

// ChatProvider is one chat-completion backend.
type ChatProvider interface {
	Name() string
	Complete(ctx context.Context, messages []core.ChatMessage, opts CompleteOptions) (string, error)
	// Stream yields partial text fragments in arrival order. Providers without
	// native streaming degrade to a single final chunk.
	Stream(ctx context.Context, messages []core.ChatMessage, opts CompleteOptions) (<-chan string, error)
}

// EmbeddingProvider is one embedding backend. All vectors returned by a
// provider share the dimension reported by Dim.
type EmbeddingProvider interface {
	Name() string
	Dim() int
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ProviderError is a classified backend failure. Rate limits carry the
// server-supplied retry delay when one was parseable.
type ProviderError struct {
	Provider   string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: status %d: %v", e.Provider, e.StatusCode, e.Err)
}

func (e *ProviderError) Unwrap() error { return core.ErrProvider }

// RateLimited reports whether the failure was a rate-limit rejection.
func (e *ProviderError) RateLimited() bool { return e.StatusCode == 429 }

package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aahilsayed062/repopilot/internal/config"
	"github.com/aahilsayed062/repopilot/internal/core"
)

// defaultMaxTime bounds rate-limit retries when the caller does not set one.
const defaultMaxTime = 45 * time.Second

// probeTarget is implemented by providers that support a liveness check.
type probeTarget interface {
	Probe(ctx context.Context) error
}

// ChatChain is a prioritized list of chat providers. The chain is data, not
// code: Complete walks adapters in order, falling back on failure, unless a
// ProviderOverride pins one exactly.
type ChatChain struct {
	providers []ChatProvider
	byName    map[string]ChatProvider
	logger    *slog.Logger
}

// NewChatChain builds the chat chain from configuration, in priority order:
// local tiers, remote-paid, remote-free, deterministic mock. The mock provider
// is always present as the terminal fallback.
func NewChatChain(cfg config.ProviderConfig, logger *slog.Logger) *ChatChain {
	c := &ChatChain{byName: make(map[string]ChatProvider), logger: logger}

	add := func(p ChatProvider) {
		c.providers = append(c.providers, p)
		c.byName[p.Name()] = p
	}

	if cfg.OllamaBaseURL != "" {
		base := cfg.OllamaBaseURL + "/v1"
		add(newOpenAICompat(ProviderOllamaA, base, "", cfg.OllamaModelA, cfg.OllamaEmbedModel, 768))
		add(newOpenAICompat(ProviderOllamaB, base, "", cfg.OllamaModelB, cfg.OllamaEmbedModel, 768))
		if cfg.OllamaModelRouter != "" {
			add(newOpenAICompat(ProviderOllamaRouter, base, "", cfg.OllamaModelRouter, cfg.OllamaEmbedModel, 768))
		}
	}
	if cfg.OpenAIAPIKey != "" {
		base := cfg.OpenAIBaseURL
		if base == "" {
			base = "https://api.openai.com/v1"
		}
		add(newOpenAICompat(ProviderOpenAI, base, cfg.OpenAIAPIKey, cfg.OpenAIChatModel, cfg.OpenAIEmbeddingModel, 1536))
	}
	if cfg.GeminiAPIKey != "" {
		add(newGemini(cfg.GeminiAPIKey, cfg.GeminiChatModel, cfg.GeminiEmbeddingModel))
	}
	add(NewMockChat())

	return c
}

// Provider returns the named provider, if registered.
func (c *ChatChain) Provider(name string) (ChatProvider, bool) {
	p, ok := c.byName[name]
	return p, ok
}

// Complete runs one chat completion. With ProviderOverride set, exactly that
// provider is used and no fallback happens. Otherwise providers are tried in
// priority order; rate limits back off exponentially bounded by MaxTime, other
// provider errors get at most one retry before the chain falls through.
func (c *ChatChain) Complete(ctx context.Context, messages []core.ChatMessage, opts CompleteOptions) (string, error) {
	if opts.ProviderOverride != "" {
		p, ok := c.byName[opts.ProviderOverride]
		if !ok {
			return "", fmt.Errorf("%w: unknown provider override %q", core.ErrProvider, opts.ProviderOverride)
		}
		return c.callWithRetry(ctx, p, messages, opts)
	}

	var lastErr error
	for _, p := range c.providers {
		text, err := c.callWithRetry(ctx, p, messages, opts)
		if err == nil {
			return text, nil
		}
		lastErr = err
		c.logger.Warn("chat provider failed, falling back", "provider", p.Name(), "error", err)
	}
	return "", lastErr
}

// Stream opens a streaming completion against the first provider that accepts
// it (or the override). Fragments arrive in provider order.
func (c *ChatChain) Stream(ctx context.Context, messages []core.ChatMessage, opts CompleteOptions) (<-chan string, error) {
	if opts.ProviderOverride != "" {
		p, ok := c.byName[opts.ProviderOverride]
		if !ok {
			return nil, fmt.Errorf("%w: unknown provider override %q", core.ErrProvider, opts.ProviderOverride)
		}
		return p.Stream(ctx, messages, opts)
	}

	var lastErr error
	for _, p := range c.providers {
		ch, err := p.Stream(ctx, messages, opts)
		if err == nil {
			return ch, nil
		}
		lastErr = err
		c.logger.Warn("stream provider failed, falling back", "provider", p.Name(), "error", err)
	}
	return nil, lastErr
}

func (c *ChatChain) callWithRetry(ctx context.Context, p ChatProvider, messages []core.ChatMessage, opts CompleteOptions) (string, error) {
	maxTime := opts.MaxTime
	if maxTime <= 0 {
		maxTime = defaultMaxTime
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxElapsedTime = maxTime

	retried := false
	var result string
	operation := func() error {
		text, err := p.Complete(ctx, messages, opts)
		if err == nil {
			result = text
			return nil
		}

		var perr *ProviderError
		if asProviderError(err, &perr) && perr.RateLimited() {
			// Honor the server-supplied delay before the next attempt; the
			// exponential policy still bounds total elapsed time.
			if perr.RetryAfter > 0 {
				select {
				case <-time.After(perr.RetryAfter):
				case <-ctx.Done():
					return backoff.Permanent(ctx.Err())
				}
			}
			return err
		}
		// Non-rate-limit provider errors get a single retry.
		if !retried {
			retried = true
			return err
		}
		return backoff.Permanent(err)
	}

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return "", err
	}
	return result, nil
}

func asProviderError(err error, target **ProviderError) bool {
	return errors.As(err, target)
}

// EmbeddingChain selects the first live embedding provider at construction and
// falls down the chain (ending at the mock) whenever a call fails.
type EmbeddingChain struct {
	providers []EmbeddingProvider
	active    int
	logger    *slog.Logger
}

// NewEmbeddingChain builds the embedding chain: local, remote-free,
// remote-paid, mock. Each configured provider is probed with a 3s deadline;
// the first success becomes the active provider.
func NewEmbeddingChain(ctx context.Context, cfg config.ProviderConfig, logger *slog.Logger) *EmbeddingChain {
	c := &EmbeddingChain{logger: logger}

	if cfg.OllamaBaseURL != "" {
		c.providers = append(c.providers, newOpenAICompat(ProviderOllamaA, cfg.OllamaBaseURL+"/v1", "", cfg.OllamaModelA, cfg.OllamaEmbedModel, 768))
	}
	if cfg.GeminiAPIKey != "" {
		c.providers = append(c.providers, newGemini(cfg.GeminiAPIKey, cfg.GeminiChatModel, cfg.GeminiEmbeddingModel))
	}
	if cfg.OpenAIAPIKey != "" {
		base := cfg.OpenAIBaseURL
		if base == "" {
			base = "https://api.openai.com/v1"
		}
		c.providers = append(c.providers, newOpenAICompat(ProviderOpenAI, base, cfg.OpenAIAPIKey, cfg.OpenAIChatModel, cfg.OpenAIEmbeddingModel, 1536))
	}
	c.providers = append(c.providers, NewMockEmbedder())

	c.active = len(c.providers) - 1
	for i, p := range c.providers {
		probe, ok := p.(probeTarget)
		if !ok {
			c.active = i
			break
		}
		if err := probe.Probe(ctx); err != nil {
			logger.Warn("embedding provider probe failed", "provider", p.Name(), "error", err)
			continue
		}
		c.active = i
		break
	}
	logger.Info("embedding provider selected", "provider", c.providers[c.active].Name(), "dim", c.providers[c.active].Dim())

	return c
}

// NewEmbeddingChainWith wires an explicit provider list; tests use this to
// inject fakes.
func NewEmbeddingChainWith(logger *slog.Logger, providers ...EmbeddingProvider) *EmbeddingChain {
	return &EmbeddingChain{providers: providers, logger: logger}
}

// Name reports the active provider.
func (c *EmbeddingChain) Name() string { return c.providers[c.active].Name() }

// Dim reports the active provider's vector dimension.
func (c *EmbeddingChain) Dim() int { return c.providers[c.active].Dim() }

// Embed produces one vector per input text. On failure the chain advances past
// the failing provider for this call and every later one; the mock terminal
// provider never errors.
func (c *EmbeddingChain) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	for i := c.active; i < len(c.providers); i++ {
		vectors, err := c.providers[i].Embed(ctx, texts)
		if err == nil {
			if i != c.active {
				c.logger.Warn("embedding provider degraded", "from", c.providers[c.active].Name(), "to", c.providers[i].Name())
				c.active = i
			}
			return vectors, nil
		}
		lastErr = err
		c.logger.Warn("embedding provider failed, falling back", "provider", c.providers[i].Name(), "error", err)
	}
	return nil, lastErr
}

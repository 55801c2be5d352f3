package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aahilsayed062/repopilot/internal/core"
)

// openAICompat speaks the OpenAI-compatible chat/embeddings wire format. It
// backs both the remote-paid provider (api.openai.com or a compatible proxy)
// and the local Ollama tiers, which expose the same /v1 surface.
type openAICompat struct {
	name       string
	baseURL    string
	apiKey     string
	chatModel  string
	embedModel string
	embedDim   int
	client     *http.Client
}

type chatCompletionRequest struct {
	Model          string             `json:"model"`
	Messages       []core.ChatMessage `json:"messages"`
	Temperature    float64            `json:"temperature"`
	MaxTokens      int                `json:"max_tokens,omitempty"`
	Stream         bool               `json:"stream,omitempty"`
	ResponseFormat *responseFormat    `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

func newOpenAICompat(name, baseURL, apiKey, chatModel, embedModel string, embedDim int) *openAICompat {
	return &openAICompat{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		chatModel:  chatModel,
		embedModel: embedModel,
		embedDim:   embedDim,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:    100,
				MaxConnsPerHost: 10,
				IdleConnTimeout: 90 * time.Second,
			},
			Timeout: 5 * time.Minute,
		},
	}
}

func (p *openAICompat) Name() string { return p.name }

// supportsJSONMode reports whether the endpoint honors response_format. Other
// OpenAI-compatible proxies frequently reject it, so only the real API and
// endpoints on Ollama's default port (11434) get it.
func (p *openAICompat) supportsJSONMode() bool {
	return strings.Contains(p.baseURL, "openai.com") || strings.Contains(p.baseURL, "11434")
}

func (p *openAICompat) Complete(ctx context.Context, messages []core.ChatMessage, opts CompleteOptions) (string, error) {
	body := chatCompletionRequest{
		Model:       p.chatModel,
		Messages:    messages,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}
	if opts.JSONMode && p.supportsJSONMode() {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	respBody, err := p.post(ctx, "/chat/completions", body)
	if err != nil {
		return "", err
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", &ProviderError{Provider: p.name, Err: fmt.Errorf("malformed completion response: %w", err)}
	}
	if len(parsed.Choices) == 0 {
		return "", &ProviderError{Provider: p.name, Err: fmt.Errorf("completion response had no choices")}
	}
	return parsed.Choices[0].Message.Content, nil
}

func (p *openAICompat) Stream(ctx context.Context, messages []core.ChatMessage, opts CompleteOptions) (<-chan string, error) {
	body := chatCompletionRequest{
		Model:       p.chatModel,
		Messages:    messages,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		Stream:      true,
	}

	req, err := p.newRequest(ctx, "/chat/completions", body)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &ProviderError{Provider: p.name, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, p.statusError(resp)
	}

	out := make(chan string)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" || payload == "[DONE]" {
				continue
			}
			var parsed chatCompletionResponse
			if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
				continue
			}
			if len(parsed.Choices) == 0 {
				continue
			}
			fragment := parsed.Choices[0].Delta.Content
			if fragment == "" {
				continue
			}
			select {
			case out <- fragment:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (p *openAICompat) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	// Newlines degrade embedding quality on these backends.
	clean := make([]string, len(texts))
	for i, t := range texts {
		clean[i] = strings.ReplaceAll(t, "\n", " ")
	}

	respBody, err := p.post(ctx, "/embeddings", embeddingRequest{Model: p.embedModel, Input: clean})
	if err != nil {
		return nil, err
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &ProviderError{Provider: p.name, Err: fmt.Errorf("malformed embedding response: %w", err)}
	}
	if len(parsed.Data) != len(texts) {
		return nil, &ProviderError{Provider: p.name, Err: fmt.Errorf("embedding count mismatch: want %d, got %d", len(texts), len(parsed.Data))}
	}

	vectors := make([][]float32, len(texts))
	for _, item := range parsed.Data {
		if item.Index < 0 || item.Index >= len(vectors) {
			return nil, &ProviderError{Provider: p.name, Err: fmt.Errorf("embedding index %d out of range", item.Index)}
		}
		vectors[item.Index] = item.Embedding
	}
	return vectors, nil
}

func (p *openAICompat) Dim() int { return p.embedDim }

// Probe checks endpoint liveness with a short deadline.
func (p *openAICompat) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return err
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	return nil
}

func (p *openAICompat) newRequest(ctx context.Context, path string, body any) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	return req, nil
}

func (p *openAICompat) post(ctx context.Context, path string, body any) ([]byte, error) {
	req, err := p.newRequest(ctx, path, body)
	if err != nil {
		return nil, &ProviderError{Provider: p.name, Err: err}
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &ProviderError{Provider: p.name, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, p.statusError(resp)
	}
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProviderError{Provider: p.name, Err: err}
	}
	return respBody, nil
}

func (p *openAICompat) statusError(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	perr := &ProviderError{
		Provider:   p.name,
		StatusCode: resp.StatusCode,
		Err:        fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))),
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		perr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}
	return perr
}

// parseRetryAfter interprets the Retry-After header as seconds. Malformed or
// absent values yield zero, letting the caller fall back to its own backoff.
func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return 0
}

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aahilsayed062/repopilot/internal/core"
)

const (
	geminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

	// Gemini free-tier embedding calls are paced and sub-batched to stay under
	// the rate limit.
	geminiEmbedBatchSize  = 20
	geminiEmbedPacing     = 1500 * time.Millisecond
	geminiEmbedMaxRetries = 3
)

// gemini is the remote-free provider, speaking the Generative Language REST API.
type gemini struct {
	apiKey     string
	chatModel  string
	embedModel string
	baseURL    string
	client     *http.Client
	// sleep is swappable in tests so pacing does not slow the suite down.
	sleep func(time.Duration)
}

func newGemini(apiKey, chatModel, embedModel string) *gemini {
	return &gemini{
		apiKey:     apiKey,
		chatModel:  chatModel,
		embedModel: embedModel,
		baseURL:    geminiBaseURL,
		client:     &http.Client{Timeout: 2 * time.Minute},
		sleep:      time.Sleep,
	}
}

func (g *gemini) Name() string { return ProviderGemini }
func (g *gemini) Dim() int     { return 768 }

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerateRequest struct {
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	Contents          []geminiContent        `json:"contents"`
	GenerationConfig  map[string]any         `json:"generationConfig,omitempty"`
}

type geminiGenerateResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

func (g *gemini) Complete(ctx context.Context, messages []core.ChatMessage, opts CompleteOptions) (string, error) {
	req := geminiGenerateRequest{GenerationConfig: map[string]any{"temperature": opts.Temperature}}
	if opts.MaxTokens > 0 {
		req.GenerationConfig["maxOutputTokens"] = opts.MaxTokens
	}
	if opts.JSONMode {
		req.GenerationConfig["responseMimeType"] = "application/json"
	}

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: msg.Content}}}
		case "assistant":
			req.Contents = append(req.Contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: msg.Content}}})
		default:
			req.Contents = append(req.Contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: msg.Content}}})
		}
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", g.baseURL, g.chatModel, g.apiKey)
	respBody, err := g.post(ctx, url, req)
	if err != nil {
		return "", err
	}

	var parsed geminiGenerateResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", &ProviderError{Provider: ProviderGemini, Err: fmt.Errorf("malformed generate response: %w", err)}
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return "", &ProviderError{Provider: ProviderGemini, Err: fmt.Errorf("generate response had no candidates")}
	}

	var sb strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	return sb.String(), nil
}

// Stream degrades to a single final chunk; the REST surface used here does not
// stream.
func (g *gemini) Stream(ctx context.Context, messages []core.ChatMessage, opts CompleteOptions) (<-chan string, error) {
	text, err := g.Complete(ctx, messages, opts)
	if err != nil {
		return nil, err
	}
	out := make(chan string, 1)
	out <- text
	close(out)
	return out, nil
}

type geminiEmbedBatchRequest struct {
	Requests []geminiEmbedRequest `json:"requests"`
}

type geminiEmbedRequest struct {
	Model   string        `json:"model"`
	Content geminiContent `json:"content"`
}

type geminiEmbedBatchResponse struct {
	Embeddings []struct {
		Values []float32 `json:"values"`
	} `json:"embeddings"`
}

// Embed sub-batches at most geminiEmbedBatchSize texts per request, paces
// consecutive requests, and honors the server-supplied delay on rate limits,
// retrying at most geminiEmbedMaxRetries times per batch.
func (g *gemini) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var vectors [][]float32
	for start := 0; start < len(texts); start += geminiEmbedBatchSize {
		end := min(start+geminiEmbedBatchSize, len(texts))
		if start > 0 {
			g.sleep(geminiEmbedPacing)
		}
		batch, err := g.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

func (g *gemini) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	req := geminiEmbedBatchRequest{}
	for _, text := range texts {
		req.Requests = append(req.Requests, geminiEmbedRequest{
			Model:   "models/" + g.embedModel,
			Content: geminiContent{Parts: []geminiPart{{Text: strings.ReplaceAll(text, "\n", " ")}}},
		})
	}
	url := fmt.Sprintf("%s/models/%s:batchEmbedContents?key=%s", g.baseURL, g.embedModel, g.apiKey)

	var lastErr error
	for attempt := 0; attempt <= geminiEmbedMaxRetries; attempt++ {
		respBody, err := g.post(ctx, url, req)
		if err == nil {
			var parsed geminiEmbedBatchResponse
			if err := json.Unmarshal(respBody, &parsed); err != nil {
				return nil, &ProviderError{Provider: ProviderGemini, Err: fmt.Errorf("malformed embed response: %w", err)}
			}
			if len(parsed.Embeddings) != len(texts) {
				return nil, &ProviderError{Provider: ProviderGemini, Err: fmt.Errorf("embedding count mismatch: want %d, got %d", len(texts), len(parsed.Embeddings))}
			}
			out := make([][]float32, len(texts))
			for i, emb := range parsed.Embeddings {
				out[i] = emb.Values
			}
			return out, nil
		}

		lastErr = err
		var perr *ProviderError
		if !asProviderError(err, &perr) || !perr.RateLimited() || attempt == geminiEmbedMaxRetries {
			return nil, err
		}
		delay := perr.RetryAfter
		if delay <= 0 {
			delay = time.Duration(attempt+1) * 2 * time.Second
		}
		g.sleep(delay)
	}
	return nil, lastErr
}

// Probe verifies the API key by listing the embedding model.
func (g *gemini) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	url := fmt.Sprintf("%s/models/%s?key=%s", g.baseURL, g.embedModel, g.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	return nil
}

func (g *gemini) post(ctx context.Context, url string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &ProviderError{Provider: ProviderGemini, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &ProviderError{Provider: ProviderGemini, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, &ProviderError{Provider: ProviderGemini, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		perr := &ProviderError{
			Provider:   ProviderGemini,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))),
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			perr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		}
		return nil, perr
	}
	return io.ReadAll(resp.Body)
}

package llm

import (
	"context"
	"hash/crc32"
	"math"
	"strings"

	"github.com/aahilsayed062/repopilot/internal/core"
)

// MockEmbedDim is the dimension of mock vectors. It matches the local
// embedding models so a collection started in mock mode can be queried the
// same way.
const MockEmbedDim = 768

// MockEmbedder produces deterministic embeddings without any network access:
// each token is hashed with CRC32 into a bucket of the fixed-dimension vector,
// added with a hash-derived sign, and the result is L2-normalized. Identical
// input always yields byte-identical output.
type MockEmbedder struct {
	dim int
}

// NewMockEmbedder returns the last-resort embedding provider.
func NewMockEmbedder() *MockEmbedder {
	return &MockEmbedder{dim: MockEmbedDim}
}

func (m *MockEmbedder) Name() string { return ProviderMock }
func (m *MockEmbedder) Dim() int     { return m.dim }

func (m *MockEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = m.embedOne(text)
	}
	return vectors, nil
}

func (m *MockEmbedder) embedOne(text string) []float32 {
	vec := make([]float32, m.dim)
	for _, token := range tokenizeMock(text) {
		h := crc32.ChecksumIEEE([]byte(token))
		idx := int(h % uint32(m.dim))
		sign := float32(1)
		if h&0x80000000 != 0 {
			sign = -1
		}
		vec[idx] += sign
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		// Empty input still gets a valid unit vector.
		vec[0] = 1
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}

func tokenizeMock(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_')
	})
}

// MockChat is the deterministic chat backend used when no real provider is
// available. It never errors.
type MockChat struct{}

// NewMockChat returns the last-resort chat provider.
func NewMockChat() *MockChat { return &MockChat{} }

func (m *MockChat) Name() string { return ProviderMock }

func (m *MockChat) Complete(_ context.Context, messages []core.ChatMessage, opts CompleteOptions) (string, error) {
	if opts.JSONMode {
		return `{"answer": "Mock mode is active: no chat provider is configured. Configure OPENAI_API_KEY, GEMINI_API_KEY, or OLLAMA_BASE_URL for grounded answers.", "citations": [], "confidence": "low", "assumptions": ["mock provider"]}`, nil
	}
	var last string
	if len(messages) > 0 {
		last = messages[len(messages)-1].Content
	}
	if len(last) > 64 {
		last = last[:64]
	}
	return "[MOCK RESPONSE] No chat provider is configured. Prompt preview: " + last, nil
}

func (m *MockChat) Stream(ctx context.Context, messages []core.ChatMessage, opts CompleteOptions) (<-chan string, error) {
	text, _ := m.Complete(ctx, messages, opts)
	out := make(chan string, 1)
	out <- text
	close(out)
	return out, nil
}

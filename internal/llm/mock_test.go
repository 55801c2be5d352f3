package llm

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockEmbedderIsDeterministic(t *testing.T) {
	m := NewMockEmbedder()
	texts := []string{"func main() {}", "def handler(request):", ""}

	first, err := m.Embed(context.Background(), texts)
	require.NoError(t, err)
	second, err := m.Embed(context.Background(), texts)
	require.NoError(t, err)

	require.Len(t, first, len(texts))
	for i := range first {
		assert.Equal(t, first[i], second[i], "vector %d must be byte-equal across calls", i)
	}
}

func TestMockEmbedderDimensionAndNorm(t *testing.T) {
	m := NewMockEmbedder()
	vectors, err := m.Embed(context.Background(), []string{"hello world", ""})
	require.NoError(t, err)

	for _, vec := range vectors {
		require.Len(t, vec, MockEmbedDim)
		var norm float64
		for _, v := range vec {
			norm += float64(v) * float64(v)
		}
		assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)
	}
}

func TestMockEmbedderDistinguishesInputs(t *testing.T) {
	m := NewMockEmbedder()
	vectors, err := m.Embed(context.Background(), []string{"alpha beta", "gamma delta"})
	require.NoError(t, err)
	assert.NotEqual(t, vectors[0], vectors[1])
}

func TestMockChatNeverErrors(t *testing.T) {
	c := NewMockChat()

	text, err := c.Complete(context.Background(), nil, CompleteOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, text)

	jsonText, err := c.Complete(context.Background(), nil, CompleteOptions{JSONMode: true})
	require.NoError(t, err)
	assert.Equal(t, Parsed, ExtractJSON(jsonText).Outcome)

	stream, err := c.Stream(context.Background(), nil, CompleteOptions{})
	require.NoError(t, err)
	var fragments int
	for range stream {
		fragments++
	}
	assert.Equal(t, 1, fragments)
}

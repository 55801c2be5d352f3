package agents

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aahilsayed062/repopilot/internal/core"
	"github.com/aahilsayed062/repopilot/internal/llm"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPrompts(t *testing.T) *llm.PromptManager {
	t.Helper()
	pm, err := llm.NewPromptManager()
	require.NoError(t, err)
	return pm
}

// scriptedChat returns queued responses in order; when the queue is empty it
// repeats the last response. A nil queue makes every call fail. Safe for
// concurrent callers (the evaluator fans out).
type scriptedChat struct {
	mu        sync.Mutex
	responses []string
	err       error
	calls     int
	lastOpts  llm.CompleteOptions
	lastMsgs  []core.ChatMessage
}

func (s *scriptedChat) Complete(_ context.Context, msgs []core.ChatMessage, opts llm.CompleteOptions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.lastOpts = opts
	s.lastMsgs = msgs
	if s.err != nil {
		return "", s.err
	}
	if len(s.responses) == 0 {
		return "", fmt.Errorf("scripted chat has no responses")
	}
	response := s.responses[0]
	if len(s.responses) > 1 {
		s.responses = s.responses[1:]
	}
	return response, nil
}

func (s *scriptedChat) Stream(ctx context.Context, msgs []core.ChatMessage, opts llm.CompleteOptions) (<-chan string, error) {
	text, err := s.Complete(ctx, msgs, opts)
	if err != nil {
		return nil, err
	}
	out := make(chan string, 1)
	out <- text
	close(out)
	return out, nil
}

// stubRetriever serves a fixed chunk list for every query.
type stubRetriever struct {
	chunks []core.Chunk
	err    error
}

func (s *stubRetriever) Retrieve(context.Context, string, string, int) ([]core.Chunk, error) {
	return s.chunks, s.err
}

func (s *stubRetriever) RetrieveMulti(context.Context, string, []string, int) ([]core.Chunk, error) {
	return s.chunks, s.err
}

func sampleChunks() []core.Chunk {
	return []core.Chunk{
		{
			ChunkID:   "c1",
			RepoID:    "repo1",
			FilePath:  "src/auth.py",
			StartLine: 1,
			EndLine:   40,
			Language:  "python",
			ChunkType: core.ChunkTypeCode,
			Content:   "def check_token(token):\n    return token.valid\n",
		},
		{
			ChunkID:   "c2",
			RepoID:    "repo1",
			FilePath:  "src/handlers.py",
			StartLine: 10,
			EndLine:   60,
			Language:  "python",
			ChunkType: core.ChunkTypeCode,
			Content:   "def login(request):\n    return check_token(request.token)\n",
		},
		{
			ChunkID:   "c3",
			RepoID:    "repo1",
			FilePath:  "README.md",
			StartLine: 1,
			EndLine:   12,
			Language:  "markdown",
			ChunkType: core.ChunkTypeDoc,
			Content:   "# Demo\nAuthentication flows are described here.\n",
		},
	}
}

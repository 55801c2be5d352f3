package chunker

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aahilsayed062/repopilot/internal/core"
)

func makeLines(n int) string {
	var sb strings.Builder
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&sb, "line %d\n", i)
	}
	return sb.String()
}

func TestChunkFileIsPureAndDeterministic(t *testing.T) {
	c := New(Options{})
	content := makeLines(400)

	first := c.ChunkFile(content, "repo123", "src/main.py")
	second := c.ChunkFile(content, "repo123", "src/main.py")

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].ChunkID, second[i].ChunkID)
		assert.Equal(t, first[i].Content, second[i].Content)
	}
}

func TestChunkInvariants(t *testing.T) {
	c := New(Options{})
	content := makeLines(500)

	chunks := c.ChunkFile(content, "repoabc", "pkg/util.go")
	require.NotEmpty(t, chunks)

	for _, ch := range chunks {
		assert.GreaterOrEqual(t, ch.StartLine, 1)
		assert.LessOrEqual(t, ch.StartLine, ch.EndLine)
		assert.Equal(t, core.GenerateChunkID("repoabc", "pkg/util.go", ch.StartLine), ch.ChunkID)
		assert.Equal(t, core.ChunkTypeCode, ch.ChunkType)
	}
}

func TestCodeChunkWindowAndOverlap(t *testing.T) {
	c := New(Options{CodeChunkLines: 100, CodeChunkOverlap: 10})
	chunks := c.ChunkFile(makeLines(250), "r", "a.py")

	require.Len(t, chunks, 3)
	assert.Equal(t, 1, chunks[0].StartLine)
	assert.Equal(t, 100, chunks[0].EndLine)
	assert.Equal(t, 91, chunks[1].StartLine)
	assert.Equal(t, 190, chunks[1].EndLine)
	assert.Equal(t, 181, chunks[2].StartLine)
	assert.Equal(t, 250, chunks[2].EndLine)
}

func TestSmallFileDoesNotLoop(t *testing.T) {
	c := New(Options{CodeChunkLines: 5, CodeChunkOverlap: 20})
	chunks := c.ChunkFile(makeLines(12), "r", "tiny.py")

	require.NotEmpty(t, chunks)
	// The overlap exceeds the window; the guard must still terminate and
	// cover the file.
	assert.Equal(t, 12, chunks[len(chunks)-1].EndLine)
}

func TestEmptyFileProducesNoCodeChunks(t *testing.T) {
	c := New(Options{})
	assert.Empty(t, c.ChunkFile("", "r", "empty.py"))
}

func TestDocChunkingByTokenBudget(t *testing.T) {
	c := New(Options{DocChunkTokens: 50, DocChunkOverlap: 100})
	// Each line is ~10 tokens (40 chars), so roughly 5 lines per chunk.
	line := strings.Repeat("word ", 8) + "\n"
	content := strings.Repeat(line, 30)

	chunks := c.ChunkFile(content, "r", "README.md")
	require.Greater(t, len(chunks), 1)
	for _, ch := range chunks {
		assert.Equal(t, core.ChunkTypeDoc, ch.ChunkType)
		assert.Equal(t, "markdown", ch.Language)
		assert.GreaterOrEqual(t, ch.StartLine, 1)
		assert.LessOrEqual(t, ch.StartLine, ch.EndLine)
	}
}

func TestSmallConfigFileIsSingleChunk(t *testing.T) {
	c := New(Options{})
	content := "{\n  \"name\": \"demo\"\n}\n"

	chunks := c.ChunkFile(content, "r", "package.json")
	require.Len(t, chunks, 1)
	assert.Equal(t, core.ChunkTypeConfig, chunks[0].ChunkType)
	assert.Equal(t, content, chunks[0].Content)
	assert.Equal(t, 1, chunks[0].StartLine)
}

func TestLargeConfigFallsBackToCodeStrategy(t *testing.T) {
	c := New(Options{DocChunkTokens: 10})
	chunks := c.ChunkFile(makeLines(300), "r", "big.yaml")

	require.Greater(t, len(chunks), 1)
	for _, ch := range chunks {
		assert.Equal(t, core.ChunkTypeConfig, ch.ChunkType)
	}
}

func TestLanguageMapping(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"a.py", "python"},
		{"b.cpp", "cpp"},
		{"c.h", "c"},
		{"d.md", "markdown"},
		{"e.xyz", "xyz"},
		{"Makefile", "text"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Language(tt.path), tt.path)
	}
}

func TestChunkRepositoryStats(t *testing.T) {
	c := New(Options{})
	files := map[string]string{
		"main.py":   makeLines(10),
		"README.md": "hello\n",
		"cfg.yaml":  "a: 1\n",
	}

	chunks, stats := c.ChunkRepository("repo", files)
	assert.Equal(t, 3, stats.TotalFiles)
	assert.Equal(t, len(chunks), stats.TotalChunks)
	assert.Equal(t, 1, stats.ByType[core.ChunkTypeDoc])
	assert.Equal(t, 1, stats.ByType[core.ChunkTypeConfig])
	assert.Equal(t, 1, stats.ByLanguage["python"])
}

func TestRechunkingYieldsIdenticalChunkSets(t *testing.T) {
	c := New(Options{})
	files := map[string]string{"x.go": makeLines(320), "doc.md": makeLines(60)}

	first, _ := c.ChunkRepository("repo", files)
	second, _ := c.ChunkRepository("repo", files)

	ids := func(chunks []core.Chunk) map[string]string {
		out := make(map[string]string)
		for _, ch := range chunks {
			out[ch.ChunkID] = ch.Content
		}
		return out
	}
	assert.Equal(t, ids(first), ids(second))
}

// Package chunker splits repository files into line-ranged chunks with stable,
// deterministic IDs. Chunking is pure: the same (content, repo, path) input
// always produces the same chunk set.
package chunker

import (
	"path"
	"strings"

	"github.com/aahilsayed062/repopilot/internal/core"
)

// Options control chunk sizing. Zero values fall back to the defaults.
type Options struct {
	CodeChunkLines   int
	CodeChunkOverlap int
	DocChunkTokens   int
	DocChunkOverlap  int
}

// Defaults mirror the configuration defaults.
const (
	DefaultCodeChunkLines   = 150
	DefaultCodeChunkOverlap = 20
	DefaultDocChunkTokens   = 500
	DefaultDocChunkOverlap  = 100
)

var codeExtensions = map[string]struct{}{
	".py": {}, ".js": {}, ".ts": {}, ".jsx": {}, ".tsx": {}, ".java": {}, ".go": {},
	".rs": {}, ".rb": {}, ".c": {}, ".cpp": {}, ".h": {}, ".hpp": {}, ".cs": {},
	".swift": {}, ".kt": {}, ".scala": {}, ".php": {}, ".pl": {}, ".lua": {},
	".sh": {}, ".bash": {}, ".zsh": {}, ".ps1": {}, ".psm1": {},
}

var docExtensions = map[string]struct{}{
	".md": {}, ".rst": {}, ".txt": {}, ".adoc": {},
}

var configExtensions = map[string]struct{}{
	".json": {}, ".yaml": {}, ".yml": {}, ".toml": {}, ".ini": {}, ".cfg": {},
	".conf": {}, ".xml": {},
}

var languageByExt = map[string]string{
	".py": "python", ".js": "javascript", ".ts": "typescript", ".jsx": "jsx",
	".tsx": "tsx", ".java": "java", ".go": "go", ".rs": "rust", ".rb": "ruby",
	".c": "c", ".cpp": "cpp", ".h": "c", ".hpp": "cpp", ".cs": "csharp",
	".swift": "swift", ".kt": "kotlin", ".scala": "scala", ".php": "php",
	".md": "markdown", ".json": "json", ".yaml": "yaml", ".yml": "yaml",
	".toml": "toml", ".xml": "xml", ".html": "html", ".css": "css",
	".sql": "sql", ".sh": "bash",
}

// Chunker is the type-aware splitting engine.
type Chunker struct {
	opts Options
}

// New builds a Chunker, substituting defaults for unset options.
func New(opts Options) *Chunker {
	if opts.CodeChunkLines <= 0 {
		opts.CodeChunkLines = DefaultCodeChunkLines
	}
	if opts.CodeChunkOverlap < 0 {
		opts.CodeChunkOverlap = DefaultCodeChunkOverlap
	}
	if opts.CodeChunkOverlap == 0 {
		opts.CodeChunkOverlap = DefaultCodeChunkOverlap
	}
	if opts.DocChunkTokens <= 0 {
		opts.DocChunkTokens = DefaultDocChunkTokens
	}
	if opts.DocChunkOverlap <= 0 {
		opts.DocChunkOverlap = DefaultDocChunkOverlap
	}
	return &Chunker{opts: opts}
}

// ChunkType classifies a file by extension. Unknown extensions chunk as code.
func ChunkType(filePath string) string {
	ext := strings.ToLower(path.Ext(filePath))
	if _, ok := codeExtensions[ext]; ok {
		return core.ChunkTypeCode
	}
	if _, ok := docExtensions[ext]; ok {
		return core.ChunkTypeDoc
	}
	if _, ok := configExtensions[ext]; ok {
		return core.ChunkTypeConfig
	}
	return core.ChunkTypeCode
}

// Language maps a file path to a lowercase language name, defaulting to the
// bare extension or "text" when the file has none.
func Language(filePath string) string {
	ext := strings.ToLower(path.Ext(filePath))
	if lang, ok := languageByExt[ext]; ok {
		return lang
	}
	if ext != "" {
		return strings.TrimPrefix(ext, ".")
	}
	return "text"
}

// ChunkFile splits one file's content into chunks based on its type.
func (c *Chunker) ChunkFile(content, repoID, filePath string) []core.Chunk {
	switch ChunkType(filePath) {
	case core.ChunkTypeDoc:
		return c.chunkDocFile(content, repoID, filePath)
	case core.ChunkTypeConfig:
		return c.chunkConfigFile(content, repoID, filePath)
	default:
		return c.chunkCodeFile(content, repoID, filePath, core.ChunkTypeCode)
	}
}

// ChunkRepository chunks every file in the map and accumulates totals and
// per-language/per-type counters. Iteration order does not affect the result
// set since chunk IDs are position-derived.
func (c *Chunker) ChunkRepository(repoID string, files map[string]string) ([]core.Chunk, core.ChunkingStats) {
	stats := core.ChunkingStats{
		ByType:     make(map[string]int),
		ByLanguage: make(map[string]int),
	}

	var all []core.Chunk
	for filePath, content := range files {
		chunks := c.ChunkFile(content, repoID, filePath)
		all = append(all, chunks...)

		stats.TotalFiles++
		for _, ch := range chunks {
			stats.TotalChunks++
			stats.TotalTokens += ch.TokenCount
			stats.ByType[ch.ChunkType]++
			stats.ByLanguage[ch.Language]++
		}
	}
	return all, stats
}

// splitLines splits content preserving line terminators, like Python's
// splitlines(keepends=True) restricted to \n.
func splitLines(content string) []string {
	if content == "" {
		return nil
	}
	var lines []string
	for {
		idx := strings.IndexByte(content, '\n')
		if idx < 0 {
			if content != "" {
				lines = append(lines, content)
			}
			break
		}
		lines = append(lines, content[:idx+1])
		content = content[idx+1:]
	}
	return lines
}

func (c *Chunker) chunkCodeFile(content, repoID, filePath, chunkType string) []core.Chunk {
	lines := splitLines(content)
	if len(lines) == 0 {
		return nil
	}

	language := Language(filePath)
	var chunks []core.Chunk

	i := 0
	for i < len(lines) {
		end := min(i+c.opts.CodeChunkLines, len(lines))
		chunkContent := strings.Join(lines[i:end], "")
		startLine := i + 1

		chunks = append(chunks, core.Chunk{
			ChunkID:    core.GenerateChunkID(repoID, filePath, startLine),
			RepoID:     repoID,
			FilePath:   filePath,
			StartLine:  startLine,
			EndLine:    end,
			Language:   language,
			ChunkType:  chunkType,
			TokenCount: core.EstimateTokens(chunkContent),
			Content:    chunkContent,
		})

		if end < len(lines) {
			i = end - c.opts.CodeChunkOverlap
			// Guard against stalling on files smaller than the overlap.
			if i <= chunks[len(chunks)-1].StartLine-1 {
				i = end
			}
		} else {
			i = end
		}
	}
	return chunks
}

func (c *Chunker) chunkDocFile(content, repoID, filePath string) []core.Chunk {
	lines := splitLines(content)
	if len(lines) == 0 {
		return nil
	}

	language := Language(filePath)
	var chunks []core.Chunk

	var current []string
	currentStart := 1
	currentTokens := 0

	emit := func() {
		chunkContent := strings.Join(current, "")
		chunks = append(chunks, core.Chunk{
			ChunkID:    core.GenerateChunkID(repoID, filePath, currentStart),
			RepoID:     repoID,
			FilePath:   filePath,
			StartLine:  currentStart,
			EndLine:    currentStart + len(current) - 1,
			Language:   language,
			ChunkType:  core.ChunkTypeDoc,
			TokenCount: currentTokens,
			Content:    chunkContent,
		})
	}

	for i, line := range lines {
		lineTokens := core.EstimateTokens(line)

		if currentTokens+lineTokens > c.opts.DocChunkTokens && len(current) > 0 {
			emit()

			// Next chunk begins with a short tail overlap, roughly 50 tokens
			// per line.
			overlapLines := max(1, c.opts.DocChunkOverlap/50)
			overlapStart := max(0, len(current)-overlapLines)
			current = append([]string(nil), current[overlapStart:]...)
			currentStart = i + 1 - len(current)
			currentTokens = 0
			for _, l := range current {
				currentTokens += core.EstimateTokens(l)
			}
		}

		current = append(current, line)
		currentTokens += lineTokens
	}

	if len(current) > 0 {
		emit()
	}
	return chunks
}

func (c *Chunker) chunkConfigFile(content, repoID, filePath string) []core.Chunk {
	tokens := core.EstimateTokens(content)
	if tokens < c.opts.DocChunkTokens {
		lines := splitLines(content)
		endLine := len(lines)
		if endLine == 0 {
			endLine = 1
		}
		return []core.Chunk{{
			ChunkID:    core.GenerateChunkID(repoID, filePath, 1),
			RepoID:     repoID,
			FilePath:   filePath,
			StartLine:  1,
			EndLine:    endLine,
			Language:   Language(filePath),
			ChunkType:  core.ChunkTypeConfig,
			TokenCount: tokens,
			Content:    content,
		}}
	}
	return c.chunkCodeFile(content, repoID, filePath, core.ChunkTypeConfig)
}

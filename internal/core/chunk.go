package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
)

// Chunk types produced by the chunker.
const (
	ChunkTypeCode   = "code"
	ChunkTypeDoc    = "doc"
	ChunkTypeConfig = "config"
)

// Chunk is a contiguous, line-addressed slice of a repository file together
// with the deterministic metadata used for retrieval and citation.
type Chunk struct {
	ChunkID    string `json:"chunk_id"`
	RepoID     string `json:"repo_id"`
	FilePath   string `json:"file_path"`
	StartLine  int    `json:"start_line"`
	EndLine    int    `json:"end_line"`
	Language   string `json:"language"`
	ChunkType  string `json:"chunk_type"`
	TokenCount int    `json:"token_count"`
	Content    string `json:"content"`
}

// LineRange renders the chunk's line span in the normalized "Lx-Ly" citation form.
func (c Chunk) LineRange() string {
	return fmt.Sprintf("L%d-L%d", c.StartLine, c.EndLine)
}

// Metadata returns the flat key/value view stored alongside the embedding.
func (c Chunk) Metadata() map[string]any {
	return map[string]any{
		"repo_id":     c.RepoID,
		"file_path":   c.FilePath,
		"start_line":  c.StartLine,
		"end_line":    c.EndLine,
		"language":    c.Language,
		"chunk_type":  c.ChunkType,
		"token_count": c.TokenCount,
	}
}

// ChunkFromMetadata rebuilds a Chunk from a stored document and its metadata.
func ChunkFromMetadata(id, content string, meta map[string]any) Chunk {
	return Chunk{
		ChunkID:    id,
		RepoID:     metaString(meta, "repo_id"),
		FilePath:   metaString(meta, "file_path"),
		StartLine:  metaInt(meta, "start_line"),
		EndLine:    metaInt(meta, "end_line"),
		Language:   metaString(meta, "language"),
		ChunkType:  metaString(meta, "chunk_type"),
		TokenCount: metaInt(meta, "token_count"),
		Content:    content,
	}
}

func metaString(meta map[string]any, key string) string {
	if v, ok := meta[key].(string); ok {
		return v
	}
	return ""
}

func metaInt(meta map[string]any, key string) int {
	switch v := meta[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}

// ChunkingStats accumulates per-repository chunking totals.
type ChunkingStats struct {
	TotalFiles  int            `json:"total_files"`
	TotalChunks int            `json:"total_chunks"`
	TotalTokens int            `json:"total_tokens"`
	ByType      map[string]int `json:"by_type"`
	ByLanguage  map[string]int `json:"by_language"`
}

// GenerateChunkID derives the stable 16-hex chunk identifier. It is a pure
// function of (repo, path, start line), so re-chunking an unchanged file always
// reproduces the same IDs.
func GenerateChunkID(repoID, filePath string, startLine int) string {
	sum := sha256.Sum256([]byte(repoID + ":" + filePath + ":" + strconv.Itoa(startLine)))
	return hex.EncodeToString(sum[:])[:16]
}

// EstimateTokens is the rough 4-chars-per-token heuristic used everywhere a
// precise tokenizer would be overkill.
func EstimateTokens(text string) int {
	return len(text) / 4
}

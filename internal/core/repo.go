// Package core defines the essential data structures and error kinds shared by
// every component of RepoPilot. These types are deliberately free of behavior so
// that services stay decoupled from each other.
package core

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// RepoStats summarizes the scanned contents of a repository.
type RepoStats struct {
	TotalFiles     int            `json:"total_files"`
	TotalSizeBytes int64          `json:"total_size_bytes"`
	Languages      map[string]int `json:"languages"`
}

// RepoRecord is the canonical mutable state for a loaded repository. It is
// owned by the repository manager, mutated only through its Update method, and
// persisted to the registry file on disk.
type RepoRecord struct {
	RepoID     string    `json:"repo_id"`
	RepoName   string    `json:"repo_name"`
	RepoURL    string    `json:"repo_url"`
	CommitHash string    `json:"commit_hash"`
	Branch     string    `json:"branch"`
	LocalPath  string    `json:"local_path"`
	Stats      RepoStats `json:"stats"`

	Indexed    bool `json:"indexed"`
	ChunkCount int  `json:"chunk_count"`
	IsIndexing bool `json:"is_indexing"`

	IndexProgressPct     float64 `json:"index_progress_pct"`
	IndexProcessedChunks int     `json:"index_processed_chunks"`
	IndexTotalChunks     int     `json:"index_total_chunks"`

	LoadedAt time.Time `json:"loaded_at"`
}

// FileInfo describes one eligible file inside a repository.
type FileInfo struct {
	FilePath        string `json:"file_path"`
	Size            int64  `json:"size"`
	Language        string `json:"language"`
	EstimatedTokens int64  `json:"estimated_tokens"`
}

// GenerateRepoID derives the stable 12-hex repository identifier from the repo
// name and the first 8 characters of its commit hash. A new commit yields a new
// repo ID, which is what makes cached responses self-invalidating.
func GenerateRepoID(repoName, commitHash string) string {
	short := commitHash
	if len(short) > 8 {
		short = short[:8]
	}
	sum := sha256.Sum256([]byte(repoName + ":" + short))
	return hex.EncodeToString(sum[:])[:12]
}

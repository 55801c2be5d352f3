// Package index implements the bounded, time-budgeted indexing engine:
// priority file selection, parallel reads, chunking, batched embed+insert, and
// commit-hash freshness through the sidecar metadata file.
package index

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aahilsayed062/repopilot/internal/chunker"
	"github.com/aahilsayed062/repopilot/internal/config"
	"github.com/aahilsayed062/repopilot/internal/core"
	"github.com/aahilsayed062/repopilot/internal/repomanager"
	"github.com/aahilsayed062/repopilot/internal/vectorstore"
)

const (
	// sidecarFileName is the freshness metadata stored next to persistent
	// vector data.
	sidecarFileName = "_index_meta.json"

	// indexesDirName is the per-repo vector index root under the data dir.
	indexesDirName = "_indexes"

	// preferredFileSize biases selection toward mid-sized files.
	preferredFileSize = 24 * 1024

	// readPhaseShare caps the parallel-read phase at this share of the budget.
	readPhaseShare = 0.45
)

// Embedder is the slice of the provider chain the indexer needs.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Result reports one indexing run.
type Result struct {
	Indexed    bool `json:"indexed"`
	ChunkCount int  `json:"chunk_count"`
	FromCache  bool `json:"from_cache,omitempty"`
}

// sidecar is the persistent-mode freshness record.
type sidecar struct {
	CommitHash string    `json:"commit_hash"`
	ChunkCount int       `json:"chunk_count"`
	IndexedAt  time.Time `json:"indexed_at"`
}

// Indexer populates per-repository vector collections.
type Indexer struct {
	cfg      config.IndexConfig
	repos    *repomanager.Manager
	chunker  *chunker.Chunker
	embedder Embedder
	logger   *slog.Logger

	mu        sync.Mutex
	ephemeral *vectorstore.Client
}

// New builds the indexer.
func New(cfg config.IndexConfig, repos *repomanager.Manager, ch *chunker.Chunker, embedder Embedder, logger *slog.Logger) *Indexer {
	return &Indexer{
		cfg:      cfg,
		repos:    repos,
		chunker:  ch,
		embedder: embedder,
		logger:   logger,
	}
}

// CollectionName derives the collection name for a repository.
func CollectionName(repoID string) string { return "repo_" + repoID }

func (ix *Indexer) indexRoot(repoID string) string {
	return filepath.Join(ix.repos.DataDir(), indexesDirName, repoID)
}

func (ix *Indexer) client(repoID string) (*vectorstore.Client, error) {
	if ix.cfg.UsePersistentIndex {
		return vectorstore.NewPersistentClient(ix.indexRoot(repoID))
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.ephemeral == nil {
		ix.ephemeral = vectorstore.NewEphemeralClient()
	}
	return ix.ephemeral, nil
}

// GetCollection opens a repository's collection for querying. Returns
// core.ErrNotFound when the repository was never indexed.
func (ix *Indexer) GetCollection(repoID string) (*vectorstore.Collection, error) {
	client, err := ix.client(repoID)
	if err != nil {
		return nil, err
	}
	return client.GetCollection(CollectionName(repoID))
}

// IndexRepo runs the full indexing workflow for a repository. It is
// non-reentrant per repo: the record's IsIndexing flag is the signal callers
// must respect.
func (ix *Indexer) IndexRepo(ctx context.Context, repoID string, force bool) (Result, error) {
	record, err := ix.repos.Get(repoID)
	if err != nil {
		return Result{}, err
	}

	// Freshness: a persistent index built from the same commit is reused.
	if ix.cfg.UsePersistentIndex && !force {
		if cached, ok := ix.freshResult(record); ok {
			ix.logger.Info("index is fresh, serving from cache", "repo_id", repoID, "commit", record.CommitHash)
			return cached, nil
		}
	}

	if err := ix.repos.Update(repoID, true, func(r *core.RepoRecord) {
		r.IsIndexing = true
		r.Indexed = false
		r.IndexProgressPct = 0
		r.IndexProcessedChunks = 0
		r.IndexTotalChunks = 0
	}); err != nil {
		return Result{}, err
	}

	result, err := ix.run(ctx, record)
	if err != nil {
		// Clear the flag before re-raising so the repo is not wedged.
		_ = ix.repos.Update(repoID, true, func(r *core.RepoRecord) { r.IsIndexing = false })
		return Result{}, err
	}
	return result, nil
}

func (ix *Indexer) freshResult(record *core.RepoRecord) (Result, bool) {
	meta, err := ix.readSidecar(record.RepoID)
	if err != nil {
		return Result{}, false
	}
	if meta.CommitHash == "" || meta.CommitHash != record.CommitHash {
		return Result{}, false
	}
	if _, err := os.Stat(filepath.Join(ix.indexRoot(record.RepoID), CollectionName(record.RepoID))); err != nil {
		return Result{}, false
	}

	_ = ix.repos.Update(record.RepoID, true, func(r *core.RepoRecord) {
		r.Indexed = true
		r.IsIndexing = false
		r.ChunkCount = meta.ChunkCount
		r.IndexProgressPct = 100
	})
	return Result{Indexed: true, ChunkCount: meta.ChunkCount, FromCache: true}, true
}

func (ix *Indexer) run(ctx context.Context, record *core.RepoRecord) (Result, error) {
	start := time.Now()
	deadline := start.Add(ix.cfg.TimeBudget())
	repoID := record.RepoID

	selected, err := ix.selectFiles(repoID)
	if err != nil {
		return Result{}, err
	}
	ix.logger.Info("indexing started",
		"repo_id", repoID,
		"files_selected", len(selected),
		"time_budget", ix.cfg.TimeBudget(),
	)

	// Phase A: parallel file reads, capped at 45% of the budget.
	readDeadline := start.Add(time.Duration(float64(ix.cfg.TimeBudget()) * readPhaseShare))
	contents := ix.readFiles(ctx, repoID, selected, readDeadline)
	ix.progress(repoID, 10, 0, 0)

	// Phase B: chunking runs to completion; it is cheap relative to embedding.
	chunks, stats := ix.chunker.ChunkRepository(repoID, contents)
	if len(chunks) > ix.cfg.MaxChunks {
		ix.logger.Warn("chunk cap reached, discarding excess", "total", len(chunks), "cap", ix.cfg.MaxChunks)
		chunks = chunks[:ix.cfg.MaxChunks]
	}

	client, err := ix.client(repoID)
	if err != nil {
		return Result{}, err
	}
	collection, err := client.CreateCollection(CollectionName(repoID))
	if err != nil {
		return Result{}, err
	}

	if len(chunks) == 0 {
		ix.finish(repoID, record.CommitHash, 0, 0)
		return Result{Indexed: true, ChunkCount: 0}, nil
	}

	ix.progress(repoID, 15, 0, len(chunks))

	// Phase C: embed + insert in batches, checking the budget between
	// batches. Budget exhaustion is a clean partial stop, not an error.
	processed := 0
	for startIdx := 0; startIdx < len(chunks); startIdx += ix.cfg.BatchSize {
		if time.Now().After(deadline) {
			ix.logger.Warn("time budget exhausted, stopping with partial index",
				"repo_id", repoID, "processed", processed, "total", len(chunks))
			break
		}
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		endIdx := min(startIdx+ix.cfg.BatchSize, len(chunks))
		batch := chunks[startIdx:endIdx]

		if err := ix.insertBatch(ctx, collection, batch); err != nil {
			return Result{}, fmt.Errorf("failed to index batch at %d: %w", startIdx, err)
		}
		processed += len(batch)

		pct := 15 + 84*float64(processed)/float64(len(chunks))
		ix.progress(repoID, pct, processed, len(chunks))
	}

	ix.finish(repoID, record.CommitHash, processed, len(chunks))
	ix.logger.Info("indexing complete",
		"repo_id", repoID,
		"chunks", processed,
		"files", stats.TotalFiles,
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return Result{Indexed: true, ChunkCount: processed}, nil
}

func (ix *Indexer) insertBatch(ctx context.Context, collection *vectorstore.Collection, batch []core.Chunk) error {
	documents := make([]string, len(batch))
	ids := make([]string, len(batch))
	metadatas := make([]map[string]any, len(batch))
	for i, ch := range batch {
		documents[i] = ch.Content
		ids[i] = ch.ChunkID
		metadatas[i] = ch.Metadata()
	}

	vectors, err := ix.embedder.Embed(ctx, documents)
	if err != nil {
		return err
	}
	return collection.Add(ids, vectors, documents, metadatas)
}

// selectFiles applies the bounded-ingest policy: keep files with size in
// (0, max]; sort by (type rank, depth, distance from the preferred size);
// greedily include until the file or byte cap would be exceeded. A repository
// with eligible files always contributes at least one.
func (ix *Indexer) selectFiles(repoID string) ([]core.FileInfo, error) {
	files, err := ix.repos.ListFiles(repoID)
	if err != nil {
		return nil, err
	}

	eligible := files[:0]
	for _, f := range files {
		if f.Size > 0 && f.Size <= ix.cfg.MaxFileSizeBytes() {
			eligible = append(eligible, f)
		}
	}
	if len(eligible) == 0 {
		if len(files) > 0 {
			return files[:1], nil
		}
		return nil, nil
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		ri, rj := typeRank(eligible[i].FilePath), typeRank(eligible[j].FilePath)
		if ri != rj {
			return ri < rj
		}
		di, dj := pathDepth(eligible[i].FilePath), pathDepth(eligible[j].FilePath)
		if di != dj {
			return di < dj
		}
		return sizeDistance(eligible[i].Size) < sizeDistance(eligible[j].Size)
	})

	var selected []core.FileInfo
	var totalBytes int64
	for _, f := range eligible {
		if len(selected) >= ix.cfg.MaxFiles {
			break
		}
		if totalBytes+f.Size > ix.cfg.MaxTotalBytes() {
			break
		}
		selected = append(selected, f)
		totalBytes += f.Size
	}
	if len(selected) == 0 {
		selected = eligible[:1]
	}
	return selected, nil
}

func typeRank(filePath string) int {
	switch chunker.ChunkType(filePath) {
	case core.ChunkTypeCode:
		return 0
	case core.ChunkTypeConfig:
		return 1
	default:
		return 2
	}
}

func pathDepth(filePath string) int {
	depth := 0
	for _, r := range filePath {
		if r == '/' {
			depth++
		}
	}
	return depth
}

func sizeDistance(size int64) int64 {
	d := size - preferredFileSize
	if d < 0 {
		return -d
	}
	return d
}

// readFiles reads the selected files with bounded concurrency, dropping files
// it could not read and stopping when the read-phase deadline passes.
func (ix *Indexer) readFiles(ctx context.Context, repoID string, files []core.FileInfo, deadline time.Time) map[string]string {
	contents := make(map[string]string, len(files))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, ix.cfg.FileReadConcurrency))

	for i, f := range files {
		if time.Now().After(deadline) {
			break
		}
		f := f
		pct := 10 * float64(i+1) / float64(len(files))
		g.Go(func() error {
			if ctx.Err() != nil || time.Now().After(deadline) {
				return nil
			}
			content, err := ix.repos.ReadFile(repoID, f.FilePath)
			if err != nil {
				ix.logger.Warn("failed to read file, skipping", "file", f.FilePath, "error", err)
				return nil
			}
			mu.Lock()
			contents[f.FilePath] = content
			mu.Unlock()
			ix.progress(repoID, pct, 0, 0)
			return nil
		})
	}
	_ = g.Wait()
	return contents
}

// progress writes non-persisted progress fields to the repo record.
func (ix *Indexer) progress(repoID string, pct float64, processed, total int) {
	_ = ix.repos.Update(repoID, false, func(r *core.RepoRecord) {
		if pct > r.IndexProgressPct {
			r.IndexProgressPct = pct
		}
		if processed > 0 {
			r.IndexProcessedChunks = processed
		}
		if total > 0 {
			r.IndexTotalChunks = total
		}
	})
}

// finish records terminal state, persists the registry, and writes the sidecar
// in persistent mode.
func (ix *Indexer) finish(repoID, commitHash string, processed, total int) {
	_ = ix.repos.Update(repoID, true, func(r *core.RepoRecord) {
		r.Indexed = true
		r.IsIndexing = false
		r.ChunkCount = processed
		r.IndexProcessedChunks = processed
		r.IndexTotalChunks = total
		r.IndexProgressPct = 100
	})

	if ix.cfg.UsePersistentIndex {
		if err := ix.writeSidecar(repoID, sidecar{
			CommitHash: commitHash,
			ChunkCount: processed,
			IndexedAt:  time.Now().UTC(),
		}); err != nil {
			ix.logger.Warn("failed to write index sidecar", "repo_id", repoID, "error", err)
		}
	}
}

func (ix *Indexer) sidecarPath(repoID string) string {
	return filepath.Join(ix.indexRoot(repoID), sidecarFileName)
}

func (ix *Indexer) readSidecar(repoID string) (sidecar, error) {
	var meta sidecar
	data, err := os.ReadFile(ix.sidecarPath(repoID))
	if err != nil {
		return meta, err
	}
	err = json.Unmarshal(data, &meta)
	return meta, err
}

func (ix *Indexer) writeSidecar(repoID string, meta sidecar) error {
	if err := os.MkdirAll(ix.indexRoot(repoID), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(ix.sidecarPath(repoID), data, 0o644)
}

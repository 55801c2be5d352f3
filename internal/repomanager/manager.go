// Package repomanager handles cloning, scanning, and registering repositories,
// and owns the persistent registry that survives process restarts.
package repomanager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aahilsayed062/repopilot/internal/config"
	"github.com/aahilsayed062/repopilot/internal/core"
	"github.com/aahilsayed062/repopilot/internal/gitutil"
)

// registryFileName is the on-disk registry under the data dir.
const registryFileName = "repo_registry.json"

var (
	httpsURLRe = regexp.MustCompile(`^https://github\.com/([\w\-.]+)/([\w\-.]+?)(?:\.git)?/?$`)
	sshURLRe   = regexp.MustCompile(`^git@github\.com:([\w\-.]+)/([\w\-.]+?)(?:\.git)?$`)
)

// Manager is the single owner of the repository registry. All mutations
// (register, Update, Remove) are serialized by its lock.
type Manager struct {
	cfg    config.RepoConfig
	git    *gitutil.Client
	logger *slog.Logger

	mu    sync.RWMutex
	repos map[string]*core.RepoRecord

	// ephemeralIndex resets indexed flags on rehydrate when the vector store
	// does not survive restarts.
	ephemeralIndex bool

	// now is swappable in tests.
	now func() time.Time
}

// New creates the manager and rehydrates the registry from disk. Entries whose
// local path no longer exists are dropped; with an ephemeral vector store the
// indexed state is reset.
func New(cfg config.RepoConfig, git *gitutil.Client, ephemeralIndex bool, logger *slog.Logger) (*Manager, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	m := &Manager{
		cfg:            cfg,
		git:            git,
		logger:         logger,
		repos:          make(map[string]*core.RepoRecord),
		ephemeralIndex: ephemeralIndex,
		now:            time.Now,
	}
	m.loadRegistry()
	return m, nil
}

// parseRepoURL extracts (owner, repo) from a hosted-repo URL in HTTPS or SSH
// form.
func parseRepoURL(url string) (owner, name string, err error) {
	if m := httpsURLRe.FindStringSubmatch(url); m != nil {
		return m[1], m[2], nil
	}
	if m := sshURLRe.FindStringSubmatch(url); m != nil {
		return m[1], m[2], nil
	}
	return "", "", fmt.Errorf("%w: could not parse repository URL: %s", core.ErrInvalidInput, url)
}

// Load clones (or links) a repository and registers it. It accepts a hosted
// URL or a local directory path.
func (m *Manager) Load(ctx context.Context, repoURL, branch string) (*core.RepoRecord, error) {
	m.logger.InfoContext(ctx, "loading repository", "url", repoURL, "branch", branch)

	if info, err := os.Stat(repoURL); err == nil && info.IsDir() {
		return m.loadLocal(repoURL)
	}

	owner, name, err := parseRepoURL(repoURL)
	if err != nil {
		return nil, &core.CloneError{URL: repoURL, Err: err}
	}
	return m.cloneRemote(ctx, repoURL, owner, name, branch)
}

func (m *Manager) loadLocal(localPath string) (*core.RepoRecord, error) {
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidInput, err)
	}

	head := m.git.HeadOrLocal(abs)
	stats, err := scanStats(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to scan local repository: %w", err)
	}

	record := &core.RepoRecord{
		RepoID:     core.GenerateRepoID(filepath.Base(abs), head.CommitHash),
		RepoName:   filepath.Base(abs),
		RepoURL:    localPath,
		CommitHash: head.CommitHash,
		Branch:     head.Branch,
		LocalPath:  abs,
		Stats:      stats,
		LoadedAt:   m.now().UTC(),
	}
	m.register(record)
	return record, nil
}

func (m *Manager) register(record *core.RepoRecord) {
	m.mu.Lock()
	m.repos[record.RepoID] = record
	m.mu.Unlock()
	m.saveRegistry()
	m.logger.Info("registered repository",
		"repo_id", record.RepoID,
		"repo_name", record.RepoName,
		"commit", shortHash(record.CommitHash),
		"files", record.Stats.TotalFiles,
	)
}

// Get returns a snapshot of the record, or core.ErrNotFound.
func (m *Manager) Get(repoID string) (*core.RepoRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.repos[repoID]
	if !ok {
		return nil, fmt.Errorf("repository %s: %w", repoID, core.ErrNotFound)
	}
	snapshot := *record
	return &snapshot, nil
}

// List returns snapshots of all registered repositories, ordered by name.
func (m *Manager) List() []*core.RepoRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.RepoRecord, 0, len(m.repos))
	for _, r := range m.repos {
		snapshot := *r
		out = append(out, &snapshot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RepoName < out[j].RepoName })
	return out
}

// Update merge-updates a record through fn and persists the registry when
// persist is true. Progress writers pass persist=false to avoid hammering the
// disk between batches.
func (m *Manager) Update(repoID string, persist bool, fn func(*core.RepoRecord)) error {
	m.mu.Lock()
	record, ok := m.repos[repoID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("repository %s: %w", repoID, core.ErrNotFound)
	}
	fn(record)
	m.mu.Unlock()

	if persist {
		m.saveRegistry()
	}
	return nil
}

// Remove unregisters a repository and persists the registry.
func (m *Manager) Remove(repoID string) error {
	m.mu.Lock()
	_, ok := m.repos[repoID]
	delete(m.repos, repoID)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("repository %s: %w", repoID, core.ErrNotFound)
	}
	m.saveRegistry()
	return nil
}

// ListFiles lists all eligible files with size, language, and an estimated
// token count.
func (m *Manager) ListFiles(repoID string) ([]core.FileInfo, error) {
	record, err := m.Get(repoID)
	if err != nil {
		return nil, err
	}

	scanned, err := walkRepo(record.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}

	files := make([]core.FileInfo, 0, len(scanned))
	for _, f := range scanned {
		files = append(files, core.FileInfo{
			FilePath:        f.relPath,
			Size:            f.size,
			Language:        strings.TrimPrefix(f.ext, "."),
			EstimatedTokens: f.size / 4,
		})
	}
	return files, nil
}

// ReadFile returns a file's content as UTF-8, replacing invalid byte sequences.
func (m *Manager) ReadFile(repoID, filePath string) (string, error) {
	record, err := m.Get(repoID)
	if err != nil {
		return "", err
	}

	full := filepath.Join(record.LocalPath, filepath.FromSlash(filePath))
	rel, err := filepath.Rel(record.LocalPath, full)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%w: path escapes repository: %s", core.ErrInvalidInput, filePath)
	}

	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("file %s: %w", filePath, core.ErrNotFound)
		}
		return "", fmt.Errorf("could not read %s: %w", filePath, err)
	}
	return strings.ToValidUTF8(string(data), "�"), nil
}

// DataDir exposes the configured data directory root.
func (m *Manager) DataDir() string { return m.cfg.DataDir }

func (m *Manager) registryPath() string {
	return filepath.Join(m.cfg.DataDir, registryFileName)
}

func (m *Manager) loadRegistry() {
	data, err := os.ReadFile(m.registryPath())
	if err != nil {
		if !os.IsNotExist(err) {
			m.logger.Warn("failed to read registry", "error", err)
		}
		return
	}

	var stored map[string]*core.RepoRecord
	if err := json.Unmarshal(data, &stored); err != nil {
		m.logger.Warn("registry file is corrupt, starting empty", "error", err)
		return
	}

	for repoID, record := range stored {
		if record.LocalPath == "" {
			continue
		}
		if _, err := os.Stat(record.LocalPath); err != nil {
			m.logger.Warn("dropping registry entry with missing path", "repo_id", repoID, "path", record.LocalPath)
			continue
		}
		if m.ephemeralIndex {
			record.Indexed = false
			record.ChunkCount = 0
		}
		record.IsIndexing = false
		m.repos[repoID] = record
	}
	m.logger.Info("registry loaded", "count", len(m.repos))
}

func (m *Manager) saveRegistry() {
	m.mu.RLock()
	data, err := json.MarshalIndent(m.repos, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		m.logger.Error("failed to serialize registry", "error", err)
		return
	}
	if err := os.WriteFile(m.registryPath(), data, 0o644); err != nil {
		m.logger.Error("failed to persist registry", "error", err)
	}
}

func shortHash(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}

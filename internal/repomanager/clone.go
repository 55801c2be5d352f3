package repomanager

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/go-github/v73/github"

	"github.com/aahilsayed062/repopilot/internal/core"
)

// cloneRemote performs the full clone workflow: shallow clone into a unique
// temp dir (falling back to an archive download when git transport fails),
// resolve HEAD, move into <data_dir>/<name>/<commit[:8]>/, strip VCS metadata,
// scan, enforce caps, and register.
func (m *Manager) cloneRemote(ctx context.Context, repoURL, owner, name, branch string) (*core.RepoRecord, error) {
	tempPath := filepath.Join(m.cfg.DataDir, fmt.Sprintf("_temp_%s_%s_%d_%04d",
		owner, name, m.now().UnixNano(), rand.Intn(10000)))
	defer removeTreeWithRetry(tempPath)

	cloneCtx, cancel := context.WithTimeout(ctx, m.cfg.CloneTimeout())
	defer cancel()

	head, err := m.fetchWorkingTree(cloneCtx, repoURL, owner, name, branch, tempPath)
	if err != nil {
		if errors.Is(cloneCtx.Err(), context.DeadlineExceeded) {
			return nil, &core.CloneError{URL: repoURL, Err: fmt.Errorf("clone timed out after %s", m.cfg.CloneTimeout())}
		}
		return nil, &core.CloneError{URL: repoURL, Err: err}
	}

	finalPath := filepath.Join(m.cfg.DataDir, name, shortHash(head.CommitHash))
	if err := m.moveIntoPlace(tempPath, finalPath); err != nil {
		return nil, &core.CloneError{URL: repoURL, Err: err}
	}

	// Drop VCS metadata to reduce the IO footprint of scans.
	removeTreeWithRetry(filepath.Join(finalPath, ".git"))

	stats, err := scanStats(finalPath)
	if err != nil {
		return nil, fmt.Errorf("failed to scan cloned repository: %w", err)
	}
	if stats.TotalSizeBytes > m.cfg.MaxRepoSizeBytes() {
		removeTreeWithRetry(finalPath)
		return nil, &core.TooLargeError{Detail: fmt.Sprintf(
			"%.1fMB exceeds the %dMB limit", float64(stats.TotalSizeBytes)/(1024*1024), m.cfg.MaxRepoSizeMB)}
	}
	if stats.TotalFiles > m.cfg.MaxFiles {
		removeTreeWithRetry(finalPath)
		return nil, &core.TooLargeError{Detail: fmt.Sprintf(
			"%d files exceeds the %d file limit", stats.TotalFiles, m.cfg.MaxFiles)}
	}

	record := &core.RepoRecord{
		RepoID:     core.GenerateRepoID(name, head.CommitHash),
		RepoName:   name,
		RepoURL:    repoURL,
		CommitHash: head.CommitHash,
		Branch:     head.Branch,
		LocalPath:  finalPath,
		Stats:      stats,
		LoadedAt:   m.now().UTC(),
	}
	m.register(record)
	return record, nil
}

// fetchWorkingTree tries a shallow git clone first and falls back to the
// hosted ZIP archive when git transport is unavailable (serverless-friendly).
func (m *Manager) fetchWorkingTree(ctx context.Context, repoURL, owner, name, branch, tempPath string) (gitHead, error) {
	if err := m.git.ShallowClone(ctx, repoURL, tempPath, branch); err == nil {
		info := m.git.HeadOrLocal(tempPath)
		return gitHead{CommitHash: info.CommitHash, Branch: info.Branch}, nil
	} else if ctx.Err() != nil {
		return gitHead{}, err
	} else {
		m.logger.Warn("git clone failed, falling back to archive download", "url", repoURL, "error", err)
	}

	removeTreeWithRetry(tempPath)
	return m.downloadArchive(ctx, owner, name, branch, tempPath)
}

type gitHead struct {
	CommitHash string
	Branch     string
}

// downloadArchive fetches the hosted ZIP over HTTPS and unpacks it into
// tempPath. The default branch is resolved through the hosting API when the
// caller did not pin one.
func (m *Manager) downloadArchive(ctx context.Context, owner, name, branch, tempPath string) (gitHead, error) {
	gh := github.NewClient(nil)

	commit := "archive"
	if branch == "" {
		repo, _, err := gh.Repositories.Get(ctx, owner, name)
		if err != nil {
			return gitHead{}, fmt.Errorf("failed to resolve default branch: %w", err)
		}
		branch = repo.GetDefaultBranch()
	}
	if ref, _, err := gh.Repositories.GetBranch(ctx, owner, name, branch, 1); err == nil {
		commit = ref.GetCommit().GetSHA()
	}

	url := fmt.Sprintf("https://codeload.github.com/%s/%s/zip/refs/heads/%s", owner, name, branch)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return gitHead{}, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return gitHead{}, fmt.Errorf("archive download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return gitHead{}, fmt.Errorf("archive download returned status %d", resp.StatusCode)
	}

	zipPath := tempPath + ".zip"
	if err := writeStream(zipPath, resp.Body); err != nil {
		return gitHead{}, err
	}
	defer os.Remove(zipPath)

	if err := unzipInto(zipPath, tempPath); err != nil {
		return gitHead{}, fmt.Errorf("failed to unpack archive: %w", err)
	}
	return gitHead{CommitHash: commit, Branch: branch}, nil
}

func writeStream(path string, r io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, r)
	return err
}

// unzipInto unpacks the archive, stripping the single top-level directory
// GitHub wraps the tree in.
func unzipInto(zipPath, dest string) error {
	reader, err := zip.OpenReader(zipPath)
	if err != nil {
		return err
	}
	defer reader.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}

	for _, file := range reader.File {
		parts := strings.SplitN(filepath.ToSlash(file.Name), "/", 2)
		if len(parts) < 2 || parts[1] == "" {
			continue
		}
		target := filepath.Join(dest, filepath.FromSlash(parts[1]))

		rel, err := filepath.Rel(dest, target)
		if err != nil || strings.HasPrefix(rel, "..") {
			continue
		}

		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		src, err := file.Open()
		if err != nil {
			return err
		}
		err = writeStream(target, src)
		src.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// moveIntoPlace moves the temp tree to its final location. An existing
// non-empty destination wins and the temp copy is discarded; a failed rename
// falls back to a recursive copy.
func (m *Manager) moveIntoPlace(tempPath, finalPath string) error {
	if entries, err := os.ReadDir(finalPath); err == nil && len(entries) > 0 {
		m.logger.Info("repository version already on disk", "path", finalPath)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return fmt.Errorf("failed to create repo directory: %w", err)
	}

	if err := os.Rename(tempPath, finalPath); err == nil {
		return nil
	}
	if err := copyTree(tempPath, finalPath); err != nil {
		return fmt.Errorf("failed to move repository into place: %w", err)
	}
	return nil
}

// copyTree recursively copies src to dst, skipping VCS metadata directories.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" && rel != "." {
				return filepath.SkipDir
			}
			return os.MkdirAll(filepath.Join(dst, rel), 0o755)
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		return writeStream(filepath.Join(dst, rel), in)
	})
}

// removeTreeWithRetry removes a directory tree, retrying after chmodding
// read-only entries writable, which tolerates lingering OS file locks.
func removeTreeWithRetry(path string) {
	if path == "" {
		return
	}
	for attempt := 0; attempt < 3; attempt++ {
		err := os.RemoveAll(path)
		if err == nil {
			return
		}
		_ = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			_ = os.Chmod(p, 0o700)
			return nil
		})
		time.Sleep(100 * time.Millisecond)
	}
	_ = os.RemoveAll(path)
}

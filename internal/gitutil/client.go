// Package gitutil provides a thin client for cloning public Git repositories.
package gitutil

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// Client handles interacting with Git repositories.
type Client struct {
	logger *slog.Logger
}

// NewClient returns a new Client instance.
func NewClient(logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{logger: logger}
}

// HeadInfo is the commit hash and branch name of a working tree's HEAD.
type HeadInfo struct {
	CommitHash string
	Branch     string
}

// ShallowClone clones a repository at depth 1 into path. When branch is empty
// the remote's default branch is used. The context bounds the whole transfer.
func (c *Client) ShallowClone(ctx context.Context, repoURL, path, branch string) error {
	opts := &git.CloneOptions{
		URL:          repoURL,
		Depth:        1,
		SingleBranch: true,
		Tags:         git.NoTags,
	}
	if branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(branch)
	}

	c.logger.InfoContext(ctx, "cloning repository", "url", repoURL, "path", path, "branch", branch)
	if _, err := git.PlainCloneContext(ctx, path, false, opts); err != nil {
		return fmt.Errorf("failed to clone %s: %w", repoURL, err)
	}
	return nil
}

// Head resolves the checked-out commit hash and branch name at path.
func (c *Client) Head(path string) (HeadInfo, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return HeadInfo{}, fmt.Errorf("failed to open repository at %s: %w", path, err)
	}
	ref, err := repo.Head()
	if err != nil {
		return HeadInfo{}, fmt.Errorf("failed to resolve HEAD at %s: %w", path, err)
	}

	info := HeadInfo{CommitHash: ref.Hash().String(), Branch: "HEAD"}
	if ref.Name().IsBranch() {
		info.Branch = ref.Name().Short()
	}
	return info, nil
}

// HeadOrLocal is Head with a "local" fallback for plain directories that are
// not git repositories.
func (c *Client) HeadOrLocal(path string) HeadInfo {
	info, err := c.Head(path)
	if err != nil {
		return HeadInfo{CommitHash: "local", Branch: "local"}
	}
	return info
}

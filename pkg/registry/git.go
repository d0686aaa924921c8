// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	git "github.com/go-git/go-git/v5"

	"github.com/DIRACGrid/diracx-sub002/pkg/logger"
)

// GitSource reads the configuration from a git repository. The repository
// is cloned once into a scratch directory and pulled on every Load; the
// revision is the HEAD commit hash and committer time.
type GitSource struct {
	url  string
	dir  string
	repo *git.Repository
}

// NewGitSource clones the repository at url into a temporary directory.
func NewGitSource(url string) (*GitSource, error) {
	dir, err := os.MkdirTemp("", "diracx-config-*")
	if err != nil {
		return nil, fmt.Errorf("creating scratch dir: %w", err)
	}

	repo, err := git.PlainClone(dir, false, &git.CloneOptions{
		URL:          url,
		Depth:        1,
		SingleBranch: true,
	})
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("cloning config repository: %w", err)
	}

	logger.Infow("cloned configuration repository", "url", url, "dir", dir)
	return &GitSource{url: url, dir: dir, repo: repo}, nil
}

// Load pulls the repository and parses the configuration at HEAD.
func (s *GitSource) Load(ctx context.Context) (*Config, Revision, error) {
	worktree, err := s.repo.Worktree()
	if err != nil {
		return nil, Revision{}, fmt.Errorf("opening worktree: %w", err)
	}

	err = worktree.PullContext(ctx, &git.PullOptions{SingleBranch: true})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil, Revision{}, fmt.Errorf("pulling config repository: %w", err)
	}

	head, err := s.repo.Head()
	if err != nil {
		return nil, Revision{}, fmt.Errorf("resolving HEAD: %w", err)
	}
	commit, err := s.repo.CommitObject(head.Hash())
	if err != nil {
		return nil, Revision{}, fmt.Errorf("reading HEAD commit: %w", err)
	}

	data, err := os.ReadFile(filepath.Join(s.dir, ConfigFileName))
	if err != nil {
		return nil, Revision{}, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := parseConfig(data)
	if err != nil {
		return nil, Revision{}, err
	}

	rev := Revision{
		ID:      head.Hash().String(),
		ModTime: commit.Committer.When.UTC().Truncate(time.Second),
	}
	return cfg, rev, nil
}

// Close removes the scratch clone.
func (s *GitSource) Close() error {
	return os.RemoveAll(s.dir)
}

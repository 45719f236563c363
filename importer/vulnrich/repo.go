package vulnrich

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// GetRepo opens the repository at path, cloning remote into it as a bare
// repository when it does not exist yet.
func GetRepo(ctx context.Context, remote, path string) (*git.Repository, error) {
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}

	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, err
	}

	repo, err = git.PlainCloneContext(ctx, path, true, &git.CloneOptions{
		URL:   remote,
		Depth: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("could not clone %s: %w", remote, err)
	}
	return repo, nil
}

func UpdateRepo(ctx context.Context, repo *git.Repository) error {
	err := repo.FetchContext(ctx, &git.FetchOptions{
		RefSpecs: []config.RefSpec{config.RefSpec("+refs/heads/*:refs/heads/*")},
		Force:    true,
	})

	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return err
	}
	return nil
}

// WalkCVEFiles calls fn for every CVE-*.json file in the tree of HEAD.
// Walking stops at the first error returned by fn.
func WalkCVEFiles(repo *git.Repository, fn func(name string, content io.Reader) error) error {
	head, err := repo.Head()
	if err != nil {
		return fmt.Errorf("could not read HEAD: %w", err)
	}

	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return fmt.Errorf("could not read commit object: %w", err)
	}

	tree, err := repo.TreeObject(commit.TreeHash)
	if err != nil {
		return fmt.Errorf("could not read tree object: %w", err)
	}

	seen := map[plumbing.Hash]bool{}
	walker := object.NewTreeWalker(tree, true, seen)
	defer walker.Close()

	for {
		name, entry, err := walker.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("could not walk tree: %w", err)
		}
		if !entry.Mode.IsFile() || filepath.Ext(name) != ".json" || !strings.HasPrefix(filepath.Base(name), "CVE-") {
			continue
		}

		blob, err := repo.BlobObject(entry.Hash)
		if err != nil {
			return fmt.Errorf("could not read blob %s: %w", name, err)
		}
		reader, err := blob.Reader()
		if err != nil {
			return fmt.Errorf("could not create reader for %s: %w", name, err)
		}
		err = fn(name, reader)
		reader.Close()
		if err != nil {
			return err
		}
	}
}

package fetch

import (
	"context"
	"os"
	"strings"

	vcs "github.com/Masterminds/vcs"
	"github.com/pkg/errors"

	"github.com/paker-dev/paker/internal/paker/pakererr"
)

// GitFetcher implements Fetcher over github.com/Masterminds/vcs's GitRepo,
// the same library the teacher's Ctx.SourceManager wires up for VCS
// operations (context.go).
type GitFetcher struct{}

// NewGitFetcher returns a Fetcher that clones and checks out revisions
// with the system git binary via Masterminds/vcs. The clone is a full
// clone (GitRepo.Get); no shallow depth is requested.
func NewGitFetcher() *GitFetcher { return &GitFetcher{} }

func (f *GitFetcher) Fetch(ctx context.Context, sourceURL, revision, targetDir string) (Result, error) {
	repo, err := vcs.NewGitRepo(sourceURL, targetDir)
	if err != nil {
		return Result{}, errors.Wrapf(&pakererr.NetworkError{Source: sourceURL, Cause: err}, "opening git repo for %s", sourceURL)
	}

	if repo.CheckLocal() {
		if revision == "" || f.isCurrent(repo, revision) {
			digest, err := f.Digest(targetDir)
			if err != nil {
				return Result{}, err
			}
			return Result{Digest: digest, NoOp: true}, nil
		}
	} else {
		if err := repo.Get(); err != nil {
			return Result{}, errors.Wrapf(&pakererr.NetworkError{Source: sourceURL, Cause: err}, "cloning %s", sourceURL)
		}
	}

	if revision != "" {
		if err := repo.UpdateVersion(revision); err != nil {
			return Result{}, &pakererr.RevisionNotFound{Source: sourceURL, Revision: revision}
		}
	}

	digest, err := f.Digest(targetDir)
	if err != nil {
		return Result{}, err
	}
	return Result{Digest: digest}, nil
}

func (f *GitFetcher) isCurrent(repo vcs.Repo, revision string) bool {
	cur, err := repo.Version()
	if err != nil {
		return false
	}
	return cur == revision || strings.HasPrefix(cur, revision)
}

func (f *GitFetcher) AvailableVersions(ctx context.Context, sourceURL string) ([]string, error) {
	tmp, err := os.MkdirTemp("", "paker-ls-remote-")
	if err != nil {
		return nil, errors.Wrap(err, "creating scratch dir for remote listing")
	}
	defer os.RemoveAll(tmp)

	repo, err := vcs.NewGitRepo(sourceURL, tmp)
	if err != nil {
		return nil, errors.Wrapf(&pakererr.NetworkError{Source: sourceURL, Cause: err}, "opening git repo for %s", sourceURL)
	}
	// Tags() and Branches() both run `git show-ref` against the local
	// working copy, not the remote (vendor/github.com/Masterminds/vcs/
	// git.go) — tmp must hold a real clone before either can return
	// anything.
	if err := repo.Get(); err != nil {
		return nil, errors.Wrapf(&pakererr.NetworkError{Source: sourceURL, Cause: err}, "cloning %s", sourceURL)
	}

	tags, err := repo.Tags()
	if err != nil {
		return nil, errors.Wrapf(&pakererr.NetworkError{Source: sourceURL, Cause: err}, "listing tags for %s", sourceURL)
	}
	branches, err := repo.Branches()
	if err != nil {
		return nil, errors.Wrapf(&pakererr.NetworkError{Source: sourceURL, Cause: err}, "listing branches for %s", sourceURL)
	}

	versions := make([]string, 0, len(tags)+len(branches))
	versions = append(versions, tags...)
	versions = append(versions, branches...)
	return versions, nil
}

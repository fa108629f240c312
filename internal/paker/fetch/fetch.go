// Package fetch implements the source fetcher adapter (C2): cloning and
// checking out a revision into a directory, and computing the stable
// content digest used by the cache (C6) to detect corruption.
package fetch

import (
	"context"
)

// Result reports what a Fetch call actually did.
type Result struct {
	// Digest is the stable content digest of the checkout (sorted file
	// tree, VCS metadata excluded).
	Digest string
	// NoOp is true when target_dir was already a valid checkout of the
	// requested revision and nothing was fetched.
	NoOp bool
}

// Fetcher is the narrow interface the resolver (C5) and cache (C6) use to
// realize a package revision on disk. Implementations must be idempotent:
// calling Fetch twice for the same (source, revision, dir) must not refetch
// if dir already holds a valid checkout.
type Fetcher interface {
	// Fetch clones sourceURL into targetDir and checks out
	// revision if non-empty. An empty revision means "the default branch".
	Fetch(ctx context.Context, sourceURL, revision, targetDir string) (Result, error)

	// AvailableVersions lists the revisions (semver tags, plain tags, and
	// branches) a source url advertises, without modifying targetDir. The
	// resolver uses this to pick the greatest version satisfying a
	// constraint (spec §4.5 step 4).
	AvailableVersions(ctx context.Context, sourceURL string) ([]string, error)

	// Digest recomputes the content digest of an existing checkout.
	Digest(dir string) (string, error)
}

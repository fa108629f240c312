// Package cache implements the content-addressed package cache (C6): a
// global store keyed by (package_id, revision) that deduplicates
// checkouts across projects and serves them through per-project links.
//
// Layout, per spec §4.6:
//
//	<cache_root>/packages/<package_id>/<revision>/   the checkout
//	<cache_root>/index.json                          entry index
//	<cache_root>/locks/<package_id>-<revision>.lock   per-entry lock
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	shutil "github.com/termie/go-shutil"
	flock "github.com/theckman/go-flock"
	"go.uber.org/zap"

	"github.com/paker-dev/paker/internal/paker/fetch"
	"github.com/paker-dev/paker/internal/paker/pakererr"
)

// Entry is a cache record, per spec §3.
type Entry struct {
	Package  string    `json:"package_id"`
	Revision string    `json:"revision"`
	Digest   string    `json:"content_digest"`
	Path     string    `json:"absolute_path"`
	Refcount int       `json:"refcount"`
	LastUsed time.Time `json:"last_used"`
}

type index struct {
	Entries []Entry `json:"entries"`
}

// Cache is a single project-agnostic content-addressed store, safe for
// intra- and inter-process concurrency (spec §5).
type Cache struct {
	root    string
	fetcher fetch.Fetcher
	log     *zap.Logger

	// indexMu serializes this process's own index read-modify-writes on
	// top of the cross-process root lock, so concurrent goroutines within
	// one installer don't race to acquire it.
	indexMu sync.Mutex
}

// New returns a Cache rooted at root, creating the directory layout if
// necessary.
func New(root string, fetcher fetch.Fetcher, log *zap.Logger) (*Cache, error) {
	if log == nil {
		log = zap.NewNop()
	}
	for _, d := range []string{filepath.Join(root, "packages"), filepath.Join(root, "locks")} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, errors.Wrapf(err, "creating cache directory %s", d)
		}
	}
	return &Cache{root: root, fetcher: fetcher, log: log}, nil
}

func (c *Cache) packagePath(pkg, revision string) string {
	return filepath.Join(c.root, "packages", pkg, revision)
}

func (c *Cache) entryLockPath(pkg, revision string) string {
	return filepath.Join(c.root, "locks", fmt.Sprintf("%s-%s.lock", pkg, revision))
}

func (c *Cache) rootLockPath() string {
	return filepath.Join(c.root, "index.lock")
}

// AvailableVersions delegates to the fetcher; it satisfies
// resolve.PackageSource.
func (c *Cache) AvailableVersions(ctx context.Context, pkg, sourceURL string) ([]string, error) {
	return c.fetcher.AvailableVersions(ctx, sourceURL)
}

// Acquire returns a ready checkout path for (pkg, revision), fetching and
// installing it if absent. Multiple processes may call Acquire for the
// same entry concurrently; only one performs the fetch, the others block
// on the per-entry lock and then observe the completed entry.
func (c *Cache) Acquire(ctx context.Context, pkg, revision, sourceURL string) (string, error) {
	lk := flock.NewFlock(c.entryLockPath(pkg, revision))
	if err := lk.Lock(); err != nil {
		return "", errors.Wrapf(err, "locking cache entry %s/%s", pkg, revision)
	}
	defer lk.Unlock()

	path := c.packagePath(pkg, revision)
	if entry, ok := c.lookup(pkg, revision); ok {
		ok, err := c.verifyAt(path, entry.Digest)
		if err != nil {
			return "", err
		}
		if ok {
			c.touch(pkg, revision)
			return path, nil
		}
		c.log.Warn("cache entry failed verification, quarantining", zap.String("package", pkg), zap.String("revision", revision))
		if err := c.quarantine(pkg, revision); err != nil {
			return "", err
		}
	}

	staging := filepath.Join(c.root, "staging", uuid.NewString())
	if err := os.MkdirAll(filepath.Dir(staging), 0o755); err != nil {
		return "", errors.Wrap(err, "creating staging directory")
	}
	defer os.RemoveAll(staging)

	res, err := c.fetcher.Fetch(ctx, sourceURL, revision, staging)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", errors.Wrapf(err, "creating %s", filepath.Dir(path))
	}
	if err := os.Rename(staging, path); err != nil {
		// Cross-device staging areas fall back to a recursive copy, the
		// same EXDEV handling the teacher's renameWithFallback applies to
		// directories (fs.go), using go-shutil instead of a hand-rolled
		// walker.
		if err := shutil.CopyTree(staging, path, nil); err != nil {
			return "", errors.Wrapf(err, "installing %s/%s into cache", pkg, revision)
		}
	}

	if err := c.upsert(Entry{
		Package:  pkg,
		Revision: revision,
		Digest:   res.Digest,
		Path:     path,
		LastUsed: now(),
	}); err != nil {
		return "", err
	}
	return path, nil
}

// Link atomically creates <projectDir>/.paker/links/<pkg> pointing at
// path and increments the entry's refcount.
func (c *Cache) Link(projectDir, pkg, path string) error {
	linkDir := filepath.Join(projectDir, ".paker", "links")
	if err := os.MkdirAll(linkDir, 0o755); err != nil {
		return errors.Wrapf(err, "creating %s", linkDir)
	}
	target := filepath.Join(linkDir, pkg)

	if fi, err := os.Lstat(target); err == nil {
		if fi.Mode()&os.ModeSymlink != 0 {
			if cur, err := os.Readlink(target); err == nil && cur == path {
				return nil // already linked correctly
			}
		} else {
			return &pakererr.LinkExists{Path: target}
		}
		if err := os.Remove(target); err != nil {
			return errors.Wrapf(err, "removing stale link %s", target)
		}
	}

	if err := c.createLink(path, target); err != nil {
		return err
	}
	c.adjustRefcount(pkg, path, 1)
	return nil
}

// createLink creates target -> path, atomically: build the link under a
// temp name in the same directory, then rename over the destination.
// Windows without symlink privilege falls back to a directory copy, the
// same pattern renameWithFallback uses for cross-device renames.
func (c *Cache) createLink(path, target string) error {
	tmp := target + ".tmp-" + uuid.NewString()
	if err := os.Symlink(path, tmp); err != nil {
		if runtime.GOOS == "windows" {
			if cerr := shutil.CopyTree(path, tmp, nil); cerr != nil {
				return errors.Wrapf(cerr, "copying %s to %s", path, tmp)
			}
		} else {
			return errors.Wrapf(err, "symlinking %s to %s", target, path)
		}
	}
	if err := os.Rename(tmp, target); err != nil {
		os.RemoveAll(tmp)
		return errors.Wrapf(err, "renaming %s to %s", tmp, target)
	}
	return nil
}

// Unlink removes a project link and decrements the entry's refcount.
func (c *Cache) Unlink(projectDir, pkg string) error {
	target := filepath.Join(projectDir, ".paker", "links", pkg)
	path, err := os.Readlink(target)
	if err != nil {
		path = "" // not a symlink (e.g. a Windows copy fallback); still remove it
	}
	if err := os.RemoveAll(target); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing link %s", target)
	}
	if path != "" {
		c.adjustRefcountByPath(path, -1)
	}
	return nil
}

// GC removes entries with refcount 0 whose last_used is older than ttl.
func (c *Cache) GC(ttl time.Duration) ([]Entry, error) {
	lk := flock.NewFlock(c.rootLockPath())
	if err := lk.Lock(); err != nil {
		return nil, errors.Wrap(err, "locking cache index")
	}
	defer lk.Unlock()

	idx, err := c.loadIndexLocked()
	if err != nil {
		return nil, err
	}

	var keep []Entry
	var evicted []Entry
	cutoff := now().Add(-ttl)
	for _, e := range idx.Entries {
		if e.Refcount == 0 && e.LastUsed.Before(cutoff) {
			if err := os.RemoveAll(e.Path); err != nil {
				return nil, errors.Wrapf(err, "removing evicted entry %s/%s", e.Package, e.Revision)
			}
			os.Remove(c.entryLockPath(e.Package, e.Revision))
			evicted = append(evicted, e)
			continue
		}
		keep = append(keep, e)
	}
	idx.Entries = keep
	if err := c.saveIndexLocked(idx); err != nil {
		return nil, err
	}
	return evicted, nil
}

// EntryDigest returns the recorded content digest for (pkg, revision), if
// the entry is known to the index.
func (c *Cache) EntryDigest(pkg, revision string) (string, bool) {
	e, ok := c.lookup(pkg, revision)
	if !ok {
		return "", false
	}
	return e.Digest, true
}

// Verify recomputes an entry's digest and compares it against the index.
func (c *Cache) Verify(pkg, revision string) (bool, error) {
	entry, ok := c.lookup(pkg, revision)
	if !ok {
		return false, nil
	}
	return c.verifyAt(c.packagePath(pkg, revision), entry.Digest)
}

func (c *Cache) verifyAt(path, wantDigest string) (bool, error) {
	if _, err := os.Stat(path); err != nil {
		return false, nil
	}
	got, err := fetch.Digest(path)
	if err != nil {
		return false, err
	}
	return got == wantDigest, nil
}

func (c *Cache) quarantine(pkg, revision string) error {
	src := c.packagePath(pkg, revision)
	dst := filepath.Join(c.root, "quarantine", pkg, revision+"-"+uuid.NewString())
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Wrap(err, "creating quarantine directory")
	}
	if err := os.Rename(src, dst); err != nil {
		return errors.Wrapf(&pakererr.CacheCorrupt{Package: pkg, Revision: revision}, "quarantining %s: %s", src, err)
	}
	return c.remove(pkg, revision)
}

// --- index read-modify-write helpers ---

func (c *Cache) lookup(pkg, revision string) (Entry, bool) {
	idx, err := c.loadIndex()
	if err != nil {
		return Entry{}, false
	}
	for _, e := range idx.Entries {
		if e.Package == pkg && e.Revision == revision {
			return e, true
		}
	}
	return Entry{}, false
}

func (c *Cache) upsert(e Entry) error {
	return c.withIndex(func(idx *index) {
		for i, existing := range idx.Entries {
			if existing.Package == e.Package && existing.Revision == e.Revision {
				idx.Entries[i] = e
				return
			}
		}
		idx.Entries = append(idx.Entries, e)
	})
}

func (c *Cache) remove(pkg, revision string) error {
	return c.withIndex(func(idx *index) {
		out := idx.Entries[:0]
		for _, e := range idx.Entries {
			if e.Package == pkg && e.Revision == revision {
				continue
			}
			out = append(out, e)
		}
		idx.Entries = out
	})
}

func (c *Cache) touch(pkg, revision string) {
	_ = c.withIndex(func(idx *index) {
		for i := range idx.Entries {
			if idx.Entries[i].Package == pkg && idx.Entries[i].Revision == revision {
				idx.Entries[i].LastUsed = now()
			}
		}
	})
}

func (c *Cache) adjustRefcount(pkg, path string, delta int) {
	_ = c.withIndex(func(idx *index) {
		for i := range idx.Entries {
			if idx.Entries[i].Package == pkg && idx.Entries[i].Path == path {
				idx.Entries[i].Refcount += delta
				idx.Entries[i].LastUsed = now()
			}
		}
	})
}

func (c *Cache) adjustRefcountByPath(path string, delta int) {
	_ = c.withIndex(func(idx *index) {
		for i := range idx.Entries {
			if idx.Entries[i].Path == path {
				idx.Entries[i].Refcount += delta
				idx.Entries[i].LastUsed = now()
			}
		}
	})
}

// withIndex acquires the cross-process root lock only for the duration
// of a read-modify-write, per spec §4.6's concurrency model: entry-level
// fetch work (Acquire) never holds this lock.
func (c *Cache) withIndex(fn func(idx *index)) error {
	c.indexMu.Lock()
	defer c.indexMu.Unlock()

	lk := flock.NewFlock(c.rootLockPath())
	if err := lk.Lock(); err != nil {
		return errors.Wrap(err, "locking cache index")
	}
	defer lk.Unlock()

	idx, err := c.loadIndexLocked()
	if err != nil {
		return err
	}
	fn(idx)
	return c.saveIndexLocked(idx)
}

func (c *Cache) loadIndex() (*index, error) {
	return c.loadIndexLocked()
}

func (c *Cache) loadIndexLocked() (*index, error) {
	path := filepath.Join(c.root, "index.json")
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &index{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	idx := &index{}
	if err := json.Unmarshal(b, idx); err != nil {
		return nil, &pakererr.ParseError{Subject: "cache index", Input: path, Cause: err}
	}
	return idx, nil
}

func (c *Cache) saveIndexLocked(idx *index) error {
	sort.Slice(idx.Entries, func(i, j int) bool {
		if idx.Entries[i].Package != idx.Entries[j].Package {
			return idx.Entries[i].Package < idx.Entries[j].Package
		}
		return idx.Entries[i].Revision < idx.Entries[j].Revision
	})
	b, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling cache index")
	}
	path := filepath.Join(c.root, "index.json")
	tmp := path + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return errors.Wrapf(err, "writing %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "renaming %s to %s", tmp, path)
	}
	return nil
}

var now = time.Now

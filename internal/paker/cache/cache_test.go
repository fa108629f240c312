package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/paker-dev/paker/internal/paker/fetch"
	"github.com/paker-dev/paker/internal/paker/pakererr"
)

// fakeFetcher writes one fixed file into targetDir so Digest is stable
// and predictable across test runs, without touching the network.
type fakeFetcher struct {
	calls int
}

func (f *fakeFetcher) Fetch(ctx context.Context, sourceURL, revision, targetDir string) (fetch.Result, error) {
	f.calls++
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return fetch.Result{}, err
	}
	if err := os.WriteFile(filepath.Join(targetDir, "content.txt"), []byte(revision), 0o644); err != nil {
		return fetch.Result{}, err
	}
	digest, err := fetch.Digest(targetDir)
	if err != nil {
		return fetch.Result{}, err
	}
	return fetch.Result{Digest: digest}, nil
}

func (f *fakeFetcher) AvailableVersions(ctx context.Context, sourceURL string) ([]string, error) {
	return []string{"1.0.0"}, nil
}

func (f *fakeFetcher) Digest(dir string) (string, error) {
	return fetch.Digest(dir)
}

func newTestCache(t *testing.T) (*Cache, *fakeFetcher) {
	t.Helper()
	f := &fakeFetcher{}
	c, err := New(t.TempDir(), f, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, f
}

func TestAcquireFetchesOnce(t *testing.T) {
	c, f := newTestCache(t)
	ctx := context.Background()

	path1, err := c.Acquire(ctx, "fmt", "9.0.0", "https://example.invalid/fmt.git")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	path2, err := c.Acquire(ctx, "fmt", "9.0.0", "https://example.invalid/fmt.git")
	if err != nil {
		t.Fatalf("Acquire (2nd): %v", err)
	}
	if path1 != path2 {
		t.Fatalf("Acquire should return the same path for a cached entry: %s != %s", path1, path2)
	}
	if f.calls != 1 {
		t.Fatalf("expected exactly 1 fetch, got %d", f.calls)
	}
}

func TestAcquireQuarantinesCorruptEntry(t *testing.T) {
	c, f := newTestCache(t)
	ctx := context.Background()

	path, err := c.Acquire(ctx, "fmt", "9.0.0", "https://example.invalid/fmt.git")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	// Corrupt the checkout without updating the index.
	if err := os.WriteFile(filepath.Join(path, "content.txt"), []byte("tampered"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := c.Acquire(ctx, "fmt", "9.0.0", "https://example.invalid/fmt.git"); err != nil {
		t.Fatalf("Acquire after corruption: %v", err)
	}
	if f.calls != 2 {
		t.Fatalf("expected a re-fetch after detecting corruption, got %d calls", f.calls)
	}
}

func TestLinkAndUnlink(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	projectDir := t.TempDir()

	path, err := c.Acquire(ctx, "fmt", "9.0.0", "https://example.invalid/fmt.git")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := c.Link(projectDir, "fmt", path); err != nil {
		t.Fatalf("Link: %v", err)
	}

	linkPath := filepath.Join(projectDir, ".paker", "links", "fmt")
	target, err := os.Readlink(linkPath)
	if err != nil {
		t.Fatalf("Readlink: %v", err)
	}
	if target != path {
		t.Fatalf("link target = %s, want %s", target, path)
	}

	if err := c.Unlink(projectDir, "fmt"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if _, err := os.Lstat(linkPath); !os.IsNotExist(err) {
		t.Fatalf("expected the link to be removed, got err=%v", err)
	}
}

func TestLinkRefusesNonLinkOccupant(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	projectDir := t.TempDir()

	path, err := c.Acquire(ctx, "fmt", "9.0.0", "https://example.invalid/fmt.git")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	linkDir := filepath.Join(projectDir, ".paker", "links")
	if err := os.MkdirAll(linkDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	occupant := filepath.Join(linkDir, "fmt")
	if err := os.WriteFile(occupant, []byte("not a link"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	err = c.Link(projectDir, "fmt", path)
	if err == nil {
		t.Fatalf("expected an error linking over a non-link occupant")
	}
	if _, ok := err.(*pakererr.LinkExists); !ok {
		t.Fatalf("expected *pakererr.LinkExists, got %T", err)
	}
}

func TestGCRemovesUnreferencedEntries(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	if _, err := c.Acquire(ctx, "fmt", "9.0.0", "https://example.invalid/fmt.git"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	evicted, err := c.GC(0)
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	if len(evicted) != 1 || evicted[0].Package != "fmt" {
		t.Fatalf("expected fmt to be evicted (refcount 0), got %+v", evicted)
	}
	if _, ok := c.lookup("fmt", "9.0.0"); ok {
		t.Fatalf("expected the entry to be removed from the index")
	}
}

func TestGCKeepsLinkedEntries(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	projectDir := t.TempDir()

	path, err := c.Acquire(ctx, "fmt", "9.0.0", "https://example.invalid/fmt.git")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := c.Link(projectDir, "fmt", path); err != nil {
		t.Fatalf("Link: %v", err)
	}

	evicted, err := c.GC(0)
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	if len(evicted) != 0 {
		t.Fatalf("expected a linked (refcount > 0) entry to survive GC, evicted %+v", evicted)
	}
}

func TestGCRespectsTTL(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	if _, err := c.Acquire(ctx, "fmt", "9.0.0", "https://example.invalid/fmt.git"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	evicted, err := c.GC(24 * time.Hour)
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	if len(evicted) != 0 {
		t.Fatalf("expected a freshly used entry to survive a 24h TTL, evicted %+v", evicted)
	}
}

func TestEntryDigestUnknown(t *testing.T) {
	c, _ := newTestCache(t)
	if _, ok := c.EntryDigest("nope", "1.0.0"); ok {
		t.Fatalf("expected no digest for an unknown entry")
	}
}

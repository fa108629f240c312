package install

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/paker-dev/paker/internal/paker/graph"
	"github.com/paker-dev/paker/internal/paker/version"
)

// fakeCacheLinker simulates the cache (C6) for installer tests: Acquire
// fails for packages named in failPkgs, Link records every call.
type fakeCacheLinker struct {
	mu        sync.Mutex
	linked    map[string]string // pkg -> projectDir
	failPkgs  map[string]bool
}

func newFakeCacheLinker(failPkgs ...string) *fakeCacheLinker {
	f := map[string]bool{}
	for _, p := range failPkgs {
		f[p] = true
	}
	return &fakeCacheLinker{linked: map[string]string{}, failPkgs: f}
}

func (f *fakeCacheLinker) Acquire(ctx context.Context, pkg, revision, sourceURL string) (string, error) {
	if f.failPkgs[pkg] {
		return "", fmt.Errorf("simulated fetch failure for %s", pkg)
	}
	return "/cache/" + pkg + "/" + revision, nil
}

func (f *fakeCacheLinker) Link(projectDir, pkg, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.linked[pkg] = projectDir
	return nil
}

func buildGraphWithResolvedNodes(t *testing.T, pkgs ...string) *graph.Graph {
	t.Helper()
	g := graph.New()
	for _, pkg := range pkgs {
		if err := g.AddEdge("", pkg, version.Any); err != nil {
			t.Fatalf("AddEdge: %v", err)
		}
		n := g.Node(pkg)
		n.Version = version.Parse("1.0.0")
		n.Revision = "1.0.0"
		n.Source = "https://example.invalid/" + pkg + ".git"
		n.Status = graph.Resolved
	}
	return g
}

func TestInstallAllSucceed(t *testing.T) {
	cache := newFakeCacheLinker()
	g := buildGraphWithResolvedNodes(t, "fmt", "spdlog", "cpr")
	in := New(cache, 2, nil)

	report := in.Install(context.Background(), g, "/project")
	if len(report.Failures) != 0 {
		t.Fatalf("unexpected failures: %+v", report.Failures)
	}
	if len(report.Linked) != 3 {
		t.Fatalf("expected 3 linked packages, got %+v", report.Linked)
	}
	for _, pkg := range []string{"fmt", "spdlog", "cpr"} {
		if cache.linked[pkg] != "/project" {
			t.Errorf("%s was not linked into /project", pkg)
		}
	}
}

func TestInstallPartialFailureDoesNotCancelSiblings(t *testing.T) {
	cache := newFakeCacheLinker("spdlog")
	g := buildGraphWithResolvedNodes(t, "fmt", "spdlog", "cpr")
	in := New(cache, 4, nil)

	report := in.Install(context.Background(), g, "/project")
	if len(report.Failures) != 1 || report.Failures[0].Package != "spdlog" {
		t.Fatalf("expected exactly spdlog to fail, got %+v", report.Failures)
	}
	if len(report.Linked) != 2 {
		t.Fatalf("expected fmt and cpr to still link, got %+v", report.Linked)
	}
}

func TestInstallSkipsUnresolvedNodes(t *testing.T) {
	cache := newFakeCacheLinker()
	g := graph.New()
	g.UpsertNode("declared-only")
	in := New(cache, 1, nil)

	report := in.Install(context.Background(), g, "/project")
	if len(report.Linked) != 0 || len(report.Failures) != 0 {
		t.Fatalf("a Declared-status node should be skipped entirely, got %+v", report)
	}
}

func TestInstallCancelSkipsNotYetStarted(t *testing.T) {
	cache := newFakeCacheLinker()
	g := buildGraphWithResolvedNodes(t, "fmt")
	in := New(cache, 1, nil)
	in.Cancel()

	report := in.Install(context.Background(), g, "/project")
	if len(report.Linked) != 0 {
		t.Fatalf("expected no links after cancellation, got %+v", report.Linked)
	}
	if len(report.Failures) != 1 {
		t.Fatalf("expected the skipped node to be reported as a failure, got %+v", report.Failures)
	}
}

package resolve

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/paker-dev/paker/internal/paker/graph"
	"github.com/paker-dev/paker/internal/paker/manifest"
	"github.com/paker-dev/paker/internal/paker/pakererr"
)

// fakePackage describes one package's catalog entry for fakeSource.
type fakePackage struct {
	versions []string
	deps     map[string]map[string]string // version -> (dep -> constraint)
}

// fakeSource is an in-memory PackageSource: no network, fully deterministic,
// so resolver scenarios from the worklist algorithm can be exercised
// directly. Acquire still touches real disk: it materializes a child
// Paker.json, listing the chosen version's entries in deps (possibly none),
// under a per-call temp dir so manifest.ChildManifest (resolve.go's
// transitive-expansion path) has something real to read.
type fakeSource struct {
	t       *testing.T
	catalog map[string]fakePackage
}

func (f *fakeSource) AvailableVersions(ctx context.Context, pkg, sourceURL string) ([]string, error) {
	p, ok := f.catalog[pkg]
	if !ok {
		return nil, nil
	}
	return p.versions, nil
}

func (f *fakeSource) Acquire(ctx context.Context, pkg, revision, sourceURL string) (string, error) {
	dir := filepath.Join(f.t.TempDir(), pkg+"@"+revision)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		f.t.Fatalf("creating fixture package dir for %s@%s: %v", pkg, revision, err)
	}
	if err := manifest.Save(filepath.Join(dir, "Paker.json"), f.childManifestFor(pkg, revision)); err != nil {
		f.t.Fatalf("writing fixture child manifest for %s@%s: %v", pkg, revision, err)
	}
	return dir, nil
}

// childManifestFor builds the manifest that Acquire writes into the fetched
// package directory, from the catalog's per-version deps map.
func (f *fakeSource) childManifestFor(pkg, revision string) *manifest.Manifest {
	m := manifest.New(pkg)
	m.SetVersion(revision)
	if deps, ok := f.catalog[pkg].deps[revision]; ok {
		for dep, constraint := range deps {
			m.SetDependency(dep, constraint)
		}
	}
	return m
}

func (f *fakeSource) EntryDigest(pkg, revision string) (string, bool) {
	return "digest-" + pkg + "-" + revision, true
}

// newTestResolver wires a fakeSource into a Resolver. Acquire writes real
// child manifests (see fakeSource.childManifestFor), so fixtures whose
// catalog entries leave deps nil simply resolve as leaf packages.
func newTestResolver(t *testing.T, repos RepoMap, catalog map[string]fakePackage) *Resolver {
	t.Helper()
	return New(&fakeSource{t: t, catalog: catalog}, repos, Options{})
}

func TestResolveSimpleDirect(t *testing.T) {
	repos := RepoMap{"fmt": "https://x/fmt.git", "spdlog": "https://x/spdlog.git"}
	catalog := map[string]fakePackage{
		"fmt":    {versions: []string{"8.0.0", "9.1.0"}},
		"spdlog": {versions: []string{"1.0.0", "1.9.0"}},
	}
	r := newTestResolver(t, repos, catalog)

	m := manifest.New("proj")
	m.SetDependency("spdlog", "^1.0.0")

	g, err := r.Resolve(context.Background(), m, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	n := g.Node("spdlog")
	if n == nil || n.Version.String() != "1.9.0" {
		t.Fatalf("expected spdlog resolved to 1.9.0, got %+v", n)
	}
	if n.Status != graph.Fetched {
		t.Fatalf("expected Fetched status, got %s", n.Status)
	}
	if n.Digest == "" {
		t.Fatalf("expected a populated digest")
	}
}

// TestResolveTransitiveChildDependencies exercises the worklist expansion
// driven by a fetched package's own manifest (resolve.go's
// manifest.ChildManifest call): proj declares only "app", whose fixture
// child manifest declares "mid", whose own child manifest declares "leaf".
// Both hops must surface in the final graph with the constraint each
// fixture manifest actually wrote.
func TestResolveTransitiveChildDependencies(t *testing.T) {
	repos := RepoMap{
		"app":  "https://x/app.git",
		"mid":  "https://x/mid.git",
		"leaf": "https://x/leaf.git",
	}
	catalog := map[string]fakePackage{
		"app": {
			versions: []string{"1.0.0"},
			deps: map[string]map[string]string{
				"1.0.0": {"mid": "^2.0.0"},
			},
		},
		"mid": {
			versions: []string{"2.0.0", "2.3.0"},
			deps: map[string]map[string]string{
				"2.3.0": {"leaf": "^0.1.0"},
			},
		},
		"leaf": {
			versions: []string{"0.1.0", "0.2.0"},
		},
	}
	r := newTestResolver(t, repos, catalog)

	m := manifest.New("proj")
	m.SetDependency("app", "*")

	g, err := r.Resolve(context.Background(), m, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	app := g.Node("app")
	if app == nil || app.Version.String() != "1.0.0" {
		t.Fatalf("expected app resolved to 1.0.0, got %+v", app)
	}

	mid := g.Node("mid")
	if mid == nil || mid.Version.String() != "2.3.0" {
		t.Fatalf("expected mid (app's transitive dependency) resolved to 2.3.0, got %+v", mid)
	}
	if mid.Status != graph.Fetched {
		t.Fatalf("expected mid to be Fetched, got %s", mid.Status)
	}

	leaf := g.Node("leaf")
	if leaf == nil || leaf.Version.String() != "0.1.0" {
		t.Fatalf("expected leaf (mid's transitive dependency, two hops from proj) resolved to 0.1.0 (^0.1.0 excludes 0.2.0), got %+v", leaf)
	}
	if leaf.Status != graph.Fetched {
		t.Fatalf("expected leaf to be Fetched, got %s", leaf.Status)
	}

	edges := g.InboundEdges("leaf")
	if len(edges) != 1 || edges[0].Parent != "mid" {
		t.Fatalf("expected leaf's sole inbound edge to come from mid, got %+v", edges)
	}
}

func TestResolveUnknownPackage(t *testing.T) {
	r := newTestResolver(t, RepoMap{}, nil)
	m := manifest.New("proj")
	m.SetDependency("ghost", "*")

	_, err := r.Resolve(context.Background(), m, nil)
	if err == nil {
		t.Fatalf("expected an UnknownPackage error")
	}
	if _, ok := err.(*pakererr.UnknownPackage); !ok {
		t.Fatalf("expected *pakererr.UnknownPackage, got %T", err)
	}
}

func TestResolveUnsatisfiableConstraint(t *testing.T) {
	repos := RepoMap{"fmt": "https://x/fmt.git"}
	catalog := map[string]fakePackage{
		"fmt": {versions: []string{"1.0.0"}},
	}
	r := newTestResolver(t, repos, catalog)

	m := manifest.New("proj")
	m.SetDependency("fmt", "^2.0.0")

	_, err := r.Resolve(context.Background(), m, nil)
	if err == nil {
		t.Fatalf("expected a conflict")
	}
	if _, ok := err.(*pakererr.ConflictSet); !ok {
		t.Fatalf("expected *pakererr.ConflictSet, got %T", err)
	}
}

func TestResolveOpaqueTagFallback(t *testing.T) {
	repos := RepoMap{"legacy": "https://x/legacy.git"}
	catalog := map[string]fakePackage{
		"legacy": {versions: []string{"main", "develop"}},
	}
	r := newTestResolver(t, repos, catalog)

	m := manifest.New("proj")
	m.SetDependency("legacy", "*")

	g, err := r.Resolve(context.Background(), m, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	n := g.Node("legacy")
	if n == nil || n.Version.String() != "main" {
		t.Fatalf("expected the shortest/lex-least opaque tag to be chosen, got %+v", n)
	}
}

func TestResolveSourceOverride(t *testing.T) {
	catalog := map[string]fakePackage{
		"fmt": {versions: []string{"9.0.0"}},
	}
	r := newTestResolver(t, RepoMap{}, catalog)

	m := manifest.New("proj")
	m.SetDependency("fmt", "*")

	g, err := r.Resolve(context.Background(), m, map[string]string{"fmt": "https://fork.invalid/fmt.git"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if g.Node("fmt").Source != "https://fork.invalid/fmt.git" {
		t.Fatalf("expected the override source to win, got %+v", g.Node("fmt"))
	}
}

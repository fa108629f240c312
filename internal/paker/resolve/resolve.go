// Package resolve implements the resolver (C5): it transitively expands a
// project's declared dependencies into a graph where every reachable node
// carries a chosen version consistent with all inbound constraints (I1),
// or it reports the conflicts that make that impossible.
//
// The algorithm is the "first-fit with backtrack on conflict" worklist
// walk of spec §4.5: deterministic by construction (requirement
// processing order is (depth, package id) lexicographic; version
// selection always prefers the greatest satisfying version).
package resolve

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/paker-dev/paker/internal/paker/graph"
	"github.com/paker-dev/paker/internal/paker/manifest"
	"github.com/paker-dev/paker/internal/paker/pakererr"
	"github.com/paker-dev/paker/internal/paker/version"
)

// PackageSource is what the resolver needs from the outside world: the
// set of revisions a source url advertises, and a ready checkout of a
// chosen revision to read its child manifest from. The cache (C6)
// implements this; tests supply a fake.
type PackageSource interface {
	AvailableVersions(ctx context.Context, pkg, sourceURL string) ([]string, error)
	Acquire(ctx context.Context, pkg, revision, sourceURL string) (dir string, err error)
	EntryDigest(pkg, revision string) (digest string, ok bool)
}

// RepoMap is the built-in, read-only package-id -> source-url map of
// spec §3, plus any per-run overrides a caller supplies.
type RepoMap map[string]string

// Options configures a Resolve call.
type Options struct {
	// CollectAllConflicts makes Resolve continue past a ConflictSet
	// instead of failing fast on the first one (spec §7 propagation
	// policy): it returns the partial graph together with the first
	// ConflictSet it met. Later ConflictSets are not returned.
	CollectAllConflicts bool
	Logger              *zap.Logger
}

// Resolver walks declared dependencies to a resolved graph.
type Resolver struct {
	source  PackageSource
	repos   RepoMap
	opts    Options
	log     *zap.Logger
	warnSet []*manifest.Warning
}

// New returns a Resolver backed by source for fetching versions and
// manifests, and repos for looking up package source urls.
func New(source PackageSource, repos RepoMap, opts Options) *Resolver {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{source: source, repos: repos, opts: opts, log: log}
}

// Warnings returns the child-manifest parse warnings accumulated by the
// most recent Resolve call.
func (r *Resolver) Warnings() []*manifest.Warning { return r.warnSet }

// requirement is one item of the resolver's worklist.
type requirement struct {
	pkg, parent string
	constraint  version.Constraint
	depth       int
}

// Resolve expands m's declared dependencies into a graph. sourceOverrides
// augments the built-in repository map for this call only (the manifest
// schema itself carries no source-override field per spec §4.3; per-run
// overrides are a caller-supplied concern).
func (r *Resolver) Resolve(ctx context.Context, m *manifest.Manifest, sourceOverrides map[string]string) (*graph.Graph, error) {
	r.warnSet = nil
	g := graph.New()

	worklist := make([]requirement, 0, len(m.Dependencies))
	for pkg, cstr := range m.Dependencies {
		c, err := version.ParseConstraint(cstr)
		if err != nil {
			return nil, err
		}
		worklist = append(worklist, requirement{pkg: pkg, parent: "", constraint: c, depth: 0})
	}
	sortWorklist(worklist)
	for _, req := range worklist {
		if _, err := r.sourceFor(req.pkg, sourceOverrides); err != nil {
			return nil, err
		}
	}

	// oscillation[pkg] remembers every intersected-constraint signature
	// already attempted for pkg, so a repeat on a backtrack path is
	// reported as a ConflictSet with Oscillating set (spec §4.5 step 6)
	// instead of looping forever.
	oscillation := map[string]map[string]bool{}
	var conflicts []*pakererr.ConflictSet

	for len(worklist) > 0 {
		req := worklist[0]
		worklist = worklist[1:]

		sourceURL, err := r.sourceFor(req.pkg, sourceOverrides)
		if err != nil {
			return nil, err
		}

		if err := g.AddEdge(req.parent, req.pkg, req.constraint); err != nil {
			return nil, err
		}

		intersected := g.IntersectedConstraint(req.pkg)
		if intersected.Empty() {
			cs := conflictFor(g, req.pkg)
			if !r.opts.CollectAllConflicts {
				return nil, cs
			}
			conflicts = append(conflicts, cs)
			continue
		}

		node := g.Node(req.pkg)
		needsResolve := node.Status == graph.Declared
		if !needsResolve && !intersected.Matches(node.Version) {
			// Downgrade: the tightened constraint invalidates the prior
			// choice. Detect oscillation before re-solving.
			sig := intersected.String()
			if oscillation[req.pkg] == nil {
				oscillation[req.pkg] = map[string]bool{}
			}
			if oscillation[req.pkg][sig] {
				cs := conflictFor(g, req.pkg)
				cs.Oscillating = true
				return nil, cs
			}
			oscillation[req.pkg][sig] = true
			r.discardSubtree(g, req.pkg)
			needsResolve = true
		}

		if !needsResolve {
			continue
		}

		available, err := r.source.AvailableVersions(ctx, req.pkg, sourceURL)
		if err != nil {
			return nil, err
		}
		chosen, ok := r.pickVersion(available, intersected)
		if !ok {
			cs := conflictFor(g, req.pkg)
			if !r.opts.CollectAllConflicts {
				return nil, cs
			}
			conflicts = append(conflicts, cs)
			continue
		}

		node.Version = chosen
		node.Source = sourceURL
		node.Revision = chosen.String()
		node.Status = graph.Resolved

		dir, err := r.source.Acquire(ctx, req.pkg, chosen.String(), sourceURL)
		if err != nil {
			return nil, err
		}
		node.Status = graph.Fetched
		if digest, ok := r.source.EntryDigest(req.pkg, chosen.String()); ok {
			node.Digest = digest
		}

		childManifest, warn := manifest.ChildManifest(dir)
		if warn != nil {
			r.warnSet = append(r.warnSet, warn)
			r.log.Warn("failed to parse child manifest", zap.String("package", req.pkg), zap.Error(warn.Cause))
		}

		var children []requirement
		for dep, cstr := range childManifest.Dependencies {
			c, err := version.ParseConstraint(cstr)
			if err != nil {
				return nil, err
			}
			children = append(children, requirement{pkg: dep, parent: req.pkg, constraint: c, depth: req.depth + 1})
		}
		sortWorklist(children)
		worklist = append(worklist, children...)
		sortWorklist(worklist)
	}

	if len(conflicts) > 0 {
		return g, conflicts[0]
	}
	return g, nil
}

// sourceFor resolves pkg's source url from overrides, then the built-in
// repository map, failing with UnknownPackage. Resolve checks every
// top-level requirement this way before the first fetch (spec §8
// boundary behavior); a transitive requirement is checked before its own
// fetch.
func (r *Resolver) sourceFor(pkg string, overrides map[string]string) (string, error) {
	if url, ok := overrides[pkg]; ok {
		return url, nil
	}
	if url, ok := r.repos[pkg]; ok {
		return url, nil
	}
	return "", &pakererr.UnknownPackage{Package: pkg}
}

// pickVersion chooses the greatest version satisfying c. If none of the
// available revisions parse as semver (a tag-only package) and c is Any,
// it picks the shortest tag, ties broken by the lexicographically least,
// per spec §4.5 step 4.
func (r *Resolver) pickVersion(available []string, c version.Constraint) (version.Version, bool) {
	vs := make([]version.Version, len(available))
	allOpaque := true
	for i, a := range available {
		vs[i] = version.Parse(a)
		if !vs[i].IsOpaque() {
			allOpaque = false
		}
	}
	if allOpaque && len(vs) > 0 {
		sort.Slice(vs, func(i, j int) bool { return len(vs[i].String()) < len(vs[j].String()) || (len(vs[i].String()) == len(vs[j].String()) && vs[i].String() < vs[j].String()) })
		if c.Matches(vs[0]) || isAny(c) {
			return vs[0], true
		}
	}
	if best, ok := version.MaxSatisfying(vs, c); ok {
		return best, true
	}
	return version.Version{}, false
}

func isAny(c version.Constraint) bool { return c == version.Any }

// discardSubtree resets pkg's node to Declared and clears its chosen
// version and revision, so the next pass re-solves it against the new
// constraint. Nodes and edges reachable through pkg are not removed.
func (r *Resolver) discardSubtree(g *graph.Graph, pkg string) {
	node := g.Node(pkg)
	if node == nil {
		return
	}
	node.Status = graph.Declared
	node.Version = version.Version{}
	node.Revision = ""
}

func conflictFor(g *graph.Graph, pkg string) *pakererr.ConflictSet {
	edges := g.InboundEdges(pkg)
	cs := &pakererr.ConflictSet{Package: pkg}
	for _, e := range edges {
		parent := e.Parent
		if parent == "" {
			parent = "(root)"
		}
		cs.Edges = append(cs.Edges, pakererr.ConflictEdge{
			Parent:     parent,
			Package:    pkg,
			Constraint: e.Constraint.String(),
		})
	}
	return cs
}

func sortWorklist(reqs []requirement) {
	sort.SliceStable(reqs, func(i, j int) bool {
		if reqs[i].depth != reqs[j].depth {
			return reqs[i].depth < reqs[j].depth
		}
		return reqs[i].pkg < reqs[j].pkg
	})
}

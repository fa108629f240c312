// Package lockfile implements the lockfile protocol (C8): serializing a
// resolved graph to a canonical, byte-stable JSON form, reading it back,
// replaying it into a graph without re-resolving, and diffing two
// lockfiles.
package lockfile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"

	"github.com/paker-dev/paker/internal/paker/graph"
	"github.com/paker-dev/paker/internal/paker/manifest"
	"github.com/paker-dev/paker/internal/paker/pakererr"
	"github.com/paker-dev/paker/internal/paker/version"
)

// Format is the lockfile's header format version (spec §4.8).
const Format = 1

// Dependency is one locked package record, per spec §6.
type Dependency struct {
	Version  string   `json:"version"`
	Revision string   `json:"revision,omitempty"`
	Source   string   `json:"source"`
	Digest   string   `json:"digest"`
	Parents  []string `json:"parents"`
}

// Lockfile is the canonical JSON document written to Paker.lock.
type Lockfile struct {
	FormatVersion int                   `json:"format"`
	Dependencies  map[string]Dependency `json:"dependencies"`
}

// FromGraph builds a Lockfile from every node of g that has reached at
// least Resolved status. Map keys serialize in sorted order under
// encoding/json, giving the stable array order spec §4.8 requires without
// a custom marshaler.
func FromGraph(g *graph.Graph) *Lockfile {
	lf := &Lockfile{FormatVersion: Format, Dependencies: map[string]Dependency{}}
	for _, n := range g.Nodes() {
		if n.Status == graph.Declared || n.Status == graph.Conflict || n.Status == graph.Failed {
			continue
		}
		var parents []string
		for _, e := range g.InboundEdges(n.Package) {
			p := e.Parent
			if p == "" {
				continue
			}
			parents = append(parents, p)
		}
		sort.Strings(parents)
		lf.Dependencies[n.Package] = Dependency{
			Version:  n.Version.String(),
			Revision: n.Revision,
			Source:   n.Source,
			Digest:   n.Digest,
			Parents:  parents,
		}
	}
	return lf
}

// Write atomically serializes lf to path as canonical, indented JSON.
func Write(lf *Lockfile, path string) error {
	b, err := json.MarshalIndent(lf, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling lockfile")
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-lock-*")
	if err != nil {
		return errors.Wrapf(err, "creating temp file in %s", dir)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "writing %s", tmpPath)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return errors.Wrapf(os.Rename(tmpPath, path), "renaming %s to %s", tmpPath, path)
}

// Read parses the lockfile at path.
func Read(path string) (*Lockfile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading lockfile %s", path)
	}
	lf := &Lockfile{}
	if err := json.Unmarshal(b, lf); err != nil {
		return nil, &pakererr.ParseError{Subject: "lockfile", Input: path, Cause: err}
	}
	if lf.Dependencies == nil {
		lf.Dependencies = map[string]Dependency{}
	}
	return lf, nil
}

// Replay builds a graph with every locked dependency already Resolved,
// ready for the installer to bring to Linked. No resolution is
// performed: m's current constraints are checked against the lockfile,
// and a StaleLockfile error is returned on the first mismatch so the
// caller can re-resolve instead.
func Replay(lf *Lockfile, m *manifest.Manifest) (*graph.Graph, error) {
	g := graph.New()

	for pkg, dep := range lf.Dependencies {
		for _, parent := range dep.Parents {
			// The constraint recorded against a replayed edge is the
			// locked version itself: replay fixes the graph exactly as
			// it was resolved, it does not re-derive constraints.
			c, err := version.ParseConstraint("=" + dep.Version)
			if err != nil {
				c = version.Any
			}
			if err := g.AddEdge(parent, pkg, c); err != nil {
				return nil, err
			}
		}
		if len(dep.Parents) == 0 {
			if err := g.AddEdge("", pkg, version.Any); err != nil {
				return nil, err
			}
		}
		n := g.Node(pkg)
		n.Version = version.Parse(dep.Version)
		n.Revision = dep.Revision
		n.Source = dep.Source
		n.Digest = dep.Digest
		n.Status = graph.Resolved
	}

	for pkg, cstr := range m.Dependencies {
		dep, ok := lf.Dependencies[pkg]
		if !ok {
			return nil, &pakererr.StaleLockfile{Package: pkg, Reason: "declared but not present in lockfile"}
		}
		c, err := version.ParseConstraint(cstr)
		if err != nil {
			return nil, err
		}
		if !c.Matches(version.Parse(dep.Version)) {
			return nil, &pakererr.StaleLockfile{Package: pkg, Reason: "locked version no longer satisfies manifest constraint " + cstr}
		}
	}

	return g, nil
}

// ChangeKind classifies one entry in a Diff.
type ChangeKind string

const (
	Added      ChangeKind = "added"
	Removed    ChangeKind = "removed"
	Upgraded   ChangeKind = "upgraded"
	Downgraded ChangeKind = "downgraded"
)

// Change is one package's transition between two lockfiles.
type Change struct {
	Package    string
	Kind       ChangeKind
	OldVersion string
	NewVersion string
}

// Diff classifies every package that was added, removed, upgraded, or
// downgraded between old and new.
func Diff(old, new *Lockfile) []Change {
	var changes []Change
	seen := map[string]bool{}

	for pkg, newDep := range new.Dependencies {
		seen[pkg] = true
		oldDep, existed := old.Dependencies[pkg]
		if !existed {
			changes = append(changes, Change{Package: pkg, Kind: Added, NewVersion: newDep.Version})
			continue
		}
		if oldDep.Version == newDep.Version {
			continue
		}
		ov := version.Parse(oldDep.Version)
		nv := version.Parse(newDep.Version)
		kind := Upgraded
		if nv.Compare(ov) < 0 {
			kind = Downgraded
		}
		changes = append(changes, Change{Package: pkg, Kind: kind, OldVersion: oldDep.Version, NewVersion: newDep.Version})
	}
	for pkg, oldDep := range old.Dependencies {
		if !seen[pkg] {
			changes = append(changes, Change{Package: pkg, Kind: Removed, OldVersion: oldDep.Version})
		}
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].Package < changes[j].Package })
	return changes
}

// Package manifest implements the manifest store (C3): loading and saving
// the project manifest and the child manifests discovered inside fetched
// packages, with atomic writes (write-to-temp + rename), grounded on the
// teacher's fs.go writeFile/renameWithFallback pattern.
package manifest

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/paker-dev/paker/internal/paker/pakererr"
)

// Manifest is the schema of spec §4.3: a project or package's declared
// name, version, description, and dependency constraints.
type Manifest struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Description  string            `json:"description"`
	Dependencies map[string]string `json:"dependencies"`
}

// New returns an empty manifest for a freshly initialized project (spec
// scenario 1: version "0.1.0", empty dependencies).
func New(name string) *Manifest {
	return &Manifest{
		Name:         name,
		Version:      "0.1.0",
		Dependencies: map[string]string{},
	}
}

// Load reads and parses the manifest at path. A missing `dependencies`
// key is treated as empty, per spec §4.3.
func Load(path string) (*Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading manifest %s", path)
	}
	m := &Manifest{}
	if err := json.Unmarshal(b, m); err != nil {
		return nil, &pakererr.ParseError{Subject: "manifest", Input: path, Cause: err}
	}
	if m.Dependencies == nil {
		m.Dependencies = map[string]string{}
	}
	return m, nil
}

// Save atomically writes m to path: write to a temp file in the same
// directory, then rename over the destination, so a crash never leaves a
// half-written manifest.
func Save(path string, m *Manifest) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling manifest")
	}
	return atomicWrite(path, b)
}

func atomicWrite(path string, b []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-manifest-*")
	if err != nil {
		return errors.Wrapf(err, "creating temp file in %s", dir)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "writing %s", tmpPath)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "closing %s", tmpPath)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errors.Wrapf(err, "renaming %s to %s", tmpPath, path)
	}
	return nil
}

// SetDependency sets or replaces the constraint for pkg.
func (m *Manifest) SetDependency(pkg, constraint string) {
	if m.Dependencies == nil {
		m.Dependencies = map[string]string{}
	}
	m.Dependencies[pkg] = constraint
}

// RemoveDependency drops pkg's declared constraint, if any.
func (m *Manifest) RemoveDependency(pkg string) {
	delete(m.Dependencies, pkg)
}

// SetDescription updates the project description field.
func (m *Manifest) SetDescription(desc string) { m.Description = desc }

// SetVersion updates the project version field.
func (m *Manifest) SetVersion(v string) { m.Version = v }

// ChildManifest loads the manifest of a fetched package from pkgDir,
// trying both canonical file names (spec §9 "file layout polysemy":
// Paker.json is canonical, paker.json is a deprecated read-only alias).
// A child manifest with unparsable content is reported as a Warning,
// never silently dropped, and its dependencies are treated as empty.
func ChildManifest(pkgDir string) (*Manifest, *Warning) {
	for _, name := range []string{"Paker.json", "paker.json"} {
		path := filepath.Join(pkgDir, name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		m, err := Load(path)
		if err != nil {
			return &Manifest{Dependencies: map[string]string{}}, &Warning{
				Package: filepath.Base(pkgDir),
				Path:    path,
				Cause:   err,
			}
		}
		return m, nil
	}
	// No child manifest at all is not a warning: a leaf package with no
	// dependencies simply has none.
	return &Manifest{Dependencies: map[string]string{}}, nil
}

// Warning surfaces a child manifest that exists but failed to parse, so
// callers can report it instead of silently treating the package as
// dependency-free.
type Warning struct {
	Package string
	Path    string
	Cause   error
}

func (w *Warning) Error() string {
	return errors.Wrapf(w.Cause, "failed to parse dependencies for %s (%s)", w.Package, w.Path).Error()
}

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/paker-dev/paker/internal/paker/manifest"
)

// manifestPath mirrors the teacher's per-directory project file naming
// (the original_source C++ tool derives "<dirname>.json" from the
// current working directory; this CLI does the same so `init` and every
// other command agree on where the manifest lives without a separate
// project-root search).
func manifestPath() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting working directory: %w", err)
	}
	name := filepath.Base(wd)
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = "myproject"
	}
	return filepath.Join(wd, name+".json"), nil
}

func lockPath() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting working directory: %w", err)
	}
	return filepath.Join(wd, ".paker", "lock", "Paker.lock"), nil
}

func loadProjectManifest() (*manifest.Manifest, string, error) {
	path, err := manifestPath()
	if err != nil {
		return nil, "", err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, path, fmt.Errorf("not a paker project (no %s): run 'paker init' first", filepath.Base(path))
	}
	m, err := manifest.Load(path)
	return m, path, err
}

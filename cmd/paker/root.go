package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/paker-dev/paker/internal/paker/install"
	"github.com/paker-dev/paker/internal/paker/lockfile"
	"github.com/paker-dev/paker/internal/paker/manifest"
	"github.com/paker-dev/paker/internal/paker/pakerctx"
	"github.com/paker-dev/paker/internal/paker/resolve"
)

func newRootCmd(pctx *pakerctx.Ctx) *cobra.Command {
	root := &cobra.Command{
		Use:   "paker",
		Short: "a content-addressed C/C++ package manager core",
	}

	root.AddCommand(
		newInitCmd(),
		newAddCmd(pctx),
		newRemoveCmd(pctx),
		newListCmd(),
		newLockCmd(pctx),
		newInstallCmd(pctx),
		newUpgradeCmd(pctx),
		newTreeCmd(),
		newCleanCmd(pctx),
		newSearchCmd(),
		newInfoCmd(),
		newUpdateCmd(pctx),
		newDescribeCmd(),
		newSetVersionCmd(),
	)
	return root
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "create an empty manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := manifestPath()
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("project already initialized (%s)", filepath.Base(path))
			}
			name := strings.TrimSuffix(filepath.Base(path), ".json")
			if err := manifest.Save(path, manifest.New(name)); err != nil {
				return err
			}
			fmt.Printf("Initialized paker project: %s\n", name)
			return nil
		},
	}
}

func newAddCmd(pctx *pakerctx.Ctx) *cobra.Command {
	return &cobra.Command{
		Use:   "add <pkg>[@<ver>]",
		Short: "add a requirement, resolve, and install",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pkg, ver := splitPkgVersion(args[0])
			m, path, err := loadProjectManifest()
			if err != nil {
				return err
			}
			constraint := "*"
			if ver != "" {
				constraint = "=" + ver
			}
			m.SetDependency(pkg, constraint)
			if err := manifest.Save(path, m); err != nil {
				return err
			}
			fmt.Printf("Added dependency: %s@%s\n", pkg, constraint)
			return resolveAndInstall(cmd.Context(), pctx, m)
		},
	}
}

func newRemoveCmd(pctx *pakerctx.Ctx) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <pkg>",
		Short: "drop a requirement and unlink it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pkg := args[0]
			m, path, err := loadProjectManifest()
			if err != nil {
				return err
			}
			if _, ok := m.Dependencies[pkg]; !ok {
				fmt.Printf("Dependency not found: %s\n", pkg)
				return nil
			}
			m.RemoveDependency(pkg)
			if err := manifest.Save(path, m); err != nil {
				return err
			}
			wd, _ := os.Getwd()
			if err := pctx.Cache.Unlink(wd, pkg); err != nil {
				pctx.Log.Sugar().Warnf("unlinking %s: %v", pkg, err)
			}
			fmt.Printf("Removed dependency: %s\n", pkg)
			return nil
		},
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "print declared and installed dependencies",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, _, err := loadProjectManifest()
			if err != nil {
				return err
			}
			fmt.Printf("Project: %s v%s\n", m.Name, m.Version)
			if m.Description != "" {
				fmt.Printf("Description: %s\n", m.Description)
			}
			fmt.Println("\nDependencies (declared):")
			printSortedMap(m.Dependencies)

			wd, _ := os.Getwd()
			linkDir := filepath.Join(wd, ".paker", "links")
			entries, _ := os.ReadDir(linkDir)
			fmt.Println("\nDependencies (linked):")
			if len(entries) == 0 {
				fmt.Println("  (none)")
			}
			for _, e := range entries {
				fmt.Printf("  %s\n", e.Name())
			}
			return nil
		},
	}
}

func newLockCmd(pctx *pakerctx.Ctx) *cobra.Command {
	return &cobra.Command{
		Use:   "lock",
		Short: "write the lockfile from the current resolution",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, _, err := loadProjectManifest()
			if err != nil {
				return err
			}
			g, err := pctx.Resolver(resolve.Options{}).Resolve(cmd.Context(), m, nil)
			if err != nil {
				return err
			}
			lf := lockfile.FromGraph(g)
			path, err := lockPath()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := lockfile.Write(lf, path); err != nil {
				return err
			}
			fmt.Println("Generated Paker.lock")
			return nil
		},
	}
}

func newInstallCmd(pctx *pakerctx.Ctx) *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "replay the lockfile",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, _, err := loadProjectManifest()
			if err != nil {
				return err
			}
			path, err := lockPath()
			if err != nil {
				return err
			}
			lf, err := lockfile.Read(path)
			if err != nil {
				return fmt.Errorf("no Paker.lock found, run 'paker lock' first: %w", err)
			}
			g, err := lockfile.Replay(lf, m)
			if err != nil {
				return err
			}
			wd, _ := os.Getwd()
			report := pctx.Installer().Install(cmd.Context(), g, wd)
			return printInstallReport(report)
		},
	}
}

func newUpgradeCmd(pctx *pakerctx.Ctx) *cobra.Command {
	return &cobra.Command{
		Use:   "upgrade [<pkg>]",
		Short: "loosen a package's constraint to * and re-resolve",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, path, err := loadProjectManifest()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				if _, ok := m.Dependencies[args[0]]; !ok {
					fmt.Printf("Dependency not found: %s\n", args[0])
					return nil
				}
				m.SetDependency(args[0], "*")
			} else {
				for pkg := range m.Dependencies {
					m.SetDependency(pkg, "*")
				}
			}
			if err := manifest.Save(path, m); err != nil {
				return err
			}
			return resolveAndInstall(cmd.Context(), pctx, m)
		},
	}
}

func newTreeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tree",
		Short: "print the dependency tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, _, err := loadProjectManifest()
			if err != nil {
				return err
			}
			fmt.Println("Dependency Tree:")
			names := make([]string, 0, len(m.Dependencies))
			for pkg := range m.Dependencies {
				names = append(names, pkg)
			}
			sort.Strings(names)
			wd, _ := os.Getwd()
			visited := map[string]bool{}
			for _, pkg := range names {
				printTree(wd, pkg, visited, 1)
			}
			return nil
		},
	}
}

func printTree(wd, pkg string, visited map[string]bool, depth int) {
	fmt.Printf("%s- %s\n", strings.Repeat("  ", depth-1), pkg)
	if visited[pkg] {
		return
	}
	visited[pkg] = true
	linkPath := filepath.Join(wd, ".paker", "links", pkg)
	child, _ := manifest.ChildManifest(linkPath)
	names := make([]string, 0, len(child.Dependencies))
	for dep := range child.Dependencies {
		names = append(names, dep)
	}
	sort.Strings(names)
	for _, dep := range names {
		printTree(wd, dep, visited, depth+1)
	}
}

func newCleanCmd(pctx *pakerctx.Ctx) *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "gc unused links and cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, _, err := loadProjectManifest()
			if err != nil {
				return err
			}
			wd, _ := os.Getwd()
			linkDir := filepath.Join(wd, ".paker", "links")
			entries, _ := os.ReadDir(linkDir)
			for _, e := range entries {
				if _, declared := m.Dependencies[e.Name()]; !declared {
					if err := pctx.Cache.Unlink(wd, e.Name()); err != nil {
						pctx.Log.Sugar().Warnf("unlinking %s: %v", e.Name(), err)
					}
					fmt.Printf("Removing unused package: %s\n", e.Name())
				}
			}
			evicted, err := pctx.Cache.GC(0)
			if err != nil {
				return err
			}
			for _, e := range evicted {
				fmt.Printf("Evicted cache entry: %s/%s\n", e.Package, e.Revision)
			}
			fmt.Println("Clean complete.")
			return nil
		},
	}
}

func newSearchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "search <keyword>",
		Short: "search the built-in repository map",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keyword := args[0]
			repos := pakerctx.BuiltinRepos()
			names := make([]string, 0, len(repos))
			for name := range repos {
				if strings.Contains(name, keyword) {
					names = append(names, name)
				}
			}
			sort.Strings(names)
			fmt.Printf("Search results for %q:\n", keyword)
			if len(names) == 0 {
				fmt.Println("  (none)")
			}
			for _, name := range names {
				fmt.Printf("  %s\t%s\n", name, repos[name])
			}
			return nil
		},
	}
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <pkg>",
		Short: "show a package's source url",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repos := pakerctx.BuiltinRepos()
			url, ok := repos[args[0]]
			if !ok {
				fmt.Printf("No info for package: %s\n", args[0])
				return nil
			}
			fmt.Printf("Package: %s\nRepo: %s\n", args[0], url)
			return nil
		},
	}
}

func newDescribeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "describe <text>",
		Short: "set the project description",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, path, err := loadProjectManifest()
			if err != nil {
				return err
			}
			m.SetDescription(args[0])
			if err := manifest.Save(path, m); err != nil {
				return err
			}
			fmt.Println("Updated project description.")
			return nil
		},
	}
}

func newSetVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-version <version>",
		Short: "set the project version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, path, err := loadProjectManifest()
			if err != nil {
				return err
			}
			m.SetVersion(args[0])
			if err := manifest.Save(path, m); err != nil {
				return err
			}
			fmt.Println("Updated project version.")
			return nil
		},
	}
}

func newUpdateCmd(pctx *pakerctx.Ctx) *cobra.Command {
	return &cobra.Command{
		Use:   "update",
		Short: "refresh cache entries for declared dependencies without changing resolved versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, _, err := loadProjectManifest()
			if err != nil {
				return err
			}
			path, err := lockPath()
			if err != nil {
				return err
			}
			lf, err := lockfile.Read(path)
			if err != nil {
				fmt.Println("No packages to update (run 'paker lock' first).")
				return nil
			}
			for pkg := range m.Dependencies {
				dep, ok := lf.Dependencies[pkg]
				if !ok {
					continue
				}
				fmt.Printf("Updating %s...\n", pkg)
				if _, err := pctx.Cache.Acquire(cmd.Context(), pkg, dep.Revision, dep.Source); err != nil {
					fmt.Printf("  failed to update %s: %v\n", pkg, err)
				}
			}
			fmt.Println("Update complete.")
			return nil
		},
	}
}

func resolveAndInstall(ctx context.Context, pctx *pakerctx.Ctx, m *manifest.Manifest) error {
	g, err := pctx.Resolver(resolve.Options{}).Resolve(ctx, m, nil)
	if err != nil {
		return err
	}
	wd, err := os.Getwd()
	if err != nil {
		return err
	}
	report := pctx.Installer().Install(ctx, g, wd)
	return printInstallReport(report)
}

func printInstallReport(report install.Report) error {
	for _, pkg := range report.Linked {
		fmt.Printf("Linked: %s\n", pkg)
	}
	for _, f := range report.Failures {
		fmt.Printf("Failed: %s: %v\n", f.Package, f.Err)
	}
	if len(report.Failures) > 0 {
		return fmt.Errorf("%d package(s) failed to install", len(report.Failures))
	}
	return nil
}

func printSortedMap(m map[string]string) {
	if len(m) == 0 {
		fmt.Println("  (none)")
		return
	}
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		fmt.Printf("  %s: %s\n", k, m[k])
	}
}

func splitPkgVersion(s string) (pkg, ver string) {
	if i := strings.IndexByte(s, '@'); i >= 0 {
		return s[:i], s[i+1:]
	}
	return s, ""
}

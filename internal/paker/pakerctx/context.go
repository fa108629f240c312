// Package pakerctx assembles the context value every operation is handed
// explicitly (Design Notes §9): no resolver, graph, cache, or installer
// singleton is ever package-global. Tests construct isolated contexts
// pointing at temp directories; the CLI front-end constructs exactly one
// for the process.
package pakerctx

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/paker-dev/paker/internal/paker/cache"
	"github.com/paker-dev/paker/internal/paker/fetch"
	"github.com/paker-dev/paker/internal/paker/install"
	"github.com/paker-dev/paker/internal/paker/resolve"
)

// builtinRepos is the read-only package id -> source url map of spec §3.
// Modeled on the teacher's domain (a Go package manager) adapted to this
// spec's example catalog (a C/C++ package manager) per original_source's
// builtin_repos.cpp.
var builtinRepos = resolve.RepoMap{
	"fmt":            "https://github.com/fmtlib/fmt.git",
	"spdlog":         "https://github.com/gabime/spdlog.git",
	"catch2":         "https://github.com/catchorg/Catch2.git",
	"googletest":     "https://github.com/google/googletest.git",
	"gtest":          "https://github.com/google/googletest.git",
	"nlohmann_json":  "https://github.com/nlohmann/json.git",
	"cpr":            "https://github.com/libcpr/cpr.git",
	"tbb":            "https://github.com/oneapi-src/oneTBB.git",
	"eigen":          "https://gitlab.com/libeigen/eigen.git",
	"boost":          "https://github.com/boostorg/boost.git",
}

// BuiltinRepos returns a copy of the built-in repository map, for
// commands that need to display it (search, info).
func BuiltinRepos() resolve.RepoMap {
	out := make(resolve.RepoMap, len(builtinRepos))
	for k, v := range builtinRepos {
		out[k] = v
	}
	return out
}

// Ctx is the supporting context every component operation is handed.
type Ctx struct {
	// CacheRoot is the content-addressed cache's root directory,
	// overridden by PAKER_CACHE_ROOT.
	CacheRoot string
	// Parallelism is the installer's worker count, overridden by
	// PAKER_PARALLELISM.
	Parallelism int
	Log         *zap.Logger

	Fetcher fetch.Fetcher
	Cache   *cache.Cache
}

// New assembles a Ctx from the environment, mirroring the teacher's
// NewContext() assembly of GOPATH from the environment (context.go), but
// reading PAKER_CACHE_ROOT / PAKER_PARALLELISM instead.
func New(log *zap.Logger) (*Ctx, error) {
	if log == nil {
		log = zap.NewNop()
	}

	root := os.Getenv("PAKER_CACHE_ROOT")
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, errors.Wrap(err, "determining default cache root")
		}
		root = filepath.Join(home, ".paker", "cache")
	}

	parallelism := 0
	if v := os.Getenv("PAKER_PARALLELISM"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing PAKER_PARALLELISM=%q", v)
		}
		parallelism = n
	}
	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
	}

	fetcher := fetch.NewGitFetcher()
	c, err := cache.New(root, fetcher, log)
	if err != nil {
		return nil, err
	}

	return &Ctx{
		CacheRoot:   root,
		Parallelism: parallelism,
		Log:         log,
		Fetcher:     fetcher,
		Cache:       c,
	}, nil
}

// Resolver returns a Resolver wired to this context's cache, the
// built-in repository map, and opts.
func (c *Ctx) Resolver(opts resolve.Options) *resolve.Resolver {
	if opts.Logger == nil {
		opts.Logger = c.Log
	}
	return resolve.New(c.Cache, builtinRepos, opts)
}

// Installer returns an Installer wired to this context's cache and
// parallelism.
func (c *Ctx) Installer() *install.Installer {
	return install.New(c.Cache, c.Parallelism, c.Log)
}

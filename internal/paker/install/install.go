// Package install implements the parallel installer (C7): it schedules
// cache acquire/link work for every resolved graph node across a bounded
// worker pool, tolerating independent failures and leaving a
// well-defined partial-success state behind (spec §4.7, §5).
package install

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/paker-dev/paker/internal/paker/graph"
	"github.com/paker-dev/paker/internal/paker/pakererr"
)

// CacheLinker is what the installer needs from the cache (C6): acquiring
// a ready checkout and linking it into the project.
type CacheLinker interface {
	Acquire(ctx context.Context, pkg, revision, sourceURL string) (dir string, err error)
	Link(projectDir, pkg, path string) error
}

// Failure records one node's installation error.
type Failure struct {
	Package string
	Err     error
}

// Report is the outcome of an Install call: every node that was Resolved
// or Fetched either ends up Linked or appears in Failures; nodes in any
// other status are skipped and appear in neither.
type Report struct {
	Linked   []string
	Failures []Failure
}

// Installer schedules C6 work across a worker pool of size Parallelism.
type Installer struct {
	cache       CacheLinker
	parallelism int
	log         *zap.Logger

	cancelled atomic.Bool
}

// New returns an Installer with parallelism workers (capped at 8 per spec
// §4.7; 0 means "number of hardware threads, capped at 8").
func New(cache CacheLinker, parallelism int, log *zap.Logger) *Installer {
	if log == nil {
		log = zap.NewNop()
	}
	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
	}
	if parallelism > 8 {
		parallelism = 8
	}
	return &Installer{cache: cache, parallelism: parallelism, log: log}
}

// Cancel sets the cooperative cancel flag (spec §4.7): in-flight fetches
// are allowed to complete since cache writes go through a locked temp
// dir and are resumable; only not-yet-started work is skipped.
func (in *Installer) Cancel() { in.cancelled.Store(true) }

// Install brings every resolved node of g to Linked in projectDir. A
// node becomes runnable once its parents are linked is advisory only for
// progress reporting (spec §4.7): fetches of independent packages
// proceed fully in parallel regardless of edge order.
func (in *Installer) Install(ctx context.Context, g *graph.Graph, projectDir string) Report {
	nodes := g.Nodes()
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Package < nodes[j].Package })

	sem := semaphore.NewWeighted(int64(in.parallelism))
	var wg sync.WaitGroup
	var mu sync.Mutex
	var report Report

	for _, n := range nodes {
		if n.Status != graph.Resolved && n.Status != graph.Fetched {
			continue
		}
		n := n

		if in.cancelled.Load() {
			mu.Lock()
			report.Failures = append(report.Failures, Failure{Package: n.Package, Err: &pakererr.Cancelled{Op: "install " + n.Package}})
			mu.Unlock()
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			report.Failures = append(report.Failures, Failure{Package: n.Package, Err: err})
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			path, err := in.cache.Acquire(ctx, n.Package, n.Revision, n.Source)
			if err != nil {
				n.Status = graph.Failed
				mu.Lock()
				report.Failures = append(report.Failures, Failure{Package: n.Package, Err: err})
				mu.Unlock()
				in.log.Error("acquire failed", zap.String("package", n.Package), zap.Error(err))
				return
			}
			n.Status = graph.Fetched

			if err := in.cache.Link(projectDir, n.Package, path); err != nil {
				n.Status = graph.Failed
				mu.Lock()
				report.Failures = append(report.Failures, Failure{Package: n.Package, Err: err})
				mu.Unlock()
				in.log.Error("link failed", zap.String("package", n.Package), zap.Error(err))
				return
			}
			n.Status = graph.Linked

			mu.Lock()
			report.Linked = append(report.Linked, n.Package)
			mu.Unlock()
		}()
	}

	wg.Wait()
	sort.Strings(report.Linked)
	sort.Slice(report.Failures, func(i, j int) bool { return report.Failures[i].Package < report.Failures[j].Package })
	return report
}

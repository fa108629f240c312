// Command paker is the CLI front-end described at spec §6: a thin
// wrapper that translates the command table into calls against the
// manifest store (C3), resolver (C5), installer (C7), and lockfile
// protocol (C8). It carries none of the core logic itself; colored
// output, progress bars, and version banners are deliberately not
// implemented here (spec §1 Non-goals).
package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/paker-dev/paker/internal/paker/pakererr"
	"github.com/paker-dev/paker/internal/paker/pakerctx"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	pctx, err := pakerctx.New(log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	root := newRootCmd(pctx)
	if err := root.Execute(); err != nil {
		report(err)
		os.Exit(1)
	}
}

// report prints the compact, per-node failure report spec §7 requires:
// kind, conflicting constraints, and parent chain, when the error is one
// of the tagged kinds; otherwise it just prints the error.
func report(err error) {
	var tagged pakererr.Tagged
	cur := err
	for cur != nil {
		if t, ok := cur.(pakererr.Tagged); ok {
			tagged = t
			break
		}
		u, ok := cur.(interface{ Unwrap() error })
		if !ok {
			break
		}
		cur = u.Unwrap()
	}
	if tagged != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", tagged.Kind(), tagged.Error())
		return
	}
	fmt.Fprintln(os.Stderr, err)
}

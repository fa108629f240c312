package fetch

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/karrick/godirwalk"
	"github.com/pkg/errors"
)

// Digest computes a stable content digest over the sorted file tree
// rooted at dir, excluding VCS metadata directories. The approach mirrors
// the teacher's HashInputs (hash.go): accumulate a single sha256 over a
// deterministically ordered sequence of (path, content) pairs so that
// the same checkout always produces the same digest regardless of
// directory-iteration order.
func (f *GitFetcher) Digest(dir string) (string, error) {
	return Digest(dir)
}

// Digest is the free function form, reused by the cache (C6) to verify
// entries without going through a Fetcher.
func Digest(dir string) (string, error) {
	var paths []string
	err := godirwalk.Walk(dir, &godirwalk.Options{
		Callback: func(path string, de *godirwalk.Dirent) error {
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return err
			}
			if rel == "." {
				return nil
			}
			if isVCSMeta(rel) {
				if de.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if de.IsDir() {
				return nil
			}
			paths = append(paths, rel)
			return nil
		},
		Unsorted: true,
	})
	if err != nil {
		return "", errors.Wrapf(err, "walking %s", dir)
	}
	sort.Strings(paths)

	h := sha256.New()
	for _, rel := range paths {
		h.Write([]byte(rel))
		h.Write([]byte{0})
		f, err := os.Open(filepath.Join(dir, rel))
		if err != nil {
			return "", errors.Wrapf(err, "reading %s", rel)
		}
		_, err = io.Copy(h, f)
		f.Close()
		if err != nil {
			return "", errors.Wrapf(err, "hashing %s", rel)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func isVCSMeta(rel string) bool {
	first := rel
	if i := strings.IndexRune(rel, filepath.Separator); i >= 0 {
		first = rel[:i]
	}
	switch first {
	case ".git", ".hg", ".svn", ".bzr":
		return true
	default:
		return false
	}
}

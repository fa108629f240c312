// Package version implements the version and constraint algebra of the
// core spec (C1): parsing, total ordering, and constraint intersection.
//
// Concrete revisions are either proper semantic versions, parsed and
// ordered with github.com/Masterminds/semver/v3, or opaque tags (a git
// branch or tag name used when no semver is declared) that are only ever
// equal to themselves.
package version

import (
	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"

	"github.com/paker-dev/paker/internal/paker/pakererr"
)

// Version is a single resolved revision: either a semantic version or an
// opaque tag (branch/tag name with no semver meaning).
type Version struct {
	sv  *semver.Version // nil if opaque
	tag string          // set iff sv == nil
}

// Parse turns a revision string into a Version. Strings that parse as
// semantic versions are semantic; anything else is an opaque tag.
func Parse(s string) Version {
	if sv, err := semver.NewVersion(s); err == nil {
		return Version{sv: sv}
	}
	return Version{tag: s}
}

// IsOpaque reports whether v is an opaque tag rather than a semantic
// version.
func (v Version) IsOpaque() bool { return v.sv == nil }

func (v Version) String() string {
	if v.sv != nil {
		return v.sv.Original()
	}
	return v.tag
}

// Equal reports whether v and o denote the same revision. Two opaque tags
// are equal only when identical; a semantic version and an opaque tag are
// never equal.
func (v Version) Equal(o Version) bool {
	if v.IsOpaque() != o.IsOpaque() {
		return false
	}
	if v.IsOpaque() {
		return v.tag == o.tag
	}
	return v.sv.Equal(o.sv)
}

// Compare imposes the total order required to pick a "greatest" version
// deterministically (spec §4.1, §4.5): semantic versions order among
// themselves by semver precedence; opaque tags order lexicographically,
// shorter first on a tie in length semantics is handled by the resolver's
// explicit tie-break, not here; a semantic version always orders above an
// opaque tag, since a project that declares semver has expressed a
// preference for semver-ordered resolution.
func (v Version) Compare(o Version) int {
	switch {
	case !v.IsOpaque() && !o.IsOpaque():
		return v.sv.Compare(o.sv)
	case v.IsOpaque() && o.IsOpaque():
		switch {
		case v.tag < o.tag:
			return -1
		case v.tag > o.tag:
			return 1
		default:
			return 0
		}
	case v.IsOpaque():
		return -1
	default:
		return 1
	}
}

// ParseError wraps a semver parse failure into the stable error kind.
func ParseError(subject, input string, cause error) error {
	return &pakererr.ParseError{Subject: subject, Input: input, Cause: cause}
}

// MustParseSemver is a convenience for call sites that already know the
// input must be a semantic version (e.g. a manifest's own `version`
// field) and want a typed error on failure.
func MustParseSemver(s string) (Version, error) {
	sv, err := semver.NewVersion(s)
	if err != nil {
		return Version{}, errors.Wrapf(ParseError("version", s, err), "parsing %q", s)
	}
	return Version{sv: sv}, nil
}

// Sort orders vs by Compare, ascending.
func Sort(vs []Version) {
	for i := 1; i < len(vs); i++ {
		for j := i; j > 0 && vs[j-1].Compare(vs[j]) > 0; j-- {
			vs[j-1], vs[j] = vs[j], vs[j-1]
		}
	}
}

// MaxSatisfying returns the greatest version in available that satisfies
// c, or false if none does.
func MaxSatisfying(available []Version, c Constraint) (Version, bool) {
	var best Version
	found := false
	for _, v := range available {
		if !c.Matches(v) {
			continue
		}
		if !found || v.Compare(best) > 0 {
			best = v
			found = true
		}
	}
	return best, found
}

package version

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Constraint is a predicate over versions, as described in spec §4.1.
// Constraints form a lattice under Intersect; the empty intersection is
// reported by Empty() rather than a separate sentinel type, so callers
// always hold a Constraint value they can keep intersecting against.
//
// The private method seals the interface the same way the teacher's gps
// package seals its own Constraint: callers consume the four kinds this
// package produces, they never implement their own.
type Constraint interface {
	fmt.Stringer
	// Matches reports whether v is allowed by the constraint.
	Matches(v Version) bool
	// Intersect computes the intersection of c and o. The result may be
	// Empty().
	Intersect(o Constraint) Constraint
	// Empty reports whether this constraint can never be satisfied.
	Empty() bool
	_private()
}

// Any matches every version.
var Any Constraint = anyConstraint{}

// None matches no version; it is the result of intersecting two disjoint
// constraints.
var None Constraint = noneConstraint{}

type anyConstraint struct{}

func (anyConstraint) _private()          {}
func (anyConstraint) String() string     { return "*" }
func (anyConstraint) Matches(Version) bool { return true }
func (anyConstraint) Empty() bool        { return false }
func (anyConstraint) Intersect(o Constraint) Constraint { return o }

type noneConstraint struct{}

func (noneConstraint) _private()                    {}
func (noneConstraint) String() string               { return "<none>" }
func (noneConstraint) Matches(Version) bool         { return false }
func (noneConstraint) Empty() bool                  { return true }
func (noneConstraint) Intersect(Constraint) Constraint { return None }

// intervalConstraint covers exact, caret, tilde, and explicit range
// constraints: all of them reduce to a half-open interval [min, max) over
// semantic versions (exact is the degenerate interval [v, v]).
type intervalConstraint struct {
	min, max         *semver.Version // max == nil means unbounded above
	minIncl, maxIncl bool
	repr             string // original source text, for String()
}

func (intervalConstraint) _private() {}

func (c intervalConstraint) String() string { return c.repr }

func (c intervalConstraint) Empty() bool {
	if c.max == nil {
		return false
	}
	cmp := c.min.Compare(c.max)
	if cmp < 0 {
		return false
	}
	if cmp == 0 {
		return !(c.minIncl && c.maxIncl)
	}
	return true
}

func (c intervalConstraint) Matches(v Version) bool {
	if v.IsOpaque() {
		return false
	}
	lo := v.sv.Compare(c.min)
	if lo < 0 || (lo == 0 && !c.minIncl) {
		return false
	}
	if c.max == nil {
		return true
	}
	hi := v.sv.Compare(c.max)
	if hi > 0 || (hi == 0 && !c.maxIncl) {
		return false
	}
	return true
}

func (c intervalConstraint) Intersect(o Constraint) Constraint {
	switch t := o.(type) {
	case anyConstraint:
		return c
	case noneConstraint:
		return None
	case opaqueConstraint:
		return None
	case intervalConstraint:
		min, minIncl := maxBound(c.min, c.minIncl, t.min, t.minIncl)
		max, maxIncl := minBound(c.max, c.maxIncl, t.max, t.maxIncl)
		r := intervalConstraint{min: min, max: max, minIncl: minIncl, maxIncl: maxIncl}
		r.repr = fmt.Sprintf("%s ∩ %s", c.repr, t.repr)
		if r.Empty() {
			return None
		}
		return r
	default:
		return None
	}
}

// maxBound returns the tighter (greater) of two inclusive/exclusive lower
// bounds.
func maxBound(a *semver.Version, aIncl bool, b *semver.Version, bIncl bool) (*semver.Version, bool) {
	switch a.Compare(b) {
	case 0:
		return a, aIncl && bIncl
	case 1:
		return a, aIncl
	default:
		return b, bIncl
	}
}

// minBound returns the tighter (lesser) of two inclusive/exclusive upper
// bounds. A nil bound means unbounded.
func minBound(a *semver.Version, aIncl bool, b *semver.Version, bIncl bool) (*semver.Version, bool) {
	if a == nil {
		return b, bIncl
	}
	if b == nil {
		return a, aIncl
	}
	switch a.Compare(b) {
	case 0:
		return a, aIncl && bIncl
	case -1:
		return a, aIncl
	default:
		return b, bIncl
	}
}

// opaqueConstraint matches exactly one opaque tag (a branch or raw tag
// name with no semver structure): it is satisfied only by an identical
// opaque Version.
type opaqueConstraint struct {
	tag string
}

func (opaqueConstraint) _private()          {}
func (c opaqueConstraint) String() string   { return c.tag }
func (c opaqueConstraint) Empty() bool      { return false }

func (c opaqueConstraint) Matches(v Version) bool {
	return v.IsOpaque() && v.tag == c.tag
}

func (c opaqueConstraint) Intersect(o Constraint) Constraint {
	switch t := o.(type) {
	case anyConstraint:
		return c
	case opaqueConstraint:
		if t.tag == c.tag {
			return c
		}
		return None
	default:
		return None
	}
}

// ParseConstraint parses one of the forms spec §3 describes: "*", "=V",
// "^V", "~V", ">=A,<B" (range), or a bare opaque tag when the body does
// not parse as any of those semver forms.
func ParseConstraint(s string) (Constraint, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "" || s == "*":
		return Any, nil
	case strings.HasPrefix(s, "="):
		return exactConstraint(strings.TrimSpace(s[1:]), s)
	case strings.HasPrefix(s, "^"):
		return caretConstraint(strings.TrimSpace(s[1:]), s)
	case strings.HasPrefix(s, "~"):
		return tildeConstraint(strings.TrimSpace(s[1:]), s)
	case strings.Contains(s, ","):
		return rangeConstraint(s)
	}
	// Bare version defaults to exact; if it doesn't parse as semver at
	// all, it's an opaque tag per spec §9 ("a constraint value that does
	// not parse as semver is stored as an opaque tag").
	if sv, err := semver.NewVersion(s); err == nil {
		return intervalConstraint{min: sv, max: sv, minIncl: true, maxIncl: true, repr: s}, nil
	}
	return opaqueConstraint{tag: s}, nil
}

func exactConstraint(body, repr string) (Constraint, error) {
	sv, err := semver.NewVersion(body)
	if err != nil {
		return nil, ParseError("constraint", repr, err)
	}
	return intervalConstraint{min: sv, max: sv, minIncl: true, maxIncl: true, repr: repr}, nil
}

// caretConstraint implements "^V": the same left-most non-zero component.
func caretConstraint(body, repr string) (Constraint, error) {
	sv, err := semver.NewVersion(body)
	if err != nil {
		return nil, ParseError("constraint", repr, err)
	}
	var max *semver.Version
	switch {
	case sv.Major() > 0:
		next := sv.IncMajor()
		max = &next
	case sv.Minor() > 0:
		next := sv.IncMinor()
		max = &next
	default:
		next := sv.IncPatch()
		max = &next
	}
	return intervalConstraint{min: sv, max: max, minIncl: true, maxIncl: false, repr: repr}, nil
}

// tildeConstraint implements "~V": the same minor version.
func tildeConstraint(body, repr string) (Constraint, error) {
	sv, err := semver.NewVersion(body)
	if err != nil {
		return nil, ParseError("constraint", repr, err)
	}
	next := sv.IncMinor()
	return intervalConstraint{min: sv, max: &next, minIncl: true, maxIncl: false, repr: repr}, nil
}

// rangeConstraint implements ">=A,<B"-style comma-joined clauses.
func rangeConstraint(repr string) (Constraint, error) {
	r := intervalConstraint{repr: repr}
	haveMin, haveMax := false, false
	for _, clause := range strings.Split(repr, ",") {
		clause = strings.TrimSpace(clause)
		op, body, err := splitOp(clause)
		if err != nil {
			return nil, ParseError("constraint", repr, err)
		}
		sv, err := semver.NewVersion(body)
		if err != nil {
			return nil, ParseError("constraint", repr, err)
		}
		switch op {
		case ">=":
			r.min, r.minIncl, haveMin = sv, true, true
		case ">":
			r.min, r.minIncl, haveMin = sv, false, true
		case "<=":
			r.max, r.maxIncl, haveMax = sv, true, true
		case "<":
			r.max, r.maxIncl, haveMax = sv, false, true
		case "=":
			r.min, r.minIncl, haveMin = sv, true, true
			r.max, r.maxIncl, haveMax = sv, true, true
		default:
			return nil, ParseError("constraint", repr, fmt.Errorf("unsupported operator %q", op))
		}
	}
	if !haveMin {
		return nil, ParseError("constraint", repr, fmt.Errorf("range constraint has no lower bound"))
	}
	_ = haveMax
	return r, nil
}

func splitOp(clause string) (op, body string, err error) {
	for _, candidate := range []string{">=", "<=", ">", "<", "="} {
		if strings.HasPrefix(clause, candidate) {
			return candidate, strings.TrimSpace(clause[len(candidate):]), nil
		}
	}
	return "", "", fmt.Errorf("range clause %q has no recognized operator", clause)
}

package version

import "testing"

func TestParseSemverVsOpaque(t *testing.T) {
	v := Parse("1.2.3")
	if v.IsOpaque() {
		t.Fatalf("1.2.3 should parse as semver")
	}
	if v.String() != "1.2.3" {
		t.Fatalf("String() = %q, want 1.2.3", v.String())
	}

	o := Parse("feature/foo")
	if !o.IsOpaque() {
		t.Fatalf("feature/foo should be opaque")
	}
	if o.String() != "feature/foo" {
		t.Fatalf("String() = %q, want feature/foo", o.String())
	}
}

func TestCompareSemverOrdersAboveOpaque(t *testing.T) {
	sv := Parse("1.0.0")
	op := Parse("main")
	if sv.Compare(op) <= 0 {
		t.Fatalf("semver version must order above an opaque tag")
	}
	if op.Compare(sv) >= 0 {
		t.Fatalf("opaque tag must order below a semver version")
	}
}

func TestCompareOpaqueLexicographic(t *testing.T) {
	a := Parse("alpha")
	b := Parse("beta")
	if a.Compare(b) >= 0 {
		t.Fatalf("alpha should order before beta")
	}
	if b.Compare(a) <= 0 {
		t.Fatalf("beta should order after alpha")
	}
	if a.Compare(Parse("alpha")) != 0 {
		t.Fatalf("identical opaque tags should compare equal")
	}
}

func TestEqual(t *testing.T) {
	if !Parse("1.0.0").Equal(Parse("1.0.0")) {
		t.Fatalf("identical semver should be equal")
	}
	if Parse("1.0.0").Equal(Parse("main")) {
		t.Fatalf("semver and opaque must never be equal")
	}
}

func TestSort(t *testing.T) {
	vs := []Version{Parse("2.0.0"), Parse("main"), Parse("1.0.0"), Parse("1.5.0")}
	Sort(vs)
	want := []string{"main", "1.0.0", "1.5.0", "2.0.0"}
	for i, w := range want {
		if vs[i].String() != w {
			t.Fatalf("vs[%d] = %q, want %q", i, vs[i].String(), w)
		}
	}
}

func TestMaxSatisfying(t *testing.T) {
	c, err := ParseConstraint("^1.2.0")
	if err != nil {
		t.Fatalf("ParseConstraint: %v", err)
	}
	available := []Version{Parse("1.1.0"), Parse("1.2.5"), Parse("1.9.9"), Parse("2.0.0")}
	best, ok := MaxSatisfying(available, c)
	if !ok {
		t.Fatalf("expected a match")
	}
	if best.String() != "1.9.9" {
		t.Fatalf("best = %q, want 1.9.9", best.String())
	}
}

func TestMaxSatisfyingNoMatch(t *testing.T) {
	c, err := ParseConstraint("^3.0.0")
	if err != nil {
		t.Fatalf("ParseConstraint: %v", err)
	}
	_, ok := MaxSatisfying([]Version{Parse("1.0.0")}, c)
	if ok {
		t.Fatalf("expected no match")
	}
}

func TestMustParseSemverRejectsOpaque(t *testing.T) {
	if _, err := MustParseSemver("not-a-version!!"); err == nil {
		t.Fatalf("expected a parse error")
	}
}

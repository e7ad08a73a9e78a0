package solver

import (
	"context"
	"testing"
)

type fakeRegistry struct {
	packuments map[string]*Packument
	fetches    map[string]int
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{packuments: map[string]*Packument{}, fetches: map[string]int{}}
}

func (r *fakeRegistry) add(name string, versions ...VersionMeta) {
	vm := map[string]VersionMeta{}
	for _, v := range versions {
		vm[v.Version] = v
	}
	r.packuments[name] = &Packument{Name: name, Versions: vm}
}

func (r *fakeRegistry) FetchPackument(_ context.Context, name string) (*Packument, error) {
	r.fetches[name]++
	p, ok := r.packuments[name]
	if !ok {
		return nil, errNotFound(name)
	}
	return p, nil
}

type errNotFound string

func (e errNotFound) Error() string { return string(e) + ": not found" }

func TestSolveSimpleDependency(t *testing.T) {
	reg := newFakeRegistry()
	reg.add("left-pad", VersionMeta{Version: "1.3.0"}, VersionMeta{Version: "1.2.0"})

	pkg := PackageJSON{Dependencies: map[string]string{"left-pad": "^1.2.0"}}
	lf, err := Solve(context.Background(), pkg, reg, Options{})
	if err != nil {
		t.Fatal(err)
	}
	e, ok := lf.Packages["left-pad@1.3.0"]
	if !ok {
		t.Fatalf("expected left-pad@1.3.0 in packages, got %v", lf.Packages)
	}
	if e.Version != "1.3.0" {
		t.Fatalf("expected max satisfying version, got %s", e.Version)
	}
}

func TestSolveTransitiveDependencies(t *testing.T) {
	reg := newFakeRegistry()
	reg.add("a", VersionMeta{Version: "1.0.0", Dependencies: map[string]string{"b": "^2.0.0"}})
	reg.add("b", VersionMeta{Version: "2.1.0"}, VersionMeta{Version: "1.0.0"})

	pkg := PackageJSON{Dependencies: map[string]string{"a": "^1.0.0"}}
	lf, err := Solve(context.Background(), pkg, reg, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := lf.Packages["b@2.1.0"]; !ok {
		t.Fatalf("expected transitive dep b@2.1.0, got %v", lf.Packages)
	}
}

func TestSolveConflictingRangesMaterializeTwoVersions(t *testing.T) {
	reg := newFakeRegistry()
	reg.add("react", VersionMeta{Version: "17.0.2"}, VersionMeta{Version: "18.2.0"})
	reg.add("old-lib", VersionMeta{Version: "1.0.0", Dependencies: map[string]string{"react": "^17.0.0"}})

	pkg := PackageJSON{Dependencies: map[string]string{
		"react":   "^18.0.0",
		"old-lib": "^1.0.0",
	}}
	lf, err := Solve(context.Background(), pkg, reg, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := lf.Packages["react@18.2.0"]; !ok {
		t.Fatalf("expected react@18.2.0, got %v", lf.Packages)
	}
	if _, ok := lf.Packages["react@17.0.2"]; !ok {
		t.Fatalf("expected react@17.0.2 retained for old-lib's range, got %v", lf.Packages)
	}
}

func TestSolveUnsatisfiableRangeFails(t *testing.T) {
	reg := newFakeRegistry()
	reg.add("left-pad", VersionMeta{Version: "1.0.0"})

	pkg := PackageJSON{Dependencies: map[string]string{"left-pad": "^2.0.0"}}
	_, err := Solve(context.Background(), pkg, reg, Options{})
	if err == nil {
		t.Fatal("expected unsolvable error")
	}
	if _, ok := err.(ErrUnsolvable); !ok {
		t.Fatalf("got %T, want ErrUnsolvable", err)
	}
}

func TestSolveWorkspaceMemberShortCircuits(t *testing.T) {
	reg := newFakeRegistry()
	pkg := PackageJSON{Dependencies: map[string]string{"@acme/widgets": "workspace:*"}}
	lf, err := Solve(context.Background(), pkg, reg, Options{
		Workspaces: map[string]WorkspaceMember{"@acme/widgets": {Version: "0.0.0"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := lf.Packages["@acme/widgets@0.0.0"]; !ok {
		t.Fatalf("expected workspace member in packages, got %v", lf.Packages)
	}
	if reg.fetches["@acme/widgets"] != 0 {
		t.Fatal("workspace members must never hit the registry")
	}
}

func TestSolveIdempotent(t *testing.T) {
	reg := newFakeRegistry()
	reg.add("left-pad", VersionMeta{Version: "1.3.0"})
	pkg := PackageJSON{Dependencies: map[string]string{"left-pad": "^1.0.0"}}

	lf1, err := Solve(context.Background(), pkg, reg, Options{})
	if err != nil {
		t.Fatal(err)
	}
	lf2, err := Solve(context.Background(), pkg, reg, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(lf1.Packages) != len(lf2.Packages) {
		t.Fatalf("expected identical package sets across runs")
	}
	for k, v := range lf1.Packages {
		if lf2.Packages[k].Version != v.Version {
			t.Fatalf("non-idempotent resolution for %s", k)
		}
	}
}

func TestSatisfiesCaretTildeExactGte(t *testing.T) {
	cases := []struct {
		v, rng string
		want   bool
	}{
		{"1.2.3", "^1.2.0", true},
		{"2.0.0", "^1.2.0", false},
		{"1.2.9", "~1.2.3", true},
		{"1.3.0", "~1.2.3", false},
		{"1.2.3", "1.2.3", true},
		{"1.2.4", "1.2.3", false},
		{"1.5.0", ">=1.2.3", true},
		{"1.1.0", ">=1.2.3", false},
		{"9.9.9", "*", true},
	}
	for _, c := range cases {
		if got := Satisfies(c.v, c.rng); got != c.want {
			t.Errorf("Satisfies(%q, %q) = %v, want %v", c.v, c.rng, got, c.want)
		}
	}
}

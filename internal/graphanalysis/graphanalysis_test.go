package graphanalysis

import "testing"

func ptr(id PackageID) *PackageID { return &id }

func TestOrphanDetection(t *testing.T) {
	a := PackageID{Name: "a", Version: "1.0.0", Path: "/node_modules/a"}
	orphan := PackageID{Name: "orphan", Version: "1.0.0", Path: "/node_modules/orphan"}

	pg := New(1, "/repo", []PackageNode{
		{ID: a},
		{ID: orphan},
	}, []DepEdge{
		{DeclaredName: "a", ResolvedTarget: ptr(a), Kind: "dep"},
	})

	if len(pg.Orphans) != 1 || pg.Orphans[0] != orphan {
		t.Fatalf("expected orphan to be detected, got %v", pg.Orphans)
	}
}

func TestWhySingleChainForRootDep(t *testing.T) {
	a := PackageID{Name: "a", Version: "1.0.0", Path: "/node_modules/a"}
	pg := New(1, "/repo", []PackageNode{{ID: a}}, []DepEdge{
		{DeclaredName: "a", ResolvedTarget: ptr(a), Kind: "dep"},
	})

	res, err := Why(pg, "a", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Chains) != 1 {
		t.Fatalf("expected exactly one chain, got %d", len(res.Chains))
	}
	last := res.Chains[0].Links[len(res.Chains[0].Links)-1]
	if last.To != a {
		t.Fatalf("expected final link to target a, got %v", last.To)
	}
}

func TestWhyTransitiveChain(t *testing.T) {
	a := PackageID{Name: "a", Version: "1.0.0", Path: "/node_modules/a"}
	b := PackageID{Name: "b", Version: "2.0.0", Path: "/node_modules/.pnpm/b@2.0.0/node_modules/b"}

	pg := New(1, "/repo", []PackageNode{
		{ID: a, Deps: []DepEdge{{From: a, DeclaredName: "b", ResolvedTarget: ptr(b), Kind: "dep"}}},
		{ID: b},
	}, []DepEdge{
		{DeclaredName: "a", ResolvedTarget: ptr(a), Kind: "dep"},
	})

	res, err := Why(pg, "b", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Chains) != 1 {
		t.Fatalf("expected one chain root->a->b, got %d: %+v", len(res.Chains), res.Chains)
	}
	chain := res.Chains[0]
	if len(chain.Links) != 2 {
		t.Fatalf("expected 2 links, got %d", len(chain.Links))
	}
	if !chain.Links[0].From.IsRoot() || chain.Links[0].To != a {
		t.Fatalf("unexpected first link: %+v", chain.Links[0])
	}
	if chain.Links[1].From != a || chain.Links[1].To != b {
		t.Fatalf("unexpected second link: %+v", chain.Links[1])
	}
}

func TestWhyAmbiguousCandidatesProducesNotes(t *testing.T) {
	r17 := PackageID{Name: "react", Version: "17.0.2", Path: "/node_modules/react"}
	r18 := PackageID{Name: "react", Version: "18.2.0", Path: "/node_modules/.pnpm/react@18.2.0/node_modules/react"}

	pg := New(1, "/repo", []PackageNode{{ID: r17}, {ID: r18}}, []DepEdge{
		{DeclaredName: "react", ResolvedTarget: ptr(r17), Kind: "dep"},
		{DeclaredName: "react", ResolvedTarget: ptr(r18), Kind: "dep"},
	})

	res, err := Why(pg, "react", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Notes) != 2 {
		t.Fatalf("expected ambiguity notes, got %v", res.Notes)
	}
	if res.Notes[1] != "Using react@17.0.2 (deterministic: smallest version+path)" {
		t.Fatalf("unexpected deterministic-pick note: %q", res.Notes[1])
	}
}

func TestWhyMaxChainsRejectsOutOfRange(t *testing.T) {
	pg := New(1, "/repo", nil, nil)
	if _, err := Why(pg, "anything", 0); err == nil {
		t.Fatal("expected error for max_chains=0")
	}
	if _, err := Why(pg, "anything", 51); err == nil {
		t.Fatal("expected error for max_chains=51")
	}
}

func TestWhyTargetNotFound(t *testing.T) {
	pg := New(1, "/repo", nil, nil)
	_, err := Why(pg, "missing", 5)
	if err == nil {
		t.Fatal("expected not-found error")
	}
}

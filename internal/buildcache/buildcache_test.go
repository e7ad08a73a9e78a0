package buildcache

import (
	"path/filepath"
	"testing"
)

func TestSetGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "cache"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	e := Entry{NodeID: "script:build", InputHash: "abc", OK: true, Paths: []string{"src/a.ts"}}
	if err := s.Set(e); err != nil {
		t.Fatal(err)
	}

	got, ok := s.Get("script:build", "abc")
	if !ok {
		t.Fatal("expected hit")
	}
	if got.NodeID != e.NodeID || got.InputHash != e.InputHash || got.OK != e.OK {
		t.Fatalf("got %+v, want %+v", got, e)
	}
}

func TestSetSupersedesPriorEntry(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "cache"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.Set(Entry{NodeID: "n", InputHash: "h", OK: false}); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(Entry{NodeID: "n", InputHash: "h", OK: true}); err != nil {
		t.Fatal(err)
	}
	got, ok := s.Get("n", "h")
	if !ok || !got.OK {
		t.Fatalf("expected superseding entry with ok=true, got %+v", got)
	}
}

func TestReloadFromDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Set(Entry{NodeID: "n", InputHash: "h", OK: true}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	got, ok := s2.Get("n", "h")
	if !ok || !got.OK {
		t.Fatalf("expected entry to survive reload, got %+v ok=%v", got, ok)
	}
}

func TestInvalidatePathRemovesAffectedNodesOnly(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "cache"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.Set(Entry{NodeID: "a", InputHash: "1", OK: true, Paths: []string{"src/a.ts"}}); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(Entry{NodeID: "b", InputHash: "2", OK: true, Paths: []string{"src/b.ts"}}); err != nil {
		t.Fatal(err)
	}

	if err := s.InvalidatePath("src/a.ts"); err != nil {
		t.Fatal(err)
	}

	if _, ok := s.Get("a", "1"); ok {
		t.Fatal("expected a's entry to be invalidated")
	}
	if _, ok := s.Get("b", "2"); !ok {
		t.Fatal("expected b's entry to survive")
	}
}

func TestClearWipesEverything(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "cache"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.Set(Entry{NodeID: "a", InputHash: "1", OK: true}); err != nil {
		t.Fatal(err)
	}
	if err := s.Clear(); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Get("a", "1"); ok {
		t.Fatal("expected cache to be empty after Clear")
	}
}

func TestMemStoreImplementsSameContract(t *testing.T) {
	m := NewMemStore()
	if err := m.Set(Entry{NodeID: "n", InputHash: "h", OK: true, Paths: []string{"p"}}); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.Get("n", "h"); !ok {
		t.Fatal("expected hit")
	}
	if err := m.InvalidatePath("p"); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.Get("n", "h"); ok {
		t.Fatal("expected invalidation to drop entry")
	}
}

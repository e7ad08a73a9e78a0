package fingerprint

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

type fakeFiles struct {
	content map[string]string
	globs   map[string][]string
}

func (f fakeFiles) HashFile(path string) (string, error) {
	c, ok := f.content[path]
	if !ok {
		return "", errNotFound(path)
	}
	return "sha:" + c, nil
}

func (f fakeFiles) Glob(root, pattern string) ([]string, error) {
	return f.globs[root+"|"+pattern], nil
}

type errNotFound string

func (e errNotFound) Error() string { return "not found: " + string(e) }

type fakeEnv map[string]string

func (f fakeEnv) Lookup(key string) (string, bool) {
	v, ok := f[key]
	return v, ok
}

func TestHashStableAcrossRuns(t *testing.T) {
	files := fakeFiles{content: map[string]string{"src/a.ts": "hello"}}
	env := fakeEnv{"NODE_ENV": "production"}
	h := &Hasher{Files: files, Envs: env}

	ins := []Input{
		{Kind: KindFile, Path: "src/a.ts"},
		{Kind: KindEnv, EnvKey: "NODE_ENV"},
	}

	h1, err := h.Hash(ins, nil)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := h.Hash(ins, nil)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatalf("hash not stable: %s != %s", h1, h2)
	}
}

func TestHashOrderIndependent(t *testing.T) {
	files := fakeFiles{content: map[string]string{"a": "1", "b": "2"}}
	h := &Hasher{Files: files, Envs: fakeEnv{}}

	in1 := []Input{{Kind: KindFile, Path: "a"}, {Kind: KindFile, Path: "b"}}
	in2 := []Input{{Kind: KindFile, Path: "b"}, {Kind: KindFile, Path: "a"}}

	h1, err := h.Hash(in1, nil)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := h.Hash(in2, nil)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatalf("hash depends on input order: %s != %s", h1, h2)
	}
}

func TestHashChangesWithContent(t *testing.T) {
	h := &Hasher{Files: fakeFiles{content: map[string]string{"a": "1"}}, Envs: fakeEnv{}}
	ins := []Input{{Kind: KindFile, Path: "a"}}
	h1, err := h.Hash(ins, nil)
	if err != nil {
		t.Fatal(err)
	}

	h.Files = fakeFiles{content: map[string]string{"a": "2"}}
	h2, err := h.Hash(ins, nil)
	if err != nil {
		t.Fatal(err)
	}
	if h1 == h2 {
		t.Fatalf("hash did not change with content")
	}
}

func TestMissingRequiredInputFails(t *testing.T) {
	h := &Hasher{Files: fakeFiles{content: map[string]string{}}, Envs: fakeEnv{}}
	ins := []Input{{Kind: KindFile, Path: "missing"}}
	if _, err := h.Hash(ins, nil); err == nil {
		t.Fatal("expected error for missing required input")
	}
}

func TestMissingOptionalInputContributesSentinel(t *testing.T) {
	h := &Hasher{Files: fakeFiles{content: map[string]string{}}, Envs: fakeEnv{}}
	ins := []Input{{Kind: KindFile, Path: "missing", Optional: true}}
	if _, err := h.Hash(ins, nil); err != nil {
		t.Fatalf("optional missing input should not fail: %v", err)
	}
}

func TestNodeInputUsesUpstreamHash(t *testing.T) {
	h := &Hasher{Files: fakeFiles{content: map[string]string{}}, Envs: fakeEnv{}}
	ins := []Input{{Kind: KindNode, UpstreamID: "script:lint"}}

	h1, err := h.Hash(ins, map[string]string{"script:lint": "aaa"})
	if err != nil {
		t.Fatal(err)
	}
	h2, err := h.Hash(ins, map[string]string{"script:lint": "bbb"})
	if err != nil {
		t.Fatal(err)
	}
	if h1 == h2 {
		t.Fatal("node input hash should depend on upstream hash")
	}
}

func TestSortKeyOrdering(t *testing.T) {
	ins := []Input{
		{Kind: KindNode, UpstreamID: "z"},
		{Kind: KindFile, Path: "b"},
		{Kind: KindFile, Path: "a"},
	}
	got := Sort(ins)
	want := []Input{
		{Kind: KindFile, Path: "a"},
		{Kind: KindFile, Path: "b"},
		{Kind: KindNode, UpstreamID: "z"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Sort() mismatch (-want +got):\n%s", diff)
	}
}

package pkgstore

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
)

func makeTarball(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		hdr := &tar.Header{Name: "package/" + name, Mode: 0644, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestExtractPublishesAtomically(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}

	tb := makeTarball(t, map[string]string{
		"package.json": `{"name":"left-pad","version":"1.3.0"}`,
		"index.js":     "module.exports = leftPad;",
	})

	dest, err := s.Extract("stable", "left-pad", "1.3.0", bytes.NewReader(tb))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dest, "package.json")); err != nil {
		t.Fatalf("expected package.json to exist: %v", err)
	}
	if !s.Installed("stable", "left-pad", "1.3.0") {
		t.Fatal("expected Installed to report true after extraction")
	}
}

func TestExtractIsReentrant(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	tb := makeTarball(t, map[string]string{"a.txt": "one"})
	if _, err := s.Extract("stable", "pkg", "1.0.0", bytes.NewReader(tb)); err != nil {
		t.Fatal(err)
	}

	// A corrupt second tarball would fail to extract; re-entrancy means we
	// never even try, since the marker is already present.
	dest, err := s.Extract("stable", "pkg", "1.0.0", bytes.NewReader([]byte("not a gzip stream")))
	if err != nil {
		t.Fatalf("expected no-op re-entrant extract, got error: %v", err)
	}
	if filepath.Base(dest) != "pkg@1.0.0" {
		t.Fatalf("unexpected dest: %s", dest)
	}
}

func TestSentinelRoundTrip(t *testing.T) {
	dir := t.TempDir()
	h := LockfileSentinelHash([]byte(`{"schema_version":1}`))
	if CheckSentinel(dir, h) {
		t.Fatal("expected no sentinel yet")
	}
	if err := WriteSentinel(dir, h); err != nil {
		t.Fatal(err)
	}
	if !CheckSentinel(dir, h) {
		t.Fatal("expected sentinel to match after write")
	}
	if CheckSentinel(dir, "different") {
		t.Fatal("expected mismatched hash to fail")
	}
}

func TestLinkCreatesIndirectionAndBin(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	tb := makeTarball(t, map[string]string{
		"package.json": `{"name":"cowsay","version":"1.0.0","bin":{"cowsay":"cli.js"}}`,
		"cli.js":       "#!/usr/bin/env node\n",
	})
	if _, err := s.Extract("stable", "cowsay", "1.0.0", bytes.NewReader(tb)); err != nil {
		t.Fatal(err)
	}

	nodeModules := filepath.Join(t.TempDir(), "node_modules")
	if err := os.MkdirAll(nodeModules, 0755); err != nil {
		t.Fatal(err)
	}
	bins, err := s.Bins("stable", "cowsay", "1.0.0")
	if err != nil {
		t.Fatal(err)
	}
	if bins["cowsay"] != "cli.js" {
		t.Fatalf("unexpected bins: %v", bins)
	}

	plan := LinkPlan{Name: "cowsay", Version: "1.0.0", Channel: "stable", Bins: bins}
	if err := s.Link(nodeModules, plan); err != nil {
		t.Fatal(err)
	}

	link := filepath.Join(nodeModules, "cowsay")
	if _, err := os.Lstat(link); err != nil {
		t.Fatalf("expected symlink at %s: %v", link, err)
	}
	if _, err := os.Stat(filepath.Join(nodeModules, "cowsay", "package.json")); err != nil {
		t.Fatalf("expected to resolve through indirection to package.json: %v", err)
	}
	binLink := filepath.Join(nodeModules, ".bin", "cowsay")
	if _, err := os.Lstat(binLink); err != nil {
		t.Fatalf("expected bin symlink: %v", err)
	}
}

func TestLinkWorkspaceIsDirectSymlink(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	wsDir := t.TempDir()
	nodeModules := filepath.Join(t.TempDir(), "node_modules")
	if err := os.MkdirAll(nodeModules, 0755); err != nil {
		t.Fatal(err)
	}
	plan := LinkPlan{Name: "@acme/widgets", Workspace: true, WorkspaceDir: wsDir}
	if err := s.Link(nodeModules, plan); err != nil {
		t.Fatal(err)
	}
	target, err := os.Readlink(filepath.Join(nodeModules, "@acme", "widgets"))
	if err != nil {
		t.Fatal(err)
	}
	if target != wsDir {
		t.Fatalf("got %s, want %s", target, wsDir)
	}
}

// Package pkgstore implements the content-addressed package store: tarball
// extraction into a well-known root keyed by (channel, name, version), and
// the pnpm-style indirection layer that links extracted packages into a
// project's node_modules.
//
// Extraction stages into a scratch directory under the store root, then
// atomically renames into place; the scratch dir lives beside the target
// so the rename never crosses a filesystem boundary.
package pkgstore

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/renameio"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/xerrors"
)

// MaxTarballSize caps the bytes read from a package tarball response.
const MaxTarballSize = 512 * 1024 * 1024

const sentinelName = ".howth-installed"

// Store is the root of the content-addressed package area:
// <root>/<channel>/<name>@<version>/<extracted contents>.
type Store struct {
	Root string
}

// New returns a Store rooted at root, creating it if necessary.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, xerrors.Errorf("pkgstore: mkdir %s: %w", root, err)
	}
	return &Store{Root: root}, nil
}

// Path returns the on-disk path for a (channel, name, version) triple,
// independent of whether it has been extracted yet.
func (s *Store) Path(channel, name, version string) string {
	return filepath.Join(s.Root, channel, name+"@"+version)
}

// marker is the re-entrancy sentinel, an empty file written after a
// successful extraction so a half-finished directory (no marker) is never
// mistaken for a complete one.
func marker(dir string) string { return filepath.Join(dir, ".howth-complete") }

// Installed reports whether (channel, name, version) is already fully
// extracted; re-extracting an installed package is a no-op.
func (s *Store) Installed(channel, name, version string) bool {
	_, err := os.Stat(marker(s.Path(channel, name, version)))
	return err == nil
}

// Fetcher retrieves a package tarball's bytes; production code hits the
// registry's tarball_url over HTTP, tests substitute an in-memory fake.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (io.ReadCloser, error)
}

// HTTPFetcher fetches tarballs over plain HTTP(S), capped at MaxTarballSize.
type HTTPFetcher struct{ Client *http.Client }

// Fetch downloads url and returns a reader capped at MaxTarballSize bytes.
func (f HTTPFetcher) Fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, xerrors.Errorf("pkgstore: build request %s: %w", url, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, xerrors.Errorf("pkgstore: fetch %s: %w", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, xerrors.Errorf("pkgstore: fetch %s: HTTP status %s", url, resp.Status)
	}
	return &limitedReadCloser{r: io.LimitReader(resp.Body, MaxTarballSize), c: resp.Body}, nil
}

type limitedReadCloser struct {
	r io.Reader
	c io.Closer
}

func (l *limitedReadCloser) Read(p []byte) (int, error) { return l.r.Read(p) }
func (l *limitedReadCloser) Close() error               { return l.c.Close() }

// Extract decompresses and untars r into the store at (channel, name,
// version), staging in a scratch directory alongside the target and
// publishing it with an atomic rename. If the target is already installed,
// Extract is a no-op and returns the existing path.
func (s *Store) Extract(channel, name, version string, r io.Reader) (string, error) {
	dest := s.Path(channel, name, version)
	if s.Installed(channel, name, version) {
		return dest, nil
	}

	gz, err := gzip.NewReader(r)
	if err != nil {
		return "", xerrors.Errorf("pkgstore: gzip: %w", err)
	}
	defer gz.Close()

	scratch := filepath.Join(s.Root, channel, ".tmp-"+name+"-"+version+fmt.Sprintf("-%d", os.Getpid()))
	if err := os.RemoveAll(scratch); err != nil {
		return "", err
	}
	if err := os.MkdirAll(scratch, 0755); err != nil {
		return "", xerrors.Errorf("pkgstore: mkdir scratch: %w", err)
	}
	defer os.RemoveAll(scratch)

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", xerrors.Errorf("pkgstore: tar: %w", err)
		}
		// npm tarballs nest content under a "package/" prefix; strip it so
		// the store path mirrors the published package root.
		name := strings.TrimPrefix(hdr.Name, "package/")
		if name == "" {
			continue
		}
		target := filepath.Join(scratch, filepath.Clean(name))
		if !strings.HasPrefix(target, scratch) {
			return "", xerrors.Errorf("pkgstore: tar entry escapes scratch dir: %s", hdr.Name)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return "", err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return "", err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode&0777))
			if err != nil {
				return "", err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return "", err
			}
			if err := f.Close(); err != nil {
				return "", err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return "", err
			}
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return "", err
			}
		}
	}

	if err := os.WriteFile(marker(scratch), nil, 0644); err != nil {
		return "", xerrors.Errorf("pkgstore: write marker: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", err
	}
	if err := os.Rename(scratch, dest); err != nil {
		return "", xerrors.Errorf("pkgstore: publish %s: %w", dest, err)
	}
	return dest, nil
}

// LockfileSentinelHash hashes lockfile content for install idempotence: a
// subsequent install with an unchanged lockfile recomputes the same hash
// and, finding it already stamped, performs no work.
func LockfileSentinelHash(lockfileContent []byte) string {
	sum := sha256.Sum256(lockfileContent)
	return hex.EncodeToString(sum[:])
}

// SentinelPath is the marker file written into a project's node_modules
// recording the lockfile hash a completed install satisfied.
func SentinelPath(nodeModules string) string { return filepath.Join(nodeModules, sentinelName) }

// CheckSentinel reports whether nodeModules already reflects hash h.
func CheckSentinel(nodeModules, h string) bool {
	b, err := os.ReadFile(SentinelPath(nodeModules))
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(b)) == h
}

// WriteSentinel atomically stamps nodeModules with hash h.
func WriteSentinel(nodeModules, h string) error {
	return renameio.WriteFile(SentinelPath(nodeModules), []byte(h), 0644)
}

// Bins reads the extracted package's package.json "bin" field, returning
// bin name -> package-relative file path. A bare-string bin names the
// executable after the package itself (its unscoped final segment), per
// npm convention.
func (s *Store) Bins(channel, name, version string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Join(s.Path(channel, name, version), "package.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var pj struct {
		Bin json.RawMessage `json:"bin"`
	}
	if err := json.Unmarshal(b, &pj); err != nil {
		return nil, xerrors.Errorf("pkgstore: parse package.json for %s@%s: %w", name, version, err)
	}
	if len(pj.Bin) == 0 {
		return nil, nil
	}
	var single string
	if err := json.Unmarshal(pj.Bin, &single); err == nil {
		binName := name
		if i := strings.LastIndex(binName, "/"); i >= 0 {
			binName = binName[i+1:]
		}
		return map[string]string{binName: single}, nil
	}
	var many map[string]string
	if err := json.Unmarshal(pj.Bin, &many); err != nil {
		return nil, xerrors.Errorf("pkgstore: parse bin field for %s@%s: %w", name, version, err)
	}
	return many, nil
}

// LinkPlan describes the pnpm-style links Link must create for a single
// top-level dependency.
type LinkPlan struct {
	Name         string            // consumer-facing package name (may include @scope/)
	Version      string            // installed version
	Channel      string            // store channel
	Bins         map[string]string // bin name -> package-relative path, linked into node_modules/.bin
	Workspace    bool              // workspaces are linked directly, no .pnpm indirection
	WorkspaceDir string            // source directory for workspace members
}

// Link creates the node_modules/<pkg> -> node_modules/.pnpm/<pkg>@<ver>/
// node_modules/<pkg> indirection (or a direct symlink for workspace
// members), plus node_modules/.bin/<bin> entries.
func (s *Store) Link(nodeModules string, plan LinkPlan) error {
	pnpmDir := filepath.Join(nodeModules, ".pnpm")
	binDir := filepath.Join(nodeModules, ".bin")
	if err := os.MkdirAll(pnpmDir, 0755); err != nil {
		return err
	}
	if err := os.MkdirAll(binDir, 0755); err != nil {
		return err
	}

	consumerLink := filepath.Join(nodeModules, filepath.FromSlash(plan.Name))
	if err := os.MkdirAll(filepath.Dir(consumerLink), 0755); err != nil {
		return err
	}

	if plan.Workspace {
		os.Remove(consumerLink)
		if err := os.Symlink(plan.WorkspaceDir, consumerLink); err != nil {
			return xerrors.Errorf("pkgstore: link workspace %s: %w", plan.Name, err)
		}
	} else {
		storeDir := s.Path(plan.Channel, plan.Name, plan.Version)
		innerKey := strings.ReplaceAll(plan.Name, "/", "+") + "@" + plan.Version
		inner := filepath.Join(pnpmDir, innerKey, "node_modules", filepath.FromSlash(plan.Name))
		if err := os.MkdirAll(filepath.Dir(inner), 0755); err != nil {
			return err
		}
		os.Remove(inner)
		if err := os.Symlink(storeDir, inner); err != nil {
			return xerrors.Errorf("pkgstore: link .pnpm entry for %s: %w", plan.Name, err)
		}
		os.Remove(consumerLink)
		if err := os.Symlink(inner, consumerLink); err != nil {
			return xerrors.Errorf("pkgstore: link %s into node_modules: %w", plan.Name, err)
		}
	}

	binNames := make([]string, 0, len(plan.Bins))
	for n := range plan.Bins {
		binNames = append(binNames, n)
	}
	sort.Strings(binNames)
	for _, bn := range binNames {
		binSrc := filepath.Join(consumerLink, filepath.FromSlash(plan.Bins[bn]))
		binDst := filepath.Join(binDir, bn)
		os.Remove(binDst)
		if err := os.Symlink(binSrc, binDst); err != nil {
			return xerrors.Errorf("pkgstore: link bin %s: %w", bn, err)
		}
		os.Chmod(binSrc, 0755)
	}
	return nil
}

var _ Fetcher = HTTPFetcher{}

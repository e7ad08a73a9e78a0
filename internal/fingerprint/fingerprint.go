// Package fingerprint computes stable content hashes over a build node's
// materialized input set: files, globs, environment variables, package
// references, lockfiles and upstream node results.
//
// The contract is that identical logical inputs hash identically across
// processes and machines: paths are made repo-relative where possible (an
// absolute path under an OSFileHasher's root is hashed relative to it), and
// the tagged byte sequence emitted for each input is a pure function of the
// input's canonical form (see Input.SortKey and Sort).
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/xerrors"
)

// Kind identifies the tagged variant of a BuildInput.
type Kind int

const (
	KindFile Kind = iota
	KindGlob
	KindDir
	KindEnv
	KindPackage
	KindLockfile
	KindNode
)

var kindNames = map[Kind]string{
	KindFile:     "file",
	KindGlob:     "glob",
	KindDir:      "dir",
	KindEnv:      "env",
	KindPackage:  "package",
	KindLockfile: "lockfile",
	KindNode:     "node",
}

var namesToKind = func() map[string]Kind {
	m := make(map[string]Kind, len(kindNames))
	for k, v := range kindNames {
		m[v] = k
	}
	return m
}()

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// MarshalJSON serializes Kind by name rather than by its iota ordinal, so
// the canonical JSON form stays stable across releases even if the
// constant ordering changes.
func (k Kind) MarshalJSON() ([]byte, error) {
	return []byte(`"` + k.String() + `"`), nil
}

func (k *Kind) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, ok := namesToKind[s]
	if !ok {
		return xerrors.Errorf("fingerprint: unknown input kind %q", s)
	}
	*k = v
	return nil
}

// Input is a tagged, sortable build input. Exactly one of the kind-specific
// fields is populated for a given Kind.
type Input struct {
	Kind Kind `json:"kind"`

	// File, Dir
	Path string `json:"path,omitempty"`

	// Glob
	Root    string `json:"root,omitempty"`
	Pattern string `json:"pattern,omitempty"`

	// Env
	EnvKey string `json:"env_key,omitempty"`

	// Package
	PkgName    string `json:"pkg_name,omitempty"`
	PkgVersion string `json:"pkg_version,omitempty"` // optional

	// Lockfile
	LockfilePath   string `json:"lockfile_path,omitempty"`
	LockfileSchema int    `json:"lockfile_schema,omitempty"`

	// Node
	UpstreamID string `json:"upstream_id,omitempty"`

	Optional bool `json:"optional,omitempty"`
}

// SortKey returns the canonical ordering key for an Input: kind first (so
// the tagged byte stream groups cleanly), then the natural identifying
// field of that kind.
func (in Input) SortKey() string {
	switch in.Kind {
	case KindFile, KindDir:
		return fmt.Sprintf("%d|%s", in.Kind, in.Path)
	case KindGlob:
		return fmt.Sprintf("%d|%s|%s", in.Kind, in.Root, in.Pattern)
	case KindEnv:
		return fmt.Sprintf("%d|%s", in.Kind, in.EnvKey)
	case KindPackage:
		return fmt.Sprintf("%d|%s|%s", in.Kind, in.PkgName, in.PkgVersion)
	case KindLockfile:
		return fmt.Sprintf("%d|%s", in.Kind, in.LockfilePath)
	case KindNode:
		return fmt.Sprintf("%d|%s", in.Kind, in.UpstreamID)
	default:
		return fmt.Sprintf("%d", in.Kind)
	}
}

// Sort returns a copy of ins in canonical order.
func Sort(ins []Input) []Input {
	out := make([]Input, len(ins))
	copy(out, ins)
	sort.Slice(out, func(i, j int) bool { return out[i].SortKey() < out[j].SortKey() })
	return out
}

// ErrMissingInput is returned when a non-optional input cannot be
// materialized (e.g. a declared file does not exist).
type ErrMissingInput struct {
	Input Input
	Err   error
}

func (e *ErrMissingInput) Error() string {
	return fmt.Sprintf("missing required input %s: %v", e.Input.SortKey(), e.Err)
}

func (e *ErrMissingInput) Unwrap() error { return e.Err }

// FileHasher reads file content hashes; it exists so tests can substitute a
// fake without touching the filesystem.
type FileHasher interface {
	// HashFile returns the content hash of the repo-relative path.
	HashFile(path string) (string, error)
	// Glob returns the sorted list of repo-relative paths matching pattern
	// under root.
	Glob(root, pattern string) ([]string, error)
}

// OSFileHasher hashes real files under cwd using SHA-256.
type OSFileHasher struct {
	Cwd string
}

func (h OSFileHasher) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(h.Cwd, path)
}

func (h OSFileHasher) HashFile(path string) (string, error) {
	f, err := os.Open(h.resolve(path))
	if err != nil {
		return "", err
	}
	defer f.Close()
	sum := sha256.New()
	if _, err := io.Copy(sum, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(sum.Sum(nil)), nil
}

func (h OSFileHasher) Glob(root, pattern string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(h.resolve(root), pattern))
	if err != nil {
		return nil, err
	}
	rel := make([]string, 0, len(matches))
	for _, m := range matches {
		r, err := filepath.Rel(h.Cwd, m)
		if err != nil {
			r = m
		}
		rel = append(rel, filepath.ToSlash(r))
	}
	sort.Strings(rel)
	return rel, nil
}

// Env looks up environment key/value pairs; substitutable in tests.
type Env interface {
	Lookup(key string) (string, bool)
}

// OSEnv reads from the real process environment.
type OSEnv struct{}

func (OSEnv) Lookup(key string) (string, bool) { return os.LookupEnv(key) }

const absentSentinel = "\x00absent\x00"

// Hasher computes node input hashes with a fixed construction (SHA-256),
// stable within a schema version.
type Hasher struct {
	Files FileHasher
	Envs  Env
}

// NewHasher returns a Hasher rooted at cwd using real files and the real
// process environment.
func NewHasher(cwd string) *Hasher {
	return &Hasher{Files: OSFileHasher{Cwd: cwd}, Envs: OSEnv{}}
}

// Hash computes the canonical content hash over ins, plus the hashes of any
// referenced upstream nodes (upstreamHashes, keyed by node id).
func (h *Hasher) Hash(ins []Input, upstreamHashes map[string]string) (string, error) {
	sum := sha256.New()
	for _, in := range Sort(ins) {
		if err := h.writeTagged(sum, in, upstreamHashes); err != nil {
			if in.Optional {
				continue
			}
			return "", &ErrMissingInput{Input: in, Err: err}
		}
	}
	return hex.EncodeToString(sum.Sum(nil)), nil
}

func writeField(w hash.Hash, s string) {
	fmt.Fprintf(w, "%d:%s", len(s), s)
}

func (h *Hasher) writeTagged(w hash.Hash, in Input, upstreamHashes map[string]string) error {
	rel := func(p string) string {
		if osh, ok := h.Files.(OSFileHasher); ok && filepath.IsAbs(p) && filepath.IsAbs(osh.Cwd) {
			if r, err := filepath.Rel(osh.Cwd, p); err == nil && r != ".." && !strings.HasPrefix(r, ".."+string(filepath.Separator)) {
				return filepath.ToSlash(r)
			}
		}
		return p
	}
	switch in.Kind {
	case KindFile:
		writeField(w, "F")
		writeField(w, rel(in.Path))
		sum, err := h.Files.HashFile(in.Path)
		if err != nil {
			if in.Optional {
				sum = absentSentinel
			} else {
				return xerrors.Errorf("hash file %s: %w", in.Path, err)
			}
		}
		writeField(w, sum)
		return nil

	case KindDir:
		writeField(w, "D")
		writeField(w, rel(in.Path))
		return nil

	case KindGlob:
		writeField(w, "G")
		writeField(w, rel(in.Root))
		writeField(w, in.Pattern)
		matches, err := h.Files.Glob(in.Root, in.Pattern)
		if err != nil {
			return xerrors.Errorf("glob %s/%s: %w", in.Root, in.Pattern, err)
		}
		for _, m := range matches {
			sum, err := h.Files.HashFile(m)
			if err != nil {
				return xerrors.Errorf("hash glob match %s: %w", m, err)
			}
			writeField(w, m)
			writeField(w, sum)
		}
		return nil

	case KindEnv:
		writeField(w, "E")
		writeField(w, in.EnvKey)
		val, ok := h.Envs.Lookup(in.EnvKey)
		if !ok {
			if in.Optional {
				val = absentSentinel
			} else {
				return xerrors.Errorf("env %s: %w", in.EnvKey, os.ErrNotExist)
			}
		}
		writeField(w, val)
		return nil

	case KindPackage:
		writeField(w, "P")
		writeField(w, in.PkgName)
		writeField(w, in.PkgVersion)
		return nil

	case KindLockfile:
		writeField(w, "L")
		writeField(w, rel(in.LockfilePath))
		writeField(w, fmt.Sprintf("%d", in.LockfileSchema))
		sum, err := h.Files.HashFile(in.LockfilePath)
		if err != nil {
			if in.Optional {
				sum = absentSentinel
			} else {
				return xerrors.Errorf("hash lockfile %s: %w", in.LockfilePath, err)
			}
		}
		writeField(w, sum)
		return nil

	case KindNode:
		writeField(w, "N")
		writeField(w, in.UpstreamID)
		sum, ok := upstreamHashes[in.UpstreamID]
		if !ok {
			if in.Optional {
				sum = absentSentinel
			} else {
				return xerrors.Errorf("upstream node %s: hash not available", in.UpstreamID)
			}
		}
		writeField(w, sum)
		return nil

	default:
		return xerrors.Errorf("unknown input kind %d", in.Kind)
	}
}

// OutputFingerprint computes a stable digest over the declared output set
// of a node, used by v>=2.2 to detect drift when inputs are unchanged but
// outputs were mutated externally. The digest is an ordered
// (path, mtime, size, content_hash) tuple sequence, hashed the same way as
// input hashing.
func (h *Hasher) OutputFingerprint(paths []string) (string, error) {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)
	sum := sha256.New()
	for _, p := range sorted {
		fi, err := os.Stat(h.resolvePath(p))
		if err != nil {
			if os.IsNotExist(err) {
				writeField(sum, p)
				writeField(sum, absentSentinel)
				continue
			}
			return "", xerrors.Errorf("stat output %s: %w", p, err)
		}
		contentSum := absentSentinel
		if !fi.IsDir() {
			contentSum, err = h.Files.HashFile(p)
			if err != nil {
				return "", xerrors.Errorf("hash output %s: %w", p, err)
			}
		}
		writeField(sum, p)
		fmt.Fprintf(sum, "|%d|%d|", fi.ModTime().UnixNano(), fi.Size())
		writeField(sum, contentSum)
	}
	return hex.EncodeToString(sum.Sum(nil)), nil
}

func (h *Hasher) resolvePath(p string) string {
	if osh, ok := h.Files.(OSFileHasher); ok {
		return osh.resolve(p)
	}
	return p
}

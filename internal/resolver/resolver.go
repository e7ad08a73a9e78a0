// Package resolver maps a module specifier plus a parent directory to a
// file path, recording every decision step in a Trace (the structure
// behind the PkgExplain surface). The trace is an append-only ordered step
// log, each step carrying its own success/failure and context, sufficient
// to explain any resolution outcome after the fact.
package resolver

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/xerrors"
)

func unmarshalPackageJSON(b []byte, pj *PackageJSON) error {
	return json.Unmarshal(b, pj)
}

// Step is one atomic resolution decision.
type Step struct {
	Step      string `json:"step"`
	OK        bool   `json:"ok"`
	Detail    string `json:"detail,omitempty"`
	Path      string `json:"path,omitempty"`
	Condition string `json:"condition,omitempty"`
	Key       string `json:"key,omitempty"`
	Target    string `json:"target,omitempty"`
}

// Trace is the ordered sequence of Steps produced by a single resolution.
type Trace struct {
	Steps []Step
}

func (t *Trace) record(s Step) { t.Steps = append(t.Steps, s) }

func (t *Trace) ok(step, detail, path string) {
	t.record(Step{Step: step, OK: true, Detail: detail, Path: path})
}

func (t *Trace) fail(step, detail string) {
	t.record(Step{Step: step, OK: false, Detail: detail})
}

// Kind distinguishes the condition set a resolution should prefer.
type Kind string

const (
	KindImport  Kind = "import"
	KindRequire Kind = "require"
	KindAuto    Kind = "auto"
)

// defaultExtensions is the fixed-priority extensionless resolution list.
var defaultExtensions = []string{".js", ".mjs", ".cjs", ".json", ".ts", ".tsx"}

// FS abstracts the filesystem so resolution is testable without touching
// disk; OSFS implements it against the real filesystem.
type FS interface {
	Stat(path string) (isDir bool, ok bool)
	ReadFile(path string) ([]byte, bool)
}

// OSFS resolves against the real filesystem.
type OSFS struct{}

func (OSFS) Stat(path string) (bool, bool) {
	fi, err := os.Stat(path)
	if err != nil {
		return false, false
	}
	return fi.IsDir(), true
}

func (OSFS) ReadFile(path string) ([]byte, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	return b, true
}

// PackageJSON is the subset of package.json fields resolution consults.
type PackageJSON struct {
	Name    string                 `json:"name"`
	Main    string                 `json:"main,omitempty"`
	Exports map[string]interface{} `json:"exports,omitempty"`
	Imports map[string]interface{} `json:"imports,omitempty"`
}

// CacheKey identifies a memoizable resolution.
type CacheKey struct {
	Cwd       string
	ParentDir string
	Specifier string
	Channel   string
}

// CacheValue is the memoized result, including the full step log so a
// cached explain replays the same trace the original resolution produced.
type CacheValue struct {
	Path   string
	Status string // "ok" | "not_found" | "ambiguous"
	Reason string
	Tried  []string
	Steps  []Step
}

// Cache memoizes resolutions, keyed by CacheKey, evicted on watcher signal
// for any path in a value's Tried list.
type Cache struct {
	mu     sync.Mutex
	values map[CacheKey]CacheValue
	byPath map[string]map[CacheKey]bool
}

// NewCache returns an empty resolver cache.
func NewCache() *Cache {
	return &Cache{values: make(map[CacheKey]CacheValue), byPath: make(map[string]map[CacheKey]bool)}
}

func (c *Cache) Get(k CacheKey) (CacheValue, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[k]
	return v, ok
}

func (c *Cache) Set(k CacheKey, v CacheValue) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[k] = v
	for _, p := range v.Tried {
		if c.byPath[p] == nil {
			c.byPath[p] = make(map[CacheKey]bool)
		}
		c.byPath[p][k] = true
	}
}

// Invalidate drops every cached resolution whose tried-paths list
// intersects path.
func (c *Cache) Invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.byPath[path] {
		delete(c.values, k)
	}
	delete(c.byPath, path)
}

// Resolver resolves specifiers against a filesystem view.
type Resolver struct {
	FS FS
}

// New returns a Resolver backed by the real filesystem.
func New() *Resolver { return &Resolver{FS: OSFS{}} }

// Resolve maps specifier (relative, bare, scoped, or a `#`-prefixed
// imports-map entry) against parentDir to a file path, recording every step
// into the returned Trace.
func (r *Resolver) Resolve(specifier, parentDir string, kind Kind) (string, *Trace, error) {
	tr := &Trace{}

	if strings.HasPrefix(specifier, "./") || strings.HasPrefix(specifier, "../") || strings.HasPrefix(specifier, "/") {
		tr.record(Step{Step: "classify", OK: true, Detail: "relative specifier"})
		path, err := r.resolveFileOrDir(filepath.Join(parentDir, specifier), tr)
		if err != nil {
			return "", tr, err
		}
		return path, tr, nil
	}

	if strings.HasPrefix(specifier, "#") {
		tr.record(Step{Step: "classify", OK: true, Detail: "imports-map specifier"})
		path, err := r.resolveImports(specifier, parentDir, kind, tr)
		return path, tr, err
	}

	tr.record(Step{Step: "classify", OK: true, Detail: "bare specifier"})
	pkgName, subpath := splitBareSpecifier(specifier)

	dir := parentDir
	for {
		candidate := filepath.Join(dir, "node_modules", filepath.FromSlash(pkgName))
		if isDir, ok := r.FS.Stat(candidate); ok && isDir {
			tr.ok("node_modules_lookup", "found package directory", candidate)
			path, err := r.resolveWithinPackage(candidate, subpath, kind, tr)
			return path, tr, err
		}
		tr.fail("node_modules_lookup", "not found at "+candidate)

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", tr, xerrors.Errorf("resolver: bare specifier %q not found walking up from %s", specifier, parentDir)
}

// resolveImports walks upward from parentDir to the nearest package.json
// carrying an imports map and resolves the `#`-prefixed specifier through
// it, using the same condition order as exports matching.
func (r *Resolver) resolveImports(specifier, parentDir string, kind Kind, tr *Trace) (string, error) {
	dir := parentDir
	for {
		pjPath := filepath.Join(dir, "package.json")
		if b, ok := r.FS.ReadFile(pjPath); ok {
			var pj PackageJSON
			if err := unmarshalPackageJSON(b, &pj); err == nil && pj.Imports != nil {
				tr.ok("imports_lookup", "found imports map", pjPath)
				val, ok := pj.Imports[specifier]
				if !ok {
					tr.record(Step{Step: "imports_match", OK: false, Key: specifier, Detail: "no imports entry"})
					return "", xerrors.Errorf("resolver: %s has an imports map but no entry for %q", pjPath, specifier)
				}
				target, ok := pickCondition(val, kind)
				if !ok {
					tr.record(Step{Step: "imports_match", OK: false, Key: specifier, Detail: "no condition matched"})
					return "", xerrors.Errorf("resolver: imports entry %q matched no condition", specifier)
				}
				tr.record(Step{Step: "imports_match", OK: true, Key: specifier, Target: target})
				return r.resolveFileOrDir(filepath.Join(dir, filepath.FromSlash(target)), tr)
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	tr.fail("imports_lookup", "no package.json with an imports map above "+parentDir)
	return "", xerrors.Errorf("resolver: no imports map found for %q above %s", specifier, parentDir)
}

func splitBareSpecifier(specifier string) (pkgName, subpath string) {
	parts := strings.SplitN(specifier, "/", 2)
	if strings.HasPrefix(specifier, "@") && len(parts) > 1 {
		scopedParts := strings.SplitN(parts[1], "/", 2)
		pkgName = parts[0] + "/" + scopedParts[0]
		if len(scopedParts) > 1 {
			subpath = scopedParts[1]
		}
		return
	}
	pkgName = parts[0]
	if len(parts) > 1 {
		subpath = parts[1]
	}
	return
}

func (r *Resolver) resolveWithinPackage(pkgDir, subpath string, kind Kind, tr *Trace) (string, error) {
	pj, ok := r.readPackageJSON(pkgDir, tr)

	if ok && pj.Exports != nil {
		if target, found := matchExports(pj.Exports, subpath, kind); found {
			full := filepath.Join(pkgDir, filepath.FromSlash(target))
			tr.ok("exports_match", "matched exports map", full)
			return r.resolveFileOrDir(full, tr)
		}
		tr.fail("exports_match", "no exports entry for subpath "+subpath)
		return "", xerrors.Errorf("resolver: %s has an exports map but no entry for %q", pkgDir, subpath)
	}

	if subpath != "" {
		return r.resolveFileOrDir(filepath.Join(pkgDir, filepath.FromSlash(subpath)), tr)
	}

	if ok && pj.Main != "" {
		tr.ok("package_json_main", "using package.json main field", pj.Main)
		return r.resolveFileOrDir(filepath.Join(pkgDir, filepath.FromSlash(pj.Main)), tr)
	}

	return r.resolveFileOrDir(filepath.Join(pkgDir, "index"), tr)
}

func (r *Resolver) readPackageJSON(dir string, tr *Trace) (PackageJSON, bool) {
	b, ok := r.FS.ReadFile(filepath.Join(dir, "package.json"))
	if !ok {
		tr.fail("read_package_json", "no package.json in "+dir)
		return PackageJSON{}, false
	}
	var pj PackageJSON
	if err := unmarshalPackageJSON(b, &pj); err != nil {
		tr.fail("read_package_json", "invalid package.json: "+err.Error())
		return PackageJSON{}, false
	}
	tr.ok("read_package_json", "parsed package.json", dir)
	return pj, true
}

// matchExports resolves subpath against a package's exports map using the
// condition priority for kind. Only the common shapes are handled: a flat
// string, "." mapping to a condition object, and subpath-keyed entries.
func matchExports(exports map[string]interface{}, subpath string, kind Kind) (string, bool) {
	key := "."
	if subpath != "" {
		key = "./" + subpath
	}
	val, ok := exports[key]
	if !ok {
		return "", false
	}
	return pickCondition(val, kind)
}

func pickCondition(val interface{}, kind Kind) (string, bool) {
	switch v := val.(type) {
	case string:
		return v, true
	case map[string]interface{}:
		order := conditionOrder(kind)
		for _, cond := range order {
			if entry, ok := v[cond]; ok {
				if s, ok := pickCondition(entry, kind); ok {
					return s, true
				}
			}
		}
	}
	return "", false
}

func conditionOrder(kind Kind) []string {
	switch kind {
	case KindImport:
		return []string{"import", "default"}
	case KindRequire:
		return []string{"require", "default"}
	default:
		return []string{"import", "require", "default"}
	}
}

func (r *Resolver) resolveFileOrDir(path string, tr *Trace) (string, error) {
	if isDir, ok := r.FS.Stat(path); ok && !isDir {
		tr.ok("resolve_exact", "exact file match", path)
		return path, nil
	}
	for _, ext := range defaultExtensions {
		candidate := path + ext
		if isDir, ok := r.FS.Stat(candidate); ok && !isDir {
			tr.ok("resolve_extension", "matched extension "+ext, candidate)
			return candidate, nil
		}
		tr.fail("resolve_extension", "no match for "+candidate)
	}
	if isDir, ok := r.FS.Stat(path); ok && isDir {
		idx := filepath.Join(path, "index")
		for _, ext := range defaultExtensions {
			candidate := idx + ext
			if isDir, ok := r.FS.Stat(candidate); ok && !isDir {
				tr.ok("resolve_directory_index", "matched directory index", candidate)
				return candidate, nil
			}
		}
		tr.fail("resolve_directory_index", "no index file under "+path)
	}
	return "", xerrors.Errorf("resolver: could not resolve %s", path)
}

// TriedPaths collects the distinct Step.Path values recorded in tr, sorted,
// for populating a Cache entry's Tried list; paths that appear only in a
// step's Detail text are not included.
func TriedPaths(tr *Trace) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range tr.Steps {
		if s.Path != "" && !seen[s.Path] {
			seen[s.Path] = true
			out = append(out, s.Path)
		}
	}
	sort.Strings(out)
	return out
}

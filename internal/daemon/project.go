// Project-level file I/O: package.json manifests, the lockfile, and the
// build graph a cwd's scripts imply. None of this is JS/TS parsing; it is
// the thin manifest shape the build/package engines themselves need to
// operate. A missing file is a documented default, never a panic.
package daemon

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/renameio"
	"golang.org/x/xerrors"

	"howth/internal/buildgraph"
	"howth/internal/fingerprint"
	"howth/internal/solver"
)

// ManifestName is the conventional project manifest filename.
const ManifestName = "package.json"

// LockfileName is the conventional lockfile filename.
const LockfileName = "howth-lock.json"

// BuildGraphName is the conventional on-disk build graph filename for
// projects that declare one explicitly.
const BuildGraphName = "howth.build.json"

// Manifest is the subset of package.json fields the daemon consumes.
type Manifest struct {
	Name                 string            `json:"name"`
	Version              string            `json:"version"`
	Dependencies         map[string]string `json:"dependencies,omitempty"`
	DevDependencies      map[string]string `json:"devDependencies,omitempty"`
	OptionalDependencies map[string]string `json:"optionalDependencies,omitempty"`
	PeerDependencies     map[string]string `json:"peerDependencies,omitempty"`
	Workspaces           []string          `json:"workspaces,omitempty"`
	Bin                  map[string]string `json:"bin,omitempty"`
	Scripts              map[string]string `json:"scripts,omitempty"`
}

// ManifestPath returns cwd's conventional package.json path.
func ManifestPath(cwd string) string { return filepath.Join(cwd, ManifestName) }

// ReadManifest loads and parses cwd's package.json. A missing manifest
// yields an empty Manifest rather than an error, the same tolerance the
// lockfile reader has.
func ReadManifest(cwd string) (*Manifest, error) {
	b, err := os.ReadFile(ManifestPath(cwd))
	if err != nil {
		if os.IsNotExist(err) {
			return &Manifest{}, nil
		}
		return nil, xerrors.Errorf("daemon: read %s: %w", ManifestPath(cwd), err)
	}
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, xerrors.Errorf("daemon: parse %s: %w", ManifestPath(cwd), err)
	}
	return &m, nil
}

// WriteManifest atomically publishes m back to cwd's package.json (used by
// PkgAdd/PkgRemove/PkgUpdate), write-temp-then-rename.
func WriteManifest(cwd string, m *Manifest) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return xerrors.Errorf("daemon: marshal manifest: %w", err)
	}
	b = append(b, '\n')
	return renameio.WriteFile(ManifestPath(cwd), b, 0644)
}

// ToSolverInput converts m into the solver's PackageJSON view.
func (m *Manifest) ToSolverInput() solver.PackageJSON {
	return solver.PackageJSON{
		Name:                 m.Name,
		Version:              m.Version,
		Dependencies:         m.Dependencies,
		DevDependencies:      m.DevDependencies,
		OptionalDependencies: m.OptionalDependencies,
		PeerDependencies:     m.PeerDependencies,
	}
}

// LockfilePath returns cwd's conventional lockfile path.
func LockfilePath(cwd string) string { return filepath.Join(cwd, LockfileName) }

// ReadLockfileRaw reads the lockfile's raw bytes, tolerating absence by
// returning (nil, nil) rather than an error. Callers that require a
// lockfile (frozen installs) check for a nil result themselves. Because
// WriteLockfile publishes through write-temp-then-rename, a read racing a
// write sees either the previous or the new complete file, never a torn
// one; there is no separate no-lockfile fallback for that case.
func ReadLockfileRaw(cwd string) ([]byte, error) {
	b, err := os.ReadFile(LockfilePath(cwd))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return b, nil
}

// ReadLockfile parses cwd's lockfile, if present.
func ReadLockfile(cwd string) (*solver.Lockfile, []byte, error) {
	raw, err := ReadLockfileRaw(cwd)
	if err != nil {
		return nil, nil, err
	}
	if raw == nil {
		return nil, nil, nil
	}
	var lf solver.Lockfile
	if err := json.Unmarshal(raw, &lf); err != nil {
		return nil, nil, xerrors.Errorf("daemon: parse lockfile: %w", err)
	}
	return &lf, raw, nil
}

// WriteLockfile serializes lf in its canonical (sorted-key) form and
// publishes it atomically, returning the bytes written so callers can
// derive the install sentinel hash from the same content they persisted.
func WriteLockfile(cwd string, lf *solver.Lockfile) ([]byte, error) {
	b, err := json.MarshalIndent(lf, "", "  ")
	if err != nil {
		return nil, xerrors.Errorf("daemon: marshal lockfile: %w", err)
	}
	b = append(b, '\n')
	if err := renameio.WriteFile(LockfilePath(cwd), b, 0644); err != nil {
		return nil, xerrors.Errorf("daemon: write lockfile: %w", err)
	}
	return b, nil
}

// NodeModulesDir returns cwd's conventional node_modules directory.
func NodeModulesDir(cwd string) string { return filepath.Join(cwd, "node_modules") }

// LoadBuildGraph returns the project's build graph and its target alias
// table. A project that declares an explicit howth.build.json uses it
// verbatim; otherwise one script node per package.json "scripts" entry is
// synthesized, named "script:<name>".
func LoadBuildGraph(cwd string) (*buildgraph.Graph, map[string]string, error) {
	explicit := filepath.Join(cwd, BuildGraphName)
	if b, err := os.ReadFile(explicit); err == nil {
		g, err := buildgraph.LoadJSON(b)
		if err != nil {
			return nil, nil, xerrors.Errorf("daemon: load %s: %w", explicit, err)
		}
		aliases := make(map[string]string, len(g.Nodes))
		for _, n := range g.Nodes {
			if strings.HasPrefix(n.ID, "script:") {
				aliases[strings.TrimPrefix(n.ID, "script:")] = n.ID
			}
		}
		return g, aliases, nil
	} else if !os.IsNotExist(err) {
		return nil, nil, xerrors.Errorf("daemon: stat %s: %w", explicit, err)
	}

	m, err := ReadManifest(cwd)
	if err != nil {
		return nil, nil, err
	}
	return graphFromScripts(cwd, m)
}

// graphFromScripts synthesizes a one-level build graph: one node per
// package.json script, with no declared inter-node deps (npm scripts don't
// express a DAG on their own) and a single File input over package.json
// itself plus every script's source file set is left to the node's own
// command to discover. The manifest is the only input the daemon itself
// can name without parsing the script body.
func graphFromScripts(cwd string, m *Manifest) (*buildgraph.Graph, map[string]string, error) {
	names := make([]string, 0, len(m.Scripts))
	for name := range m.Scripts {
		names = append(names, name)
	}
	sort.Strings(names)

	nodes := make([]buildgraph.Node, 0, len(names))
	aliases := make(map[string]string, len(names))
	for _, name := range names {
		id := "script:" + name
		aliases[name] = id
		nodes = append(nodes, buildgraph.Node{
			ID:   id,
			Kind: buildgraph.KindScript,
			Inputs: []fingerprint.Input{
				{Kind: fingerprint.KindFile, Path: ManifestPath(cwd)},
			},
			Command: buildgraph.Command{
				Argv:  []string{"sh", "-c", m.Scripts[name]},
				Cwd:   cwd,
				Shell: true,
			},
			CachePolicy: buildgraph.CachePolicy{Enabled: true, Mode: "content"},
		})
	}

	g, err := buildgraph.New(buildgraph.CurrentSchemaVersion, cwd, nodes, nil, nil, nil)
	if err != nil {
		return nil, nil, err
	}
	return g, aliases, nil
}

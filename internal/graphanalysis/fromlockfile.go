package graphanalysis

import (
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/mod/semver"

	"howth/internal/solver"
)

func toSemver(v string) string {
	if strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

// FromLockfile builds a PackageGraph from a solver.Lockfile, resolving
// each declared dependency range against the packages actually
// materialized in the lockfile. storeRoot/channel let callers reproduce
// the on-disk path each package occupies in the content-addressed store,
// purely for display; graph identity itself is by (name, version).
func FromLockfile(lf *solver.Lockfile, channel, storeRoot string) *PackageGraph {
	names := make([]string, 0, len(lf.Packages))
	for k := range lf.Packages {
		names = append(names, k)
	}
	sort.Strings(names)

	path := func(name, version string) string {
		return filepath.Join(storeRoot, channel, name+"@"+version)
	}

	toID := make(map[string]PackageID, len(names))
	byName := make(map[string][]string) // name -> sorted "name@version" keys
	for _, key := range names {
		entry := lf.Packages[key]
		name := nameFromKey(key, entry)
		id := PackageID{Name: name, Version: entry.Version, Path: path(name, entry.Version)}
		toID[key] = id
		byName[name] = append(byName[name], key)
	}
	for n := range byName {
		sort.Strings(byName[n])
	}

	resolve := func(depName, rng string) *PackageID {
		candidates := byName[depName]
		if len(candidates) == 0 {
			return nil
		}
		// Prefer the highest version satisfying rng, mirroring the
		// solver's own tie-break.
		var best string
		for _, key := range candidates {
			v := lf.Packages[key].Version
			if rng != "" && !solver.Satisfies(v, rng) {
				continue
			}
			if best == "" || semver.Compare(toSemver(v), toSemver(lf.Packages[best].Version)) > 0 {
				best = key
			}
		}
		if best == "" {
			best = candidates[len(candidates)-1]
		}
		id := toID[best]
		return &id
	}

	nodes := make([]PackageNode, 0, len(names))
	for _, key := range names {
		entry := lf.Packages[key]
		id := toID[key]
		var deps []DepEdge
		depNames := sortedKeys(entry.Dependencies)
		for _, dn := range depNames {
			deps = append(deps, DepEdge{
				From:           id,
				DeclaredName:   dn,
				RequestedRange: entry.Dependencies[dn],
				ResolvedTarget: resolve(dn, entry.Dependencies[dn]),
				Kind:           "dep",
			})
		}
		nodes = append(nodes, PackageNode{ID: id, Deps: deps})
	}

	var rootEdges []DepEdge
	rootNames := sortedRootKeys(lf.Root)
	for _, name := range rootNames {
		rd := lf.Root[name]
		rootEdges = append(rootEdges, DepEdge{
			From:           rootID,
			DeclaredName:   name,
			RequestedRange: rd.Range,
			ResolvedTarget: resolve(name, rd.Range),
			Kind:           string(rd.Kind),
		})
	}

	return New(lf.SchemaVersion, storeRoot, nodes, rootEdges)
}

// nameFromKey recovers the package name from a "name@version" lockfile key;
// PackageEntry.Name carries it directly when the solver set it, but the
// exported JSON form may have dropped it (Name has json:"-"), so fall back
// to parsing the key for lockfiles loaded from disk.
func nameFromKey(key string, entry solver.PackageEntry) string {
	if entry.Name != "" {
		return entry.Name
	}
	if i := strings.LastIndex(key, "@"); i > 0 {
		return key[:i]
	}
	return key
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedRootKeys(m map[string]solver.RootDep) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Package solver resolves a package.json's declared dependencies against a
// registry into a deterministic Lockfile.
//
// Version comparison uses golang.org/x/mod/semver; the npm-range grammar
// (^, ~, exact, >=, *) is a small parser layered on top, since semver
// itself only compares two concrete versions, not ranges. When the same
// name appears under conflicting ranges, a second name@version entry is
// materialized rather than forcing a single version on every consumer.
package solver

import (
	"context"
	"sort"
	"strings"

	"golang.org/x/mod/semver"
	"golang.org/x/xerrors"
)

// DepKind is the closed set of dependency relationship kinds.
type DepKind string

const (
	KindDep      DepKind = "dep"
	KindDev      DepKind = "dev"
	KindOptional DepKind = "optional"
	KindPeer     DepKind = "peer"
)

// VersionMeta is a single version entry from a registry packument.
type VersionMeta struct {
	Version              string
	Dependencies         map[string]string
	PeerDependencies     map[string]string
	OptionalDependencies map[string]string
	TarballURL           string
	Integrity            string
}

// Packument is the registry's metadata document for a package.
type Packument struct {
	Name     string
	Versions map[string]VersionMeta
}

// Registry fetches packuments; the registry HTTP client implements this
// against the real network, tests substitute an in-memory fake.
type Registry interface {
	FetchPackument(ctx context.Context, name string) (*Packument, error)
}

// PackageJSON is the subset of manifest fields the solver consumes.
type PackageJSON struct {
	Name                 string
	Version              string
	Dependencies         map[string]string
	DevDependencies      map[string]string
	OptionalDependencies map[string]string
	PeerDependencies     map[string]string
}

// WorkspaceMember describes a workspace package the solver should
// short-circuit rather than resolve from the registry.
type WorkspaceMember struct {
	Version  string
	AliasFor string // set when this member is referenced via npm: alias
}

// Options controls which dependency kinds the solver walks.
type Options struct {
	IncludeDev      bool
	IncludeOptional bool
	Workspaces      map[string]WorkspaceMember
}

// RootDep is a root-level declared dependency.
type RootDep struct {
	Range string  `json:"range"`
	Kind  DepKind `json:"kind"`
}

// PackageEntry is a resolved package in the lockfile, keyed by "name@version".
type PackageEntry struct {
	Name             string            `json:"-"`
	Version          string            `json:"version"`
	Range            string            `json:"range"`
	TarballURL       string            `json:"tarball_url,omitempty"`
	Integrity        string            `json:"integrity,omitempty"`
	Dependencies     map[string]string `json:"dependencies,omitempty"`
	PeerDependencies map[string]string `json:"peer_dependencies,omitempty"`
	AliasFor         string            `json:"alias_for,omitempty"`
}

// Lockfile is the deterministic output of Solve.
type Lockfile struct {
	SchemaVersion int                     `json:"schema_version"`
	Root          map[string]RootDep      `json:"root"`
	Packages      map[string]PackageEntry `json:"packages"`
}

const SchemaVersion = 1

// ErrUnsolvable is returned when no registry version satisfies a requested
// range.
type ErrUnsolvable struct {
	Parent, Name, Range string
}

func (e ErrUnsolvable) Error() string {
	return xerrors.Errorf("solver: no version of %q satisfies range %q (required by %q)", e.Name, e.Range, e.Parent).Error()
}

type pendingEdge struct {
	parent string
	name   string
	rng    string
	kind   DepKind
}

// Solve walks pkg's declared dependencies against reg, producing a
// Lockfile. The result is deterministic: two Solve calls over an unchanged
// manifest and registry state produce byte-identical lockfiles (map keys
// sort on JSON marshal; internal resolution order never depends on map
// iteration).
func Solve(ctx context.Context, pkg PackageJSON, reg Registry, opts Options) (*Lockfile, error) {
	lf := &Lockfile{SchemaVersion: SchemaVersion, Root: map[string]RootDep{}, Packages: map[string]PackageEntry{}}

	var queue []pendingEdge
	for _, name := range sortedKeys(pkg.Dependencies) {
		lf.Root[name] = RootDep{Range: pkg.Dependencies[name], Kind: KindDep}
		queue = append(queue, pendingEdge{parent: "<root>", name: name, rng: pkg.Dependencies[name], kind: KindDep})
	}
	if opts.IncludeDev {
		for _, name := range sortedKeys(pkg.DevDependencies) {
			lf.Root[name] = RootDep{Range: pkg.DevDependencies[name], Kind: KindDev}
			queue = append(queue, pendingEdge{parent: "<root>", name: name, rng: pkg.DevDependencies[name], kind: KindDev})
		}
	}
	if opts.IncludeOptional {
		for _, name := range sortedKeys(pkg.OptionalDependencies) {
			lf.Root[name] = RootDep{Range: pkg.OptionalDependencies[name], Kind: KindOptional}
			queue = append(queue, pendingEdge{parent: "<root>", name: name, rng: pkg.OptionalDependencies[name], kind: KindOptional})
		}
	}

	// resolvedByRange memoizes which concrete version satisfied a given
	// (name, range) pair, so repeated edges never re-fetch or re-recurse.
	resolvedByRange := map[string]map[string]string{}

	for len(queue) > 0 {
		edge := queue[0]
		queue = queue[1:]

		if member, ok := resolveAliasRange(edge.rng, opts.Workspaces); ok {
			key := member.name + "@" + member.version
			if _, exists := lf.Packages[key]; !exists {
				lf.Packages[key] = PackageEntry{Name: member.name, Version: member.version, Range: edge.rng, AliasFor: member.aliasFor}
			}
			continue
		}

		if ws, ok := opts.Workspaces[edge.name]; ok {
			key := edge.name + "@" + ws.Version
			if _, exists := lf.Packages[key]; !exists {
				lf.Packages[key] = PackageEntry{Name: edge.name, Version: ws.Version, Range: edge.rng, AliasFor: ws.AliasFor}
			}
			continue
		}

		if byName, ok := resolvedByRange[edge.name]; ok {
			if _, already := byName[edge.rng]; already {
				continue
			}
		} else {
			resolvedByRange[edge.name] = map[string]string{}
		}

		packument, err := reg.FetchPackument(ctx, edge.name)
		if err != nil {
			return nil, xerrors.Errorf("solver: fetch packument %s: %w", edge.name, err)
		}

		version, err := bestVersion(packument, edge.rng)
		if err != nil {
			return nil, ErrUnsolvable{Parent: edge.parent, Name: edge.name, Range: edge.rng}
		}
		resolvedByRange[edge.name][edge.rng] = version

		key := edge.name + "@" + version
		if _, exists := lf.Packages[key]; exists {
			continue // another range already resolved to the same version
		}

		vm := packument.Versions[version]
		lf.Packages[key] = PackageEntry{
			Name:             edge.name,
			Version:          version,
			Range:            edge.rng,
			TarballURL:       vm.TarballURL,
			Integrity:        vm.Integrity,
			Dependencies:     vm.Dependencies,
			PeerDependencies: vm.PeerDependencies,
		}

		for _, depName := range sortedKeys(vm.Dependencies) {
			queue = append(queue, pendingEdge{parent: key, name: depName, rng: vm.Dependencies[depName], kind: KindDep})
		}
	}

	return lf, nil
}

type aliasTarget struct {
	name, version, aliasFor string
}

// resolveAliasRange handles "npm:real-name@range" ranges against a
// workspace member, preserving the open-question rule that the alias's
// directory name is the declared name and alias_for records the real one.
func resolveAliasRange(rng string, workspaces map[string]WorkspaceMember) (aliasTarget, bool) {
	if !strings.HasPrefix(rng, "npm:") {
		return aliasTarget{}, false
	}
	rest := strings.TrimPrefix(rng, "npm:")
	at := strings.LastIndex(rest, "@")
	if at <= 0 {
		return aliasTarget{}, false
	}
	realName := rest[:at]
	if ws, ok := workspaces[realName]; ok {
		return aliasTarget{name: realName, version: ws.Version, aliasFor: realName}, true
	}
	return aliasTarget{}, false
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// bestVersion picks the maximum packument version satisfying rng,
// scanning candidates in descending version order.
func bestVersion(p *Packument, rng string) (string, error) {
	var candidates []string
	for v := range p.Versions {
		candidates = append(candidates, v)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return semver.Compare(toSemver(candidates[i]), toSemver(candidates[j])) > 0
	})
	for _, v := range candidates {
		if Satisfies(v, rng) {
			return v, nil
		}
	}
	return "", xerrors.Errorf("no version of %s satisfies %q", p.Name, rng)
}

func toSemver(v string) string {
	if strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

// Satisfies reports whether version v matches npm range rng, supporting the
// common subset: exact versions, "*"/"", "^", "~", and ">=".
func Satisfies(v, rng string) bool {
	rng = strings.TrimSpace(rng)
	if rng == "" || rng == "*" || rng == "latest" {
		return true
	}
	sv := toSemver(v)
	if !semver.IsValid(sv) {
		return false
	}

	switch {
	case strings.HasPrefix(rng, "^"):
		base := toSemver(rng[1:])
		if !semver.IsValid(base) {
			return false
		}
		return semver.Compare(sv, base) >= 0 && semver.Compare(semver.Major(sv), semver.Major(base)) == 0

	case strings.HasPrefix(rng, "~"):
		base := toSemver(rng[1:])
		if !semver.IsValid(base) {
			return false
		}
		return semver.Compare(sv, base) >= 0 && semver.Compare(semver.MajorMinor(sv), semver.MajorMinor(base)) == 0

	case strings.HasPrefix(rng, ">="):
		base := toSemver(strings.TrimSpace(rng[2:]))
		if !semver.IsValid(base) {
			return false
		}
		return semver.Compare(sv, base) >= 0

	default:
		base := toSemver(rng)
		if !semver.IsValid(base) {
			return false
		}
		return semver.Compare(sv, base) == 0
	}
}
